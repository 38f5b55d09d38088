// Package cmd implements the CLI commands for tvdecode.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/tvdecode/internal/config"
	"github.com/jmylchreest/tvdecode/internal/observability"
	"github.com/jmylchreest/tvdecode/internal/version"
	"github.com/jmylchreest/tvdecode/pkg/container"
	"github.com/jmylchreest/tvdecode/pkg/httpclient"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "tvdecode",
	Short:   "Decode several streams of one media source concurrently",
	Version: version.Short(),
	Long: `tvdecode opens an MPEG-TS file or stream, an HLS playlist or a WebP
image and decodes one or more of its streams. All decoders of a source
share a single demuxer.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set here rather than in the literal: initLogging reads rootCmd's flags.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		logger, err := initLogging()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cmd.SetContext(observability.ContextWithLogger(ctx, logger))
		return nil
	}

	// Not bound to viper: a flag only overrides config and env when set
	// explicitly, see initLogging.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.tvdecode/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/tvdecode")
		viper.AddConfigPath("$HOME/.tvdecode")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (TVDECODE_LOGGING_LEVEL, TVDECODE_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults
func initLogging() (*slog.Logger, error) {
	logCfg := config.LoggingConfig{
		Level:      viper.GetString("logging.level"),
		Format:     viper.GetString("logging.format"),
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		logCfg.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		logCfg.Format, _ = flags.GetString("log-format")
	}

	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}
	if logCfg.Level == "" {
		logCfg.Level = "info"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = observability.WithApp(logger, version.ApplicationName, version.Version)
	observability.SetDefault(logger)
	return logger, nil
}

// loadConfig decodes the merged flag, env and file configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// sourceOptions builds container options from the source configuration.
func sourceOptions(cfg *config.Config, logger *slog.Logger) container.Options {
	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.Source.HTTPTimeout
	hc.RetryAttempts = cfg.Source.RetryAttempts
	hc.RetryDelay = cfg.Source.RetryDelay
	hc.UserAgent = cfg.Source.UserAgent
	if hc.UserAgent == "" {
		hc.UserAgent = version.UserAgent()
	}
	hc.Logger = logger

	return container.Options{
		ReadBufferSize:   cfg.Source.ReadBufferSize.Int(),
		HLSBufferPackets: cfg.Source.HLSBufferPackets,
		ProbePackets:     cfg.Source.ProbePackets,
		HTTPClient:       httpclient.New(hc),
		Logger:           logger,
	}
}
