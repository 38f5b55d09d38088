package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/tvdecode/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpEffective bool

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the configuration as YAML",
	Long: `Dump the default configuration values in YAML format, or with
--effective the values after applying the config file and environment.

  tvdecode config dump > config.yaml

Environment variables use the TVDECODE_ prefix and underscores for nesting.
Example: decoder.queue_capacity -> TVDECODE_DECODER_QUEUE_CAPACITY`,
	RunE: runConfigDump,
}

func init() {
	configDumpCmd.Flags().BoolVar(&configDumpEffective, "effective", false, "dump the merged configuration instead of the defaults")
	configCmd.AddCommand(configDumpCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()
	if configDumpEffective {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return err
		}
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
