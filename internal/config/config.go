// Package config provides configuration management for tvdecode using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/tvdecode/pkg/decode"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "TVDECODE"

// Default configuration values.
const (
	defaultQueueCapacity    = 8
	defaultThreadInterval   = 10 * time.Millisecond
	defaultReadBufferSize   = 1 << 20 // 1MiB
	defaultHLSBufferPackets = 256
	defaultProbePackets     = 2048
	defaultRetryAttempts    = 3
	defaultRetryDelay       = time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Decoder DecoderConfig `mapstructure:"decoder" yaml:"decoder"`
	Source  SourceConfig  `mapstructure:"source" yaml:"source"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// DecoderConfig holds decoder and demuxer configuration.
type DecoderConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"` // auto, container, webp
	QueueCapacity  int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	ThreadInterval time.Duration `mapstructure:"thread_interval" yaml:"thread_interval"`
	// PacketTimeout bounds each GetFrame call (0 = wait forever).
	PacketTimeout time.Duration `mapstructure:"packet_timeout" yaml:"packet_timeout"`
	// CodecDelay is how many packets a codec holds before emitting a frame.
	CodecDelay int `mapstructure:"codec_delay" yaml:"codec_delay"`
}

// SourceConfig holds source opening and probing configuration.
type SourceConfig struct {
	// ReadBufferSize supports human-readable values like "1MiB" or raw byte counts.
	ReadBufferSize   ByteSize      `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
	HLSBufferPackets int           `mapstructure:"hls_buffer_packets" yaml:"hls_buffer_packets"`
	ProbePackets     int           `mapstructure:"probe_packets" yaml:"probe_packets"`
	// HTTPTimeout bounds a whole HTTP response including its body, so it
	// stays 0 (none) for live streams.
	HTTPTimeout      time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TVDECODE_ and use underscores for nesting.
// Example: TVDECODE_DECODER_QUEUE_CAPACITY=16.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tvdecode")
		v.AddConfigPath("$HOME/.tvdecode")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")

	v.SetDefault("decoder.backend", string(decode.BackendAuto))
	v.SetDefault("decoder.queue_capacity", defaultQueueCapacity)
	v.SetDefault("decoder.thread_interval", defaultThreadInterval)
	v.SetDefault("decoder.packet_timeout", time.Duration(0))
	v.SetDefault("decoder.codec_delay", 0)

	v.SetDefault("source.read_buffer_size", defaultReadBufferSize)
	v.SetDefault("source.hls_buffer_packets", defaultHLSBufferPackets)
	v.SetDefault("source.probe_packets", defaultProbePackets)
	v.SetDefault("source.http_timeout", time.Duration(0))
	v.SetDefault("source.retry_attempts", defaultRetryAttempts)
	v.SetDefault("source.retry_delay", defaultRetryDelay)
	v.SetDefault("source.user_agent", "")
}

// Default returns the configuration Load produces with no file or
// environment overrides.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg, decodeHook())
	return &cfg
}

// decodeHook lets durations and sizes be given as strings.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if _, err := decode.ParseBackend(c.Decoder.Backend); err != nil {
		return fmt.Errorf("decoder.backend: %w", err)
	}
	if c.Decoder.QueueCapacity < 1 {
		return fmt.Errorf("decoder.queue_capacity must be at least 1")
	}
	if c.Decoder.ThreadInterval <= 0 {
		return fmt.Errorf("decoder.thread_interval must be positive")
	}
	if c.Decoder.PacketTimeout < 0 {
		return fmt.Errorf("decoder.packet_timeout must not be negative")
	}
	if c.Decoder.CodecDelay < 0 {
		return fmt.Errorf("decoder.codec_delay must not be negative")
	}

	if c.Source.ReadBufferSize < 1 {
		return fmt.Errorf("source.read_buffer_size must be at least 1 byte")
	}
	if c.Source.HLSBufferPackets < 1 {
		return fmt.Errorf("source.hls_buffer_packets must be at least 1")
	}
	if c.Source.ProbePackets < 1 {
		return fmt.Errorf("source.probe_packets must be at least 1")
	}
	if c.Source.RetryAttempts < 0 {
		return fmt.Errorf("source.retry_attempts must not be negative")
	}

	return nil
}
