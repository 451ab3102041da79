// Package config loads beamlink settings from defaults, an optional YAML file
// and BEAMLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "BEAMLINK"
	ConfigFileName = "beamlink"
)

type Config struct {
	Listen   string         `mapstructure:"listen"`
	DataDir  string         `mapstructure:"data_dir"`
	Simulate bool           `mapstructure:"simulate"`
	Token    TokenConfig    `mapstructure:"token"`
	Trust    TrustConfig    `mapstructure:"trust"`
	Pairing  PairingConfig  `mapstructure:"pairing"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Transmit TransmitConfig `mapstructure:"transmit"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Log      LogConfig      `mapstructure:"log"`
}

type TokenConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type TrustConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	WildcardSuffix string   `mapstructure:"wildcard_suffix"`
}

type PairingConfig struct {
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
	MaxPending int           `mapstructure:"max_pending"`
}

type SerialConfig struct {
	ProfilesFile   string `mapstructure:"profiles_file"`
	DefaultProfile string `mapstructure:"default_profile"`
}

type ProbeConfig struct {
	Bauds   []int         `mapstructure:"bauds"`
	Timeout time.Duration `mapstructure:"timeout"`
	Settle  time.Duration `mapstructure:"settle"`
	Stagger time.Duration `mapstructure:"stagger"`
}

type TransmitConfig struct {
	MaxInFlight   int           `mapstructure:"max_in_flight"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Pace          time.Duration `mapstructure:"pace"`
	ProgressEvery int           `mapstructure:"progress_every"`
}

type SessionsConfig struct {
	History int `mapstructure:"history"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DefaultDataDir returns $BEAMLINK_DATA_DIR or ~/.beamlink.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".beamlink"
	}
	return filepath.Join(home, ".beamlink")
}

// SetDefaults registers every key so env overrides and Unmarshal see it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:8787")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("simulate", false)

	v.SetDefault("token.secret", "")
	v.SetDefault("token.ttl", 2*time.Minute)

	v.SetDefault("trust.allowed_origins", []string{})
	v.SetDefault("trust.wildcard_suffix", ".replit.dev")

	v.SetDefault("pairing.pending_ttl", 10*time.Minute)
	v.SetDefault("pairing.max_pending", 64)

	v.SetDefault("serial.profiles_file", "")
	v.SetDefault("serial.default_profile", "grbl")

	v.SetDefault("probe.bauds", []int{115200, 250000, 9600, 19200, 38400, 57600})
	v.SetDefault("probe.timeout", 500*time.Millisecond)
	v.SetDefault("probe.settle", 100*time.Millisecond)
	v.SetDefault("probe.stagger", 100*time.Millisecond)

	v.SetDefault("transmit.max_in_flight", 8)
	v.SetDefault("transmit.poll_interval", 50*time.Millisecond)
	v.SetDefault("transmit.pace", 5*time.Millisecond)
	v.SetDefault("transmit.progress_every", 10)

	v.SetDefault("sessions.history", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (explicit path, or beamlink.yaml in the data
// directory when present) and decodes the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals the current viper state and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.Token.TTL <= 0 {
		return errors.New("config: token.ttl must be positive")
	}
	if c.Transmit.MaxInFlight <= 0 {
		return errors.New("config: transmit.max_in_flight must be positive")
	}
	if len(c.Probe.Bauds) == 0 {
		return errors.New("config: probe.bauds must not be empty")
	}
	for _, b := range c.Probe.Bauds {
		if b <= 0 {
			return fmt.Errorf("config: invalid probe baud %d", b)
		}
	}
	return nil
}

// StorePath is the trust store document location.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// Watch re-decodes the config whenever the file changes and hands the result
// to onChange. Decode failures are reported through onError and the previous
// config stays in effect.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}
