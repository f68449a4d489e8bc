// Package config loads relay settings from defaults, an optional config file,
// PORTO_RELAY_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PORTO_RELAY_TIMEOUT.
const EnvPrefix = "PORTO_RELAY"

var ErrInvalid = errors.New("invalid configuration")

// Config holds the relay settings.
type Config struct {
	// Listen is the multiaddr the relay binds, normally a loopback TCP
	// address with port 0.
	Listen string `mapstructure:"listen"`
	// Timeout bounds every wait for a dialog response.
	Timeout time.Duration `mapstructure:"timeout"`
	// Buffer is the per-subscriber ring size of the broadcast bus.
	Buffer int `mapstructure:"buffer"`
	// MaxConnections caps concurrently served connections.
	MaxConnections int `mapstructure:"max_connections"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// AdminKeyFile, when set, holds an admin key created on first use whose
	// public key is registered with the relay.
	AdminKeyFile string `mapstructure:"admin_key_file"`
	// AdminKey registers a fresh admin key that is never written to disk.
	// AdminKeyFile takes precedence.
	AdminKey bool `mapstructure:"admin_key"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen:          "/ip4/127.0.0.1/tcp/0",
		Timeout:         300 * time.Second,
		Buffer:          100,
		MaxConnections:  64,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("buffer", d.Buffer)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("admin_key_file", d.AdminKeyFile)
	v.SetDefault("admin_key", d.AdminKey)
}

// RegisterFlags adds one flag per setting to fs. Flag names use dashes where
// the config keys use underscores.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("listen", d.Listen, "listen multiaddr")
	fs.Duration("timeout", d.Timeout, "how long to wait for a dialog response")
	fs.Int("buffer", d.Buffer, "per-subscriber broadcast buffer")
	fs.Int("max-connections", d.MaxConnections, "maximum concurrent connections")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "graceful shutdown limit")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("admin-key-file", d.AdminKeyFile, "create or load an admin key and register its public key")
	fs.Bool("admin-key", d.AdminKey, "register a fresh, unpersisted admin key")
}

// New returns a viper instance with defaults, environment binding and the
// flags from fs bound to their config keys.
func New(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if fs == nil {
		return v, nil
	}
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}
	return v, nil
}

// Load reads the optional config file named by the "config" key and returns
// the validated settings.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := ma.NewMultiaddr(c.Listen); err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrInvalid, c.Listen, err)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	if c.Buffer <= 0 {
		return fmt.Errorf("%w: buffer must be positive", ErrInvalid)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max_connections must be positive", ErrInvalid)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalid)
	}
	if _, ok := levels[strings.ToLower(c.LogLevel)]; !ok {
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := levels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}
