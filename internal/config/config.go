// Package config loads the mpdsync daemon configuration from defaults, a
// YAML file, MPDSYNC_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edumarques81/stellar-mpdsync/internal/domain/music"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd"
	"github.com/edumarques81/stellar-mpdsync/internal/infra/mpd/conn"
	"github.com/edumarques81/stellar-mpdsync/internal/transport/socketio"
)

// EnvPrefix prefixes environment overrides, e.g. MPDSYNC_MPD_ADDRESS.
const EnvPrefix = "MPDSYNC"

// Config holds all daemon configuration
type Config struct {
	MPD     mpd.Config       `mapstructure:"mpd"`
	Server  ServerConfig     `mapstructure:"server"`
	Socket  socketio.Options `mapstructure:"socket"`
	Logging LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	StaticDir       string        `mapstructure:"static_dir"` // optional SPA directory
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// JSON disables the console writer.
	JSON bool `mapstructure:"json"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		MPD: mpd.Config{
			Address:            conn.DefaultAddress,
			ConnectTimeout:     conn.DefaultConnectTimeout,
			ReadTimeout:        conn.DefaultReadTimeout,
			RetryDelay:         conn.DefaultRetryDelay,
			MaxConnectAttempts: conn.DefaultMaxConnectAttempts,
			MaxCommandAttempts: conn.DefaultMaxCommandAttempts,
			Listing: music.ListingConfig{
				UseAlbumArtist: true,
				SortByName:     true,
			},
		},
		Server: ServerConfig{
			Listen:          ":3001",
			ShutdownTimeout: 5 * time.Second,
		},
		Socket: socketio.Options{
			MaxRemoteClients: 4,
			DebounceWindow:   50 * time.Millisecond,
			CommandTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":       "server.listen",
	"static":       "server.static_dir",
	"mpd-address":  "mpd.address",
	"mpd-password": "mpd.password",
	"log-level":    "logging.level",
}

// Flags returns the daemon flag set. Flag defaults mirror Default.
func Flags() *pflag.FlagSet {
	def := Default()
	fs := pflag.NewFlagSet("mpdsync", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to config file")
	fs.String("listen", def.Server.Listen, "HTTP listen address")
	fs.String("static", def.Server.StaticDir, "directory to serve static files from (optional)")
	fs.String("mpd-address", def.MPD.Address, "MPD host:port or unix socket path")
	fs.String("mpd-password", "", "MPD password")
	fs.String("log-level", def.Logging.Level, "log level (debug, info, warn, error)")
	fs.Bool("debug", false, "shorthand for --log-level=debug")
	fs.BoolP("version", "v", false, "print version and exit")
	return fs
}

// defaultConfigPath returns the per-user config directory
func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mpdsync")
	}
	return "."
}

// Load builds the configuration. Precedence, highest first: flags that were
// set, environment, config file, defaults. An explicit file must exist;
// otherwise mpdsync.yaml is looked up in the user config dir, /etc/mpdsync
// and the working directory, and its absence is not an error.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		if debug, err := flags.GetBool("debug"); err == nil && debug {
			v.Set("logging.level", "debug")
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("mpdsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath("/etc/mpdsync")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch {
	case c.MPD.Address == "":
		return errors.New("mpd.address must not be empty")
	case c.Server.Listen == "":
		return errors.New("server.listen must not be empty")
	case c.MPD.MaxConnectAttempts < 1 || c.MPD.MaxCommandAttempts < 1:
		return errors.New("mpd attempt limits must be at least 1")
	}
	return nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("mpd.address", cfg.MPD.Address)
	v.SetDefault("mpd.password", cfg.MPD.Password)
	v.SetDefault("mpd.connect_timeout", cfg.MPD.ConnectTimeout)
	v.SetDefault("mpd.read_timeout", cfg.MPD.ReadTimeout)
	v.SetDefault("mpd.retry_delay", cfg.MPD.RetryDelay)
	v.SetDefault("mpd.max_connect_attempts", cfg.MPD.MaxConnectAttempts)
	v.SetDefault("mpd.max_command_attempts", cfg.MPD.MaxCommandAttempts)
	v.SetDefault("mpd.listing.use_album_artist", cfg.MPD.Listing.UseAlbumArtist)
	v.SetDefault("mpd.listing.sort_by_name", cfg.MPD.Listing.SortByName)

	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.static_dir", cfg.Server.StaticDir)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	v.SetDefault("socket.max_remote_clients", cfg.Socket.MaxRemoteClients)
	v.SetDefault("socket.debounce_window", cfg.Socket.DebounceWindow)
	v.SetDefault("socket.command_timeout", cfg.Socket.CommandTimeout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.json", cfg.Logging.JSON)
}
