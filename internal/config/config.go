// Package config loads medsync configuration via viper.
//
// Settings come from, in increasing precedence: built-in defaults, the
// config file (medsync.yaml in the data directory or an explicit path),
// and MEDSYNC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the CLI and daemons read.
type Config struct {
	// DataDir holds the client state database and spool directory.
	DataDir string `mapstructure:"data_dir"`

	// ServerURL is the authoritative store's base URL.
	ServerURL string `mapstructure:"server_url"`

	// AuthToken is the bearer token gating push/pull. Issuance is an
	// external concern.
	AuthToken string `mapstructure:"auth_token"`

	// SyncInterval is how often the engine runs a scheduled cycle.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// SpoolDir is the drop directory watched for op files. Empty
	// disables the watcher.
	SpoolDir string `mapstructure:"spool_dir"`

	// ListenAddr is where `serve` binds the sync API.
	ListenAddr string `mapstructure:"listen_addr"`

	// MonitorPort is where `serve` exposes the WebSocket monitor.
	// Zero disables the monitor.
	MonitorPort int `mapstructure:"monitor_port"`

	// StorePath is the authoritative store's database file.
	StorePath string `mapstructure:"store_path"`

	// LogFile, when set, routes daemon logs through a rotating file.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration. path may be empty, in which case only defaults,
// a medsync.yaml found in the working directory, and environment variables
// apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", ".medsync")
	v.SetDefault("server_url", "http://localhost:8443")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("listen_addr", ":8443")
	v.SetDefault("store_path", ".medsync/store.db")

	// Keys without a meaningful default still need registering so
	// AutomaticEnv values reach Unmarshal.
	v.SetDefault("auth_token", "")
	v.SetDefault("spool_dir", "")
	v.SetDefault("monitor_port", 0)
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("MEDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("medsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; anything else is not.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}
