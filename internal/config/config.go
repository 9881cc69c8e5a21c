// Package config loads notesync settings from flags, environment and an optional config file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "NOTESYNC"

	StoreDriverSQLite = "sqlite"
	StoreDriverBadger = "badger"
	StoreDriverMemory = "memory"

	defaultLogLevel           = "info"
	defaultLogFormat          = "console"
	defaultStoreDriver        = StoreDriverSQLite
	defaultStorePath          = "notesync.db"
	defaultBadgerDir          = "notesync.badger"
	defaultRemoteBaseURL      = "http://127.0.0.1:8080"
	defaultRemoteTimeout      = 10 * time.Second
	defaultSyncAuto           = true
	defaultSyncProbeInterval  = 30 * time.Second
	defaultServerAddress      = "0.0.0.0:8080"
	defaultServerDatabasePath = "notesync-server.db"
	defaultServerOwner        = "local"
	defaultServerTokenTTL     = 24 * time.Hour
)

// AppConfig captures runtime configuration for the CLI and the collection server.
type AppConfig struct {
	LogLevel  string
	LogFormat string
	Store     StoreConfig
	Remote    RemoteConfig
	Sync      SyncConfig
	Server    ServerConfig
}

// StoreConfig selects the local note store.
type StoreConfig struct {
	Driver    string
	Path      string
	BadgerDir string
}

// RemoteConfig points the sync client at a remote collection.
type RemoteConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// SyncConfig controls automatic synchronization.
type SyncConfig struct {
	Auto          bool
	ProbeInterval time.Duration
}

// ServerConfig configures the remote collection server.
type ServerConfig struct {
	Address       string
	DatabasePath  string
	SigningSecret string
	DefaultOwner  string
	TokenTTL      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("store.badger_dir", defaultBadgerDir)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.token", "")
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.auto", defaultSyncAuto)
	configViper.SetDefault("sync.probe_interval", defaultSyncProbeInterval)
	configViper.SetDefault("server.address", defaultServerAddress)
	configViper.SetDefault("server.database_path", defaultServerDatabasePath)
	configViper.SetDefault("server.signing_secret", "")
	configViper.SetDefault("server.default_owner", defaultServerOwner)
	configViper.SetDefault("server.token_ttl", defaultServerTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),
		Store: StoreConfig{
			Driver:    strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
			Path:      configViper.GetString("store.path"),
			BadgerDir: configViper.GetString("store.badger_dir"),
		},
		Remote: RemoteConfig{
			BaseURL: strings.TrimSpace(configViper.GetString("remote.base_url")),
			Token:   strings.TrimSpace(configViper.GetString("remote.token")),
			Timeout: configViper.GetDuration("remote.timeout"),
		},
		Sync: SyncConfig{
			Auto:          configViper.GetBool("sync.auto"),
			ProbeInterval: configViper.GetDuration("sync.probe_interval"),
		},
		Server: ServerConfig{
			Address:       configViper.GetString("server.address"),
			DatabasePath:  configViper.GetString("server.database_path"),
			SigningSecret: configViper.GetString("server.signing_secret"),
			DefaultOwner:  configViper.GetString("server.default_owner"),
			TokenTTL:      configViper.GetDuration("server.token_ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.Store.Driver {
	case StoreDriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case StoreDriverBadger:
		if strings.TrimSpace(c.Store.BadgerDir) == "" {
			return fmt.Errorf("store.badger_dir is required for the badger driver")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("store.driver must be one of %s, %s, %s", StoreDriverSQLite, StoreDriverBadger, StoreDriverMemory)
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	parsed, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("remote.base_url must be an absolute http(s) url")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync.probe_interval must be positive")
	}
	return nil
}

// ValidateServer checks the settings only the collection server needs.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return fmt.Errorf("server.address is required")
	}
	if strings.TrimSpace(c.Server.DatabasePath) == "" {
		return fmt.Errorf("server.database_path is required")
	}
	if strings.TrimSpace(c.Server.SigningSecret) == "" && strings.TrimSpace(c.Server.DefaultOwner) == "" {
		return fmt.Errorf("server.default_owner is required when server.signing_secret is empty")
	}
	if c.Server.TokenTTL <= 0 {
		return fmt.Errorf("server.token_ttl must be positive")
	}
	return nil
}
