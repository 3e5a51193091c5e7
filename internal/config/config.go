// Package config loads runtime configuration for the lobby broker
// from environment variables and an optional config file, following
// the same viper-based pattern as the rest of the ambient stack.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the lobby broker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Store     StoreConfig     `mapstructure:"store"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	LobbyCode LobbyCodeConfig `mapstructure:"lobbycode"`
	Lobby     LobbyConfig     `mapstructure:"lobby"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains network-level settings for the websocket listener.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// LimitsConfig bounds process-wide resource consumption.
type LimitsConfig struct {
	MaxPeers     int `mapstructure:"max_peers"`
	MaxLobbies   int `mapstructure:"max_lobbies"`
	MaxSaveGames int `mapstructure:"max_save_games"`
}

// TimeoutsConfig controls the broker's timers.
type TimeoutsConfig struct {
	NoLobby      time.Duration `mapstructure:"no_lobby"`
	SealClose    time.Duration `mapstructure:"seal_close"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// StoreConfig configures the persistent store client and its
// connection pool resilience protocol.
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxRetries      int           `mapstructure:"max_retries"`
	QueryBackoffCap time.Duration `mapstructure:"query_backoff_cap"`
	ProbeBackoffCap time.Duration `mapstructure:"probe_backoff_cap"`
	ProbeAttempts   int           `mapstructure:"probe_attempts"`
}

// SnapshotConfig controls the in-memory snapshot cache.
type SnapshotConfig struct {
	BulkFlushInterval time.Duration `mapstructure:"bulk_flush_interval"`
}

// LobbyCodeConfig controls the code generator.
type LobbyCodeConfig struct {
	Seed int64 `mapstructure:"seed"`
}

// LobbyConfig controls lobby state-machine behavior flags.
type LobbyConfig struct {
	// NotifyHostChangeToAll mirrors the source's commented-out secondary
	// HOST_CHANGED broadcast to non-new-host members.
	NotifyHostChangeToAll bool `mapstructure:"notify_host_change_to_all"`
}

// MetricsConfig controls Prometheus/health endpoints.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and an optional
// config file named "lobby" in the working directory or ./config.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5050)
	v.SetDefault("server.read_buffer_size", 4096)
	v.SetDefault("server.write_buffer_size", 4096)
	v.SetDefault("server.handshake_timeout", 10*time.Second)

	v.SetDefault("limits.max_peers", 4096)
	v.SetDefault("limits.max_lobbies", 1048576)
	v.SetDefault("limits.max_save_games", 10000)

	v.SetDefault("timeouts.no_lobby", time.Second)
	v.SetDefault("timeouts.seal_close", 10*time.Second)
	v.SetDefault("timeouts.ping_interval", 10*time.Second)

	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "lobby")
	v.SetDefault("store.password", "")
	v.SetDefault("store.database", "lobby")
	v.SetDefault("store.max_retries", 4)
	v.SetDefault("store.query_backoff_cap", 5*time.Second)
	v.SetDefault("store.probe_backoff_cap", 10*time.Second)
	v.SetDefault("store.probe_attempts", 5)

	v.SetDefault("snapshot.bulk_flush_interval", 90*time.Second)

	v.SetDefault("lobbycode.seed", 0)

	v.SetDefault("lobby.notify_host_change_to_all", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("lobby")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("LOBBY")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Limits.MaxPeers <= 0 {
		cfg.Limits.MaxPeers = 4096
	}
	if cfg.Limits.MaxLobbies <= 0 {
		cfg.Limits.MaxLobbies = 1048576
	}
	if cfg.Limits.MaxSaveGames <= 0 {
		cfg.Limits.MaxSaveGames = 10000
	}
	if cfg.Store.MaxRetries <= 0 {
		cfg.Store.MaxRetries = 4
	}
	if cfg.Store.ProbeAttempts <= 0 {
		cfg.Store.ProbeAttempts = 5
	}

	return cfg, nil
}

// BuildDSN builds a libpq-style connection string from the store
// fields if an explicit DSN was not provided.
func (s StoreConfig) BuildDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		s.User, s.Password, s.Host, s.Port, s.Database)
}
