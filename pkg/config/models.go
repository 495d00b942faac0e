package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Store     StoreConfig
	Cache     CacheConfig
	Sessions  SessionConfig
	LogLevel  string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	// MaxPerUser is the device cap: a user may hold at most this many
	// concurrent connections. Further attempts are rejected.
	MaxPerUser int `mapstructure:"maxPerUser"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	SendBuffer  int           `mapstructure:"sendBuffer"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type CacheConfig struct {
	// MaxEntriesPerCategory bounds each cache category; the periodic
	// eviction pass trims oversized categories down to half of this.
	MaxEntriesPerCategory int           `mapstructure:"maxEntriesPerCategory"`
	EvictInterval         time.Duration `mapstructure:"evictInterval"`
}

type SessionConfig struct {
	// MaxPerUser bounds the number of session records kept per user;
	// older records are trimmed on refresh.
	MaxPerUser    int           `mapstructure:"maxPerUser"`
	InactiveAfter time.Duration `mapstructure:"inactiveAfter"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}
