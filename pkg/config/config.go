package config

import (
	"fmt"
	"strings"
	"time"

	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/env"
)

// Storage backends
const (
	StorageMemory     = "memory"
	StoragePersistent = "persistent"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	JWT       JWTConfig
	Log       LogConfig
	Push      PushConfig
	ICE       ICEConfig
	Call      CallConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// StorageConfig selects where call records, signals and notifications live
type StorageConfig struct {
	Backend string // memory, persistent
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// PushConfig holds push notification provider configuration
type PushConfig struct {
	Provider string // mock, fcm, apns

	FCMProjectID       string
	FCMCredentialsPath string

	APNsBundleID     string
	APNsKeyPath      string
	APNsKeyID        string
	APNsTeamID       string
	APNsCertPath     string
	APNsCertPassword string
	APNsProduction   bool
}

// ICEConfig holds the NAT traversal servers handed to peers
type ICEConfig struct {
	STUNServers []string
}

// CallConfig holds call lifecycle tuning
type CallConfig struct {
	RingingTimeout  time.Duration
	CloseGrace      time.Duration
	ExpiryWriteBack bool
	ExpirySchedule  string
}

// DefaultSTUNServers are public Google STUN endpoints
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8080),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-service"),
		},
		Storage: StorageConfig{
			Backend: env.GetString("STORAGE_BACKEND", StoragePersistent),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "peercall"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:       env.GetSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace:    env.GetString("CASSANDRA_KEYSPACE", "peercall"),
			Username:    env.GetString("CASSANDRA_USER", ""),
			Password:    env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Consistency: env.GetString("CASSANDRA_CONSISTENCY", "LOCAL_QUORUM"),
			Timeout:     env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Push: PushConfig{
			Provider:           env.GetString("PUSH_PROVIDER", "mock"),
			FCMProjectID:       env.GetString("FCM_PROJECT_ID", ""),
			FCMCredentialsPath: env.GetString("FCM_CREDENTIALS_PATH", ""),
			APNsBundleID:       env.GetString("APNS_BUNDLE_ID", ""),
			APNsKeyPath:        env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:          env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:         env.GetString("APNS_TEAM_ID", ""),
			APNsCertPath:       env.GetString("APNS_CERT_PATH", ""),
			APNsCertPassword:   env.GetStringFromFile("APNS_CERT_PASSWORD", ""),
			APNsProduction:     env.GetBool("APNS_PRODUCTION", false),
		},
		ICE: ICEConfig{
			STUNServers: env.GetSlice("ICE_STUN_SERVERS", DefaultSTUNServers),
		},
		Call: CallConfig{
			RingingTimeout:  env.GetDuration("CALL_RINGING_TIMEOUT", constants.RingingStaleAfter),
			CloseGrace:      env.GetDuration("CALL_CLOSE_GRACE", constants.CallCloseGrace),
			ExpiryWriteBack: env.GetBool("CALL_EXPIRY_WRITEBACK", false),
			ExpirySchedule:  env.GetString("CALL_EXPIRY_SCHEDULE", constants.CallExpirySchedule),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate JWT secret in production
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	switch c.Storage.Backend {
	case StorageMemory, StoragePersistent:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageMemory, StoragePersistent, c.Storage.Backend)
	}

	stun := 0
	for _, url := range c.ICE.STUNServers {
		if strings.HasPrefix(url, "stun:") || strings.HasPrefix(url, "stuns:") {
			stun++
		}
	}
	if stun < 2 {
		return fmt.Errorf("ICE_STUN_SERVERS must list at least two stun: URLs")
	}

	if c.Call.RingingTimeout <= 0 {
		return fmt.Errorf("CALL_RINGING_TIMEOUT must be positive")
	}
	if c.Call.CloseGrace < 0 {
		return fmt.Errorf("CALL_CLOSE_GRACE must not be negative")
	}

	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
