// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Hub      HubConfig
	Store    StoreConfig
	Policy   PolicyConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
}

// NATSConfig holds the notification broker settings. An empty URL disables
// outbound notifications.
type NATSConfig struct {
	URL string
}

// HubConfig holds the project hub integration settings. An empty URL
// disables snapshot pushes.
type HubConfig struct {
	URL     string
	Timeout time.Duration
}

// StoreConfig selects the event store backend.
type StoreConfig struct {
	// Backend is "postgres" or "file".
	Backend string
	// EventDir is the directory for the file backend.
	EventDir string
}

// PolicyConfig holds tunable business policy, not invariants.
type PolicyConfig struct {
	// SendWindowDays is the elastic notice-window threshold for the
	// SEND_WINDOW rule. Zero disables the check.
	SendWindowDays int
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "unified-timeline"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "unified_timeline"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Hub: HubConfig{
			URL:     getEnv("PROJECT_HUB_URL", ""),
			Timeout: getEnvDuration("PROJECT_HUB_TIMEOUT", 5*time.Second),
		},
		Store: StoreConfig{
			Backend:  getEnv("STORE_BACKEND", "postgres"),
			EventDir: getEnv("EVENT_DIR", "./data/events"),
		},
		Policy: PolicyConfig{
			SendWindowDays: getEnvInt("CLAIM_SEND_WINDOW_DAYS", 0),
		},
	}

	if cfg.Store.Backend != "postgres" && cfg.Store.Backend != "file" {
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: must be postgres or file", cfg.Store.Backend)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
