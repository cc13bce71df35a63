package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	NATS          NATSConfig
	Responder     ResponderConfig
	Detection     DetectionConfig
	Orchestrator  OrchestratorConfig
	Metrics       MetricsConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host      string
	Port      string
	APIPrefix string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string // "memory" or "postgres"
	URL    string
}

// RedisConfig holds Redis configuration for the IP blocklist
type RedisConfig struct {
	Enabled      bool
	URL          string
	Password     string
	DB           int
	BlocklistTTL time.Duration
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	Enabled       bool
	URL           string
	IngestSubject string
}

// ResponderConfig holds containment API configuration
type ResponderConfig struct {
	APIKey string
	APIURL string
}

// DetectionConfig holds threat scoring configuration
type DetectionConfig struct {
	RiskThreshold   int
	DedupeCacheSize int
}

// OrchestratorConfig holds playbook execution configuration
type OrchestratorConfig struct {
	DefaultStepTimeout time.Duration
	PlaybookFile       string
}

// MetricsConfig holds KPI recomputation configuration
type MetricsConfig struct {
	RefreshInterval time.Duration
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	APIToken       string
	ProductionMode bool
}

// ObservabilityConfig holds observability configuration
type ObservabilityConfig struct {
	PrometheusEnabled bool
	LogLevel          string
	LogFormat         string
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:      getEnv("SERVER_HOST", "0.0.0.0"),
			Port:      getEnv("SERVER_PORT", "8081"),
			APIPrefix: getEnv("API_PREFIX", "/api/v1"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", DriverMemory)),
			URL:    getEnv("DB_URL", ""),
		},
		Redis: RedisConfig{
			Enabled:      getEnvAsBool("REDIS_ENABLED", false),
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			BlocklistTTL: time.Duration(getEnvAsInt("BLOCKLIST_TTL_MINUTES", 24*60)) * time.Minute,
		},
		NATS: NATSConfig{
			Enabled:       getEnvAsBool("NATS_ENABLED", false),
			URL:           getEnv("NATS_URL", "nats://localhost:4222"),
			IngestSubject: getEnv("NATS_INGEST_SUBJECT", "secops.events.ingest"),
		},
		Responder: ResponderConfig{
			APIKey: getEnv("RESPONDER_API_KEY", ""),
			APIURL: getEnv("RESPONDER_API_URL", "http://localhost:9400"),
		},
		Detection: DetectionConfig{
			RiskThreshold:   getEnvAsInt("RISK_THRESHOLD", 50),
			DedupeCacheSize: getEnvAsInt("DEDUPE_CACHE_SIZE", 10000),
		},
		Orchestrator: OrchestratorConfig{
			DefaultStepTimeout: time.Duration(getEnvAsInt("STEP_TIMEOUT_SECONDS", 120)) * time.Second,
			PlaybookFile:       getEnv("PLAYBOOK_FILE", ""),
		},
		Metrics: MetricsConfig{
			RefreshInterval: time.Duration(getEnvAsInt("METRICS_REFRESH_SECONDS", 60)) * time.Second,
		},
		Security: SecurityConfig{
			APIToken:       getEnv("API_TOKEN", ""),
			ProductionMode: getEnvAsBool("PRODUCTION_MODE", false),
		},
		Observability: ObservabilityConfig{
			PrometheusEnabled: getEnvAsBool("PROMETHEUS_ENABLED", true),
			LogLevel:          getEnv("LOG_LEVEL", "info"),
			LogFormat:         getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects inconsistent settings
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DB_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}

	if c.Detection.RiskThreshold < 0 || c.Detection.RiskThreshold > 100 {
		return fmt.Errorf("RISK_THRESHOLD must be within [0,100], got %d", c.Detection.RiskThreshold)
	}
	if c.Detection.DedupeCacheSize <= 0 {
		return fmt.Errorf("DEDUPE_CACHE_SIZE must be positive")
	}
	if c.Orchestrator.DefaultStepTimeout <= 0 {
		return fmt.Errorf("STEP_TIMEOUT_SECONDS must be positive")
	}
	if c.Metrics.RefreshInterval <= 0 {
		return fmt.Errorf("METRICS_REFRESH_SECONDS must be positive")
	}

	if c.Security.ProductionMode {
		if c.Security.APIToken == "" {
			return fmt.Errorf("API_TOKEN is required when PRODUCTION_MODE=true")
		}
		if c.Responder.APIKey == "" {
			return fmt.Errorf("RESPONDER_API_KEY is required when PRODUCTION_MODE=true")
		}
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
