// Package config loads engine configuration from an optional JSON file
// with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	FeedConfig       FeedConfig       `json:"feed"`
	OracleConfig     OracleConfig     `json:"oracle"`
	SupervisorConfig SupervisorConfig `json:"supervisor"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	LoggingConfig    LoggingConfig    `json:"logging"`
}

// FeedConfig holds upstream trade feed settings
type FeedConfig struct {
	WSURL              string        `json:"ws_url"`
	ChannelCapacity    int           `json:"channel_capacity"`     // per-mint event buffer
	MaxReconnects      int           `json:"max_reconnects"`       // reconnect attempts before giving up
	ReconnectBaseDelay time.Duration `json:"reconnect_base_delay"` // exponential backoff base
}

// OracleConfig holds price and balance oracle settings
type OracleConfig struct {
	SolPriceURL   string        `json:"sol_price_url"`
	RPCURL        string        `json:"rpc_url"`
	PriceCacheTTL time.Duration `json:"price_cache_ttl"` // must stay well under a minute
}

// SupervisorConfig holds stream supervisor settings
type SupervisorConfig struct {
	MaxRetries     int           `json:"max_retries"`      // start retry cap
	BaseRetryDelay time.Duration `json:"base_retry_delay"` // start retry backoff base
	StopTimeout    time.Duration `json:"stop_timeout"`     // grace before forcible deregistration
	StartStagger   time.Duration `json:"start_stagger"`    // per-contract delay during bulk start
	MaxStagger     time.Duration `json:"max_stagger"`      // cap on the bulk-start stagger
	OpTimeout      time.Duration `json:"op_timeout"`       // persistence/oracle call deadline
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"` // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"`
}

// LoadConfig reads the JSON config file when present and applies
// environment overrides on top. A missing file is not an error; defaults
// plus environment are enough to boot.
func LoadConfig(filename string) (*Config, error) {
	cfg := defaultConfig()

	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			fileCfg, err := loadFromFile(filename)
			if err != nil {
				return nil, err
			}
			cfg = fileCfg
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		FeedConfig: FeedConfig{
			WSURL:              "wss://pumpportal.fun/api/data",
			ChannelCapacity:    64,
			MaxReconnects:      5,
			ReconnectBaseDelay: time.Second,
		},
		OracleConfig: OracleConfig{
			SolPriceURL:   "https://frontend-api.pump.fun/sol-price",
			RPCURL:        "https://api.mainnet-beta.solana.com",
			PriceCacheTTL: 10 * time.Second,
		},
		SupervisorConfig: SupervisorConfig{
			MaxRetries:     5,
			BaseRetryDelay: time.Second,
			StopTimeout:    2 * time.Second,
			StartStagger:   100 * time.Millisecond,
			MaxStagger:     10 * time.Second,
			OpTimeout:      5 * time.Second,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "",
			Database: "contracts",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.FeedConfig.WSURL = getEnvOrDefault("UPSTREAM_WS_URL", cfg.FeedConfig.WSURL)
	cfg.FeedConfig.ChannelCapacity = getEnvIntOrDefault("CHANNEL_CAPACITY", cfg.FeedConfig.ChannelCapacity)
	cfg.FeedConfig.MaxReconnects = getEnvIntOrDefault("MAX_RECONNECTS", cfg.FeedConfig.MaxReconnects)
	cfg.FeedConfig.ReconnectBaseDelay = getEnvMillisOrDefault("RECONNECT_BASE_DELAY_MS", cfg.FeedConfig.ReconnectBaseDelay)

	cfg.OracleConfig.SolPriceURL = getEnvOrDefault("SOL_PRICE_URL", cfg.OracleConfig.SolPriceURL)
	cfg.OracleConfig.RPCURL = getEnvOrDefault("RPC_URL", cfg.OracleConfig.RPCURL)
	cfg.OracleConfig.PriceCacheTTL = getEnvMillisOrDefault("PRICE_CACHE_TTL_MS", cfg.OracleConfig.PriceCacheTTL)

	cfg.SupervisorConfig.MaxRetries = getEnvIntOrDefault("MAX_RETRIES", cfg.SupervisorConfig.MaxRetries)
	cfg.SupervisorConfig.BaseRetryDelay = getEnvMillisOrDefault("BASE_RETRY_DELAY_MS", cfg.SupervisorConfig.BaseRetryDelay)
	cfg.SupervisorConfig.OpTimeout = getEnvMillisOrDefault("DEFAULT_OP_TIMEOUT_MS", cfg.SupervisorConfig.OpTimeout)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolString(cfg.LoggingConfig.JSONFormat)) == "true"
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.FeedConfig.WSURL == "" {
		return fmt.Errorf("feed ws_url must not be empty")
	}
	if c.FeedConfig.ChannelCapacity <= 0 {
		return fmt.Errorf("feed channel_capacity must be positive, got %d", c.FeedConfig.ChannelCapacity)
	}
	if c.OracleConfig.SolPriceURL == "" {
		return fmt.Errorf("oracle sol_price_url must not be empty")
	}
	if c.OracleConfig.RPCURL == "" {
		return fmt.Errorf("oracle rpc_url must not be empty")
	}
	if c.OracleConfig.PriceCacheTTL >= time.Minute {
		return fmt.Errorf("oracle price_cache_ttl must stay under one minute, got %s", c.OracleConfig.PriceCacheTTL)
	}
	if c.SupervisorConfig.MaxRetries <= 0 {
		return fmt.Errorf("supervisor max_retries must be positive, got %d", c.SupervisorConfig.MaxRetries)
	}
	if c.SupervisorConfig.OpTimeout <= 0 {
		return fmt.Errorf("supervisor op_timeout must be positive, got %s", c.SupervisorConfig.OpTimeout)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := json.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvMillisOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// GenerateSampleConfig writes a commented-defaults configuration file.
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(defaultConfig(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
