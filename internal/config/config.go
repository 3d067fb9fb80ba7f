package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
	mu       sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retention RetentionConfig `mapstructure:"retention"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string `mapstructure:"host" validate:"required"`
	Port           int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	MaxConcurrent  int    `mapstructure:"max_concurrent" validate:"min=1"`
	RequestTimeout int    `mapstructure:"request_timeout" validate:"min=1"` // seconds
}

// RedisConfig contains progress store configuration
type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"required"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"min=0"`
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`
}

// EngineConfig contains processing engine settings
type EngineConfig struct {
	MaxConcurrentUnits int `mapstructure:"max_concurrent_units" validate:"min=1"`
}

// RetentionConfig controls how long finished tasks are kept
type RetentionConfig struct {
	TTL           time.Duration `mapstructure:"ttl" validate:"required"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required"`
	SweepWorkers  int           `mapstructure:"sweep_workers" validate:"min=1"`
}

// CacheConfig contains snapshot cache configuration
type CacheConfig struct {
	Shards int `mapstructure:"shards" validate:"min=1"`
	TTL    int `mapstructure:"ttl" validate:"min=0"` // TTL in seconds
}

// Get returns the singleton configuration instance
func Get() *Config {
	once.Do(func() {
		if instance == nil {
			instance = &Config{}
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// Load initializes and loads configuration from file and environment variables
func Load(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	// Set default values
	setDefaults()

	// Load from file if provided
	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables
	bindEnvVars()

	// Unmarshal configuration
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	instance = cfg
	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.max_concurrent", 100)
	viper.SetDefault("server.request_timeout", 30)

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", "docparser")

	// Engine defaults
	viper.SetDefault("engine.max_concurrent_units", 5)

	// Retention defaults: keep finished tasks for a week, sweep hourly
	viper.SetDefault("retention.ttl", 7*24*time.Hour)
	viper.SetDefault("retention.sweep_interval", 1*time.Hour)
	viper.SetDefault("retention.sweep_workers", 4)

	// Cache defaults
	viper.SetDefault("cache.shards", 16)
	viper.SetDefault("cache.ttl", 5)
}

// bindEnvVars binds environment variables to viper keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.host", "APP_SERVER_HOST")
	viper.BindEnv("server.port", "APP_SERVER_PORT")
	viper.BindEnv("server.max_concurrent", "APP_SERVER_MAX_CONCURRENT")
	viper.BindEnv("server.request_timeout", "APP_SERVER_REQUEST_TIMEOUT")

	// Redis
	viper.BindEnv("redis.addr", "APP_REDIS_ADDR")
	viper.BindEnv("redis.password", "APP_REDIS_PASSWORD")
	viper.BindEnv("redis.db", "APP_REDIS_DB")
	viper.BindEnv("redis.key_prefix", "APP_REDIS_KEY_PREFIX")

	// Engine
	viper.BindEnv("engine.max_concurrent_units", "APP_ENGINE_MAX_CONCURRENT_UNITS")

	// Retention
	viper.BindEnv("retention.ttl", "APP_RETENTION_TTL")
	viper.BindEnv("retention.sweep_interval", "APP_RETENTION_SWEEP_INTERVAL")
	viper.BindEnv("retention.sweep_workers", "APP_RETENTION_SWEEP_WORKERS")

	// Cache
	viper.BindEnv("cache.shards", "APP_CACHE_SHARDS")
	viper.BindEnv("cache.ttl", "APP_CACHE_TTL")
}

// validate performs validation on the configuration
func validate(cfg *Config) error {
	// Validate Server
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server.max_concurrent must be at least 1")
	}
	if cfg.Server.RequestTimeout < 1 {
		return fmt.Errorf("server.request_timeout must be at least 1 second")
	}

	// Validate Redis
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be non-negative")
	}
	if cfg.Redis.KeyPrefix == "" {
		return fmt.Errorf("redis.key_prefix is required")
	}

	// Validate Engine
	if cfg.Engine.MaxConcurrentUnits < 1 {
		return fmt.Errorf("engine.max_concurrent_units must be at least 1")
	}

	// Validate Retention
	if cfg.Retention.TTL <= 0 {
		return fmt.Errorf("retention.ttl must be positive")
	}
	if cfg.Retention.SweepInterval <= 0 {
		return fmt.Errorf("retention.sweep_interval must be positive")
	}
	if cfg.Retention.SweepWorkers < 1 {
		return fmt.Errorf("retention.sweep_workers must be at least 1")
	}

	// Validate Cache
	if cfg.Cache.Shards < 1 {
		return fmt.Errorf("cache.shards must be at least 1")
	}
	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be non-negative")
	}

	return nil
}

// Reload reloads the configuration (thread-safe)
func Reload(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	// Reset instance to allow reload
	instance = nil
	once = sync.Once{}

	return Load(configPath)
}
