package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"mealsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Store        StoreConfig        `yaml:"store"`
	Redis        RedisConfig        `yaml:"redis"`
	Remote       RemoteConfig       `yaml:"remote"`
	Upload       UploadConfig       `yaml:"upload"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	API          APIConfig          `yaml:"api"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Backup       BackupConfig       `yaml:"backup"`
	Exports      ExportConfig       `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// StoreConfig selects the durable work store backend.
// Backend is one of sqlite, redis, memory or failover (redis with sqlite fallback).
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	KeyPrefix     string        `yaml:"key_prefix"`
	MaxRetries    int           `yaml:"max_retries"`
	CacheCapacity int           `yaml:"cache_capacity"`
	CacheMaxAge   time.Duration `yaml:"cache_max_age"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`
	RateRPS   float64       `yaml:"rate_rps"`
	RateBurst int           `yaml:"rate_burst"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type UploadConfig struct {
	NoCompress    bool          `yaml:"no_compress"`
	RetryAttempts int           `yaml:"retry_attempts"`
	Timeout       time.Duration `yaml:"timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxPolls      int           `yaml:"max_polls"`
	BatchSize     int           `yaml:"batch_size"`
	BatchDelay    time.Duration `yaml:"batch_delay"`
	WorkDir       string        `yaml:"work_dir"`
}

type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	FanOut      int           `yaml:"fan_out"`
}

type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	NetworkType   string        `yaml:"network_type"`
	Generation    string        `yaml:"cellular_generation"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML file at configPath, expanding ${VAR} references from the
// environment. A .env file in the working directory is loaded when present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		return errors.New("remote base_url is required")
	}

	switch c.Store.Backend {
	case "sqlite", "failover":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for %s backend", c.Store.Backend)
		}
		if c.Store.Backend == "failover" && c.Redis.Address == "" {
			return errors.New("redis address is required for failover backend")
		}
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address is required for redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	if c.Store.MaxRetries < 1 {
		return errors.New("store max_retries must be positive")
	}
	if c.Store.CacheCapacity < 1 {
		return errors.New("store cache_capacity must be positive")
	}

	switch models.NetworkType(c.Connectivity.NetworkType) {
	case models.NetworkWifi, models.NetworkCellular, models.NetworkEthernet, models.NetworkUnknown:
	default:
		return fmt.Errorf("unknown connectivity network_type: %q", c.Connectivity.NetworkType)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "mealsync"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Path == "" && (c.Store.Backend == "sqlite" || c.Store.Backend == "failover") {
		c.Store.Path = "data/mealsync.db"
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = models.DefaultKeyPrefix
	}
	if c.Store.MaxRetries == 0 {
		c.Store.MaxRetries = models.DefaultMaxRetries
	}
	if c.Store.CacheCapacity == 0 {
		c.Store.CacheCapacity = models.DefaultCacheCapacity
	}
	if c.Store.CacheMaxAge == 0 {
		c.Store.CacheMaxAge = models.DefaultCacheMaxAge
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Remote.RateBurst == 0 {
		c.Remote.RateBurst = 5
	}

	if c.Upload.RetryAttempts == 0 {
		c.Upload.RetryAttempts = models.DefaultUploadRetryAttempts
	}
	if c.Upload.Timeout == 0 {
		c.Upload.Timeout = models.DefaultUploadTimeout
	}
	if c.Upload.PollInterval == 0 {
		c.Upload.PollInterval = models.DefaultPollInterval
	}
	if c.Upload.MaxPolls == 0 {
		c.Upload.MaxPolls = models.DefaultMaxPolls
	}
	if c.Upload.BatchSize == 0 {
		c.Upload.BatchSize = models.DefaultBatchSize
	}
	if c.Upload.BatchDelay == 0 {
		c.Upload.BatchDelay = models.DefaultBatchDelay
	}
	if c.Upload.WorkDir == "" {
		c.Upload.WorkDir = "data/work"
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = models.DefaultSyncInterval
	}
	if c.Sync.SettleDelay == 0 {
		c.Sync.SettleDelay = models.DefaultSettleDelay
	}
	if c.Sync.FanOut == 0 {
		c.Sync.FanOut = models.DefaultBatchSize
	}

	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = 10 * time.Second
	}
	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = 5 * time.Second
	}
	if c.Connectivity.NetworkType == "" {
		c.Connectivity.NetworkType = string(models.NetworkWifi)
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
