package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Worker   WorkerConfig   `yaml:"worker"`
	Ingester IngesterConfig `yaml:"ingester"`
	Logger   LoggerConfig   `yaml:"logger"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release
}

// MongoConfig MongoDB configuration
type MongoConfig struct {
	ConnectionString string `yaml:"connection_string"`
	DatabaseName     string `yaml:"database_name"`
	ConnectTimeout   int    `yaml:"connect_timeout"` // seconds
}

// RedisConfig Redis configuration (reference bus driver)
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Queue    string `yaml:"queue"` // queue key the bus driver consumes
}

// LedgerConfig ledger repository configuration
type LedgerConfig struct {
	StaleTaskTimeout int `yaml:"stale_task_timeout"` // seconds; heartbeat-expiry threshold for acquisition
}

// WorkerConfig worker loop configuration
type WorkerConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval"` // seconds
	PollingInterval   int `yaml:"polling_interval"`   // seconds; idle sleep
	BatchSize         int `yaml:"batch_size"`
	MaxRetries        int `yaml:"max_retries"` // retry budget per task
}

// IngesterConfig bus pull loop configuration
type IngesterConfig struct {
	BatchSize          int `yaml:"batch_size"`
	PollingWaitSeconds int `yaml:"polling_wait_seconds"` // bus long-poll wait

	// DeadLetterFailedMessages controls the failure disposition: dead-letter
	// when true (the default), abandon for redelivery when false.
	DeadLetterFailedMessages *bool `yaml:"dead_letter_failed_messages"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// ConnectTimeoutDuration returns the Mongo connect timeout as a duration.
func (c MongoConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// StaleTaskTimeoutDuration returns the heartbeat-expiry threshold.
func (c LedgerConfig) StaleTaskTimeoutDuration() time.Duration {
	return time.Duration(c.StaleTaskTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the worker heartbeat period.
func (c WorkerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// PollingIntervalDuration returns the worker idle sleep.
func (c WorkerConfig) PollingIntervalDuration() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}

// PollingWait returns the bus long-poll wait.
func (c IngesterConfig) PollingWait() time.Duration {
	return time.Duration(c.PollingWaitSeconds) * time.Second
}

// DeadLetterFailed reports the failure disposition, defaulting to dead-letter.
func (c IngesterConfig) DeadLetterFailed() bool {
	if c.DeadLetterFailedMessages == nil {
		return true
	}
	return *c.DeadLetterFailedMessages
}

// Default returns a configuration populated with the documented defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Mongo.ConnectionString == "" {
		cfg.Mongo.ConnectionString = "mongodb://127.0.0.1:27017"
	}
	if cfg.Mongo.DatabaseName == "" {
		cfg.Mongo.DatabaseName = "taskledger"
	}
	if cfg.Mongo.ConnectTimeout <= 0 {
		cfg.Mongo.ConnectTimeout = 10
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.Queue == "" {
		cfg.Redis.Queue = "taskledger:ingest"
	}
	if cfg.Ledger.StaleTaskTimeout <= 0 {
		cfg.Ledger.StaleTaskTimeout = 300
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		cfg.Worker.HeartbeatInterval = 30
	}
	if cfg.Worker.PollingInterval <= 0 {
		cfg.Worker.PollingInterval = 10
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 10
	}
	if cfg.Worker.MaxRetries <= 0 {
		cfg.Worker.MaxRetries = 3
	}
	if cfg.Ingester.BatchSize <= 0 {
		cfg.Ingester.BatchSize = 10
	}
	if cfg.Ingester.PollingWaitSeconds <= 0 {
		cfg.Ingester.PollingWaitSeconds = 30
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
}

// Init initializes configuration from CONFIG_PATH (default config/config.yaml)
// and applies environment overrides for the connection settings.
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		cfg.Mongo.ConnectionString = uri
	}
	if db := os.Getenv("MONGODB_DATABASE"); db != "" {
		cfg.Mongo.DatabaseName = db
	}

	cfg.applyDefaults()
	GlobalConfig = &cfg
	return nil
}
