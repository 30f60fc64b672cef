package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis (device-local cache)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Kafka change feed
	KafkaBrokers    []string
	KafkaGroupID    string
	ChangeFeedTopic string

	// Pipeline
	TickInterval  time.Duration
	TickBatchSize int
	MaxRetry      int
	BackoffBase   time.Duration
	BackoffCap    time.Duration

	// External calls
	UploadTimeout     time.Duration
	TranscribeTimeout time.Duration
	WebhookTimeout    time.Duration

	// Object storage gateway
	ObjectStoreBaseURL string
	ObjectStoreBucket  string

	// Transcription service
	TranscribeBaseURL string
	TranscribeAPIKey  string
	TranscribeModel   string

	// Webhook delivery
	WebhookEndpoint     string
	WebhookTokenURL     string
	WebhookClientID     string
	WebhookClientSecret string

	// Session
	UserID string

	// Change propagation
	SubscribeTimeout  time.Duration
	PollInterval      time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectAttempts int
}

// fileOverrides mirrors the subset of settings operators commonly pin in a
// config file; anything present here wins over environment values.
type fileOverrides struct {
	ServerPort      string `yaml:"server_port"`
	ServerHost      string `yaml:"server_host"`
	ChangeFeedTopic string `yaml:"change_feed_topic"`
	TickInterval    string `yaml:"tick_interval"`
	TickBatchSize   int    `yaml:"tick_batch_size"`
	MaxRetry        int    `yaml:"max_retry"`
	PollInterval    string `yaml:"poll_interval"`
	WebhookEndpoint string `yaml:"webhook_endpoint"`
}

func Load() *Config {
	cfg := &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 32*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "voxnote"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "voxnote123"),
		PostgresDB:       getEnv("POSTGRES_DB", "voxnote"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		CacheTTL:      getDuration("CACHE_TTL", 72*time.Hour),

		KafkaBrokers:    getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "voxnote-engine"),
		ChangeFeedTopic: getEnv("CHANGE_FEED_TOPIC", "recording-changes"),

		TickInterval:  getDuration("TICK_INTERVAL", 10*time.Second),
		TickBatchSize: getIntEnv("TICK_BATCH_SIZE", 10),
		MaxRetry:      getIntEnv("MAX_RETRY", 5),
		BackoffBase:   getDuration("BACKOFF_BASE", 30*time.Second),
		BackoffCap:    getDuration("BACKOFF_CAP", 30*time.Minute),

		UploadTimeout:     getDuration("UPLOAD_TIMEOUT", 2*time.Minute),
		TranscribeTimeout: getDuration("TRANSCRIBE_TIMEOUT", 3*time.Minute),
		WebhookTimeout:    getDuration("WEBHOOK_TIMEOUT", 15*time.Second),

		ObjectStoreBaseURL: getEnv("OBJECT_STORE_BASE_URL", "http://localhost:9000"),
		ObjectStoreBucket:  getEnv("OBJECT_STORE_BUCKET", "recordings"),

		TranscribeBaseURL: getEnv("TRANSCRIBE_BASE_URL", "http://localhost:8090"),
		TranscribeAPIKey:  getEnv("TRANSCRIBE_API_KEY", ""),
		TranscribeModel:   getEnv("TRANSCRIBE_MODEL", "general"),

		WebhookEndpoint:     getEnv("WEBHOOK_ENDPOINT", ""),
		WebhookTokenURL:     getEnv("WEBHOOK_TOKEN_URL", ""),
		WebhookClientID:     getEnv("WEBHOOK_CLIENT_ID", ""),
		WebhookClientSecret: getEnv("WEBHOOK_CLIENT_SECRET", ""),

		UserID: getEnv("ENGINE_USER_ID", "local-user"),

		SubscribeTimeout:  getDuration("SUBSCRIBE_TIMEOUT", 10*time.Second),
		PollInterval:      getDuration("POLL_INTERVAL", 15*time.Second),
		ReconnectBase:     getDuration("RECONNECT_BASE", 2*time.Second),
		ReconnectCap:      getDuration("RECONNECT_CAP", 2*time.Minute),
		ReconnectAttempts: getIntEnv("RECONNECT_ATTEMPTS", 6),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		applyFile(cfg, path)
	}

	return cfg
}

func applyFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var f fileOverrides
	if err := yaml.Unmarshal(data, &f); err != nil {
		return
	}

	if f.ServerPort != "" {
		cfg.ServerPort = f.ServerPort
	}
	if f.ServerHost != "" {
		cfg.ServerHost = f.ServerHost
	}
	if f.ChangeFeedTopic != "" {
		cfg.ChangeFeedTopic = f.ChangeFeedTopic
	}
	if f.TickInterval != "" {
		if d, err := time.ParseDuration(f.TickInterval); err == nil {
			cfg.TickInterval = d
		}
	}
	if f.TickBatchSize > 0 {
		cfg.TickBatchSize = f.TickBatchSize
	}
	if f.MaxRetry > 0 {
		cfg.MaxRetry = f.MaxRetry
	}
	if f.PollInterval != "" {
		if d, err := time.ParseDuration(f.PollInterval); err == nil {
			cfg.PollInterval = d
		}
	}
	if f.WebhookEndpoint != "" {
		cfg.WebhookEndpoint = f.WebhookEndpoint
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
