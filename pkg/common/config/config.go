package config

import (
	"os"
	"strconv"
	"strings"
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

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers   []string
	KafkaGroupID   string
	JobEventsTopic string
	NotifyTopic    string

	// Elasticsearch
	ElasticAddresses []string
	ElasticUsername  string
	ElasticPassword  string

	// Harvest engine
	HarvestConcurrency  int
	JobTimeout          time.Duration
	MaxDeferrals        int
	DeferralBackoff     time.Duration
	BusyCooldown        time.Duration
	SchedulerBatchSize  int
	SchedulerBatchPause time.Duration
	BulkBatchSize       int
	ProgressInterval    time.Duration
	DeletePollInterval  time.Duration
	QueuePollInterval   time.Duration
	LockTTL             time.Duration

	// SUSHI client
	ReportCacheDir     string
	ReportCacheTTL     time.Duration
	SushiTimeout       time.Duration
	DefaultReportTypes []string
}

// fileOverrides is the shape of the optional YAML configuration file.
// Only knobs an operator pins per deployment live here; everything else
// stays on env vars.
type fileOverrides struct {
	HarvestConcurrency int      `yaml:"harvest_concurrency"`
	MaxDeferrals       int      `yaml:"max_deferrals"`
	JobTimeoutSeconds  int      `yaml:"job_timeout_seconds"`
	BulkBatchSize      int      `yaml:"bulk_batch_size"`
	DefaultReportTypes []string `yaml:"default_report_types"`
	ReportCacheDir     string   `yaml:"report_cache_dir"`
}

func Load() *Config {
	cfg := &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "harvester"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "harvester123"),
		PostgresDB:       getEnv("POSTGRES_DB", "harvester"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:   getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:   getEnv("KAFKA_GROUP_ID", "harvester"),
		JobEventsTopic: getEnv("JOB_EVENTS_TOPIC", "harvest-job-events"),
		NotifyTopic:    getEnv("NOTIFY_TOPIC", "harvest-notifications"),

		ElasticAddresses: getStringSliceEnv("ELASTICSEARCH_ADDRESSES", []string{"http://localhost:9200"}),
		ElasticUsername:  getEnv("ELASTICSEARCH_USERNAME", ""),
		ElasticPassword:  getEnv("ELASTICSEARCH_PASSWORD", ""),

		HarvestConcurrency:  getIntEnv("HARVEST_CONCURRENCY", 3),
		JobTimeout:          getDuration("JOB_TIMEOUT", 600*time.Second),
		MaxDeferrals:        getIntEnv("MAX_DEFERRALS", 5),
		DeferralBackoff:     getDuration("DEFERRAL_BACKOFF", 5*time.Minute),
		BusyCooldown:        getDuration("BUSY_COOLDOWN", 10*time.Minute),
		SchedulerBatchSize:  getIntEnv("SCHEDULER_BATCH_SIZE", 100),
		SchedulerBatchPause: getDuration("SCHEDULER_BATCH_PAUSE", 100*time.Millisecond),
		BulkBatchSize:       getIntEnv("BULK_BATCH_SIZE", 1000),
		ProgressInterval:    getDuration("PROGRESS_INTERVAL", 3*time.Second),
		DeletePollInterval:  getDuration("DELETE_POLL_INTERVAL", 5*time.Second),
		QueuePollInterval:   getDuration("QUEUE_POLL_INTERVAL", time.Second),
		LockTTL:             getDuration("LOCK_TTL", 30*time.Second),

		ReportCacheDir:     getEnv("REPORT_CACHE_DIR", "/var/lib/harvester/reports"),
		ReportCacheTTL:     getDuration("REPORT_CACHE_TTL", 7*24*time.Hour),
		SushiTimeout:       getDuration("SUSHI_TIMEOUT", 120*time.Second),
		DefaultReportTypes: getStringSliceEnv("DEFAULT_REPORT_TYPES", []string{"dr", "ir", "pr", "tr"}),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		applyFileOverrides(cfg, path)
	}

	return cfg
}

func applyFileOverrides(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var ov fileOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return
	}
	if ov.HarvestConcurrency > 0 {
		cfg.HarvestConcurrency = ov.HarvestConcurrency
	}
	if ov.MaxDeferrals > 0 {
		cfg.MaxDeferrals = ov.MaxDeferrals
	}
	if ov.JobTimeoutSeconds > 0 {
		cfg.JobTimeout = time.Duration(ov.JobTimeoutSeconds) * time.Second
	}
	if ov.BulkBatchSize > 0 {
		cfg.BulkBatchSize = ov.BulkBatchSize
	}
	if len(ov.DefaultReportTypes) > 0 {
		cfg.DefaultReportTypes = ov.DefaultReportTypes
	}
	if ov.ReportCacheDir != "" {
		cfg.ReportCacheDir = ov.ReportCacheDir
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
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
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
