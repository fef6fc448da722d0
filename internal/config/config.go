package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	Redis RedisConfig

	Evaluator EvaluatorConfig

	Worker WorkerConfig

	Entitlement EntitlementConfig
}

// RedisConfig configures the shared redis client used for rate limiting.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// EvaluatorConfig points at the external AI evaluation service.
type EvaluatorConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration

	// Evaluator-side rate limit enforced before each call.
	Rate  float64
	Burst int
}

// WorkerConfig controls the evaluation worker pool and background sweeps.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Retention    time.Duration
	SweepBatch   int
}

// EntitlementConfig captures the trial policy knobs.
type EntitlementConfig struct {
	TrialDays  int
	DailyLimit int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "lingora"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "lingora"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},

		Evaluator: EvaluatorConfig{
			BaseURL:   strings.TrimSpace(getenv("EVALUATOR_URL", "")),
			AuthToken: strings.TrimSpace(getenv("EVALUATOR_TOKEN", "")),
			Timeout:   getenvDuration("EVALUATOR_TIMEOUT", 90*time.Second),
			Rate:      getenvFloat("EVALUATOR_RATE", 0.5),
			Burst:     getenvInt("EVALUATOR_BURST", 2),
		},

		Worker: WorkerConfig{
			Concurrency:  getenvInt("WORKER_CONCURRENCY", 4),
			PollInterval: getenvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			MaxAttempts:  getenvInt("WORKER_MAX_ATTEMPTS", 3),
			BackoffBase:  getenvDuration("WORKER_BACKOFF_BASE", 2*time.Second),
			BackoffCap:   getenvDuration("WORKER_BACKOFF_CAP", 5*time.Minute),
			Retention:    getenvDuration("WORKER_JOB_RETENTION", 72*time.Hour),
			SweepBatch:   getenvInt("WORKER_SWEEP_BATCH", 100),
		},

		Entitlement: EntitlementConfig{
			TrialDays:  getenvInt("TRIAL_DAYS", 3),
			DailyLimit: getenvInt("TRIAL_DAILY_LIMIT", 1),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
