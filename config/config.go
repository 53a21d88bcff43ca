package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stocknity/models"
	"stocknity/scheduler"
)

// SourceConfig describes one HTTP provider
type SourceConfig struct {
	Name     string
	BaseURL  string
	Endpoint string
}

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string

	// backend
	BackendMode    string
	RedisURL       string
	RedisPoolSize  int
	CacheRetention time.Duration

	// cache and fetcher
	TTL             models.TTLPolicy
	PendingTimeout  time.Duration
	PendingWait     time.Duration
	ScreenerSources []SourceConfig
	ReturnsSource   SourceConfig
	ScoreSource     SourceConfig
	SourceAPIKey    string
	SourceTimeout   time.Duration
	SourceMaxBody   int
	CallsPerSecond  float64

	// queue and scheduler
	Workers   int
	Scheduler scheduler.Config

	// durable stores
	DBDriver    string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBPath      string
	HistoryPath string
	MongoURI    string
	MongoDB     string

	// ops API
	JWTSecret         string
	APIKeyHash        string
	RequestsPerMinute int

	// logging
	LogDirectory string
	LogFile      string
	LogLevel     string
	LogConsole   bool
}

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// a missing .env is normal in production
	_ = godotenv.Load()

	sched := scheduler.DefaultConfig()
	sched.DailyRefresh = getEnv("SCHEDULER_DAILY_REFRESH", sched.DailyRefresh)
	sched.WeeklyCleanup = getEnv("SCHEDULER_WEEKLY_CLEANUP", sched.WeeklyCleanup)
	sched.DataFetchIntervalMinutes = getEnvInt("SCHEDULER_DATA_FETCH_INTERVAL_MINUTES", sched.DataFetchIntervalMinutes)
	sched.HealthCheckIntervalMinutes = getEnvInt("SCHEDULER_HEALTH_CHECK_INTERVAL_MINUTES", sched.HealthCheckIntervalMinutes)
	sched.CleanupIntervalDays = getEnvInt("SCHEDULER_CLEANUP_INTERVAL_DAYS", sched.CleanupIntervalDays)
	sched.StartDelayMinutes = getEnvInt("SCHEDULER_START_DELAY_MINUTES", sched.StartDelayMinutes)
	sched.ArchiveRetention = time.Duration(getEnvInt("TASK_ARCHIVE_RETENTION_DAYS", 30)) * 24 * time.Hour

	ttl := models.DefaultTTLPolicy()
	ttl[models.DataTypeScreenerRows] = getEnvDuration("CACHE_TTL_SCREENER", ttl[models.DataTypeScreenerRows])
	ttl[models.DataTypeTimeSeriesReturns] = getEnvDuration("CACHE_TTL_RETURNS", ttl[models.DataTypeTimeSeriesReturns])
	ttl[models.DataTypeSectorAverages] = getEnvDuration("CACHE_TTL_SECTOR_AVERAGES", ttl[models.DataTypeSectorAverages])
	ttl[models.DataTypeDerivedScore] = getEnvDuration("CACHE_TTL_DERIVED_SCORE", ttl[models.DataTypeDerivedScore])

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001")),

		BackendMode:    getEnv("BACKEND", "redis"),
		RedisURL:       getEnv("REDIS_URL", redisURLFromParts()),
		RedisPoolSize:  getEnvInt("REDIS_POOL_SIZE", 10),
		CacheRetention: getEnvDuration("CACHE_RETENTION", 30*24*time.Hour),

		TTL:            ttl,
		PendingTimeout: getEnvDuration("FETCH_PENDING_TIMEOUT", 5*time.Minute),
		PendingWait:    getEnvDuration("FETCH_PENDING_WAIT", 2*time.Second),
		ScreenerSources: []SourceConfig{
			{
				Name:     getEnv("PRIMARY_SOURCE_NAME", "finviz"),
				BaseURL:  getEnv("PRIMARY_SOURCE_URL", ""),
				Endpoint: getEnv("PRIMARY_SOURCE_ENDPOINT", "screener"),
			},
			{
				Name:     getEnv("FALLBACK_SOURCE_NAME", "yahoo"),
				BaseURL:  getEnv("FALLBACK_SOURCE_URL", ""),
				Endpoint: getEnv("FALLBACK_SOURCE_ENDPOINT", "screener"),
			},
		},
		ReturnsSource: SourceConfig{
			Name:     getEnv("RETURNS_SOURCE_NAME", "returns"),
			BaseURL:  getEnv("RETURNS_SOURCE_URL", ""),
			Endpoint: getEnv("RETURNS_SOURCE_ENDPOINT", "annual-returns"),
		},
		ScoreSource: SourceConfig{
			Name:     getEnv("SCORE_SOURCE_NAME", "scores"),
			BaseURL:  getEnv("SCORE_SOURCE_URL", ""),
			Endpoint: getEnv("SCORE_SOURCE_ENDPOINT", "scores"),
		},
		SourceAPIKey:   getEnv("SOURCE_API_KEY", ""),
		SourceTimeout:  getEnvDuration("SOURCE_TIMEOUT", 30*time.Second),
		SourceMaxBody:  getEnvInt("SOURCE_MAX_BODY_BYTES", 10<<20),
		CallsPerSecond: getEnvFloat("RATE_LIMIT_CALLS_PER_SECOND", 1),

		Workers:   getEnvInt("QUEUE_WORKERS", 3),
		Scheduler: sched,

		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", ""),
		DBName:      getEnv("DB_NAME", "stocknity"),
		DBPath:      getEnv("DB_PATH", "data/tasks.db"),
		HistoryPath: getEnv("HISTORY_DB_PATH", "data/api_history.db"),
		MongoURI:    getEnv("MONGODB_URI", ""),
		MongoDB:     getEnv("MONGODB_DATABASE", "stocknity"),

		JWTSecret:         getEnv("OPS_JWT_SECRET", ""),
		APIKeyHash:        getEnv("OPS_API_KEY_HASH", ""),
		RequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 100),

		LogDirectory: getEnv("LOG_DIRECTORY", "log"),
		LogFile:      getEnv("LOG_FILE", "stocknity.log"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogConsole:   getEnvBool("LOG_CONSOLE", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	switch c.BackendMode {
	case "redis", "memory":
	default:
		return fmt.Errorf("BACKEND must be redis or memory, got %q", c.BackendMode)
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.CallsPerSecond <= 0 {
		return fmt.Errorf("RATE_LIMIT_CALLS_PER_SECOND must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1")
	}
	for dataType, ttl := range c.TTL {
		if ttl < time.Second {
			return fmt.Errorf("cache ttl for %s must be at least one second", dataType)
		}
	}
	return c.Scheduler.Validate()
}

// LoggerConfiguration maps the logging settings onto the logger package
func (c *Config) LoggerConfiguration() logger.Configuration {
	return logger.Configuration{
		Directory: c.LogDirectory,
		File:      c.LogFile,
		Size:      1048576,
		Count:     10,
		Console:   c.LogConsole,
		Levels: map[string]string{
			logger.DefaultTag: c.LogLevel,
		},
	}
}

// InitDB opens the task archive database
func InitDB(cfg *Config, log *logger.L) (*gorm.DB, error) {
	logLevel := gormlogger.Info
	if cfg.Environment == "production" {
		logLevel = gormlogger.Error
	}
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	}

	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		log.Infof("connecting to database: host=%s port=%s user=%s dbname=%s",
			maskHost(cfg.DBHost), cfg.DBPort, cfg.DBUser, cfg.DBName)
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=require TimeZone=UTC",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort,
		)
		dialector = postgres.Open(dsn)
	default:
		log.Infof("opening sqlite database at %s", cfg.DBPath)
		if err := ensureDir(cfg.DBPath); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(cfg.DBPath)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		log.Errorf("ERROR: database connection: %v", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		log.Errorf("ERROR: database ping: %v", err)
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("database connection verified")
	return db, nil
}

func ensureDir(path string) error {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return nil
	}
	if err := os.MkdirAll(path[:idx], 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

func redisURLFromParts() string {
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	db := getEnv("REDIS_DB", "0")
	return fmt.Sprintf("redis://%s:%s/%s", host, port, db)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// getEnvDuration accepts Go durations ("36h") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
