/**
 * Configuration for the Table Analyst Worker
 *
 * Loads configuration from environment variables (optionally seeded from .env)
 */

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds worker configuration
type Config struct {
	// Telegram transport
	TelegramBotToken string
	AllowedUserIDs   []int64

	// Logging
	LogLevel  string
	LogFormat string

	// Local data directories
	DataDir string

	// Processing limits
	MaxFileSize     int64
	AnalysisTimeout int // seconds

	// OCR and table reconstruction
	OCREngine              string // tesseract or remote
	OCRServiceURL          string
	OCRLanguages           []string
	RowYThreshold          float64
	MinDetectionConfidence float64
	InsightRulesFile       string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL        string
	QdrantCollection string

	// Queue configuration
	RedisURL          string
	QueueBackend      string
	QueueName         string
	WorkerConcurrency int

	// MinIO report storage
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// HTTP API
	HTTPAddr           string
	CORSAllowedOrigins []string

	// Per-chat analyses per minute
	RateLimitPerMinute int
}

// LoadEnvFile seeds the process environment from a .env file when one exists.
// Variables already set are not overridden.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		TelegramBotToken:       getEnvOrDefault("TELEGRAM_BOT_TOKEN", ""),
		LogLevel:               getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:              getEnvOrDefault("LOG_FORMAT", "json"),
		DataDir:                getEnvOrDefault("DATA_DIR", "./data"),
		MaxFileSize:            getEnvAsInt64OrDefault("MAX_FILE_SIZE", 26214400), // 25MB
		AnalysisTimeout:        getEnvAsIntOrDefault("ANALYSIS_TIMEOUT", 120),
		OCREngine:              strings.ToLower(getEnvOrDefault("OCR_ENGINE", "tesseract")),
		OCRServiceURL:          getEnvOrDefault("OCR_SERVICE_URL", ""),
		OCRLanguages:           getEnvAsListOrDefault("OCR_LANGUAGES", []string{"eng"}),
		RowYThreshold:          getEnvAsFloatOrDefault("ROW_Y_THRESHOLD", 20),
		MinDetectionConfidence: getEnvAsFloatOrDefault("MIN_DETECTION_CONFIDENCE", 0),
		InsightRulesFile:       getEnvOrDefault("INSIGHT_RULES_FILE", ""),
		DatabaseURL:            getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:              getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:       getEnvOrDefault("QDRANT_COLLECTION", "table_fingerprints"),
		RedisURL:               getEnvOrDefault("REDIS_URL", ""),
		QueueBackend:           strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", "redis")),
		QueueName:              getEnvOrDefault("QUEUE_NAME", "analysis:jobs"),
		WorkerConcurrency:      getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MinioEndpoint:          getEnvOrDefault("MINIO_ENDPOINT", ""),
		MinioAccessKey:         getEnvOrDefault("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:         getEnvOrDefault("MINIO_SECRET_KEY", ""),
		MinioBucket:            getEnvOrDefault("MINIO_BUCKET", "table-reports"),
		MinioUseSSL:            getEnvAsBoolOrDefault("MINIO_USE_SSL", false),
		HTTPAddr:               getEnvOrDefault("HTTP_ADDR", ":8080"),
		CORSAllowedOrigins:     getEnvAsListOrDefault("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerMinute:     getEnvAsIntOrDefault("RATE_LIMIT_PER_MINUTE", 6),
	}

	ids, err := parseUserIDs(os.Getenv("TELEGRAM_USER_ID"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg.AllowedUserIDs = ids

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.MaxFileSize < 1024 || c.MaxFileSize > 104857600 { // 1KB to 100MB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 100MB, got %d", c.MaxFileSize)
	}

	if c.AnalysisTimeout < 1 || c.AnalysisTimeout > 3600 {
		return fmt.Errorf("ANALYSIS_TIMEOUT must be between 1 and 3600 seconds, got %d", c.AnalysisTimeout)
	}

	switch c.OCREngine {
	case "tesseract":
	case "remote":
		if c.OCRServiceURL == "" {
			return fmt.Errorf("OCR_SERVICE_URL is required when OCR_ENGINE is remote")
		}
	default:
		return fmt.Errorf("OCR_ENGINE must be tesseract or remote, got %q", c.OCREngine)
	}

	if c.RowYThreshold <= 0 {
		return fmt.Errorf("ROW_Y_THRESHOLD must be positive, got %v", c.RowYThreshold)
	}

	if c.MinDetectionConfidence < 0 || c.MinDetectionConfidence > 1 {
		return fmt.Errorf("MIN_DETECTION_CONFIDENCE must be between 0 and 1, got %v", c.MinDetectionConfidence)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	switch c.QueueBackend {
	case "redis", "asynq":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}

	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RateLimitPerMinute)
	}

	return nil
}

// Timeout returns the per-request analysis deadline.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.AnalysisTimeout) * time.Second
}

// UploadsDir is where downloaded images are kept while processing.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// ReportsDir is where rendered reports land when no object store is configured.
func (c *Config) ReportsDir() string {
	return filepath.Join(c.DataDir, "reports")
}

// IsUserAllowed reports whether a Telegram user may use the bot.
// An empty allowlist admits everyone.
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func parseUserIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_USER_ID contains invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault splits a comma-separated variable, dropping blanks
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
