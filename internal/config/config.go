// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtiwari1/statementd/internal/parser"
	"github.com/mtiwari1/statementd/internal/sanitize"
)

// Config holds every setting cmd/server needs.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	DBDriver string
	DBDSN    string

	UploadDir      string
	MaxUploadBytes int64

	ParserCommand        []string
	ParserTimeout        time.Duration
	ParserMaxOutputBytes int64
	ParserWorkers        int
	ParserQueueSize      int
	ParserOutputMode     sanitize.Mode

	JanitorSchedule   string
	JanitorStaleAfter time.Duration

	LogLevel slog.Level
}

// Load reads the environment, applies defaults and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:          envOrDefault("HTTP_ADDR", ":8080"),
		GRPCAddr:          envOrDefault("GRPC_ADDR", ":50051"),
		DBDriver:          envOrDefault("DB_DRIVER", "sqlite"),
		DBDSN:             envOrDefault("DB_DSN", "file:statementd.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),
		UploadDir:         envOrDefault("UPLOAD_DIR", "./uploads"),
		ParserCommand:     parser.SplitCommand(envOrDefault("PARSER_COMMAND", "python3 src/parser/main_parser.py")),
		JanitorSchedule:   envOrDefault("JANITOR_SCHEDULE", "@every 5m"),
		MaxUploadBytes:    32 << 20,
		ParserWorkers:     5,
		ParserQueueSize:   10,
		ParserTimeout:     2 * time.Minute,
		JanitorStaleAfter: 30 * time.Minute,
	}

	var err error
	if cfg.MaxUploadBytes, err = getEnvAsInt64("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes); err != nil {
		return nil, err
	}
	if cfg.ParserMaxOutputBytes, err = getEnvAsInt64("PARSER_MAX_OUTPUT_BYTES", parser.DefaultMaxOutputBytes); err != nil {
		return nil, err
	}
	if cfg.ParserWorkers, err = getEnvAsInt("PARSER_WORKERS", cfg.ParserWorkers); err != nil {
		return nil, err
	}
	if cfg.ParserQueueSize, err = getEnvAsInt("PARSER_QUEUE_SIZE", cfg.ParserQueueSize); err != nil {
		return nil, err
	}
	if cfg.ParserTimeout, err = getEnvAsDuration("PARSER_TIMEOUT", cfg.ParserTimeout); err != nil {
		return nil, err
	}
	if cfg.JanitorStaleAfter, err = getEnvAsDuration("JANITOR_STALE_AFTER", cfg.JanitorStaleAfter); err != nil {
		return nil, err
	}
	if cfg.ParserOutputMode, err = sanitize.ParseMode(os.Getenv("PARSER_OUTPUT_MODE")); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = parseLevel(envOrDefault("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case len(c.ParserCommand) == 0:
		return fmt.Errorf("PARSER_COMMAND must not be blank")
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	case c.ParserMaxOutputBytes <= 0:
		return fmt.Errorf("PARSER_MAX_OUTPUT_BYTES must be positive, got %d", c.ParserMaxOutputBytes)
	case c.ParserWorkers <= 0:
		return fmt.Errorf("PARSER_WORKERS must be positive, got %d", c.ParserWorkers)
	case c.ParserQueueSize < 0:
		return fmt.Errorf("PARSER_QUEUE_SIZE must not be negative, got %d", c.ParserQueueSize)
	case c.ParserTimeout < 0:
		return fmt.Errorf("PARSER_TIMEOUT must not be negative, got %s", c.ParserTimeout)
	case c.JanitorStaleAfter <= 0:
		return fmt.Errorf("JANITOR_STALE_AFTER must be positive, got %s", c.JanitorStaleAfter)
	case c.ParserTimeout > 0 && c.JanitorStaleAfter <= c.ParserTimeout:
		return fmt.Errorf("JANITOR_STALE_AFTER (%s) must exceed PARSER_TIMEOUT (%s)", c.JanitorStaleAfter, c.ParserTimeout)
	}
	return nil
}

// envOrDefault reads an env variable or returns the fallback.
func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected an integer, got '%s'", key, valueStr)
	}
	return value, nil
}

func getEnvAsInt64(key string, defaultValue int64) (int64, error) {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected an integer, got '%s'", key, valueStr)
	}
	return value, nil
}

// getEnvAsDuration accepts Go durations ("90s", "2m") and bare seconds ("0", "120").
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected a duration, got '%s'", key, valueStr)
	}
	return value, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid value for LOG_LEVEL: %w", err)
	}
	return level, nil
}
