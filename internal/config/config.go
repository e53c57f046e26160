package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	SlackAPIToken      string
	SlackSigningSecret string
	DBPath             string
	Port               string
	Env                string
	LogLevel           string

	// Search behaviour
	HelpInterval   time.Duration
	SearchMaxLimit int

	// Catch-up sync cadence while serving; zero disables the ticker
	CatchUpInterval time.Duration

	// Exports
	ExportDir               string
	ExportStateDir          string
	GoogleSheetsCredentials string
	SpreadsheetID           string
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	return &Config{
		SlackAPIToken:           os.Getenv("SLACK_API_TOKEN"),
		SlackSigningSecret:      os.Getenv("SLACK_SIGNING_SECRET"),
		DBPath:                  getEnvOrDefault("DB_PATH", "./data/slack.sqlite"),
		Port:                    getEnvOrDefault("PORT", "8080"),
		Env:                     getEnvOrDefault("ENV", "development"),
		LogLevel:                getEnvOrDefault("LOG_LEVEL", "info"),
		HelpInterval:            getDurationOrDefault("HELP_INTERVAL", 30*24*time.Hour),
		SearchMaxLimit:          getIntOrDefault("SEARCH_MAX_LIMIT", 100),
		CatchUpInterval:         getDurationOrDefault("CATCHUP_INTERVAL", time.Hour),
		ExportDir:               getEnvOrDefault("EXPORT_DIR", "./export"),
		ExportStateDir:          getEnvOrDefault("EXPORT_STATE_DIR", "./data/export-state"),
		GoogleSheetsCredentials: os.Getenv("GOOGLE_SHEETS_CREDENTIALS"),
		SpreadsheetID:           os.Getenv("SPREADSHEET_ID"),
	}
}

// Validate reports settings the bot cannot start without.
func (c *Config) Validate() error {
	if c.SlackAPIToken == "" {
		return errors.New("SLACK_API_TOKEN is required")
	}
	if c.SearchMaxLimit <= 0 {
		return errors.New("SEARCH_MAX_LIMIT must be positive")
	}
	return nil
}

// SheetsConfigured reports whether the Google Sheets export can run.
func (c *Config) SheetsConfigured() bool {
	return c.GoogleSheetsCredentials != "" && c.SpreadsheetID != ""
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).Msg("Invalid duration, using default")
		return defaultValue
	}
	return d
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Int("default", defaultValue).Msg("Invalid integer, using default")
		return defaultValue
	}
	return n
}
