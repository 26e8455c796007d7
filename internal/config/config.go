package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	applog "carbonsplit/internal/log"
	"carbonsplit/internal/tax"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

var validBackends = []string{BackendMemory, BackendSQLite}

type Config struct {
	// HTTP Server
	Port           string
	RateLimitRPS   int
	RateLimitBurst int

	// Backend selection
	DataBackend  string
	SQLiteDBPath string
	CatalogFile  string

	// AMQP, optional: events are not published when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Allocation
	VATRate  string
	MaxBatch int

	// Funding report export
	GoogleSpreadsheetID      string
	GoogleReportSheetName    string
	GoogleServiceAccountFile string
	GoogleServiceAccountJSON string
	ReportInterval           time.Duration

	LogLevel string
}

// LoadDotEnv reads .env files when present. Variables already set in the
// environment win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8081"),
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		DataBackend:  getEnv("DATA_BACKEND", BackendMemory),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/carbonsplit.db"),
		CatalogFile:  getEnv("CATALOG_FILE", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "carbonsplit"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "funding_report"),

		VATRate:  getEnv("VAT_RATE", tax.DefaultRate.String()),
		MaxBatch: getEnvInt("MAX_BATCH", 10),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleReportSheetName:    getEnv("GOOGLE_REPORT_SHEET_NAME", "Funding"),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		ReportInterval:           getEnvDuration("REPORT_INTERVAL", 15*time.Minute),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.RateLimitRPS < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per second", c.RateLimitRPS))
	}
	if c.RateLimitBurst < c.RateLimitRPS {
		errors = append(errors, fmt.Sprintf("invalid rate limit burst %d: must be at least the rate (%d)", c.RateLimitBurst, c.RateLimitRPS))
	}

	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == BackendSQLite {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.CatalogFile != "" {
		if _, err := os.Stat(c.CatalogFile); err != nil {
			errors = append(errors, fmt.Sprintf("catalog file '%s' is not readable: %v", c.CatalogFile, err))
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if _, err := c.VAT(); err != nil {
		errors = append(errors, fmt.Sprintf("invalid VAT rate '%s': %v", c.VATRate, err))
	}

	if c.MaxBatch < 1 || c.MaxBatch > 100 {
		errors = append(errors, fmt.Sprintf("invalid max batch %d: must be between 1 and 100", c.MaxBatch))
	}

	if c.GoogleSpreadsheetID != "" {
		if c.GoogleReportSheetName == "" {
			errors = append(errors, "Google report sheet name is required when a spreadsheet is configured")
		}
		if c.GoogleServiceAccountFile == "" && c.GoogleServiceAccountJSON == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_SERVICE_ACCOUNT_JSON must be provided for report export")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	if c.ReportInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid report interval %v: must be at least 1 minute", c.ReportInterval))
	} else if c.ReportInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid report interval %v: must be at most 24 hours", c.ReportInterval))
	}

	if _, err := applog.ParseLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// VAT builds the tax helper for the configured rate.
func (c *Config) VAT() (tax.VAT, error) {
	rate, err := tax.ParseRate(c.VATRate)
	if err != nil {
		return tax.VAT{}, err
	}
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		return tax.VAT{}, fmt.Errorf("rate %s is above 100%%", rate)
	}
	return tax.NewVAT(rate)
}

// ReportEnabled reports whether the funding report goes to Google Sheets.
func (c *Config) ReportEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
