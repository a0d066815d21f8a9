// Package config loads logimon configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (highest priority)
//  2. External .env file in the working directory
//  3. Embedded .env template (included in the binary)
//  4. Hard-coded defaults (lowest priority)
//
// Parser rules live in a separate optional YAML or JSON file loaded with
// LoadParserRules.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"logimon/internal/parser"
)

// embeddedEnv is the .env template embedded at build time. It only fills
// variables that are not already set.
//
//go:embed .env
var embeddedEnv string

// Route providers.
const (
	ProviderBrowser = "browser"
	ProviderORS     = "ors"
)

// Config holds all application configuration. It is immutable after
// loading.
type Config struct {
	// Persistence
	DataFile  string // JSON records file
	JournalDB string // SQLite job journal, empty disables it

	// Tracking surface
	TrackingURL            string
	TrackingUsername       string
	TrackingPassword       string
	TrackingLoginSelectors string // "user|pass|submit|ready" overrides

	// Routing
	MapsURL       string
	RouteProvider string // ProviderBrowser or ProviderORS
	ORSAPIKey     string
	ORSBaseURL    string
	ORSCountry    string

	// Sheet ledger (optional)
	SheetsCredentialsFile string
	SheetID               string
	SheetName             string
	SheetIndexColumn      string
	SheetStatusColumn     string

	// Telegram (optional)
	TelegramBotToken string
	TelegramChatID   string

	// Service
	HTTPPort        int
	BatchSchedule   string // cron spec, empty disables scheduled batches
	ParserRulesFile string
	DefaultYear     int // 0 means the current year

	// Tuning
	QueueSize         int
	ProbeAttempts     int
	ProbeBackoff      time.Duration
	RouteAttempts     int
	RouteBackoff      time.Duration
	NavigationTimeout time.Duration
	HTTPTimeout       time.Duration
	Headless          bool
	Timezone          string

	DebugMode bool
}

// LoadConfig loads configuration from the environment with defaults and
// validates it.
func LoadConfig() (*Config, error) {
	// External .env first: godotenv never overrides variables that are
	// already set, so the real environment keeps priority.
	_ = godotenv.Load()

	// Embedded template fills whatever is still empty
	if envMap, err := godotenv.Unmarshal(embeddedEnv); err == nil {
		for k, v := range envMap {
			if os.Getenv(k) == "" {
				os.Setenv(k, v)
			}
		}
	}

	cfg := &Config{
		DataFile:  getEnvOrDefault("DATA_FILE", "data/records.json"),
		JournalDB: os.Getenv("JOURNAL_DB"),

		TrackingURL:            os.Getenv("TRACKING_URL"),
		TrackingUsername:       os.Getenv("TRACKING_USERNAME"),
		TrackingPassword:       os.Getenv("TRACKING_PASSWORD"),
		TrackingLoginSelectors: os.Getenv("TRACKING_LOGIN_SELECTORS"),

		MapsURL:       getEnvOrDefault("MAPS_URL", "https://yandex.ru/maps/"),
		RouteProvider: strings.ToLower(getEnvOrDefault("ROUTE_PROVIDER", ProviderBrowser)),
		ORSAPIKey:     os.Getenv("ORS_API_KEY"),
		ORSBaseURL:    getEnvOrDefault("ORS_BASE_URL", "https://api.openrouteservice.org"),
		ORSCountry:    os.Getenv("ORS_COUNTRY"),

		SheetsCredentialsFile: os.Getenv("SHEETS_CREDENTIALS_FILE"),
		SheetID:               os.Getenv("SHEET_ID"),
		SheetName:             getEnvOrDefault("SHEET_NAME", "Sheet1"),
		SheetIndexColumn:      strings.ToUpper(getEnvOrDefault("SHEET_INDEX_COLUMN", "A")),
		SheetStatusColumn:     strings.ToUpper(getEnvOrDefault("SHEET_STATUS_COLUMN", "B")),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),

		HTTPPort:        getEnvInt("HTTP_PORT", 8080),
		BatchSchedule:   strings.TrimSpace(os.Getenv("BATCH_SCHEDULE")),
		ParserRulesFile: os.Getenv("PARSER_RULES_FILE"),
		DefaultYear:     getEnvInt("DEFAULT_YEAR", 0),

		QueueSize:         getEnvInt("QUEUE_SIZE", 64),
		ProbeAttempts:     getEnvInt("PROBE_ATTEMPTS", 5),
		ProbeBackoff:      getEnvDuration("PROBE_BACKOFF", 2*time.Second),
		RouteAttempts:     getEnvInt("ROUTE_ATTEMPTS", 10),
		RouteBackoff:      getEnvDuration("ROUTE_BACKOFF", time.Second),
		NavigationTimeout: getEnvDuration("NAVIGATION_TIMEOUT", 30*time.Second),
		HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		Headless:          getEnvOrDefault("HEADLESS", "true") == "true",
		Timezone:          getEnvOrDefault("TIMEZONE", "Europe/Moscow"),

		DebugMode: getEnvOrDefault("DEBUG_MODE", "false") == "true",
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are present and sensible.
// Tracking credentials are checked separately by ValidateTracking because
// offline commands do not need them.
func (c *Config) Validate() error {
	if c.DataFile == "" {
		return fmt.Errorf("DATA_FILE cannot be empty")
	}

	switch c.RouteProvider {
	case ProviderBrowser:
	case ProviderORS:
		if c.ORSAPIKey == "" {
			return fmt.Errorf("ORS_API_KEY is required when ROUTE_PROVIDER=ors")
		}
	default:
		return fmt.Errorf("ROUTE_PROVIDER must be %q or %q, got %q", ProviderBrowser, ProviderORS, c.RouteProvider)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	}
	if c.ProbeAttempts < 1 {
		return fmt.Errorf("PROBE_ATTEMPTS must be at least 1, got %d", c.ProbeAttempts)
	}
	if c.RouteAttempts < 1 {
		return fmt.Errorf("ROUTE_ATTEMPTS must be at least 1, got %d", c.RouteAttempts)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.SheetID != "" && (!isColumn(c.SheetIndexColumn) || !isColumn(c.SheetStatusColumn)) {
		return fmt.Errorf("SHEET_INDEX_COLUMN and SHEET_STATUS_COLUMN must be column letters")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.BatchSchedule != "" {
		if _, err := cron.ParseStandard(c.BatchSchedule); err != nil {
			return fmt.Errorf("BATCH_SCHEDULE %q: %w", c.BatchSchedule, err)
		}
	}
	return nil
}

// ValidateTracking checks what a browser session needs.
func (c *Config) ValidateTracking() error {
	if c.TrackingURL == "" {
		return fmt.Errorf("TRACKING_URL is required")
	}
	if c.TrackingUsername == "" {
		return fmt.Errorf("TRACKING_USERNAME environment variable is required")
	}
	if c.TrackingPassword == "" {
		return fmt.Errorf("TRACKING_PASSWORD environment variable is required")
	}
	return nil
}

// Location returns the configured time zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SheetsEnabled reports whether a ledger is configured.
func (c *Config) SheetsEnabled() bool { return c.SheetID != "" }

// LoadParserRules reads parser rules from a YAML or JSON file. An empty path
// gives the built-in rules. Stop patterns from the file replace the
// built-in list; a file without them keeps it. defaultYear, when non-zero,
// wins over the file.
func LoadParserRules(path string, defaultYear int) (parser.Rules, error) {
	rules := parser.DefaultRules()
	if path != "" {
		k := koanf.New(".")
		var p koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			p = yaml.Parser()
		case ".json":
			p = json.Parser()
		default:
			return parser.Rules{}, fmt.Errorf("unsupported parser rules format: %s", path)
		}
		if err := k.Load(file.Provider(path), p); err != nil {
			return parser.Rules{}, fmt.Errorf("load parser rules %s: %w", path, err)
		}

		var fromFile parser.Rules
		if err := k.UnmarshalWithConf("", &fromFile, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return parser.Rules{}, fmt.Errorf("decode parser rules %s: %w", path, err)
		}
		if fromFile.DefaultYear != 0 {
			rules.DefaultYear = fromFile.DefaultYear
		}
		if k.Exists("stop_patterns") {
			rules.StopPatterns = fromFile.StopPatterns
		}
	}
	if defaultYear != 0 {
		rules.DefaultYear = defaultYear
	}
	return rules, nil
}

func isColumn(s string) bool {
	if s == "" || len(s) > 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// getEnvOrDefault returns the environment variable value or a default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an integer or a default if not set/invalid
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default if not set/invalid.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
