package config

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/kjannette/crypto-pipeline/internal/external"
	"github.com/kjannette/crypto-pipeline/internal/httputil"
	"github.com/kjannette/crypto-pipeline/internal/logging"
)

type Config struct {
	// Provider
	CoinGeckoAPIKey       string
	CoinGeckoBaseURL      string
	CoinGeckoAPIKeyHeader string
	CoinGeckoRatePerMin   int

	// Fetch policy
	FetchMaxAttempts      int
	FetchRetryDelay       time.Duration
	RateLimitDefaultDelay time.Duration
	RateLimitMaxWaits     int
	HTTPTimeout           time.Duration

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string
	DBSSLMode   string
	DBMaxConns  int
	DBMinConns  int

	// Storage
	QueriesFile string
	ArchiveDir  string

	// Ingestion
	Workers    int
	DailyCoins []string
	DailyCron  string

	// API
	APIPort         int
	APIKey          string
	CORSAllowOrigin string
	MetricsEnabled  bool

	// Notifications
	WebhookURL string
	BotName    string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CoinGeckoAPIKey:       envStr("COINGECKO_API_KEY", ""),
		CoinGeckoBaseURL:      envStr("COINGECKO_BASE_URL", external.DefaultBaseURL),
		CoinGeckoAPIKeyHeader: envStr("COINGECKO_API_KEY_HEADER", external.DefaultAPIKeyHeader),
		CoinGeckoRatePerMin:   envInt("COINGECKO_RATE_PER_MINUTE", 30),

		FetchMaxAttempts:      envInt("FETCH_MAX_ATTEMPTS", 3),
		FetchRetryDelay:       envDuration("FETCH_RETRY_DELAY", 2*time.Second),
		RateLimitDefaultDelay: envDuration("RATE_LIMIT_DEFAULT_DELAY", 2*time.Second),
		RateLimitMaxWaits:     envInt("RATE_LIMIT_MAX_WAITS", 0),
		HTTPTimeout:           envDuration("HTTP_TIMEOUT", 30*time.Second),

		DatabaseURL: envStr("DATABASE_URL", ""),
		DBHost:      envStr("DB_HOST", "localhost"),
		DBPort:      envInt("DB_PORT", 5432),
		DBName:      envStr("DB_NAME", "crypto_data"),
		DBUser:      envStr("DB_USER", "postgres"),
		DBPassword:  envStr("DB_PASSWORD", ""),
		DBSSLMode:   envStr("DB_SSLMODE", "disable"),
		DBMaxConns:  envInt("DB_MAX_CONNS", 20),
		DBMinConns:  envInt("DB_MIN_CONNS", 2),

		QueriesFile: envStr("QUERIES_FILE", ""),
		ArchiveDir:  envStr("ARCHIVE_DIR", "data"),

		Workers:    envInt("WORKERS", runtime.NumCPU()),
		DailyCoins: envList("DAILY_COINS", []string{"bitcoin", "ethereum", "cardano"}),
		DailyCron:  envStr("DAILY_CRON", "0 3 * * *"),

		APIPort:         envInt("API_PORT", 3001),
		APIKey:          envStr("API_KEY", ""),
		CORSAllowOrigin: envStr("CORS_ALLOW_ORIGIN", "*"),
		MetricsEnabled:  envBool("METRICS_ENABLED", true),

		WebhookURL: envStr("WEBHOOK_URL", ""),
		BotName:    envStr("BOT_NAME", "CryptoPipeline"),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "console"),
		LogFile:   envStr("LOG_FILE", ""),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.FetchMaxAttempts < 1 {
		errs = append(errs, "FETCH_MAX_ATTEMPTS must be at least 1")
	}
	if c.FetchRetryDelay < 0 || c.RateLimitDefaultDelay < 0 {
		errs = append(errs, "FETCH_RETRY_DELAY and RATE_LIMIT_DEFAULT_DELAY must not be negative")
	}
	if c.RateLimitMaxWaits < 0 {
		errs = append(errs, "RATE_LIMIT_MAX_WAITS must be 0 (unbounded) or positive")
	}
	if c.CoinGeckoRatePerMin < 0 {
		errs = append(errs, "COINGECKO_RATE_PER_MINUTE must not be negative")
	}
	if _, err := url.ParseRequestURI(c.CoinGeckoBaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("COINGECKO_BASE_URL is invalid: %v", err))
	}
	if c.DatabaseURL == "" && (c.DBHost == "" || c.DBName == "") {
		errs = append(errs, "DATABASE_URL or DB_HOST and DB_NAME are required")
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, "DB_MIN_CONNS must not exceed DB_MAX_CONNS")
	}
	if c.Workers < 1 {
		errs = append(errs, "WORKERS must be at least 1")
	}
	if len(c.DailyCoins) == 0 {
		errs = append(errs, "DAILY_COINS must name at least one coin")
	}
	if _, err := cron.ParseStandard(c.DailyCron); err != nil {
		errs = append(errs, fmt.Sprintf("DAILY_CRON is invalid: %v", err))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, "API_PORT must be a valid port")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// Warnings lists settings that are valid but probably unintended.
func (c *Config) Warnings() []string {
	var w []string
	if c.CoinGeckoAPIKey == "" {
		w = append(w, "COINGECKO_API_KEY not set: requests use the keyless public quota")
	}
	if c.RateLimitMaxWaits == 0 {
		w = append(w, "RATE_LIMIT_MAX_WAITS is 0: a provider that keeps returning 429 stalls the run")
	}
	if c.APIKey == "" {
		w = append(w, "API_KEY not set: REST API has no authentication")
	}
	return w
}

// Summary returns human-readable configuration lines with secrets masked.
func (c *Config) Summary() []string {
	waits := "unbounded"
	if c.RateLimitMaxWaits > 0 {
		waits = strconv.Itoa(c.RateLimitMaxWaits)
	}
	return []string{
		fmt.Sprintf("Provider: %s (key %s via %s)", c.CoinGeckoBaseURL, mask(c.CoinGeckoAPIKey), c.CoinGeckoAPIKeyHeader),
		fmt.Sprintf("Pacing: %d req/min", c.CoinGeckoRatePerMin),
		fmt.Sprintf("Retry: %d attempts, %s delay, 429 default %s, 429 waits %s",
			c.FetchMaxAttempts, c.FetchRetryDelay, c.RateLimitDefaultDelay, waits),
		fmt.Sprintf("Database: %s", redactDSN(c.DSN())),
		fmt.Sprintf("Pool: %d-%d conns", c.DBMinConns, c.DBMaxConns),
		fmt.Sprintf("Workers: %d", c.Workers),
		fmt.Sprintf("Daily: %s at %q", strings.Join(c.DailyCoins, ","), c.DailyCron),
		fmt.Sprintf("Archive: %s", c.ArchiveDir),
		fmt.Sprintf("Queries: %s", boolLabel(c.QueriesFile != "", c.QueriesFile, "embedded")),
		fmt.Sprintf("API: :%d (auth %s)", c.APIPort, boolLabel(c.APIKey != "", "on", "off")),
		fmt.Sprintf("Webhook: %s", boolLabel(c.WebhookURL != "", "configured", "not set")),
	}
}

// DSN prefers DATABASE_URL and otherwise assembles a postgres URL from the
// DB_* parts, escaping credentials.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {c.DBSSLMode}}.Encode(),
	}
	switch {
	case c.DBUser != "" && c.DBPassword != "":
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	case c.DBUser != "":
		u.User = url.User(c.DBUser)
	}
	return u.String()
}

func (c *Config) FetcherOptions() external.CoinGeckoOptions {
	return external.CoinGeckoOptions{
		BaseURL:       c.CoinGeckoBaseURL,
		APIKey:        c.CoinGeckoAPIKey,
		APIKeyHeader:  c.CoinGeckoAPIKeyHeader,
		RatePerMinute: c.CoinGeckoRatePerMin,
		Timeout:       c.HTTPTimeout,
		Retry: httputil.RetryConfig{
			MaxAttempts:       c.FetchMaxAttempts,
			BaseDelay:         c.FetchRetryDelay,
			MaxDelay:          c.FetchRetryDelay,
			RateLimitDelay:    c.RateLimitDefaultDelay,
			MaxRateLimitWaits: c.RateLimitMaxWaits,
		},
	}
}

func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile}
}

// --- helpers ---

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

// envDuration accepts Go durations ("2s", "500ms") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mask(secret string) string {
	switch {
	case secret == "":
		return "not set"
	case len(secret) <= 6:
		return "***"
	default:
		return secret[:3] + "..." + secret[len(secret)-3:]
	}
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparsable>"
	}
	return u.Redacted()
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
