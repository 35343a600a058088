// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxAccountFailCount  = 50
	maxTimeout           = 10 * time.Minute
	maxRateLimitRPM      = 10000
	minAdminTokenLength  = 16
	maxSiteFails         = 20
	maxWAFCookieTTL      = 24 * time.Hour
	maxBrowserRestartHrs = 72
)

// Config holds all application configuration, loaded from environment
// variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless           bool
	BrowserPath         string
	BrowserRestartHours int
	HTTPProxyURL        string // launch-time --proxy-server for the persistent browser

	// WAF cookie cache
	WAFCookieTTL       time.Duration
	WAFSettleMillis    int
	WAFPreRefreshLag   time.Duration // how long before expiry the background refresher kicks in
	WAFRetryInterval   time.Duration // how long the background loop sleeps after a failed refresh
	WAFWaiterTimeout   time.Duration // how long a get() caller waits on an in-flight refresh before falling back to stale cookies
	WAFLoginURL        string

	// Account pool
	AccountsPath       string
	AccountsHotReload  bool
	MaxAccountFails    int
	AccountDisableTime time.Duration

	// Site router
	SitesPath     string
	MaxSiteFails  int
	PrimaryProbeInterval time.Duration

	// Timeouts
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration
	MaxRetriesWAF     int
	MaxRetriesOpen    int
	MaxAccountRetries int
	CapacityBackoff   time.Duration

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string

	// Admin surface authentication
	AdminTokenEnabled bool
	AdminToken        string
	AdminRateLimitRPS float64

	// External API-key validation collaborator
	APIKeyValidationEnabled bool
	NewAPIURL               string
	APIKeyValidationCacheTTL time.Duration

	// Scheduler
	CheckinCronHour   int
	CheckinCronMinute int
	PrimaryCheckEnabled bool
	CheckinAuditLogPath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8080),

		Headless:            getEnvBool("HEADLESS", true),
		BrowserPath:         getEnvString("BROWSER_PATH", ""),
		BrowserRestartHours: getEnvInt("BROWSER_RESTART_HOURS", 6),
		HTTPProxyURL:        getEnvString("HTTP_PROXY", ""),

		WAFCookieTTL:     getEnvDuration("WAF_COOKIE_TTL", 2700*time.Second),
		WAFSettleMillis:  getEnvInt("WAF_PAGE_WAIT_MS", 3000),
		WAFPreRefreshLag: getEnvDuration("WAF_COOKIE_REFRESH_BEFORE", 600*time.Second),
		WAFRetryInterval: getEnvDuration("WAF_COOKIE_RETRY_INTERVAL", 30*time.Second),
		WAFWaiterTimeout: getEnvDuration("WAF_WAITER_TIMEOUT", 120*time.Second),
		WAFLoginURL:      getEnvString("WAF_LOGIN_URL", "https://anyrouter.top/login"),

		AccountsPath:       getEnvString("ACCOUNTS_PATH", "config/accounts.json"),
		AccountsHotReload:  getEnvBool("ACCOUNTS_HOT_RELOAD", true),
		MaxAccountFails:    getEnvInt("MAX_ACCOUNT_FAILS", 3),
		AccountDisableTime: getEnvDuration("ACCOUNT_DISABLE_TIME", 300*time.Second),

		SitesPath:            getEnvString("SITES_PATH", "config/sites.yaml"),
		MaxSiteFails:         getEnvInt("MAX_SITE_FAILS", 3),
		PrimaryProbeInterval: getEnvDuration("PRIMARY_SITE_CHECK_INTERVAL", 5*time.Minute),

		DefaultTimeout:    getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:        getEnvDuration("MAX_TIMEOUT", 180*time.Second),
		MaxRetriesWAF:     getEnvInt("MAX_RETRIES_WAF", 4),
		MaxRetriesOpen:    getEnvInt("MAX_RETRIES_OPEN", 2),
		MaxAccountRetries: getEnvInt("MAX_ACCOUNT_RETRIES", 3),
		CapacityBackoff:   getEnvDuration("CAPACITY_BACKOFF", 2*time.Second),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		AdminTokenEnabled: getEnvBool("ADMIN_TOKEN_ENABLED", false),
		AdminToken:        getEnvString("ADMIN_TOKEN", ""),
		AdminRateLimitRPS: getEnvFloat("ADMIN_RATE_LIMIT_RPS", 0.5),

		APIKeyValidationEnabled:  getEnvBool("API_KEY_VALIDATION_ENABLED", false),
		NewAPIURL:                getEnvString("NEWAPI_URL", "http://new-api:3000"),
		APIKeyValidationCacheTTL: getEnvDuration("API_KEY_VALIDATION_CACHE_TTL", 300*time.Second),

		CheckinCronHour:     getEnvInt("CHECKIN_CRON_HOUR", 9),
		CheckinCronMinute:   getEnvInt("CHECKIN_CRON_MINUTE", 30),
		PrimaryCheckEnabled: getEnvBool("PRIMARY_CHECK_ENABLED", true),
		CheckinAuditLogPath: getEnvString("CHECKIN_AUDIT_LOG_PATH", "logs/checkin-audit.log"),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults, following the same
// "never fail hard on a bad env var, clamp and warn" discipline used
// throughout this package.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("invalid PORT, using default 8080")
		c.Port = 8080
	}

	if c.BrowserRestartHours < 1 {
		log.Warn().Int("hours", c.BrowserRestartHours).Msg("BROWSER_RESTART_HOURS too low, using 6")
		c.BrowserRestartHours = 6
	} else if c.BrowserRestartHours > maxBrowserRestartHrs {
		log.Warn().Int("hours", c.BrowserRestartHours).Msg("BROWSER_RESTART_HOURS too high, capping")
		c.BrowserRestartHours = maxBrowserRestartHrs
	}

	if c.WAFCookieTTL < 30*time.Second {
		log.Warn().Dur("ttl", c.WAFCookieTTL).Msg("WAF_COOKIE_TTL too short, using 2700s")
		c.WAFCookieTTL = 2700 * time.Second
	} else if c.WAFCookieTTL > maxWAFCookieTTL {
		log.Warn().Dur("ttl", c.WAFCookieTTL).Msg("WAF_COOKIE_TTL too long, capping")
		c.WAFCookieTTL = maxWAFCookieTTL
	}
	if c.WAFPreRefreshLag >= c.WAFCookieTTL {
		log.Warn().
			Dur("lag", c.WAFPreRefreshLag).
			Dur("ttl", c.WAFCookieTTL).
			Msg("WAF_COOKIE_REFRESH_BEFORE should be smaller than WAF_COOKIE_TTL, adjusting")
		c.WAFPreRefreshLag = c.WAFCookieTTL / 10
	}

	if c.MaxAccountFails < 1 {
		log.Warn().Int("fails", c.MaxAccountFails).Msg("MAX_ACCOUNT_FAILS too low, using 3")
		c.MaxAccountFails = 3
	} else if c.MaxAccountFails > maxAccountFailCount {
		log.Warn().Int("fails", c.MaxAccountFails).Msg("MAX_ACCOUNT_FAILS too high, capping")
		c.MaxAccountFails = maxAccountFailCount
	}

	if c.MaxSiteFails < 1 {
		log.Warn().Int("fails", c.MaxSiteFails).Msg("MAX_SITE_FAILS too low, using 3")
		c.MaxSiteFails = 3
	} else if c.MaxSiteFails > maxSiteFails {
		log.Warn().Int("fails", c.MaxSiteFails).Msg("MAX_SITE_FAILS too high, capping")
		c.MaxSiteFails = maxSiteFails
	}

	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("MAX_TIMEOUT too short, using 180s")
		c.MaxTimeout = 180 * time.Second
	} else if c.MaxTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("MAX_TIMEOUT too high, capping")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("DEFAULT_TIMEOUT too short, using 60s")
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().
			Dur("default", c.DefaultTimeout).
			Dur("max", c.MaxTimeout).
			Msg("DEFAULT_TIMEOUT exceeds MAX_TIMEOUT, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("invalid RATE_LIMIT_RPM, using 120")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("RATE_LIMIT_RPM too high, capping")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("invalid LOG_LEVEL, using 'info'")
		c.LogLevel = "info"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().Str("addr", c.PProfBindAddr).Msg("pprof exposed on non-localhost address")
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - cross-origin requests will be rejected")
	}

	if c.AdminTokenEnabled {
		switch {
		case c.AdminToken == "":
			log.Error().Msg("ADMIN_TOKEN_ENABLED is true but ADMIN_TOKEN is empty - admin endpoints will always reject")
		case len(c.AdminToken) < minAdminTokenLength:
			log.Error().Int("length", len(c.AdminToken)).Msg("ADMIN_TOKEN is too short for secure authentication")
		}
	} else {
		log.Warn().Msg("ADMIN_TOKEN_ENABLED is false - admin endpoints are unauthenticated")
	}

	if c.AdminRateLimitRPS <= 0 {
		log.Warn().Float64("rps", c.AdminRateLimitRPS).Msg("invalid ADMIN_RATE_LIMIT_RPS, using 0.5")
		c.AdminRateLimitRPS = 0.5
	}

	if c.CheckinCronHour < 0 || c.CheckinCronHour > 23 {
		log.Warn().Int("hour", c.CheckinCronHour).Msg("invalid CHECKIN_CRON_HOUR, using 9")
		c.CheckinCronHour = 9
	}
	if c.CheckinCronMinute < 0 || c.CheckinCronMinute > 59 {
		log.Warn().Int("minute", c.CheckinCronMinute).Msg("invalid CHECKIN_CRON_MINUTE, using 30")
		c.CheckinCronMinute = 30
	}

	if c.HTTPProxyURL != "" && !strings.Contains(c.HTTPProxyURL, "://") {
		log.Error().Str("proxy_url", c.HTTPProxyURL).Msg("HTTP_PROXY missing scheme (http://, https://, socks5://)")
	}
}

// Helper functions for environment variable parsing. Every parse failure
// logs a warning and falls back to the default rather than failing the
// whole process.

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Bool("default", defaultValue).
			Msg("invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).
				Msg("duration must be positive, using default")
			return defaultValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
