// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for
// logging, the portal session, the saved search, the poll loop, the seen-set
// store, the notification channel, the ops server, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // PORTAL_TIMEZONE must resolve on hosts without zoneinfo
)

// PortalConfig defines how to reach and authenticate against the booking
// portal.
type PortalConfig struct {
	BaseURL        string        // PORTAL_BASE_URL (reservation API root)
	TokenURL       string        // PORTAL_TOKEN_URL
	LoginURL       string        // PORTAL_LOGIN_URL
	Email          string        // PORTAL_EMAIL
	Password       string        // PORTAL_PASSWORD
	RequestTimeout time.Duration // PORTAL_REQUEST_TIMEOUT, per HTTP request
	RateRPS        float64       // PORTAL_RATE_RPS, outbound requests per second
	RateBurst      int           // PORTAL_RATE_BURST
	NameMatchScore float64       // NAME_MATCH_SCORE in (0,1], fuzzy name threshold
	Timezone       string        // PORTAL_TIMEZONE, zone of offset-less portal timestamps
}

// SearchConfig is the saved search. Values may be names or numeric IDs.
type SearchConfig struct {
	City       string // CITY_NAME
	Service    string // SERVICE_NAME
	Doctor     string // DOCTOR_NAME (optional)
	Clinic     string // CLINIC_NAME (optional)
	LookupDays int    // LOOKUP_DAYS
}

// PollConfig drives the poll loop timing and policies.
type PollConfig struct {
	Interval                  time.Duration // POLL_INTERVAL
	Jitter                    time.Duration // POLL_JITTER, random extra delay in [0, Jitter]
	TransientBackoff          time.Duration // TRANSIENT_BACKOFF
	UnknownBackoff            time.Duration // UNKNOWN_BACKOFF
	MaxUnknownFailures        int           // MAX_UNKNOWN_FAILURES
	MarkSeenOnDeliveryFailure bool          // MARK_SEEN_ON_DELIVERY_FAILURE
	ClearSeenOnEmpty          bool          // CLEAR_SEEN_ON_EMPTY
}

// StoreConfig selects and locates the seen-set store.
type StoreConfig struct {
	Driver    string // STORE_DRIVER: sqlite|file|redis
	DBPath    string // DB_PATH (sqlite)
	FilePath  string // STORE_FILE (file)
	RedisAddr string // REDIS_ADDR
	RedisDB   int    // REDIS_DB
	RedisPass string // REDIS_PASSWORD
	RedisKey  string // REDIS_KEY
}

// NotifyConfig selects the notification channel and holds its credentials.
type NotifyConfig struct {
	Provider          string        // NOTIFY_PROVIDER: pushover|pushbullet|sendgrid|log
	Title             string        // NOTIFY_TITLE
	PushoverToken     string        // PUSHOVER_API_TOKEN
	PushoverUser      string        // PUSHOVER_USER_KEY
	PushbulletToken   string        // PUSHBULLET_API_TOKEN
	SendGridAPIKey    string        // SENDGRID_API_KEY
	SendGridFrom      string        // SENDGRID_FROM
	SendGridTo        []string      // SENDGRID_TO (comma-separated)
	DeliveryTimeout   time.Duration // NOTIFY_TIMEOUT
	ShutdownOnFailure bool          // NOTIFY_ON_SHUTDOWN
}

// OpsConfig defines the local health/metrics/status HTTP server.
type OpsConfig struct {
	Enabled   bool    // OPS_ENABLED
	Addr      string  // OPS_ADDR
	GinMode   string  // GIN_MODE: debug|release|test
	RateRPS   float64 // OPS_RATE_RPS per client IP; 0 disables
	RateBurst int     // OPS_RATE_BURST
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "slot-hunter")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs

	Portal PortalConfig
	Search SearchConfig
	Poll   PollConfig
	Store  StoreConfig
	Notify NotifyConfig
	Ops    OpsConfig
	OTEL   OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := read()

	// --- validation ---
	if err := validatePortal(cfg); err != nil {
		return cfg, err
	}
	if cfg.Search.City == "" || cfg.Search.Service == "" {
		return cfg, errors.New("CITY_NAME and SERVICE_NAME are required")
	}
	if cfg.Search.LookupDays < 0 {
		return cfg, errors.New("LOOKUP_DAYS must be >= 0")
	}
	if cfg.Poll.Interval <= 0 || cfg.Poll.TransientBackoff <= 0 || cfg.Poll.UnknownBackoff <= 0 {
		return cfg, errors.New("POLL_INTERVAL, TRANSIENT_BACKOFF and UNKNOWN_BACKOFF must be positive durations")
	}
	if cfg.Poll.Jitter < 0 {
		return cfg, errors.New("POLL_JITTER must be >= 0")
	}
	if cfg.Poll.MaxUnknownFailures < 1 {
		return cfg, errors.New("MAX_UNKNOWN_FAILURES must be >= 1")
	}
	switch cfg.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Store.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "file":
		if strings.TrimSpace(cfg.Store.FilePath) == "" {
			return cfg, errors.New("STORE_FILE must not be empty")
		}
	case "redis":
		if strings.TrimSpace(cfg.Store.RedisAddr) == "" {
			return cfg, errors.New("REDIS_ADDR must not be empty")
		}
	default:
		return cfg, errors.New("STORE_DRIVER must be one of: sqlite, file, redis")
	}
	switch cfg.Notify.Provider {
	case "log":
	case "pushover":
		if cfg.Notify.PushoverToken == "" || cfg.Notify.PushoverUser == "" {
			return cfg, errors.New("PUSHOVER_API_TOKEN and PUSHOVER_USER_KEY are required for pushover")
		}
	case "pushbullet":
		if cfg.Notify.PushbulletToken == "" {
			return cfg, errors.New("PUSHBULLET_API_TOKEN is required for pushbullet")
		}
	case "sendgrid":
		if cfg.Notify.SendGridAPIKey == "" || cfg.Notify.SendGridFrom == "" || len(cfg.Notify.SendGridTo) == 0 {
			return cfg, errors.New("SENDGRID_API_KEY, SENDGRID_FROM and SENDGRID_TO are required for sendgrid")
		}
	default:
		return cfg, errors.New("NOTIFY_PROVIDER must be one of: pushover, pushbullet, sendgrid, log")
	}
	if cfg.Notify.DeliveryTimeout <= 0 {
		return cfg, errors.New("NOTIFY_TIMEOUT must be > 0")
	}
	if cfg.Ops.Enabled && strings.TrimSpace(cfg.Ops.Addr) == "" {
		return cfg, errors.New("OPS_ADDR must not be empty when OPS_ENABLED")
	}
	if cfg.Ops.RateRPS < 0 || cfg.Ops.RateBurst < 1 {
		return cfg, errors.New("OPS_RATE_RPS must be >= 0 and OPS_RATE_BURST >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// read collects the environment with defaults applied and normalized.
func read() Config {
	cfg := Config{
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		Portal: PortalConfig{
			BaseURL:        strings.TrimRight(getenv("PORTAL_BASE_URL", "https://portalpacjenta.luxmed.pl/PatientPortalMobileAPI/api/NewPortal"), "/"),
			TokenURL:       getenv("PORTAL_TOKEN_URL", "https://portalpacjenta.luxmed.pl/PatientPortalMobileAPI/api/token"),
			LoginURL:       getenv("PORTAL_LOGIN_URL", "https://portalpacjenta.luxmed.pl/PatientPortal/Account/LogInToApp"),
			Email:          getenv("PORTAL_EMAIL", ""),
			Password:       getenv("PORTAL_PASSWORD", ""),
			RequestTimeout: getdur("PORTAL_REQUEST_TIMEOUT", 30*time.Second),
			RateRPS:        getfloat("PORTAL_RATE_RPS", 1.0),
			RateBurst:      getint("PORTAL_RATE_BURST", 3),
			NameMatchScore: getfloat("NAME_MATCH_SCORE", 0.5),
			Timezone:       getenv("PORTAL_TIMEZONE", "Europe/Warsaw"),
		},

		Search: SearchConfig{
			City:       strings.TrimSpace(getenv("CITY_NAME", "")),
			Service:    strings.TrimSpace(getenv("SERVICE_NAME", "")),
			Doctor:     strings.TrimSpace(getenv("DOCTOR_NAME", "")),
			Clinic:     strings.TrimSpace(getenv("CLINIC_NAME", "")),
			LookupDays: getint("LOOKUP_DAYS", 14),
		},

		Poll: PollConfig{
			Interval:                  getdur("POLL_INTERVAL", 5*time.Minute),
			Jitter:                    getdur("POLL_JITTER", 15*time.Second),
			TransientBackoff:          getdur("TRANSIENT_BACKOFF", 15*time.Minute),
			UnknownBackoff:            getdur("UNKNOWN_BACKOFF", time.Minute),
			MaxUnknownFailures:        getint("MAX_UNKNOWN_FAILURES", 5),
			MarkSeenOnDeliveryFailure: getbool("MARK_SEEN_ON_DELIVERY_FAILURE", false),
			ClearSeenOnEmpty:          getbool("CLEAR_SEEN_ON_EMPTY", false),
		},

		Store: StoreConfig{
			Driver:    strings.ToLower(getenv("STORE_DRIVER", "sqlite")),
			DBPath:    getenv("DB_PATH", "slothunter.db"),
			FilePath:  getenv("STORE_FILE", "seen_slots.json"),
			RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),
			RedisDB:   getint("REDIS_DB", 0),
			RedisPass: getenv("REDIS_PASSWORD", ""),
			RedisKey:  getenv("REDIS_KEY", "slothunter:seen"),
		},

		Notify: NotifyConfig{
			Provider:          strings.ToLower(getenv("NOTIFY_PROVIDER", "log")),
			Title:             getenv("NOTIFY_TITLE", "Slot hunter"),
			PushoverToken:     getenv("PUSHOVER_API_TOKEN", ""),
			PushoverUser:      getenv("PUSHOVER_USER_KEY", ""),
			PushbulletToken:   getenv("PUSHBULLET_API_TOKEN", ""),
			SendGridAPIKey:    getenv("SENDGRID_API_KEY", ""),
			SendGridFrom:      getenv("SENDGRID_FROM", ""),
			SendGridTo:        splitCSV(getenv("SENDGRID_TO", "")),
			DeliveryTimeout:   getdur("NOTIFY_TIMEOUT", 15*time.Second),
			ShutdownOnFailure: getbool("NOTIFY_ON_SHUTDOWN", true),
		},

		Ops: OpsConfig{
			Enabled:   getbool("OPS_ENABLED", true),
			Addr:      getenv("OPS_ADDR", "127.0.0.1:9464"),
			GinMode:   strings.ToLower(getenv("GIN_MODE", "release")),
			RateRPS:   getfloat("OPS_RATE_RPS", 10),
			RateBurst: getint("OPS_RATE_BURST", 20),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "slot-hunter"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.Ops.GinMode {
	case "debug", "release", "test":
	default:
		cfg.Ops.GinMode = "release"
	}

	return cfg
}

// LoadPortal is Load for commands that only talk to the portal (the
// dictionary listing). Logging and portal settings are validated; search,
// store and notification settings are not required.
func LoadPortal() (Config, error) {
	cfg := read()
	return cfg, validatePortal(cfg)
}

// validatePortal checks the settings needed to log in and query the portal.
func validatePortal(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Portal.BaseURL) == "" || strings.TrimSpace(cfg.Portal.TokenURL) == "" || strings.TrimSpace(cfg.Portal.LoginURL) == "" {
		return errors.New("PORTAL_BASE_URL, PORTAL_TOKEN_URL and PORTAL_LOGIN_URL must not be empty")
	}
	if cfg.Portal.Email == "" || cfg.Portal.Password == "" {
		return errors.New("PORTAL_EMAIL and PORTAL_PASSWORD are required")
	}
	if cfg.Portal.RequestTimeout <= 0 {
		return errors.New("PORTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.Portal.RateRPS <= 0 {
		return errors.New("PORTAL_RATE_RPS must be > 0")
	}
	if cfg.Portal.RateBurst < 1 {
		return errors.New("PORTAL_RATE_BURST must be >= 1")
	}
	if cfg.Portal.NameMatchScore <= 0 || cfg.Portal.NameMatchScore > 1 {
		return errors.New("NAME_MATCH_SCORE must be in (0,1]")
	}
	if _, err := time.LoadLocation(cfg.Portal.Timezone); err != nil {
		return errors.New("PORTAL_TIMEZONE must be an IANA zone name: " + err.Error())
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
