package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Artifacts selects where visual-probe snapshots go: an S3-compatible bucket
// when Endpoint is set, else a local directory when Dir is set, else nowhere.
type Artifacts struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Dir       string
}

// Config is loaded once at startup and passed down explicitly.
type Config struct {
	Addr            string // API bind address, e.g. "127.0.0.1:8080" or ":8080" (Docker)
	LogDir          string
	LogLevel        string
	LogStdout       bool
	DatabaseURL     string // empty means in-memory history
	DefinitionsFile string // empty means the built-in canary pair
	OTELEndpoint    string

	// canary target, used when no definitions file is set
	Stage             string
	NotificationEmail string
	AppAPIURL         string
	AppAPIHost        string
	AppAPIProtocol    string
	WebsiteURL        string

	ProbeRate     time.Duration
	ProbeTimeout  time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	FaultRate     float64

	SMTP            SMTP
	Artifacts       Artifacts
	DeliveryTimeout time.Duration

	PublicAPIKeys []string
	AdminAPIKeys  []string
	PublicRPM     int
	PublicBurst   int
}

func FromEnv() Config {
	// Bind address (Windows-friendly default)
	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8080"
	}

	logDir := os.Getenv("LOG_DIR")
	if logDir == "" {
		logDir = "logs"
	}
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "info"
	}

	rate := envDuration("PROBE_RATE_SECONDS", time.Second, 60*time.Second)
	timeout := envDuration("PROBE_TIMEOUT_MS", time.Millisecond, 10*time.Second)
	if timeout > rate {
		timeout = rate
	}

	faultRate := 0.0
	if v := os.Getenv("FAULT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			faultRate = f
		}
	}

	protocol := os.Getenv("APP_API_PROTOCOL")
	if protocol == "" {
		protocol = "https"
	}

	return Config{
		Addr:            addr,
		LogDir:          logDir,
		LogLevel:        logLevel,
		LogStdout:       envBool("LOG_STDOUT", false),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DefinitionsFile: os.Getenv("DEFINITIONS_FILE"),
		OTELEndpoint:    os.Getenv("OTEL_ENDPOINT"),

		Stage:             os.Getenv("STAGE"),
		NotificationEmail: os.Getenv("NOTIFICATION_EMAIL"),
		AppAPIURL:         os.Getenv("APP_API_URL"),
		AppAPIHost:        os.Getenv("APP_API_HOST"),
		AppAPIProtocol:    protocol,
		WebsiteURL:        os.Getenv("WEBSITE_URL"),

		ProbeRate:     rate,
		ProbeTimeout:  timeout,
		RetryAttempts: envInt("RETRY_ATTEMPTS", 1, 1),
		RetryBackoff:  envDuration("RETRY_BACKOFF_MS", time.Millisecond, 300*time.Millisecond),
		FaultRate:     faultRate,

		SMTP: SMTP{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     envInt("SMTP_PORT", 1, 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
		Artifacts: Artifacts{
			Endpoint:  os.Getenv("ARTIFACT_ENDPOINT"),
			AccessKey: os.Getenv("ARTIFACT_ACCESS_KEY"),
			SecretKey: os.Getenv("ARTIFACT_SECRET_KEY"),
			Bucket:    envString("ARTIFACT_BUCKET", "canary-assets-bucket"),
			UseSSL:    envBool("ARTIFACT_USE_SSL", true),
			Dir:       os.Getenv("ARTIFACT_DIR"),
		},
		DeliveryTimeout: envDuration("DELIVERY_TIMEOUT_MS", time.Millisecond, 10*time.Second),

		PublicAPIKeys: envList("PUBLIC_API_KEYS"),
		AdminAPIKeys:  envList("ADMIN_API_KEYS"),
		PublicRPM:     envInt("PUBLIC_RPM", 1, 120),
		PublicBurst:   envInt("PUBLIC_BURST", 1, 20),
	}
}

// APIEndpoint is the URL the default API canary requests. APP_API_URL may be
// absolute, or a path joined as protocol://host/stage/path.
func (c Config) APIEndpoint() string {
	if strings.HasPrefix(c.AppAPIURL, "http://") || strings.HasPrefix(c.AppAPIURL, "https://") {
		return c.AppAPIURL
	}
	parts := []string{}
	for _, p := range []string{c.Stage, c.AppAPIURL} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return fmt.Sprintf("%s://%s/%s", c.AppAPIProtocol, strings.TrimRight(c.AppAPIHost, "/"), strings.Join(parts, "/"))
}

// Missing names the variables the built-in canary pair cannot run without.
func (c Config) Missing() []string {
	var missing []string
	check := func(name, v string) {
		if v == "" {
			missing = append(missing, name)
		}
	}
	check("NOTIFICATION_EMAIL", c.NotificationEmail)
	check("STAGE", c.Stage)
	check("APP_API_URL", c.AppAPIURL)
	if !strings.Contains(c.AppAPIURL, "://") {
		check("APP_API_HOST", c.AppAPIHost)
	}
	check("WEBSITE_URL", c.WebsiteURL)
	check("SMTP_HOST", c.SMTP.Host)
	return missing
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt returns def unless the variable parses to at least min.
func envInt(key string, min, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= min {
			return n
		}
	}
	return def
}

func envDuration(key string, unit, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * unit
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MissingError lists required variables that are unset. It matches
// ErrInvalidConfig under errors.Is.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return "missing config: " + strings.Join(e.Vars, ", ")
}

func (e *MissingError) Is(target error) bool { return target == ErrInvalidConfig }
