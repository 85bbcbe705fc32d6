// Package config loads application settings from defaults, an optional YAML
// file, and environment variable overrides, in that order. The last writer
// wins, so a deployment can ship a config file and still pin individual
// values through the environment.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment names accepted by Settings.Environment.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// RateLimitRule is a (limit, window) pair applied to a path prefix.
type RateLimitRule struct {
	Limit  int `yaml:"limit"`
	Window int `yaml:"window"` // seconds
}

// RedisSettings configures the shared key-value store.
type RedisSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

// Addr returns host:port for the Redis client.
func (r RedisSettings) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// S3Settings selects the object-store backend when UseS3 is true.
type S3Settings struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SMTPSettings configures outbound mail. An empty Host disables sending;
// email jobs then complete with a "skipped" result instead of failing.
type SMTPSettings struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	UseTLS    bool   `yaml:"use_tls"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// Configured reports whether enough SMTP settings are present to send.
func (s SMTPSettings) Configured() bool {
	return s.Host != "" && s.User != ""
}

// LogSettings controls the zerolog output surface.
type LogSettings struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
	File   string `yaml:"file"`   // rotating file sink when set
}

// CORSSettings mirrors the browser-facing CORS policy.
type CORSSettings struct {
	Origins     []string `yaml:"origins"`
	Methods     []string `yaml:"methods"`
	Headers     []string `yaml:"headers"`
	Credentials bool     `yaml:"credentials"`
}

// WSSettings controls the websocket upgrade policy.
type WSSettings struct {
	// AllowedOrigins lists Origin header values accepted on upgrade.
	// "*" or an empty list accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitSettings drives the sliding-window admission middleware.
type RateLimitSettings struct {
	Enabled bool                     `yaml:"enabled"`
	Default int                      `yaml:"default"` // requests per window
	Window  int                      `yaml:"window"`  // seconds
	Paths   map[string]RateLimitRule `yaml:"paths"`   // longest-prefix overrides
	Exclude []string                 `yaml:"exclude"` // exact paths that bypass the limiter
}

// QueueSettings tunes the background job queue and its workers.
type QueueSettings struct {
	Concurrency    int `yaml:"concurrency"`     // worker goroutines, default NumCPU
	MaxRetries     int `yaml:"max_retries"`     // default retry budget per job
	JobTimeout     int `yaml:"job_timeout"`     // seconds a handler may run
	KeepResult     int `yaml:"keep_result"`     // seconds to retain terminal jobs
	LeaseTTL       int `yaml:"lease_ttl"`       // seconds before an unheartbeated lease expires
	BackoffBase    int `yaml:"backoff_base"`    // seconds, doubled per attempt
	BackoffCeiling int `yaml:"backoff_ceiling"` // seconds, retry delay cap
}

// WebhookSettings tunes the delivery engine.
type WebhookSettings struct {
	TimeoutDefault    int `yaml:"timeout_default"`    // seconds per delivery attempt
	DeliveryRetention int `yaml:"delivery_retention"` // days of delivery history to keep
}

// Settings is the root configuration object. Construct it with Load; the
// zero value is not usable.
type Settings struct {
	AppName     string `yaml:"app_name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	HTTPAddr    string `yaml:"http_addr"`

	DatabaseURL string `yaml:"database_url"`

	Redis        RedisSettings `yaml:"redis"`
	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheTTL     int           `yaml:"cache_ttl"` // seconds

	MaxFileSize int64      `yaml:"max_file_size"` // bytes
	UseS3       bool       `yaml:"use_s3"`
	S3          S3Settings `yaml:"s3"`
	MediaFolder string     `yaml:"media_folder"`

	SMTP SMTPSettings `yaml:"smtp"`

	SecretKey string `yaml:"secret_key"`

	Log       LogSettings       `yaml:"log"`
	CORS      CORSSettings      `yaml:"cors"`
	WS        WSSettings        `yaml:"ws"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
	Queue     QueueSettings     `yaml:"queue"`
	Webhook   WebhookSettings   `yaml:"webhook"`
}

// Defaults returns the baseline settings before file and env overrides.
func Defaults() Settings {
	return Settings{
		AppName:     "pulseframe",
		Version:     "1.0.0",
		Environment: EnvDevelopment,
		HTTPAddr:    ":8000",
		Redis: RedisSettings{
			Host:    "localhost",
			Port:    6379,
			Enabled: true,
		},
		CacheEnabled: true,
		CacheTTL:     300,
		MaxFileSize:  10485760,
		MediaFolder:  "media",
		SMTP: SMTPSettings{
			Port:      587,
			UseTLS:    true,
			FromEmail: "noreply@example.com",
			FromName:  "Pulseframe",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSSettings{
			Origins: []string{"*"},
			Methods: []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
			Headers: []string{"*"},
		},
		WS: WSSettings{
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitSettings{
			Enabled: true,
			Default: 100,
			Window:  60,
			Paths: map[string]RateLimitRule{
				"/tasks/":           {Limit: 50, Window: 60},
				"/tasks/email/send": {Limit: 30, Window: 60},
				"/tasks/email/bulk": {Limit: 5, Window: 3600},
				"/media/upload":     {Limit: 30, Window: 60},
			},
			Exclude: []string{"/", "/health", "/metrics"},
		},
		Queue: QueueSettings{
			Concurrency:    runtime.NumCPU(),
			MaxRetries:     3,
			JobTimeout:     300,
			KeepResult:     3600,
			LeaseTTL:       60,
			BackoffBase:    60,
			BackoffCeiling: 3600,
		},
		Webhook: WebhookSettings{
			TimeoutDefault:    10,
			DeliveryRetention: 30,
		},
	}
}

// Load builds Settings from defaults, the YAML file at path (skipped when
// path is empty or the file does not exist), and environment overrides.
func Load(path string) (Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// optional file
		case err != nil:
			return s, fmt.Errorf("read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return s, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	s.applyEnv()

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// FromEnv is Load with the config file path taken from CONFIG_FILE.
func FromEnv() (Settings, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func (s *Settings) applyEnv() {
	envString(&s.AppName, "APP_NAME")
	envString(&s.Environment, "ENVIRONMENT")
	envString(&s.HTTPAddr, "HTTP_ADDR")
	envString(&s.DatabaseURL, "DATABASE_URL")

	envString(&s.Redis.Host, "REDIS_HOST")
	envInt(&s.Redis.Port, "REDIS_PORT")
	envInt(&s.Redis.DB, "REDIS_DB")
	envString(&s.Redis.Password, "REDIS_PASSWORD")
	envBool(&s.Redis.Enabled, "REDIS_ENABLED")

	envBool(&s.CacheEnabled, "CACHE_ENABLED")
	envInt(&s.CacheTTL, "CACHE_TTL")

	envInt64(&s.MaxFileSize, "MAX_FILE_SIZE")
	envBool(&s.UseS3, "USE_S3")
	envString(&s.S3.Bucket, "S3_BUCKET")
	envString(&s.S3.Region, "S3_REGION")
	envString(&s.S3.Endpoint, "S3_ENDPOINT")
	envString(&s.S3.AccessKey, "S3_ACCESS_KEY")
	envString(&s.S3.SecretKey, "S3_SECRET_KEY")
	envString(&s.MediaFolder, "MEDIA_FOLDER")

	envString(&s.SMTP.Host, "SMTP_HOST")
	envInt(&s.SMTP.Port, "SMTP_PORT")
	envString(&s.SMTP.User, "SMTP_USER")
	envString(&s.SMTP.Password, "SMTP_PASSWORD")
	envBool(&s.SMTP.UseTLS, "SMTP_USE_TLS")
	envString(&s.SMTP.FromEmail, "SMTP_FROM_EMAIL")
	envString(&s.SMTP.FromName, "SMTP_FROM_NAME")

	envString(&s.SecretKey, "SECRET_KEY")

	envString(&s.Log.Level, "LOG_LEVEL")
	envString(&s.Log.Format, "LOG_FORMAT")
	envString(&s.Log.File, "LOG_FILE")

	envList(&s.CORS.Origins, "CORS_ORIGINS")
	envList(&s.CORS.Methods, "CORS_METHODS")
	envList(&s.CORS.Headers, "CORS_HEADERS")
	envBool(&s.CORS.Credentials, "CORS_CREDENTIALS")

	envList(&s.WS.AllowedOrigins, "WS_ALLOWED_ORIGINS")

	envBool(&s.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	envInt(&s.RateLimit.Default, "RATE_LIMIT_DEFAULT")
	envInt(&s.RateLimit.Window, "RATE_LIMIT_WINDOW")

	envInt(&s.Queue.Concurrency, "QUEUE_CONCURRENCY")
	envInt(&s.Queue.MaxRetries, "QUEUE_MAX_RETRIES")
	envInt(&s.Queue.JobTimeout, "QUEUE_JOB_TIMEOUT")
	envInt(&s.Queue.KeepResult, "QUEUE_KEEP_RESULT")
	envInt(&s.Queue.LeaseTTL, "QUEUE_LEASE_TTL")
	envInt(&s.Queue.BackoffBase, "QUEUE_BACKOFF_BASE")
	envInt(&s.Queue.BackoffCeiling, "QUEUE_BACKOFF_CEILING")

	envInt(&s.Webhook.TimeoutDefault, "WEBHOOK_TIMEOUT_DEFAULT")
	envInt(&s.Webhook.DeliveryRetention, "WEBHOOK_DELIVERY_RETENTION")
}

// Validate rejects configurations the server cannot start with.
func (s *Settings) Validate() error {
	if s.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if s.Environment != EnvDevelopment && s.Environment != EnvProduction {
		return fmt.Errorf("config: unknown environment %q", s.Environment)
	}
	if s.MaxFileSize <= 0 {
		return fmt.Errorf("config: MAX_FILE_SIZE must be positive, got %d", s.MaxFileSize)
	}
	if s.Queue.Concurrency <= 0 {
		s.Queue.Concurrency = runtime.NumCPU()
	}
	if s.Queue.BackoffBase <= 0 {
		return fmt.Errorf("config: QUEUE_BACKOFF_BASE must be positive, got %d", s.Queue.BackoffBase)
	}
	if s.RateLimit.Default <= 0 || s.RateLimit.Window <= 0 {
		return fmt.Errorf("config: rate limit default/window must be positive")
	}
	switch s.Log.Format {
	case "json", "console":
	case "text":
		s.Log.Format = "console"
	default:
		return fmt.Errorf("config: unknown log format %q", s.Log.Format)
	}
	return nil
}

// Production reports whether the server runs with production policies
// (HTTPS-only webhook targets, JSON logs by convention).
func (s *Settings) Production() bool {
	return s.Environment == EnvProduction
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

// envList splits a comma-separated env value. "*" stays a single entry.
func envList(dst *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
