// Package config provides configuration loading for the videogen worker.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Runtime modes.
const (
	ModeHTTP  = "http"
	ModeQueue = "queue"
	ModeOnce  = "once"
)

// MaxJobTimeout caps JOB_TIMEOUT.
const MaxJobTimeout = 2 * time.Hour

// Config holds all configuration for the worker.
type Config struct {
	// Engine
	ComfyURL     string
	WorkflowPath string
	InputDir     string
	OutputDir    string
	BootTimeout  time.Duration
	JobTimeout   time.Duration
	PollInterval time.Duration

	// Input fetching
	ImageFetchTimeout time.Duration
	ImageMaxBytes     int64
	CleanupInputs     bool

	// Binding overrides
	PromptNodeID string
	ImageNodeID  string

	// Object storage
	StorageType        string // "s3" or "memory"
	S3Endpoint         string
	S3Bucket           string
	S3AccessKey        string
	S3SecretKey        string
	S3Region           string
	S3PublicBase       string
	S3PublicWithBucket bool
	S3KeyPrefix        string
	S3PresignExpiry    time.Duration

	// Runtime
	Mode          string
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
	JobFile       string

	// Queue mode
	RedisURL  string
	JobQueue  string
	ResultTTL time.Duration

	// Events
	EventsRedisURL string
	EventsStream   string
	EventMaxLen    int64

	// Tracing
	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// ConfigurationError lists every missing or malformed setting.
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "configuration: " + strings.Join(parts, "; ")
}

// Details returns diagnostic fields for job results.
func (e *ConfigurationError) Details() map[string]any {
	d := map[string]any{}
	if len(e.Missing) > 0 {
		d["missing"] = e.Missing
	}
	if len(e.Invalid) > 0 {
		d["invalid"] = e.Invalid
	}
	return d
}

// Load reads configuration from environment variables and validates it.
// The returned Config is usable for logging even when err is non-nil.
func Load() (*Config, error) {
	e := &env{}
	cfg := &Config{
		// Engine
		ComfyURL:     e.getEnv("COMFY_URL", "http://127.0.0.1:8188"),
		WorkflowPath: e.getEnv("WORKFLOW_PATH", "/comfyui/workflow.json"),
		InputDir:     e.getEnv("COMFY_INPUT_DIR", "/comfyui/input"),
		OutputDir:    e.getEnv("COMFY_OUTPUT_DIR", "/comfyui/output"),
		BootTimeout:  e.getDuration("COMFY_BOOT_TIMEOUT", 5*time.Minute),
		JobTimeout:   e.getDuration("JOB_TIMEOUT", 30*time.Minute),
		PollInterval: e.getDuration("POLL_INTERVAL", 1500*time.Millisecond),

		// Input fetching
		ImageFetchTimeout: e.getDuration("IMAGE_FETCH_TIMEOUT", 60*time.Second),
		ImageMaxBytes:     e.getInt64("IMAGE_MAX_BYTES", 50<<20),
		CleanupInputs:     e.getBool("CLEANUP_INPUTS", false),

		// Binding
		PromptNodeID: e.getEnv("BIND_PROMPT_NODE", "134"),
		ImageNodeID:  e.getEnv("BIND_IMAGE_NODE", "148"),

		// Storage; R2_* names are accepted for existing deployments
		StorageType:        e.getEnv("STORAGE_TYPE", "s3"),
		S3Endpoint:         e.getEnv("S3_ENDPOINT", e.getEnv("R2_ENDPOINT", "")),
		S3Bucket:           e.getEnv("S3_BUCKET", e.getEnv("R2_BUCKET", "")),
		S3AccessKey:        e.getEnv("S3_ACCESS_KEY", e.getEnv("R2_ACCESS_KEY", "")),
		S3SecretKey:        e.getEnv("S3_SECRET_KEY", e.getEnv("R2_SECRET_KEY", "")),
		S3Region:           e.getEnv("S3_REGION", "auto"),
		S3PublicBase:       e.getEnv("S3_PUBLIC_BASE", e.getEnv("R2_PUBLIC_BASE", "")),
		S3PublicWithBucket: e.getBool("S3_PUBLIC_INCLUDE_BUCKET", false),
		S3KeyPrefix:        e.getEnv("S3_KEY_PREFIX", "outputs"),
		S3PresignExpiry:    e.getDuration("S3_PRESIGN_EXPIRY", 0),

		// Runtime
		Mode:          strings.ToLower(e.getEnv("WORKER_MODE", ModeHTTP)),
		Port:          e.getEnv("PORT", "8080"),
		ReadTimeout:   e.getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  e.getDuration("WRITE_TIMEOUT", 0), // /run blocks for the whole job
		ShutdownGrace: e.getDuration("SHUTDOWN_GRACE", 30*time.Second),
		JobFile:       e.getEnv("JOB_FILE", "-"),

		// Queue
		RedisURL:  e.getEnv("REDIS_URL", ""),
		JobQueue:  e.getEnv("JOB_QUEUE", "videogen:jobs"),
		ResultTTL: e.getDuration("RESULT_TTL", 24*time.Hour),

		// Events
		EventsRedisURL: e.getEnv("EVENTS_REDIS_URL", ""),
		EventsStream:   e.getEnv("EVENTS_STREAM", "videogen:events"),
		EventMaxLen:    e.getInt64("EVENT_MAX_LEN", 5000),

		// Tracing
		OTelEnabled:    e.getBool("OTEL_ENABLED", false),
		OTelEndpoint:   e.getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelSampleRate: e.getFloat("OTEL_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  strings.ToLower(e.getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(e.getEnv("LOG_FORMAT", "json")),
	}

	if err := cfg.validate(e.invalid); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	return c.validate(nil)
}

func (c *Config) validate(invalid []string) error {
	cerr := &ConfigurationError{Invalid: append([]string(nil), invalid...)}

	required := []struct{ key, val string }{
		{"COMFY_URL", c.ComfyURL},
		{"WORKFLOW_PATH", c.WorkflowPath},
		{"COMFY_INPUT_DIR", c.InputDir},
		{"COMFY_OUTPUT_DIR", c.OutputDir},
	}
	if c.StorageType != "memory" {
		required = append(required,
			struct{ key, val string }{"S3_ENDPOINT", c.S3Endpoint},
			struct{ key, val string }{"S3_BUCKET", c.S3Bucket},
			struct{ key, val string }{"S3_ACCESS_KEY", c.S3AccessKey},
			struct{ key, val string }{"S3_SECRET_KEY", c.S3SecretKey},
		)
	}
	if c.Mode == ModeQueue {
		required = append(required, struct{ key, val string }{"REDIS_URL", c.RedisURL})
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			cerr.Missing = append(cerr.Missing, r.key)
		}
	}

	bad := func(key string) { cerr.Invalid = appendOnce(cerr.Invalid, key) }
	if c.ComfyURL != "" {
		if u, err := url.Parse(c.ComfyURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("COMFY_URL")
		}
	}
	switch c.StorageType {
	case "s3", "minio", "r2", "memory":
	default:
		bad("STORAGE_TYPE")
	}
	switch c.Mode {
	case ModeHTTP, ModeQueue, ModeOnce:
	default:
		bad("WORKER_MODE")
	}
	if c.JobTimeout <= 0 || c.JobTimeout > MaxJobTimeout {
		bad("JOB_TIMEOUT")
	}
	if c.PollInterval <= 0 {
		bad("POLL_INTERVAL")
	}
	if c.BootTimeout < 0 {
		bad("COMFY_BOOT_TIMEOUT")
	}
	if c.ImageMaxBytes <= 0 {
		bad("IMAGE_MAX_BYTES")
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		bad("OTEL_SAMPLE_RATE")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		bad("LOG_FORMAT")
	}

	if len(cerr.Missing) == 0 && len(cerr.Invalid) == 0 {
		return nil
	}
	return cerr
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// env reads variables, remembering keys whose values failed to parse.
type env struct {
	invalid []string
}

func (e *env) getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func (e *env) getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
		e.invalid = appendOnce(e.invalid, key)
	}
	return defaultVal
}

func (e *env) getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		e.invalid = appendOnce(e.invalid, key)
	}
	return defaultVal
}

func (e *env) getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
		e.invalid = appendOnce(e.invalid, key)
	}
	return defaultVal
}

// getDuration accepts Go durations ("90s") or bare seconds ("90").
func (e *env) getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
		e.invalid = appendOnce(e.invalid, key)
	}
	return defaultVal
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// String renders the config with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf("mode=%s comfy=%s workflow=%s input=%s output=%s storage=%s bucket=%s access_key=%s",
		c.Mode, c.ComfyURL, c.WorkflowPath, c.InputDir, c.OutputDir, c.StorageType, c.S3Bucket, mask(c.S3AccessKey))
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}
