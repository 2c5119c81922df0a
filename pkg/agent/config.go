// Package agent is the public SDK surface of the SnapTrace code
// monitoring agent: initialization, configuration, the snapshot
// instrumentation call site, and error capture.
package agent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the agent configuration. Values are seeded from SNAPTRACE_*
// environment variables and overridden by options.
type Config struct {
	APIKey          string
	BackendURL      string
	ControlPlaneURL string
	Environment     string

	// Code monitoring knobs.
	EnableSnapshots    bool
	PollInterval       time.Duration
	DefaultMaxCaptures int
	DefaultExpiry      time.Duration
	SnapshotsPerSecond float64

	// Redaction: extra case-insensitive field-name patterns on top of the
	// built-in rules.
	ExtraRedactionPatterns []string

	// Variable walk limits.
	MaxCaptureDepth   int
	MaxStringLength   int
	MaxCollectionSize int

	Debug    bool
	Hostname string
	AgentID  string
}

// NewConfig creates a configuration with environment defaults, then
// applies the given options.
func NewConfig(options ...ConfigOption) *Config {
	cfg := &Config{
		APIKey:             getEnvOrDefault("SNAPTRACE_API_KEY", ""),
		BackendURL:         getEnvOrDefault("SNAPTRACE_BACKEND_URL", "wss://ingest.snaptrace.io/ws/agent"),
		ControlPlaneURL:    getEnvOrDefault("SNAPTRACE_CONTROL_PLANE_URL", "https://api.snaptrace.io"),
		Environment:        getEnvOrDefault("SNAPTRACE_ENVIRONMENT", "production"),
		EnableSnapshots:    getEnvOrDefault("SNAPTRACE_ENABLE_SNAPSHOTS", "true") == "true",
		PollInterval:       getEnvDurationOrDefault("SNAPTRACE_POLL_INTERVAL_MS", 30*time.Second),
		DefaultMaxCaptures: getEnvIntOrDefault("SNAPTRACE_DEFAULT_MAX_CAPTURES", 10),
		DefaultExpiry:      getEnvDurationSecondsOrDefault("SNAPTRACE_DEFAULT_EXPIRY_SECONDS", 0),
		SnapshotsPerSecond: getEnvFloatOrDefault("SNAPTRACE_SNAPSHOTS_PER_SECOND", 50),
		MaxCaptureDepth:    getEnvIntOrDefault("SNAPTRACE_MAX_DEPTH", 10),
		MaxStringLength:    getEnvIntOrDefault("SNAPTRACE_MAX_STRING_LENGTH", 1000),
		MaxCollectionSize:  getEnvIntOrDefault("SNAPTRACE_MAX_COLLECTION_SIZE", 100),
		Debug:              getEnvOrDefault("SNAPTRACE_DEBUG", "false") == "true",
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.Hostname = hostname
	cfg.AgentID = generateAgentID()

	for _, opt := range options {
		opt(cfg)
	}

	return cfg
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) { c.APIKey = key }
}

// WithBackendURL sets the snapshot ingestion URL.
func WithBackendURL(url string) ConfigOption {
	return func(c *Config) { c.BackendURL = url }
}

// WithControlPlaneURL sets the breakpoint control-plane URL.
func WithControlPlaneURL(url string) ConfigOption {
	return func(c *Config) { c.ControlPlaneURL = url }
}

// WithEnvironment sets the environment name.
func WithEnvironment(env string) ConfigOption {
	return func(c *Config) { c.Environment = env }
}

// WithEnableSnapshots turns the snapshot feature on or off. When off,
// Snapshot is a guaranteed-cheap no-op with no registry lookups.
func WithEnableSnapshots(enable bool) ConfigOption {
	return func(c *Config) { c.EnableSnapshots = enable }
}

// WithPollInterval sets how often the poller refreshes breakpoint state.
func WithPollInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.PollInterval = d }
}

// WithDefaultMaxCaptures sets the capture ceiling for auto-registered
// breakpoints.
func WithDefaultMaxCaptures(n int) ConfigOption {
	return func(c *Config) { c.DefaultMaxCaptures = n }
}

// WithDefaultExpiry makes auto-registered breakpoints expire after d.
func WithDefaultExpiry(d time.Duration) ConfigOption {
	return func(c *Config) { c.DefaultExpiry = d }
}

// WithSnapshotsPerSecond caps process-wide capture throughput.
func WithSnapshotsPerSecond(n float64) ConfigOption {
	return func(c *Config) { c.SnapshotsPerSecond = n }
}

// WithExtraRedactionPatterns adds field-name patterns to the redaction
// rule set.
func WithExtraRedactionPatterns(patterns ...string) ConfigOption {
	return func(c *Config) {
		c.ExtraRedactionPatterns = append(c.ExtraRedactionPatterns, patterns...)
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) { c.Debug = debug }
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvDurationSecondsOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if s, err := strconv.Atoi(value); err == nil && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return defaultValue
}

func generateAgentID() string {
	timestamp := fmt.Sprintf("%x", time.Now().UnixNano())
	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		return fmt.Sprintf("agent-%s", timestamp)
	}
	return fmt.Sprintf("agent-%s-%s", timestamp, hex.EncodeToString(random))
}
