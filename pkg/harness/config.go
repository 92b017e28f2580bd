// Package harness drives a guest program and dispatches its breakpoints.
package harness

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aivorynet/breakharness/pkg/emulator"
)

const Version = "1.0.0"

// Config holds the harness configuration.
type Config struct {
	BackendURL           string
	Token                string
	Debug                bool
	MaxSteps             int
	MaxCallDepth         int
	Iterations           int
	Seed                 int64
	MaxInputSize         int
	MaxCapturesPerSecond int
	MaxCaptureDepth      int
	Hostname             string
	HarnessID            string
}

// NewConfig creates a new configuration with defaults from environment variables.
func NewConfig(options ...ConfigOption) *Config {
	vm := emulator.DefaultVMSettings()

	cfg := &Config{
		BackendURL:           getEnvOrDefault("BREAKHARNESS_BACKEND_URL", ""),
		Token:                getEnvOrDefault("BREAKHARNESS_TOKEN", ""),
		Debug:                getEnvOrDefault("BREAKHARNESS_DEBUG", "false") == "true",
		MaxSteps:             getEnvIntOrDefault("BREAKHARNESS_MAX_STEPS", vm.MaxSteps),
		MaxCallDepth:         getEnvIntOrDefault("BREAKHARNESS_MAX_CALL_DEPTH", vm.MaxCallDepth),
		Iterations:           getEnvIntOrDefault("BREAKHARNESS_ITERATIONS", 10000),
		Seed:                 getEnvInt64OrDefault("BREAKHARNESS_SEED", time.Now().UnixNano()),
		MaxInputSize:         getEnvIntOrDefault("BREAKHARNESS_MAX_INPUT_SIZE", 4096),
		MaxCapturesPerSecond: getEnvIntOrDefault("BREAKHARNESS_MAX_CAPTURES_PER_SECOND", 50),
		MaxCaptureDepth:      getEnvIntOrDefault("BREAKHARNESS_MAX_DEPTH", 10),
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.Hostname = hostname

	cfg.HarnessID = "harness-" + uuid.New().String()

	for _, opt := range options {
		opt(cfg)
	}

	return cfg
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithBackendURL sets the backend URL. An empty URL disables reporting.
func WithBackendURL(url string) ConfigOption {
	return func(c *Config) {
		c.BackendURL = url
	}
}

// WithToken sets the token presented to the backend.
func WithToken(token string) ConfigOption {
	return func(c *Config) {
		c.Token = token
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) {
		c.Debug = debug
	}
}

// WithMaxSteps bounds the number of guest instructions per execution.
func WithMaxSteps(n int) ConfigOption {
	return func(c *Config) {
		c.MaxSteps = n
	}
}

// WithIterations sets the number of executions of a fuzzing campaign.
func WithIterations(n int) ConfigOption {
	return func(c *Config) {
		c.Iterations = n
	}
}

// WithSeed makes fuzzing reproducible.
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) {
		c.Seed = seed
	}
}

// WithMaxInputSize caps the size of mutated inputs.
func WithMaxInputSize(n int) ConfigOption {
	return func(c *Config) {
		c.MaxInputSize = n
	}
}

// WithMaxCapturesPerSecond limits how many breakpoint captures are taken.
func WithMaxCapturesPerSecond(n int) ConfigOption {
	return func(c *Config) {
		c.MaxCapturesPerSecond = n
	}
}

// VMSettings returns the emulator settings derived from the configuration.
func (c *Config) VMSettings() emulator.VMSettings {
	return emulator.VMSettings{
		MaxSteps:     c.MaxSteps,
		MaxCallDepth: c.MaxCallDepth,
	}
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

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
