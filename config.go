package agenttrace

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/fjacquet/agenttrace/internal/export"
)

// Environment variables consulted by SetDefaults for fields left unset.
const (
	EnvAPIKey       = "AGENTTRACE_API_KEY"
	EnvParentKey    = "AGENTTRACE_PARENT_KEY"
	EnvEndpoint     = "AGENTTRACE_ENDPOINT"
	EnvMaxWaitTime  = "AGENTTRACE_MAX_WAIT_TIME"
	EnvMaxQueueSize = "AGENTTRACE_MAX_QUEUE_SIZE"
	EnvFailSafe     = "AGENTTRACE_FAIL_SAFE"
)

const (
	defaultEndpoint     = "https://api.agenttrace.dev"
	defaultMaxWaitTime  = 5000 // milliseconds
	defaultMaxQueueSize = 512
)

// OTLPConfig configures the optional per-session OTLP span mirror.
type OTLPConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Config represents the complete client configuration. Fields left at their
// zero value are filled from the environment and then from hard defaults by
// SetDefaults.
type Config struct {
	// Endpoint is the base URL of the collection endpoint.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates every request to the collection endpoint.
	APIKey string `yaml:"apiKey"`

	// ParentKey optionally groups sessions under a parent project.
	ParentKey string `yaml:"parentKey"`

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`

	// MaxWaitTime is the longest a queued span waits before export, in
	// milliseconds.
	MaxWaitTime int `yaml:"maxWaitTime"`

	// MaxQueueSize bounds each session's span export queue.
	MaxQueueSize int `yaml:"maxQueueSize"`

	// DropPolicy selects which span is discarded when the queue is full:
	// "newest" (default) or "oldest".
	DropPolicy string `yaml:"dropPolicy"`

	// FailSafe downgrades session start failures to logged errors so a
	// broken telemetry setup cannot take the host application down.
	FailSafe bool `yaml:"failSafe"`

	// Strict surfaces export failures to callers instead of swallowing
	// them. Off by default: telemetry loss should not break the host.
	Strict bool `yaml:"strict"`

	// DefaultTags are merged into every session started by the client.
	DefaultTags []string `yaml:"defaultTags"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LogFile optionally mirrors log output to a file.
	LogFile string `yaml:"logFile"`

	OTLP OTLPConfig `yaml:"otlp"`
}

// LoadConfig reads and parses a YAML configuration file. The result is not
// validated; call Validate before use.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// SetDefaults fills unset fields, first from the environment and then from
// hard defaults. Called automatically by Validate.
func (c *Config) SetDefaults() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.ParentKey == "" {
		c.ParentKey = os.Getenv(EnvParentKey)
	}
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv(EnvEndpoint)
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.MaxWaitTime == 0 {
		if v, err := strconv.Atoi(os.Getenv(EnvMaxWaitTime)); err == nil && v > 0 {
			c.MaxWaitTime = v
		} else {
			c.MaxWaitTime = defaultMaxWaitTime
		}
	}
	if c.MaxQueueSize == 0 {
		if v, err := strconv.Atoi(os.Getenv(EnvMaxQueueSize)); err == nil && v > 0 {
			c.MaxQueueSize = v
		} else {
			c.MaxQueueSize = defaultMaxQueueSize
		}
	}
	if !c.FailSafe {
		if v, err := strconv.ParseBool(os.Getenv(EnvFailSafe)); err == nil {
			c.FailSafe = v
		}
	}
	if c.DropPolicy == "" {
		c.DropPolicy = string(export.DropNewest)
	}
}

// Validate checks the configuration and returns an error describing the
// first problem found. SetDefaults is applied before validation.
func (c *Config) Validate() error {
	c.SetDefaults()

	if c.APIKey == "" {
		return errors.New("API key is required (set apiKey or " + EnvAPIKey + ")")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid endpoint: %s", c.Endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint scheme: %s (must be http or https)", u.Scheme)
	}
	if c.MaxWaitTime < 1 {
		return fmt.Errorf("invalid max wait time: %d (must be at least 1 ms)", c.MaxWaitTime)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("invalid max queue size: %d (must be at least 1)", c.MaxQueueSize)
	}
	if c.DropPolicy != string(export.DropNewest) && c.DropPolicy != string(export.DropOldest) {
		return fmt.Errorf("invalid drop policy: %s (must be newest or oldest)", c.DropPolicy)
	}
	if c.OTLP.Enabled {
		if c.OTLP.Endpoint == "" {
			return errors.New("OTLP endpoint is required when the mirror is enabled")
		}
		if c.OTLP.SamplingRate < 0 || c.OTLP.SamplingRate > 1 {
			return fmt.Errorf("invalid OTLP sampling rate: %f (must be between 0.0 and 1.0)", c.OTLP.SamplingRate)
		}
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for safe logging.
// Shows the first 4 and last 4 characters with asterisks in between.
func (c *Config) MaskAPIKey() string {
	if len(c.APIKey) <= 8 {
		return "****"
	}
	return c.APIKey[:4] + "****" + c.APIKey[len(c.APIKey)-4:]
}

func (c *Config) maxWaitTime() time.Duration {
	return time.Duration(c.MaxWaitTime) * time.Millisecond
}

func (c *Config) dropPolicy() export.DropPolicy {
	return export.DropPolicy(c.DropPolicy)
}
