// Package config loads agentchat settings from a YAML file, the environment
// and command-line overrides, in that order of increasing precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultModel           = "qwen3:latest"
	DefaultEndpoint        = "http://localhost:11434"
	DefaultTemperature     = 0.1
	DefaultContextSize     = 8192
	DefaultMaxIterations   = 20
	DefaultRelayURL        = "http://localhost:8000"
	DefaultRequestTimeout  = 120 * time.Second
	DefaultHealthInterval  = 30 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultListen          = ":8000"
	DefaultUpstreamTimeout = 115 * time.Second
	DefaultProbeSchedule   = "@every 30s"
)

// Config is the top-level configuration. It is read once at startup and
// passed by value afterwards.
type Config struct {
	Agent  AgentConfig  `yaml:"agent"`
	Client ClientConfig `yaml:"client"`
	Relay  RelayConfig  `yaml:"relay"`
}

// AgentConfig describes the remote model. The chat client only displays these
// values; the relay forwards them upstream.
type AgentConfig struct {
	Model         string  `yaml:"model"`
	Endpoint      string  `yaml:"endpoint"`
	Temperature   float64 `yaml:"temperature"`
	ContextSize   int     `yaml:"context_size"`
	MaxIterations int     `yaml:"max_iterations"`
}

// ClientConfig holds settings for the chat client side.
type ClientConfig struct {
	RelayURL       string        `yaml:"relay_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	LogFile        string        `yaml:"log_file"`
}

// RelayConfig holds settings for the relay server.
type RelayConfig struct {
	Listen          string        `yaml:"listen"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	ProbeSchedule   string        `yaml:"probe_schedule"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// Default returns a Config with every default applied.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path (when non-empty), applies AGENTCHAT_*
// environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var data []byte
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = raw
	}
	return Parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes, then applies environment overrides looked up
// through getenv, then defaults and validation.
func Parse(data []byte, getenv func(string) string) (Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse: %w", err)
		}
	}
	if getenv != nil {
		cfg.applyEnv(env(getenv))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Model == "" {
		c.Agent.Model = DefaultModel
	}
	if c.Agent.Endpoint == "" {
		c.Agent.Endpoint = DefaultEndpoint
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = DefaultTemperature
	}
	if c.Agent.ContextSize == 0 {
		c.Agent.ContextSize = DefaultContextSize
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Client.RelayURL == "" {
		c.Client.RelayURL = DefaultRelayURL
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = DefaultRequestTimeout
	}
	if c.Client.HealthInterval == 0 {
		c.Client.HealthInterval = DefaultHealthInterval
	}
	if c.Client.ProbeTimeout == 0 {
		c.Client.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = DefaultListen
	}
	if c.Relay.UpstreamTimeout == 0 {
		c.Relay.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.Relay.ProbeSchedule == "" {
		c.Relay.ProbeSchedule = DefaultProbeSchedule
	}
	if c.Relay.RateLimit > 0 && c.Relay.RateBurst == 0 {
		c.Relay.RateBurst = 1
	}
	if len(c.Relay.AllowedOrigins) == 0 {
		c.Relay.AllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	c.Client.RelayURL = strings.TrimRight(c.Client.RelayURL, "/")
	c.Agent.Endpoint = strings.TrimRight(c.Agent.Endpoint, "/")
}

func (c *Config) applyEnv(e env) {
	c.Agent.Model = e.or("AGENTCHAT_MODEL", c.Agent.Model)
	c.Agent.Endpoint = e.or("AGENTCHAT_ENDPOINT", c.Agent.Endpoint)
	c.Agent.Temperature = e.orFloat("AGENTCHAT_TEMPERATURE", c.Agent.Temperature)
	c.Agent.ContextSize = e.orInt("AGENTCHAT_CONTEXT_SIZE", c.Agent.ContextSize)
	c.Agent.MaxIterations = e.orInt("AGENTCHAT_MAX_ITERATIONS", c.Agent.MaxIterations)
	c.Client.RelayURL = e.or("AGENTCHAT_RELAY_URL", c.Client.RelayURL)
	c.Client.RequestTimeout = e.orDuration("AGENTCHAT_REQUEST_TIMEOUT", c.Client.RequestTimeout)
	c.Client.HealthInterval = e.orDuration("AGENTCHAT_HEALTH_INTERVAL", c.Client.HealthInterval)
	c.Client.ProbeTimeout = e.orDuration("AGENTCHAT_PROBE_TIMEOUT", c.Client.ProbeTimeout)
	c.Client.LogFile = e.or("AGENTCHAT_LOG_FILE", c.Client.LogFile)
	c.Relay.Listen = e.or("AGENTCHAT_LISTEN", c.Relay.Listen)
	c.Relay.UpstreamTimeout = e.orDuration("AGENTCHAT_UPSTREAM_TIMEOUT", c.Relay.UpstreamTimeout)
	c.Relay.ProbeSchedule = e.or("AGENTCHAT_PROBE_SCHEDULE", c.Relay.ProbeSchedule)
	c.Relay.RateLimit = e.orFloat("AGENTCHAT_RATE_LIMIT", c.Relay.RateLimit)
	c.Relay.RateBurst = e.orInt("AGENTCHAT_RATE_BURST", c.Relay.RateBurst)
	if origins := e.or("AGENTCHAT_ALLOWED_ORIGINS", ""); origins != "" {
		c.Relay.AllowedOrigins = splitList(origins)
	}
}

// Validate checks that all values are usable and reports every problem at once.
func (c Config) Validate() error {
	var errs []string
	if !validURL(c.Agent.Endpoint) {
		errs = append(errs, fmt.Sprintf("agent.endpoint %q is not an http(s) URL", c.Agent.Endpoint))
	}
	if !validURL(c.Client.RelayURL) {
		errs = append(errs, fmt.Sprintf("client.relay_url %q is not an http(s) URL", c.Client.RelayURL))
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		errs = append(errs, "agent.temperature must be within [0, 2]")
	}
	if c.Agent.ContextSize < 0 {
		errs = append(errs, "agent.context_size must be positive")
	}
	if c.Agent.MaxIterations < 0 {
		errs = append(errs, "agent.max_iterations must be positive")
	}
	if c.Client.RequestTimeout < 0 {
		errs = append(errs, "client.request_timeout must be positive")
	}
	if c.Client.HealthInterval < time.Second {
		errs = append(errs, "client.health_interval must be at least 1s")
	}
	if c.Client.ProbeTimeout < 0 {
		errs = append(errs, "client.probe_timeout must be positive")
	}
	if c.Relay.UpstreamTimeout < 0 {
		errs = append(errs, "relay.upstream_timeout must be positive")
	}
	if c.Relay.RateLimit < 0 {
		errs = append(errs, "relay.rate_limit must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	return out
}

type env func(string) string

func (e env) or(key, fallback string) string {
	value := strings.TrimSpace(e(key))
	if value == "" {
		return fallback
	}
	return value
}

func (e env) orInt(key string, fallback int) int {
	value := strings.TrimSpace(e(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (e env) orFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(e(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// orDuration accepts Go durations ("90s") or a bare number of seconds.
func (e env) orDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(e(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
