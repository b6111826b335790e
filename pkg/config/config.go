// Package config provides layered configuration for the relay, the mirror
// and the claim/worker clients.
// Priority: defaults < YAML file < environment < flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all switchboard configuration.
type Config struct {
	// RelayURL is the relay base URL used by the mirror and CLI clients.
	RelayURL string `yaml:"relay_url"`

	Relay     RelayConfig     `yaml:"relay"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Claim     ClaimConfig     `yaml:"claim"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RelayConfig configures `sb serve`.
type RelayConfig struct {
	Addr             string `yaml:"addr"`
	DBPath           string `yaml:"db_path"`
	RedisURL         string `yaml:"redis_url"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
}

// MirrorConfig configures `sb mirror`.
type MirrorConfig struct {
	FeedIDs      []string      `yaml:"feed_ids"`
	RepoPath     string        `yaml:"repo_path"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	RemoteURL    string        `yaml:"remote_url"`
	RemoteToken  string        `yaml:"remote_token"`
	RemoteBranch string        `yaml:"remote_branch"`
	HealthAddr   string        `yaml:"health_addr"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	LockStale    time.Duration `yaml:"lock_stale"`
}

// ClaimConfig configures claims and workers.
type ClaimConfig struct {
	Lease    time.Duration `yaml:"lease"`
	Lookback int           `yaml:"lookback"`
	FeedID   string        `yaml:"feed_id"`
	AgentID  string        `yaml:"agent_id"`
}

// MaxClaimLookback is the largest lookback a claim can scan. It equals the
// relay's cap on one recent-events read.
const MaxClaimLookback = 1000

// Validate checks the claim defaults.
func (c *ClaimConfig) Validate() error {
	var errs []error
	if c.Lookback < 1 || c.Lookback > MaxClaimLookback {
		errs = append(errs, fmt.Errorf("CLAIM_LOOKBACK must be between 1 and %d, got %d", MaxClaimLookback, c.Lookback))
	}
	if c.Lease <= 0 {
		errs = append(errs, fmt.Errorf("CLAIM_LEASE_MS must be > 0, got %s", c.Lease))
	}
	return errors.Join(errs...)
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		RelayURL: "http://localhost:3000",
		Relay: RelayConfig{
			Addr:             ":3000",
			DBPath:           "switchboard.db",
			SubscriberBuffer: 256,
		},
		Mirror: MirrorConfig{
			BatchSize:    10,
			BatchTimeout: 5 * time.Second,
			RemoteBranch: "main",
			HealthAddr:   ":3001",
			Heartbeat:    15 * time.Second,
			LockStale:    60 * time.Second,
		},
		Claim: ClaimConfig{
			Lease:    120 * time.Second,
			Lookback: 50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "switchboard",
		},
	}
}

// Load returns defaults overlaid with the YAML file at path (if non-empty)
// and then the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Claim.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays keys present in the YAML file onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays recognized environment variables onto c. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.str("RELAY_BASE_URL", &c.RelayURL)
	e.str("RELAY_URL", &c.RelayURL)

	e.str("RELAY_ADDR", &c.Relay.Addr)
	e.str("RELAY_DB_PATH", &c.Relay.DBPath)
	e.str("RELAY_REDIS_URL", &c.Relay.RedisURL)
	e.int("RELAY_SUBSCRIBER_BUFFER", &c.Relay.SubscriberBuffer)

	e.list("FEED_IDS", &c.Mirror.FeedIDs)
	e.str("CONTEXT_REPO_PATH", &c.Mirror.RepoPath)
	e.int("COMMIT_BATCH_SIZE", &c.Mirror.BatchSize)
	e.millis("COMMIT_BATCH_TIMEOUT_MS", &c.Mirror.BatchTimeout)
	e.str("MIRROR_REMOTE_URL", &c.Mirror.RemoteURL)
	e.str("MIRROR_REMOTE_TOKEN", &c.Mirror.RemoteToken)
	e.str("MIRROR_REMOTE_BRANCH", &c.Mirror.RemoteBranch)
	e.str("MIRROR_HEALTH_ADDR", &c.Mirror.HealthAddr)
	e.millis("MIRROR_HEARTBEAT_MS", &c.Mirror.Heartbeat)
	e.millis("MIRROR_LOCK_STALE_MS", &c.Mirror.LockStale)

	e.millis("CLAIM_LEASE_MS", &c.Claim.Lease)
	e.int("CLAIM_LOOKBACK", &c.Claim.Lookback)
	e.str("FEED_ID", &c.Claim.FeedID)
	e.str("AGENT_ID", &c.Claim.AgentID)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	e.str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)

	return errors.Join(e.errs...)
}

// ValidateMirror checks everything `sb mirror` needs before it starts.
func (c *Config) ValidateMirror() error {
	var errs []error
	if c.RelayURL == "" {
		errs = append(errs, errors.New("RELAY_URL is required"))
	}
	if err := c.Mirror.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the mirror section in isolation.
func (m *MirrorConfig) Validate() error {
	var errs []error
	if len(m.FeedIDs) == 0 {
		errs = append(errs, errors.New("FEED_IDS must name at least one feed"))
	}
	if m.RepoPath == "" {
		errs = append(errs, errors.New("CONTEXT_REPO_PATH is required"))
	}
	if m.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("COMMIT_BATCH_SIZE must be >= 1, got %d", m.BatchSize))
	}
	if m.BatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("COMMIT_BATCH_TIMEOUT_MS must be > 0, got %s", m.BatchTimeout))
	}
	if m.RemoteURL != "" && m.RemoteBranch == "" {
		errs = append(errs, errors.New("MIRROR_REMOTE_BRANCH is required with MIRROR_REMOTE_URL"))
	}
	return errors.Join(errs...)
}

// envReader collects parse errors while overlaying variables.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) millis(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a millisecond count", key, v))
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

func (e *envReader) list(key string, dst *[]string) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
