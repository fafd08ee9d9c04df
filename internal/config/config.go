// Package config loads and watches the clusterd YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the full daemon configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Cluster ClusterConfig `yaml:"cluster"`
	Chrome  ChromeConfig  `yaml:"chrome"`
	Metrics MetricsConfig `yaml:"metrics"`
	History HistoryConfig `yaml:"history"`
	Targets []Target      `yaml:"targets"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type ClusterConfig struct {
	// Concurrency selects the browser strategy: page, context, browser, group.
	Concurrency           string   `yaml:"concurrency"`
	MaxConcurrency        int      `yaml:"max_concurrency"`
	WorkerCreationDelay   Duration `yaml:"worker_creation_delay"`
	Timeout               Duration `yaml:"timeout"`
	RetryLimit            int      `yaml:"retry_limit"`
	RetryDelay            Duration `yaml:"retry_delay"`
	SkipDuplicateURLs     bool     `yaml:"skip_duplicate_urls"`
	SameDomainDelay       Duration `yaml:"same_domain_delay"`
	WorkerShutdownTimeout Duration `yaml:"worker_shutdown_timeout"`
	Monitor               bool     `yaml:"monitor"`
}

type ChromeConfig struct {
	ExecPath  string `yaml:"exec_path"`
	Headful   bool   `yaml:"headful"`
	NoSandbox bool   `yaml:"no_sandbox"`
	UserAgent string `yaml:"user_agent"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Keep    int    `yaml:"keep"`
}

// Target is one unit of work for the daemon's default task. Targets with a
// Schedule are re-enqueued on that cron spec; the rest run once, when the
// daemon first sees them (at startup or on a config reload).
type Target struct {
	URL      string `yaml:"url"`
	Schedule string `yaml:"schedule,omitempty"`
	Group    string `yaml:"group,omitempty"`
}

// JobURL feeds the cluster's duplicate-URL and domain-cooldown filters.
func (t Target) JobURL() string { return t.URL }

// Duration is a time.Duration that unmarshals from YAML strings like "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, strictly decodes and validates the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Cluster.Concurrency == "" {
		c.Cluster.Concurrency = "context"
	}
	if c.Cluster.MaxConcurrency == 0 {
		c.Cluster.MaxConcurrency = 2
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9190"
	}
	if c.History.Path == "" {
		c.History.Path = "./pagecluster.db"
	}
	if c.History.Keep == 0 {
		c.History.Keep = 1000
	}
}

func (c *Config) Validate() error {
	switch c.Cluster.Concurrency {
	case "page", "context", "browser", "group":
	default:
		return fmt.Errorf("cluster.concurrency: unknown value %q", c.Cluster.Concurrency)
	}
	if c.Cluster.MaxConcurrency < 1 {
		return fmt.Errorf("cluster.max_concurrency must be >= 1")
	}
	if c.Cluster.RetryLimit < 0 {
		return fmt.Errorf("cluster.retry_limit must be >= 0")
	}
	for i, t := range c.Targets {
		if strings.TrimSpace(t.URL) == "" {
			return fmt.Errorf("targets[%d].url is required", i)
		}
	}
	return nil
}
