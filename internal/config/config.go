// Package config loads the process configuration of fiso-stream.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/fiso-stream/internal/awsutil"
	invokehttp "github.com/lsm/fiso-stream/internal/invoke/http"
	"github.com/lsm/fiso-stream/internal/kafka"
	"github.com/lsm/fiso-stream/internal/streams"
)

// DefaultPath is read when FISO_STREAM_CONFIG is unset.
const DefaultPath = "/etc/fiso/stream.yaml"

const (
	CheckpointMemory   = "memory"
	CheckpointDynamoDB = "dynamodb"

	ReportsLog   = "log"
	ReportsKafka = "kafka"
	ReportsNone  = "none"
)

// Config is the process configuration.
type Config struct {
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel,omitempty"`
	// RegistryDir holds one YAML file per source. When empty, Sources is
	// used as a static registry.
	RegistryDir string     `yaml:"registryDir,omitempty"`
	Sources     SourceList `yaml:"sources,omitempty"`

	AWS        awsutil.Config    `yaml:"aws"`
	Listener   ListenerConfig    `yaml:"listener"`
	Checkpoint CheckpointConfig  `yaml:"checkpoint"`
	Reports    ReportsConfig     `yaml:"reports"`
	Kafka      KafkaConfig       `yaml:"kafka"`
	HTTP       invokehttp.Config `yaml:"http"`
}

// ListenerConfig tunes registry sync, shard supervision and polling.
type ListenerConfig struct {
	Interval             time.Duration `yaml:"interval"`
	SupervisorInterval   time.Duration `yaml:"supervisorInterval"`
	MinPollInterval      time.Duration `yaml:"minPollInterval"`
	MaxPollInterval      time.Duration `yaml:"maxPollInterval"`
	MaxConcurrentPollers int           `yaml:"maxConcurrentPollers"`
	MaxInitAttempts      int           `yaml:"maxInitAttempts"`
	GetRecordsRPS        float64       `yaml:"getRecordsRPS"`
	ShutdownTimeout      time.Duration `yaml:"shutdownTimeout"`
	InvokeRetry          RetryConfig   `yaml:"invokeRetry"`
}

// RetryConfig is the backoff between invocation attempts. The number of
// attempts comes from each source.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Jitter          float64       `yaml:"jitter"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Type  string `yaml:"type"`
	Table string `yaml:"table,omitempty"`
}

// ReportsConfig selects where failure reports go.
type ReportsConfig struct {
	Type        string `yaml:"type"`
	Cluster     string `yaml:"cluster,omitempty"`
	TopicPrefix string `yaml:"topicPrefix,omitempty"`
}

// KafkaConfig names the Kafka clusters usable by reports and targets.
type KafkaConfig struct {
	Clusters kafka.Clusters `yaml:"clusters"`
}

// SourceList decodes inline sources. As in registry files, a source is
// enabled unless it says `enabled: false`.
type SourceList []streams.Source

func (l *SourceList) UnmarshalYAML(node *yaml.Node) error {
	var items []yaml.Node
	if err := node.Decode(&items); err != nil {
		return err
	}
	out := make(SourceList, 0, len(items))
	for i := range items {
		src := streams.Source{Enabled: true}
		if err := items[i].Decode(&src); err != nil {
			return err
		}
		out = append(out, src)
	}
	*l = out
	return nil
}

// Path returns the configuration file path.
func Path() string {
	if p := os.Getenv("FISO_STREAM_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. A missing file at DefaultPath is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FISO_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.AWS.Region = v
	}
	if v := os.Getenv("FISO_AWS_ENDPOINT"); v != "" {
		c.AWS.Endpoint = v
	}
	if v := os.Getenv("FISO_REGISTRY_DIR"); v != "" {
		c.RegistryDir = v
	}
	if v := os.Getenv("FISO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.Listener.Interval == 0 {
		c.Listener.Interval = 10 * time.Second
	}
	if c.Listener.SupervisorInterval == 0 {
		c.Listener.SupervisorInterval = 10 * time.Second
	}
	if c.Listener.MinPollInterval == 0 {
		c.Listener.MinPollInterval = 200 * time.Millisecond
	}
	if c.Listener.MaxPollInterval == 0 {
		c.Listener.MaxPollInterval = 5 * time.Second
	}
	if c.Listener.MaxInitAttempts == 0 {
		c.Listener.MaxInitAttempts = 5
	}
	if c.Listener.GetRecordsRPS == 0 {
		c.Listener.GetRecordsRPS = 4
	}
	if c.Listener.ShutdownTimeout == 0 {
		c.Listener.ShutdownTimeout = 30 * time.Second
	}
	if c.Listener.InvokeRetry.InitialInterval == 0 {
		c.Listener.InvokeRetry.InitialInterval = 200 * time.Millisecond
	}
	if c.Listener.InvokeRetry.MaxInterval == 0 {
		c.Listener.InvokeRetry.MaxInterval = 10 * time.Second
	}
	if c.Listener.InvokeRetry.Jitter == 0 {
		c.Listener.InvokeRetry.Jitter = 0.2
	}
	if c.Checkpoint.Type == "" {
		c.Checkpoint.Type = CheckpointMemory
	}
	if c.Reports.Type == "" {
		c.Reports.Type = ReportsLog
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	l := c.Listener
	for name, d := range map[string]time.Duration{
		"interval":           l.Interval,
		"supervisorInterval": l.SupervisorInterval,
		"minPollInterval":    l.MinPollInterval,
		"maxPollInterval":    l.MaxPollInterval,
		"shutdownTimeout":    l.ShutdownTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("listener.%s must not be negative", name))
		}
	}
	if l.MaxPollInterval < l.MinPollInterval {
		errs = append(errs, fmt.Errorf("listener.maxPollInterval %s is below minPollInterval %s", l.MaxPollInterval, l.MinPollInterval))
	}
	if l.MaxConcurrentPollers < 0 {
		errs = append(errs, errors.New("listener.maxConcurrentPollers must not be negative"))
	}
	if l.GetRecordsRPS < 0 {
		errs = append(errs, errors.New("listener.getRecordsRPS must not be negative"))
	}

	switch c.Checkpoint.Type {
	case CheckpointMemory:
	case CheckpointDynamoDB:
		if c.Checkpoint.Table == "" {
			errs = append(errs, errors.New("checkpoint.table is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.type %q is not valid (must be memory or dynamodb)", c.Checkpoint.Type))
	}

	if err := c.Kafka.Clusters.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Reports.Type {
	case ReportsLog, ReportsNone:
	case ReportsKafka:
		if _, ok := c.Kafka.Clusters.Get(c.Reports.Cluster); !ok {
			errs = append(errs, fmt.Errorf("reports.cluster %q is not a configured kafka cluster", c.Reports.Cluster))
		}
	default:
		errs = append(errs, fmt.Errorf("reports.type %q is not valid (must be log, kafka or none)", c.Reports.Type))
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if seen[src.Key()] {
			errs = append(errs, fmt.Errorf("source %q is defined twice", src.Key()))
		}
		seen[src.Key()] = true
		if err := src.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
