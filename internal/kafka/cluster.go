// Package kafka holds Kafka cluster settings and the producer used for
// failure reports and Kafka invoke targets.
package kafka

import (
	"errors"
	"fmt"
	"sort"
)

// ClusterConfig defines a Kafka cluster with authentication and TLS settings.
type ClusterConfig struct {
	Name     string         `yaml:"-"` // populated from the map key
	Brokers  []string       `yaml:"brokers"`
	ClientID string         `yaml:"clientId,omitempty"`
	Auth     AuthConfig     `yaml:"auth,omitempty"`
	TLS      TLSConfig      `yaml:"tls,omitempty"`
	Producer ProducerConfig `yaml:"producer,omitempty"`
}

// AuthConfig defines SASL authentication for Kafka.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig defines TLS settings for Kafka connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"`
	KeyFile    string `yaml:"keyFile,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// ProducerConfig tunes the producer. Acks is "all" (default) or "leader";
// Compression is one of none, gzip, snappy, lz4, zstd.
type ProducerConfig struct {
	Acks        string `yaml:"acks,omitempty"`
	Compression string `yaml:"compression,omitempty"`
}

var validAcks = map[string]bool{"": true, "all": true, "leader": true}

// Validate checks the cluster configuration for errors.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}

	if c.Auth.Mechanism != "" {
		if _, ok := mechanisms[c.Auth.Mechanism]; !ok {
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512)", c.Auth.Mechanism))
		}
		if c.Auth.Username == "" || c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.username and auth.password are required when mechanism is set"))
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.certFile and tls.keyFile must be set together"))
	}

	if !validAcks[c.Producer.Acks] {
		errs = append(errs, fmt.Errorf("producer.acks %q is not valid (must be all or leader)", c.Producer.Acks))
	}
	if _, ok := codecs[c.Producer.Compression]; c.Producer.Compression != "" && !ok {
		errs = append(errs, fmt.Errorf("producer.compression %q is not valid", c.Producer.Compression))
	}

	return errors.Join(errs...)
}

// Clusters maps cluster names to their configuration.
type Clusters map[string]ClusterConfig

// Validate checks every cluster, in name order.
func (c Clusters) Validate() error {
	var errs []error
	for _, name := range c.Names() {
		cluster := c[name]
		if err := cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cluster %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the named cluster with its Name populated.
func (c Clusters) Get(name string) (*ClusterConfig, bool) {
	cfg, ok := c[name]
	if !ok {
		return nil, false
	}
	cfg.Name = name
	return &cfg, true
}

// Names returns the sorted cluster names.
func (c Clusters) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
