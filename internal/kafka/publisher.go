package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher produces records synchronously to one cluster.
type Publisher struct {
	client producer
	name   string
}

// NewPublisher creates a publisher for the cluster.
func NewPublisher(cluster *ClusterConfig) (*Publisher, error) {
	if cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	opts, err := ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster %q options: %w", cluster.Name, err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("cluster %q client: %w", cluster.Name, err)
	}
	return &Publisher{client: client, name: cluster.Name}, nil
}

// Publish sends one record and waits for the broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Close shuts down the underlying client.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}

// Pool shares one publisher per named cluster.
type Pool struct {
	mu         sync.Mutex
	clusters   Clusters
	publishers map[string]*Publisher
	dial       func(*ClusterConfig) (*Publisher, error)
}

// NewPool creates a pool over the configured clusters.
func NewPool(clusters Clusters) *Pool {
	return &Pool{
		clusters:   clusters,
		publishers: make(map[string]*Publisher),
		dial:       NewPublisher,
	}
}

// Get returns the publisher for the named cluster, connecting on first use.
func (p *Pool) Get(name string) (*Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pub, ok := p.publishers[name]; ok {
		return pub, nil
	}
	cfg, ok := p.clusters.Get(name)
	if !ok {
		return nil, fmt.Errorf("kafka cluster %q is not configured", name)
	}
	pub, err := p.dial(cfg)
	if err != nil {
		return nil, err
	}
	p.publishers[name] = pub
	return pub, nil
}

// Close closes every publisher.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, pub := range p.publishers {
		_ = pub.Close()
		delete(p.publishers, name)
	}
	return nil
}
