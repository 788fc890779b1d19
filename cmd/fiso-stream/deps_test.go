package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lsm/fiso-stream/internal/awsutil"
	"github.com/lsm/fiso-stream/internal/checkpoint"
	"github.com/lsm/fiso-stream/internal/config"
	"github.com/lsm/fiso-stream/internal/kafka"
	"github.com/lsm/fiso-stream/internal/registry"
	"github.com/lsm/fiso-stream/internal/streams"
)

var discard = slog.New(slog.DiscardHandler)

func testConfig() *config.Config {
	return &config.Config{
		AWS:        awsutil.Config{Region: "us-east-1", Endpoint: "http://127.0.0.1:1"},
		Checkpoint: config.CheckpointConfig{Type: config.CheckpointMemory},
		Reports:    config.ReportsConfig{Type: config.ReportsLog},
	}
}

func TestBuildDeps_RoutesConfiguredTargets(t *testing.T) {
	cfg := testConfig()
	sess, err := awsutil.NewSession(cfg.AWS)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	d, err := buildDeps(cfg, sess, nil, discard)
	if err != nil {
		t.Fatalf("buildDeps: %v", err)
	}
	defer d.close(discard)

	if _, ok := d.checkpointer.(*checkpoint.Memory); !ok {
		t.Errorf("expected memory checkpointer, got %T", d.checkpointer)
	}
	for _, target := range []string{"orders-fn", "arn:aws:lambda:us-east-1:000000000000:function:orders", "https://example.com/hook"} {
		if err := d.router.Validate(target); err != nil {
			t.Errorf("expected %q to be routable, got %v", target, err)
		}
	}
	if err := d.router.Validate("kafka://main/orders"); err == nil {
		t.Error("expected kafka targets to be unroutable without clusters")
	}
}

func TestBuildDeps_KafkaClusters(t *testing.T) {
	cfg := testConfig()
	cfg.Checkpoint = config.CheckpointConfig{Type: config.CheckpointDynamoDB, Table: "fiso-checkpoints"}
	cfg.Kafka.Clusters = kafka.Clusters{"main": {Brokers: []string{"127.0.0.1:9092"}}}
	cfg.Reports = config.ReportsConfig{Type: config.ReportsKafka, Cluster: "main", TopicPrefix: "failures."}
	sess, err := awsutil.NewSession(cfg.AWS)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	d, err := buildDeps(cfg, sess, nil, discard)
	if err != nil {
		t.Fatalf("buildDeps: %v", err)
	}
	defer d.close(discard)

	if _, ok := d.checkpointer.(*checkpoint.DynamoDB); !ok {
		t.Errorf("expected dynamodb checkpointer, got %T", d.checkpointer)
	}
	if err := d.router.Validate("kafka://main/orders"); err != nil {
		t.Errorf("expected kafka target to be routable, got %v", err)
	}
	if got := d.reports.Topic(streams.Source{ID: "orders"}); got != "failures.orders" {
		t.Errorf("expected prefixed report topic, got %q", got)
	}
}

func TestBuildDeps_UnknownReportCluster(t *testing.T) {
	cfg := testConfig()
	cfg.Reports = config.ReportsConfig{Type: config.ReportsKafka, Cluster: "missing"}
	sess, _ := awsutil.NewSession(cfg.AWS)
	if _, err := buildDeps(cfg, sess, nil, discard); err == nil {
		t.Fatal("expected error for unknown report cluster")
	}
}

func TestBuildRegistry_Static(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = config.SourceList{{ID: "orders", ARN: "arn:stream", Enabled: true}}

	reg, watch, err := buildRegistry(cfg, discard)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	if watch != nil {
		t.Error("expected no watcher for inline sources")
	}
	if _, ok := reg.(*registry.Static); !ok {
		t.Fatalf("expected static registry, got %T", reg)
	}
	sources, _ := reg.Sources(context.Background())
	if len(sources) != 1 || sources[0].ID != "orders" {
		t.Errorf("unexpected sources: %+v", sources)
	}
}

func TestBuildRegistry_Directory(t *testing.T) {
	dir := t.TempDir()
	content := "arn: arn:aws:dynamodb:us-east-1:000000000000:table/orders/stream/2024\ntarget: orders-fn\n"
	if err := os.WriteFile(filepath.Join(dir, "orders.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	cfg := testConfig()
	cfg.RegistryDir = dir

	reg, watch, err := buildRegistry(cfg, discard)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	if watch == nil {
		t.Fatal("expected a watcher for the registry directory")
	}
	sources, _ := reg.Sources(context.Background())
	if len(sources) != 1 || !sources[0].Enabled {
		t.Errorf("expected one enabled source, got %+v", sources)
	}
}
