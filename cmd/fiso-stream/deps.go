package main

import (
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws/session"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fiso-stream/internal/checkpoint"
	"github.com/lsm/fiso-stream/internal/config"
	"github.com/lsm/fiso-stream/internal/invoke"
	invokehttp "github.com/lsm/fiso-stream/internal/invoke/http"
	invokekafka "github.com/lsm/fiso-stream/internal/invoke/kafka"
	invokelambda "github.com/lsm/fiso-stream/internal/invoke/lambda"
	"github.com/lsm/fiso-stream/internal/kafka"
	"github.com/lsm/fiso-stream/internal/registry"
	"github.com/lsm/fiso-stream/internal/report"
	"github.com/lsm/fiso-stream/internal/streams"
)

// deps holds the long-lived clients shared by every source.
type deps struct {
	router       *invoke.Router
	reports      *report.Handler
	checkpointer streams.Checkpointer
	kafka        *kafka.Pool
}

func buildDeps(cfg *config.Config, sess *session.Session, tracer trace.Tracer, logger *slog.Logger) (*deps, error) {
	d := &deps{kafka: kafka.NewPool(cfg.Kafka.Clusters)}

	switch cfg.Checkpoint.Type {
	case config.CheckpointDynamoDB:
		d.checkpointer = checkpoint.NewDynamoDB(sess, cfg.Checkpoint.Table)
	default:
		logger.Warn("using in-memory checkpoints, progress is lost on restart")
		d.checkpointer = checkpoint.NewMemory()
	}

	var pub report.Publisher
	switch cfg.Reports.Type {
	case config.ReportsKafka:
		p, err := d.kafka.Get(cfg.Reports.Cluster)
		if err != nil {
			return nil, fmt.Errorf("report publisher: %w", err)
		}
		pub = p
	case config.ReportsNone:
		pub = &report.NoopPublisher{}
	default:
		pub = &report.LogPublisher{Logger: logger}
	}
	var opts []report.Option
	if prefix := cfg.Reports.TopicPrefix; prefix != "" {
		opts = append(opts, report.WithTopicFunc(func(id string) string { return prefix + id }))
	}
	d.reports = report.NewHandler(pub, opts...)

	d.router = invoke.NewRouter()

	lambdaInvoker := invokelambda.New(sess)
	lambdaInvoker.SetTracer(tracer)
	d.router.Handle(invoke.KindLambda, lambdaInvoker)

	httpInvoker := invokehttp.New(cfg.HTTP, invokehttp.WithLogger(logger))
	httpInvoker.SetTracer(tracer)
	d.router.Handle(invoke.KindHTTP, httpInvoker)

	if len(cfg.Kafka.Clusters) > 0 {
		kafkaInvoker := invokekafka.New(d.kafka)
		kafkaInvoker.SetTracer(tracer)
		d.router.Handle(invoke.KindKafka, kafkaInvoker)
	}
	return d, nil
}

func (d *deps) close(logger *slog.Logger) {
	if err := d.reports.Close(); err != nil {
		logger.Error("report publisher close error", "error", err)
	}
	if err := d.kafka.Close(); err != nil {
		logger.Error("kafka pool close error", "error", err)
	}
}

// buildRegistry returns the source registry and, for a registry directory,
// the watcher that keeps it current.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (streams.SourceRegistry, *registry.File, error) {
	if cfg.RegistryDir == "" {
		if len(cfg.Sources) == 0 {
			logger.Warn("no registry directory and no inline sources configured")
		}
		return registry.NewStatic(cfg.Sources...), nil, nil
	}

	files := registry.NewFile(cfg.RegistryDir, logger)
	sources, err := files.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load registry: %w", err)
	}
	logger.Info("registry loaded", "dir", cfg.RegistryDir, "sources", len(sources))
	return files, files, nil
}
