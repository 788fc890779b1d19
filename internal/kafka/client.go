package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

const defaultClientID = "fiso-stream"

var codecs = map[string]func() kgo.CompressionCodec{
	"none":   kgo.NoCompression,
	"gzip":   kgo.GzipCompression,
	"snappy": kgo.SnappyCompression,
	"lz4":    kgo.Lz4Compression,
	"zstd":   kgo.ZstdCompression,
}

var mechanisms = map[string]func(AuthConfig) sasl.Mechanism{
	"PLAIN": func(a AuthConfig) sasl.Mechanism {
		return plain.Auth{User: a.Username, Pass: a.Password}.AsMechanism()
	},
	"SCRAM-SHA-256": func(a AuthConfig) sasl.Mechanism {
		return scram.Auth{User: a.Username, Pass: a.Password}.AsSha256Mechanism()
	},
	"SCRAM-SHA-512": func(a AuthConfig) sasl.Mechanism {
		return scram.Auth{User: a.Username, Pass: a.Password}.AsSha512Mechanism()
	},
}

// ClientOptions returns the kgo options for a producer on the cluster.
// Leader acks turn off idempotent writes, which require all-ISR acks.
func ClientOptions(cfg *ClusterConfig) ([]kgo.Opt, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...), kgo.ClientID(clientID)}

	if cfg.Producer.Acks == "leader" {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if codec, ok := codecs[cfg.Producer.Compression]; ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec()))
	}

	if m := cfg.Auth.Mechanism; m != "" {
		mechanism, ok := mechanisms[m]
		if !ok {
			return nil, fmt.Errorf("sasl config: unsupported mechanism %s", m)
		}
		opts = append(opts, kgo.SASL(mechanism(cfg.Auth)))
	}

	if cfg.TLS.Enabled {
		tlsCfg, err := loadTLS(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	return opts, nil
}

func loadTLS(cfg TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // self-signed dev clusters
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", cfg.CAFile, err)
		}
		out.RootCAs = x509.NewCertPool()
		if !out.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", cfg.CAFile)
		}
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
