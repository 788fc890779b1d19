// Package streams holds the types and capabilities shared by every stage of
// the stream listener: sources, shards, cursors, batches and the provider and
// invoker interfaces the core depends on.
package streams

import (
	"errors"
	"fmt"
)

// PositionType selects where a shard iterator begins.
type PositionType string

const (
	TrimHorizon         PositionType = "TRIM_HORIZON"
	Latest              PositionType = "LATEST"
	AtSequenceNumber    PositionType = "AT_SEQUENCE_NUMBER"
	AfterSequenceNumber PositionType = "AFTER_SEQUENCE_NUMBER"
)

// StartingPosition is the policy for where a shard iterator begins.
// SequenceNumber is only meaningful for the AT/AFTER sequence number types.
type StartingPosition struct {
	Type           PositionType `yaml:"type"`
	SequenceNumber string       `yaml:"sequenceNumber,omitempty"`
}

func (p StartingPosition) String() string {
	if p.SequenceNumber == "" {
		return string(p.Type)
	}
	return string(p.Type) + "(" + p.SequenceNumber + ")"
}

// FailureAction decides what happens to a batch once retries are exhausted.
type FailureAction string

const (
	FailureActionDrop   FailureAction = "DROP"
	FailureActionReport FailureAction = "REPORT"
)

const (
	DefaultBatchSize = 100
	MaxBatchSize     = 1000
)

// Source is one stream event source mapping: a stream bound to a target.
// Sources are owned by the registry and are read-only to the listener.
type Source struct {
	ID                   string           `yaml:"id"`
	ARN                  string           `yaml:"arn"`
	Enabled              bool             `yaml:"enabled"`
	TargetFunction       string           `yaml:"target"`
	BatchSize            int              `yaml:"batchSize"`
	StartingPosition     StartingPosition `yaml:"startingPosition"`
	MaxRetryAttempts     int              `yaml:"maxRetryAttempts"`
	OnFailure            FailureAction    `yaml:"onFailure"`
	FailureDestination   string           `yaml:"failureDestination,omitempty"`
	Filters              []string         `yaml:"filters,omitempty"`
	MaxConcurrentPollers int              `yaml:"maxConcurrentPollers,omitempty"`
}

// Key identifies the source across registry snapshots.
func (s Source) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.ARN
}

// WithDefaults returns a copy with zero-valued optional fields filled in.
func (s Source) WithDefaults() Source {
	if s.ID == "" {
		s.ID = s.ARN
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.StartingPosition.Type == "" {
		s.StartingPosition.Type = Latest
	}
	if s.OnFailure == "" {
		s.OnFailure = FailureActionDrop
	}
	if len(s.Filters) > 0 {
		s.Filters = append([]string(nil), s.Filters...)
	}
	return s
}

// Validate reports every problem with the source as a ConfigurationError.
func (s Source) Validate() error {
	var errs []error

	if s.ARN == "" {
		errs = append(errs, errors.New("arn is required"))
	}
	if s.TargetFunction == "" {
		errs = append(errs, errors.New("target is required"))
	}
	if s.BatchSize < 0 || s.BatchSize > MaxBatchSize {
		errs = append(errs, fmt.Errorf("batchSize %d out of range (1-%d)", s.BatchSize, MaxBatchSize))
	}
	if s.MaxRetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("maxRetryAttempts %d must not be negative", s.MaxRetryAttempts))
	}
	if s.MaxConcurrentPollers < 0 {
		errs = append(errs, fmt.Errorf("maxConcurrentPollers %d must not be negative", s.MaxConcurrentPollers))
	}

	switch s.StartingPosition.Type {
	case "", TrimHorizon, Latest:
	case AtSequenceNumber:
		if s.StartingPosition.SequenceNumber == "" {
			errs = append(errs, errors.New("startingPosition AT_SEQUENCE_NUMBER requires sequenceNumber"))
		}
	default:
		errs = append(errs, fmt.Errorf("startingPosition type %q is not valid", s.StartingPosition.Type))
	}

	switch s.OnFailure {
	case "", FailureActionDrop, FailureActionReport:
	default:
		errs = append(errs, fmt.Errorf("onFailure %q is not valid (must be DROP or REPORT)", s.OnFailure))
	}

	if len(errs) == 0 {
		return nil
	}
	return &ConfigurationError{SourceID: s.Key(), Err: errors.Join(errs...)}
}
