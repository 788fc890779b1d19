package streams

import (
	"encoding/json"
	"time"
)

// InvocationOutcome is what the dispatcher reports back to the poller.
// Handled means the poller may advance the cursor past the batch: either the
// invocation succeeded or the failure was resolved by the source's policy.
type InvocationOutcome struct {
	Success       bool
	Handled       bool
	AttemptCount  int
	FailureDetail string
	Report        *FailureReport
}

// ConditionRetriesExhausted is the report condition for a batch whose
// invocation attempts all failed.
const ConditionRetriesExhausted = "RetryAttemptsExhausted"

// BatchInfo describes the records of a batch that could not be processed.
type BatchInfo struct {
	ShardID                         string `json:"shardId"`
	StartSequenceNumber             string `json:"startSequenceNumber"`
	EndSequenceNumber               string `json:"endSequenceNumber"`
	ApproximateArrivalOfFirstRecord string `json:"approximateArrivalOfFirstRecord"`
	ApproximateArrivalOfLastRecord  string `json:"approximateArrivalOfLastRecord"`
	BatchSize                       int    `json:"batchSize"`
	StreamARN                       string `json:"streamArn"`
}

// RequestContext identifies the failed invocation.
type RequestContext struct {
	RequestID              string `json:"requestId"`
	FunctionARN            string `json:"functionArn"`
	Condition              string `json:"condition"`
	ApproximateInvokeCount int    `json:"approximateInvokeCount"`
}

// ResponseContext carries what the target returned on the last attempt.
type ResponseContext struct {
	StatusCode      int    `json:"statusCode"`
	ExecutedVersion string `json:"executedVersion"`
	FunctionError   string `json:"functionError"`
}

// FailureReport summarises a batch whose retries were exhausted. The batch
// info is serialised under BatchInfoField, which is provider specific
// (e.g. "DDBStreamBatchInfo").
type FailureReport struct {
	RequestContext  RequestContext
	ResponseContext ResponseContext
	Version         string
	Timestamp       time.Time
	BatchInfoField  string
	BatchInfo       BatchInfo
}

// MarshalJSON renders the report in its wire shape.
func (r FailureReport) MarshalJSON() ([]byte, error) {
	field := r.BatchInfoField
	if field == "" {
		field = "StreamBatchInfo"
	}
	return json.Marshal(map[string]any{
		"requestContext":  r.RequestContext,
		"responseContext": r.ResponseContext,
		"version":         r.Version,
		"timestamp":       r.Timestamp.UTC().Format(time.RFC3339Nano),
		field:             r.BatchInfo,
	})
}
