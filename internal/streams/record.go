package streams

import (
	"encoding/json"
	"time"
)

// Record is one raw change record as the provider returned it. Fields keeps
// the provider's field names and native value types.
type Record struct {
	SequenceNumber string
	ArrivalTime    time.Time
	Fields         map[string]any
}

// GetRecordsOutput is one page of records from a shard iterator. An empty
// NextToken means the shard is closed and has been read to its end.
type GetRecordsOutput struct {
	Records   []Record
	NextToken string
}

// Envelope is the canonical event delivered to the downstream target.
type Envelope struct {
	Records []EnvelopeRecord `json:"Records"`
}

// EnvelopeRecord is one normalized record in an Envelope. The data payload is
// serialised under DataField (e.g. "dynamodb"); Extra carries any remaining
// top-level fields of the raw record.
type EnvelopeRecord struct {
	EventID        string
	EventVersion   string
	AwsRegion      string
	EventName      string
	EventSourceARN string
	EventSource    string
	DataField      string
	Data           map[string]any
	Extra          map[string]any
}

// MarshalJSON flattens the record into the wire shape.
func (r EnvelopeRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+7)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["eventID"] = r.EventID
	out["eventVersion"] = r.EventVersion
	out["awsRegion"] = r.AwsRegion
	out["eventName"] = r.EventName
	out["eventSourceARN"] = r.EventSourceARN
	out["eventSource"] = r.EventSource
	field := r.DataField
	if field == "" {
		field = "data"
	}
	out[field] = r.Data
	return json.Marshal(out)
}

// RecordBatch is a contiguous, ordered group of records from one shard.
// It is immutable once built and is dispatched exactly once.
type RecordBatch struct {
	StreamARN           string
	ShardID             string
	Records             []Record
	Envelope            Envelope
	FirstSequenceNumber string
	LastSequenceNumber  string
	FirstArrivalTime    time.Time
	LastArrivalTime     time.Time
}

// Len returns the number of records in the batch.
func (b *RecordBatch) Len() int {
	return len(b.Records)
}
