// Package batch turns raw provider records into the canonical event envelope.
package batch

import (
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lsm/fiso-stream/internal/streams"
)

// ErrEmptyBatch is returned when Build is called without records.
var ErrEmptyBatch = errors.New("batch has no records")

// DefaultEventVersion is the envelope version attached to every record.
const DefaultEventVersion = "1.0"

// Builder normalizes provider records. It performs no I/O and, given the
// same records and clock, always produces the same batch.
type Builder struct {
	Region       string
	EventSource  string
	EventVersion string
	// DataField names the per-record data payload, e.g. "dynamodb".
	DataField string
	// TimestampFields are converted to epoch milliseconds wherever they appear
	// at the top level of the record or of its data payload.
	TimestampFields []string
	Clock           streams.Clock
}

// Build maps records into a RecordBatch. Record order is preserved exactly.
func (b *Builder) Build(streamARN, shardID string, records []streams.Record) (*streams.RecordBatch, error) {
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}

	version := b.EventVersion
	if version == "" {
		version = DefaultEventVersion
	}
	clock := b.Clock
	if clock == nil {
		clock = streams.SystemClock
	}

	out := make([]streams.EnvelopeRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, b.normalize(streamARN, version, rec))
	}

	first, last := records[0], records[len(records)-1]
	batch := &streams.RecordBatch{
		StreamARN:           streamARN,
		ShardID:             shardID,
		Records:             append([]streams.Record(nil), records...),
		Envelope:            streams.Envelope{Records: out},
		FirstSequenceNumber: first.SequenceNumber,
		LastSequenceNumber:  last.SequenceNumber,
		FirstArrivalTime:    first.ArrivalTime,
		LastArrivalTime:     last.ArrivalTime,
	}
	if batch.FirstArrivalTime.IsZero() || batch.LastArrivalTime.IsZero() {
		now := clock.Now()
		if batch.FirstArrivalTime.IsZero() {
			batch.FirstArrivalTime = now
		}
		if batch.LastArrivalTime.IsZero() {
			batch.LastArrivalTime = now
		}
	}
	return batch, nil
}

func (b *Builder) normalize(streamARN, version string, rec streams.Record) streams.EnvelopeRecord {
	fields := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		lower := LowerFirst(k)
		// On a collision the key that is already lower-case wins.
		if _, exists := rec.Fields[lower]; exists && lower != k {
			continue
		}
		fields[lower] = v
	}

	eventID, _ := fields["eventID"].(string)
	eventName, _ := fields["eventName"].(string)
	delete(fields, "eventID")
	delete(fields, "eventName")
	// Envelope metadata always comes from the listener, not the raw record.
	delete(fields, "eventVersion")
	delete(fields, "awsRegion")
	delete(fields, "eventSource")
	delete(fields, "eventSourceARN")

	var data map[string]any
	var extra map[string]any
	if nested, ok := fields[LowerFirst(b.DataField)].(map[string]any); ok && b.DataField != "" {
		delete(fields, LowerFirst(b.DataField))
		data = b.convertTimestamps(nested)
		if len(fields) > 0 {
			extra = b.convertTimestamps(fields)
		}
	} else {
		data = b.convertTimestamps(fields)
	}

	return streams.EnvelopeRecord{
		EventID:        eventID,
		EventVersion:   version,
		AwsRegion:      b.Region,
		EventName:      eventName,
		EventSourceARN: streamARN,
		EventSource:    b.EventSource,
		DataField:      b.DataField,
		Data:           data,
		Extra:          extra,
	}
}

// convertTimestamps returns a copy of m with timestamp fields in epoch ms.
func (b *Builder) convertTimestamps(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, name := range b.TimestampFields {
		for _, key := range []string{name, LowerFirst(name)} {
			if v, ok := out[key]; ok {
				out[key] = EpochMillis(v)
			}
		}
	}
	return out
}

// EpochMillis converts a provider-native timestamp to epoch milliseconds.
// Values that are already numeric are returned unchanged, so applying it
// twice yields the same result. Unrecognized values pass through as well.
func EpochMillis(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli()
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UnixMilli()
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UnixMilli()
		}
		return t
	default:
		return v
	}
}

// LowerFirst lower-cases the first character of s ("EventID" -> "eventID").
func LowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsLower(r) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	sb.WriteRune(unicode.ToLower(r))
	sb.WriteString(s[size:])
	return sb.String()
}
