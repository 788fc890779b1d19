package listener

import (
	"regexp"

	"github.com/lsm/fiso-stream/internal/batch"
	"github.com/lsm/fiso-stream/internal/poller"
	"github.com/lsm/fiso-stream/internal/provider/ddbstreams"
	"github.com/lsm/fiso-stream/internal/streams"
)

// Binding ties a stream provider to the listener: which source ARNs it
// serves, how its records are read and how they are normalized.
type Binding struct {
	SourceType     string
	ARNPattern     *regexp.Regexp
	DataField      string
	BatchInfoField string
	Client         streams.StreamClient
	Builder        poller.Builder
}

// Matches reports whether the binding serves the stream ARN.
func (b Binding) Matches(arn string) bool {
	return b.ARNPattern != nil && b.ARNPattern.MatchString(arn)
}

// DynamoDB returns the binding for DynamoDB Streams sources.
func DynamoDB(client streams.StreamClient, region string, clock streams.Clock) Binding {
	return Binding{
		SourceType:     ddbstreams.SourceType,
		ARNPattern:     regexp.MustCompile(ddbstreams.ARNPattern),
		DataField:      ddbstreams.DataField,
		BatchInfoField: ddbstreams.BatchInfoField,
		Client:         client,
		Builder: &batch.Builder{
			Region:          region,
			EventSource:     ddbstreams.EventSource,
			DataField:       ddbstreams.DataField,
			TimestampFields: ddbstreams.TimestampFields,
			Clock:           clock,
		},
	}
}
