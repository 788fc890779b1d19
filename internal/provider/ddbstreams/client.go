// Package ddbstreams implements streams.StreamClient on DynamoDB Streams.
package ddbstreams

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams/dynamodbstreamsiface"

	"github.com/lsm/fiso-stream/internal/awsutil"
	"github.com/lsm/fiso-stream/internal/streams"
)

const (
	// EventSource is the eventSource stamped on every envelope record.
	EventSource = "aws:dynamodb"
	// DataField holds the per-record stream payload in the envelope.
	DataField = "dynamodb"
	// BatchInfoField is the failure report key for batch details.
	BatchInfoField = "DDBStreamBatchInfo"
	// SourceType names this provider in listener bindings.
	SourceType = "dynamodb"
	// ARNPattern matches DynamoDB stream ARNs.
	ARNPattern = `.*:dynamodb:.*`
)

// TimestampFields are provider timestamps converted to epoch milliseconds.
var TimestampFields = []string{"ApproximateCreationDateTime"}

// Client adapts the DynamoDB Streams API to streams.StreamClient.
type Client struct {
	api dynamodbstreamsiface.DynamoDBStreamsAPI
}

// New creates a client from an AWS session.
func New(sess client.ConfigProvider, cfgs ...*aws.Config) *Client {
	return &Client{api: dynamodbstreams.New(sess, cfgs...)}
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api dynamodbstreamsiface.DynamoDBStreamsAPI) *Client {
	return &Client{api: api}
}

// ListShards pages through DescribeStream and returns every shard.
func (c *Client) ListShards(ctx context.Context, streamARN string) ([]streams.Shard, error) {
	var (
		shards    []streams.Shard
		startFrom *string
	)
	for {
		out, err := c.api.DescribeStreamWithContext(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(streamARN),
			ExclusiveStartShardId: startFrom,
		})
		if err != nil {
			return nil, classify("DescribeStream", "", err)
		}
		desc := out.StreamDescription
		if desc == nil {
			return shards, nil
		}
		for _, s := range desc.Shards {
			shards = append(shards, toShard(streamARN, s))
		}
		if aws.StringValue(desc.LastEvaluatedShardId) == "" {
			return shards, nil
		}
		startFrom = desc.LastEvaluatedShardId
	}
}

// GetShardIterator returns an iterator for the shard at pos.
func (c *Client) GetShardIterator(ctx context.Context, streamARN, shardID string, pos streams.StartingPosition) (string, error) {
	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(streamARN),
		ShardId:           aws.String(shardID),
		ShardIteratorType: aws.String(string(pos.Type)),
	}
	switch pos.Type {
	case streams.AtSequenceNumber, streams.AfterSequenceNumber:
		in.SequenceNumber = aws.String(pos.SequenceNumber)
	}
	out, err := c.api.GetShardIteratorWithContext(ctx, in)
	if err != nil {
		return "", classify("GetShardIterator", shardID, err)
	}
	return aws.StringValue(out.ShardIterator), nil
}

// GetRecords reads one page from the iterator. A missing next iterator means
// the shard is closed and exhausted.
func (c *Client) GetRecords(ctx context.Context, token string, limit int) (*streams.GetRecordsOutput, error) {
	in := &dynamodbstreams.GetRecordsInput{ShardIterator: aws.String(token)}
	if limit > 0 {
		in.Limit = aws.Int64(int64(limit))
	}
	out, err := c.api.GetRecordsWithContext(ctx, in)
	if err != nil {
		return nil, classify("GetRecords", "", err)
	}
	res := &streams.GetRecordsOutput{
		Records:   make([]streams.Record, 0, len(out.Records)),
		NextToken: aws.StringValue(out.NextShardIterator),
	}
	for _, r := range out.Records {
		res.Records = append(res.Records, toRecord(r))
	}
	return res, nil
}

func toShard(streamARN string, s *dynamodbstreams.Shard) streams.Shard {
	shard := streams.Shard{
		ID:            aws.StringValue(s.ShardId),
		StreamARN:     streamARN,
		ParentShardID: aws.StringValue(s.ParentShardId),
	}
	if r := s.SequenceNumberRange; r != nil {
		shard.SequenceNumberRange.Starting = aws.StringValue(r.StartingSequenceNumber)
		if end := aws.StringValue(r.EndingSequenceNumber); end != "" && end != "null" {
			shard.SequenceNumberRange.Ending = end
			shard.Status = streams.ShardClosing
		}
	}
	return shard
}

func toRecord(r *dynamodbstreams.Record) streams.Record {
	fields := map[string]any{
		"EventID":      aws.StringValue(r.EventID),
		"EventName":    aws.StringValue(r.EventName),
		"EventVersion": aws.StringValue(r.EventVersion),
		"EventSource":  aws.StringValue(r.EventSource),
		"AwsRegion":    aws.StringValue(r.AwsRegion),
	}
	if id := r.UserIdentity; id != nil {
		fields["UserIdentity"] = map[string]any{
			"PrincipalId": aws.StringValue(id.PrincipalId),
			"Type":        aws.StringValue(id.Type),
		}
	}

	var rec streams.Record
	if sr := r.Dynamodb; sr != nil {
		data := map[string]any{
			"SequenceNumber": aws.StringValue(sr.SequenceNumber),
			"StreamViewType": aws.StringValue(sr.StreamViewType),
		}
		if sr.SizeBytes != nil {
			data["SizeBytes"] = aws.Int64Value(sr.SizeBytes)
		}
		if sr.ApproximateCreationDateTime != nil {
			created := aws.TimeValue(sr.ApproximateCreationDateTime)
			data["ApproximateCreationDateTime"] = created
			rec.ArrivalTime = created
		}
		if sr.Keys != nil {
			data["Keys"] = attributeMap(sr.Keys)
		}
		if sr.NewImage != nil {
			data["NewImage"] = attributeMap(sr.NewImage)
		}
		if sr.OldImage != nil {
			data["OldImage"] = attributeMap(sr.OldImage)
		}
		fields["Dynamodb"] = data
		rec.SequenceNumber = aws.StringValue(sr.SequenceNumber)
	}
	rec.Fields = fields
	return rec
}

// classify maps AWS errors onto the stream error taxonomy.
func classify(op, shardID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch awsutil.ErrorCode(err) {
	case dynamodbstreams.ErrCodeExpiredIteratorException:
		return &streams.IteratorExpiredError{ShardID: shardID, Err: err}
	case dynamodbstreams.ErrCodeTrimmedDataAccessException:
		return &streams.IteratorExpiredError{ShardID: shardID, Trimmed: true, Err: err}
	case dynamodbstreams.ErrCodeResourceNotFoundException:
		return fmt.Errorf("%s: %w: %w", op, streams.ErrResourceNotFound, err)
	}
	if awsutil.IsThrottle(err) || awsutil.IsUnavailable(err) {
		return &streams.TransientProviderError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ streams.StreamClient = (*Client)(nil)

