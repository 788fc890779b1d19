package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/lsm/fiso-stream/internal/awsutil"
	"github.com/lsm/fiso-stream/internal/streams"
)

// Attribute names of the checkpoint table. StreamArn is the partition key
// and ShardId the sort key.
const (
	attrStreamARN = "StreamArn"
	attrShardID   = "ShardId"
	attrSequence  = "SequenceNumber"
	attrFinished  = "Finished"
	attrUpdatedAt = "UpdatedAt"
)

// DynamoDB stores checkpoints in a DynamoDB table.
type DynamoDB struct {
	api   dynamodbiface.DynamoDBAPI
	table string
}

// NewDynamoDB creates a store for the named table.
func NewDynamoDB(sess client.ConfigProvider, table string, cfgs ...*aws.Config) *DynamoDB {
	return NewDynamoDBWithAPI(dynamodb.New(sess, cfgs...), table)
}

// NewDynamoDBWithAPI wraps an existing API implementation.
func NewDynamoDBWithAPI(api dynamodbiface.DynamoDBAPI, table string) *DynamoDB {
	return &DynamoDB{api: api, table: table}
}

// Get returns the stored checkpoint, or nil when the item does not exist.
func (d *DynamoDB) Get(ctx context.Context, streamARN, shardID string) (*streams.Checkpoint, error) {
	out, err := d.api.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			attrStreamARN: {S: aws.String(streamARN)},
			attrShardID:   {S: aws.String(shardID)},
		},
	})
	if err != nil {
		return nil, d.wrap("GetItem", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	cp := &streams.Checkpoint{StreamARN: streamARN, ShardID: shardID}
	if v := out.Item[attrSequence]; v != nil {
		cp.SequenceNumber = aws.StringValue(v.S)
	}
	if v := out.Item[attrFinished]; v != nil {
		cp.Finished = aws.BoolValue(v.BOOL)
	}
	if v := out.Item[attrUpdatedAt]; v != nil {
		if ts, err := time.Parse(time.RFC3339Nano, aws.StringValue(v.S)); err == nil {
			cp.UpdatedAt = ts
		}
	}
	return cp, nil
}

// maxPutAttempts bounds how often Put re-reads after losing a conditional
// write to a concurrent writer.
const maxPutAttempts = 3

// Put writes cp. Like Memory, a checkpoint never moves backwards and a
// finished shard stays finished. The write is conditional on the item read
// just before it, so a concurrent writer cannot be overwritten with an older
// sequence number.
func (d *DynamoDB) Put(ctx context.Context, cp streams.Checkpoint) error {
	for attempt := 1; ; attempt++ {
		prev, err := d.Get(ctx, cp.StreamARN, cp.ShardID)
		if err != nil {
			return err
		}
		next, ok := merge(prev, cp)
		if !ok {
			return nil
		}

		_, err = d.api.PutItemWithContext(ctx, d.putInput(next, prev))
		if awsutil.ErrorCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
			if attempt >= maxPutAttempts {
				return fmt.Errorf("checkpoint PutItem on %s: shard %s changed concurrently %d times", d.table, cp.ShardID, attempt)
			}
			continue
		}
		if err != nil {
			return d.wrap("PutItem", err)
		}
		return nil
	}
}

// merge applies cp on top of prev. It reports false when nothing would
// change.
func merge(prev *streams.Checkpoint, cp streams.Checkpoint) (streams.Checkpoint, bool) {
	if prev == nil {
		return cp, true
	}
	if prev.Finished && !cp.Finished {
		return cp, false
	}
	if streams.CompareSequence(cp.SequenceNumber, prev.SequenceNumber) < 0 {
		cp.SequenceNumber = prev.SequenceNumber
	}
	return cp, cp.SequenceNumber != prev.SequenceNumber || cp.Finished != prev.Finished
}

func (d *DynamoDB) putInput(cp streams.Checkpoint, prev *streams.Checkpoint) *dynamodb.PutItemInput {
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	item := map[string]*dynamodb.AttributeValue{
		attrStreamARN: {S: aws.String(cp.StreamARN)},
		attrShardID:   {S: aws.String(cp.ShardID)},
		attrFinished:  {BOOL: aws.Bool(cp.Finished)},
		attrUpdatedAt: {S: aws.String(updated.UTC().Format(time.RFC3339Nano))},
	}
	if cp.SequenceNumber != "" {
		item[attrSequence] = &dynamodb.AttributeValue{S: aws.String(cp.SequenceNumber)}
	}

	in := &dynamodb.PutItemInput{TableName: aws.String(d.table), Item: item}
	if prev == nil {
		in.ConditionExpression = aws.String("attribute_not_exists(#k)")
		in.ExpressionAttributeNames = map[string]*string{"#k": aws.String(attrStreamARN)}
		return in
	}

	names := map[string]*string{"#s": aws.String(attrSequence), "#f": aws.String(attrFinished)}
	values := map[string]*dynamodb.AttributeValue{}
	cond := "attribute_not_exists(#s)"
	if prev.SequenceNumber != "" {
		cond = "#s = :prev"
		values[":prev"] = &dynamodb.AttributeValue{S: aws.String(prev.SequenceNumber)}
	}
	if prev.Finished {
		cond += " AND #f = :true"
		values[":true"] = &dynamodb.AttributeValue{BOOL: aws.Bool(true)}
	} else {
		cond += " AND (attribute_not_exists(#f) OR #f = :false)"
		values[":false"] = &dynamodb.AttributeValue{BOOL: aws.Bool(false)}
	}
	in.ConditionExpression = aws.String(cond)
	in.ExpressionAttributeNames = names
	in.ExpressionAttributeValues = values
	return in
}

func (d *DynamoDB) wrap(op string, err error) error {
	if awsutil.IsThrottle(err) || awsutil.IsUnavailable(err) {
		return &streams.TransientProviderError{Op: "checkpoint " + op, Err: err}
	}
	return fmt.Errorf("checkpoint %s on %s: %w", op, d.table, err)
}

var _ streams.Checkpointer = (*DynamoDB)(nil)
