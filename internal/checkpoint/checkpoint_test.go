package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/lsm/fiso-stream/internal/streams"
)

func TestMemory_GetMissing(t *testing.T) {
	m := NewMemory()
	cp, err := m.Get(context.Background(), "arn", "shard-1")
	if err != nil || cp != nil {
		t.Fatalf("expected nil, nil; got %v, %v", cp, err)
	}
}

func TestMemory_PutIsMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Put(ctx, streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "200"})
	_ = m.Put(ctx, streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "150"})

	cp, _ := m.Get(ctx, "arn", "s")
	if cp.SequenceNumber != "200" {
		t.Errorf("expected checkpoint to stay at 200, got %s", cp.SequenceNumber)
	}

	_ = m.Put(ctx, streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "1000"})
	cp, _ = m.Get(ctx, "arn", "s")
	if cp.SequenceNumber != "1000" {
		t.Errorf("expected 1000, got %s", cp.SequenceNumber)
	}
}

func TestMemory_FinishedSticks(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Put(ctx, streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "5", Finished: true})
	_ = m.Put(ctx, streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "6"})

	cp, _ := m.Get(ctx, "arn", "s")
	if !cp.Finished || cp.SequenceNumber != "5" {
		t.Errorf("expected finished checkpoint to be kept, got %+v", cp)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 checkpoint, got %d", m.Len())
	}
}

type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI
	items   map[string]map[string]*dynamodb.AttributeValue
	putErr  error
	puts    int
	lastPut *dynamodb.PutItemInput
	// race, when set, runs once in place of the next write, as if another
	// writer got there first.
	race func(items map[string]map[string]*dynamodb.AttributeValue)
}

func itemKey(k map[string]*dynamodb.AttributeValue) string {
	return aws.StringValue(k[attrStreamARN].S) + "|" + aws.StringValue(k[attrShardID].S)
}

func (f *fakeDynamo) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.puts++
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	if race := f.race; race != nil {
		f.race = nil
		race(f.items)
		return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "changed", nil)
	}
	f.items[itemKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoDB_RoundTrip(t *testing.T) {
	api := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := NewDynamoDBWithAPI(api, "fiso-checkpoints")
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := store.Put(ctx, streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "77", UpdatedAt: now}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if aws.StringValue(api.lastPut.TableName) != "fiso-checkpoints" {
		t.Errorf("unexpected table: %s", aws.StringValue(api.lastPut.TableName))
	}

	cp, err := store.Get(ctx, "arn", "s")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if cp == nil || cp.SequenceNumber != "77" || cp.Finished || !cp.UpdatedAt.Equal(now) {
		t.Errorf("unexpected checkpoint: %+v", cp)
	}

	missing, err := store.Get(ctx, "arn", "other")
	if err != nil || missing != nil {
		t.Errorf("expected nil checkpoint, got %v, %v", missing, err)
	}
}

func storedItem(seq string, finished bool) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		attrStreamARN: {S: aws.String("arn")},
		attrShardID:   {S: aws.String("s")},
		attrSequence:  {S: aws.String(seq)},
		attrFinished:  {BOOL: aws.Bool(finished)},
	}
}

func storedSequence(api *fakeDynamo) string {
	return aws.StringValue(api.items["arn|s"][attrSequence].S)
}

func TestDynamoDB_PutIsMonotonic(t *testing.T) {
	api := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{"arn|s": storedItem("200", false)}}
	store := NewDynamoDBWithAPI(api, "t")
	ctx := context.Background()

	if err := store.Put(ctx, streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "150"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if api.puts != 0 || storedSequence(api) != "200" {
		t.Fatalf("expected older sequence to be ignored, got %d writes and %s", api.puts, storedSequence(api))
	}

	if err := store.Put(ctx, streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "1000"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if storedSequence(api) != "1000" {
		t.Errorf("expected 1000, got %s", storedSequence(api))
	}
	if got := aws.StringValue(api.lastPut.ConditionExpression); got != "#s = :prev AND (attribute_not_exists(#f) OR #f = :false)" {
		t.Errorf("unexpected condition: %s", got)
	}
	if got := aws.StringValue(api.lastPut.ExpressionAttributeValues[":prev"].S); got != "200" {
		t.Errorf("expected write to be conditional on 200, got %s", got)
	}
}

func TestDynamoDB_FirstPutRequiresNoItem(t *testing.T) {
	api := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{}}
	if err := NewDynamoDBWithAPI(api, "t").Put(context.Background(), streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "1"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if got := aws.StringValue(api.lastPut.ConditionExpression); got != "attribute_not_exists(#k)" {
		t.Errorf("unexpected condition: %s", got)
	}
}

func TestDynamoDB_FinishedSticks(t *testing.T) {
	api := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{"arn|s": storedItem("5", true)}}
	store := NewDynamoDBWithAPI(api, "t")
	if err := store.Put(context.Background(), streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "6"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	cp, _ := store.Get(context.Background(), "arn", "s")
	if api.puts != 0 || !cp.Finished || cp.SequenceNumber != "5" {
		t.Errorf("expected finished checkpoint to be kept, got %+v after %d writes", cp, api.puts)
	}
}

func TestDynamoDB_ConcurrentWriterWins(t *testing.T) {
	api := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{"arn|s": storedItem("200", false)}}
	api.race = func(items map[string]map[string]*dynamodb.AttributeValue) {
		items["arn|s"] = storedItem("400", false)
	}
	store := NewDynamoDBWithAPI(api, "t")

	if err := store.Put(context.Background(), streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "300"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if storedSequence(api) != "400" {
		t.Errorf("expected the newer concurrent checkpoint to survive, got %s", storedSequence(api))
	}
	if api.puts != 1 {
		t.Errorf("expected no second write after re-reading, got %d writes", api.puts)
	}
}

func TestDynamoDB_ContendedWriteGivesUp(t *testing.T) {
	api := &fakeDynamo{
		items:  map[string]map[string]*dynamodb.AttributeValue{},
		putErr: awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "changed", nil),
	}
	err := NewDynamoDBWithAPI(api, "t").Put(context.Background(), streams.Checkpoint{StreamARN: "arn", ShardID: "s", SequenceNumber: "1"})
	if err == nil {
		t.Fatal("expected an error after repeated conditional failures")
	}
	if api.puts != maxPutAttempts {
		t.Errorf("expected %d attempts, got %d", maxPutAttempts, api.puts)
	}
}

func TestDynamoDB_ThrottleIsTransient(t *testing.T) {
	api := &fakeDynamo{
		items:  map[string]map[string]*dynamodb.AttributeValue{},
		putErr: awserr.New(dynamodb.ErrCodeProvisionedThroughputExceededException, "slow", nil),
	}
	err := NewDynamoDBWithAPI(api, "t").Put(context.Background(), streams.Checkpoint{StreamARN: "arn", ShardID: "s"})
	if !streams.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}
