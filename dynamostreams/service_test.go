package dynamostreams

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams/dynamodbstreamsiface"

	"github.com/bdna/kinesis-consumer-group/stream"
)

const (
	validTableName   = "foo"
	invalidTableName = "bad"
	emptyTableName   = "empty"
	validArn         = "1234"

	validShardID       = "1"
	invalidShardID     = "invalid"
	validShardIterator = "1"
)

var dynamoRecord = &dynamodbstreams.Record{
	EventID: aws.String("1"),
	Dynamodb: &dynamodbstreams.StreamRecord{
		SequenceNumber: aws.String("1234"),
		Keys: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String("order-1")},
		},
	},
}

type mockDynamoClient struct {
	dynamodbstreamsiface.DynamoDBStreamsAPI
	shards      []*dynamodbstreams.Shard
	listStreams int
}

func (m *mockDynamoClient) DescribeStreamWithContext(_ aws.Context, i *dynamodbstreams.DescribeStreamInput, _ ...request.Option) (*dynamodbstreams.DescribeStreamOutput, error) {
	output := &dynamodbstreams.DescribeStreamOutput{
		StreamDescription: &dynamodbstreams.StreamDescription{
			StreamArn:    i.StreamArn,
			StreamStatus: aws.String(dynamodbstreams.StreamStatusEnabled),
			Shards:       m.shards,
		},
	}
	return output, nil
}

func (m *mockDynamoClient) ListStreamsWithContext(_ aws.Context, i *dynamodbstreams.ListStreamsInput, _ ...request.Option) (*dynamodbstreams.ListStreamsOutput, error) {
	m.listStreams++
	switch *i.TableName {
	case validTableName:
		output := &dynamodbstreams.ListStreamsOutput{
			Streams: []*dynamodbstreams.Stream{
				&dynamodbstreams.Stream{
					StreamArn:   aws.String(validArn),
					StreamLabel: aws.String("test"),
					TableName:   aws.String(validTableName),
				},
			},
		}
		return output, nil
	case emptyTableName:
		return &dynamodbstreams.ListStreamsOutput{}, nil
	case invalidTableName:
		return &dynamodbstreams.ListStreamsOutput{}, errors.New("an error")
	}

	return &dynamodbstreams.ListStreamsOutput{}, errors.New("unexpected test case")
}

func (m *mockDynamoClient) GetShardIteratorWithContext(_ aws.Context, i *dynamodbstreams.GetShardIteratorInput, _ ...request.Option) (*dynamodbstreams.GetShardIteratorOutput, error) {
	if *i.ShardId == validShardID {
		output := &dynamodbstreams.GetShardIteratorOutput{
			ShardIterator: aws.String(validShardIterator),
		}
		return output, nil
	} else if *i.ShardId == invalidShardID {
		return &dynamodbstreams.GetShardIteratorOutput{}, errors.New("uh oh")
	}

	return &dynamodbstreams.GetShardIteratorOutput{}, errors.New("unexpected test case")
}

func (m *mockDynamoClient) GetRecordsWithContext(_ aws.Context, i *dynamodbstreams.GetRecordsInput, _ ...request.Option) (*dynamodbstreams.GetRecordsOutput, error) {
	if *i.ShardIterator == validShardIterator {
		output := &dynamodbstreams.GetRecordsOutput{
			NextShardIterator: aws.String("2"),
			Records:           []*dynamodbstreams.Record{dynamoRecord},
		}
		return output, nil
	}

	return &dynamodbstreams.GetRecordsOutput{}, errors.New("unexpected test case")
}

type mockTableClient struct {
	dynamodbiface.DynamoDBAPI
	updates []*dynamodb.UpdateTableInput
}

func (m *mockTableClient) UpdateTableWithContext(_ aws.Context, i *dynamodb.UpdateTableInput, _ ...request.Option) (*dynamodb.UpdateTableOutput, error) {
	m.updates = append(m.updates, i)
	return &dynamodb.UpdateTableOutput{}, nil
}

func TestNew(t *testing.T) {
	testCases := []struct {
		desc string

		opts []Option

		expClient         dynamodbstreamsiface.DynamoDBStreamsAPI
		expStreamViewType string
	}{
		{
			desc: "When I pass no options to New, then the default values will be assigned",

			expClient:         &dynamodbstreams.DynamoDBStreams{},
			expStreamViewType: dynamodb.StreamViewTypeNewAndOldImages,
		},
		{
			desc: "When I pass options to New, then the options will be applied",

			opts: []Option{
				WithClient(&mockDynamoClient{}),
				WithTableClient(&mockTableClient{}),
				WithStreamViewType(dynamodb.StreamViewTypeKeysOnly),
			},

			expClient:         &mockDynamoClient{},
			expStreamViewType: dynamodb.StreamViewTypeKeysOnly,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			d, err := New(tc.opts...)
			if err != nil {
				t.Errorf("expected error to be nil: got %v", err)
			}

			if reflect.TypeOf(d.client) != reflect.TypeOf(tc.expClient) {
				t.Errorf("expected d.client to be of type %T: got %T", tc.expClient, d.client)
			}

			if d.streamViewType != tc.expStreamViewType {
				t.Errorf("expected d.streamViewType to be %q: got %q", tc.expStreamViewType, d.streamViewType)
			}

			if d.arns == nil {
				t.Errorf("expected d.arns to not be nil but it was")
			}
		})
	}
}

func TestService_streamArn(t *testing.T) {
	testCases := []struct {
		desc      string
		tableName string

		shouldErr bool
		expErr    error
		expArn    string
	}{
		{
			desc:      "Calling streamArn will return an arn and no error",
			tableName: validTableName,
			expArn:    validArn,
		},
		{
			desc:      "Calling streamArn should return an error and an empty string",
			tableName: invalidTableName,
			shouldErr: true,
		},
		{
			desc:      "Calling streamArn for a table without a stream",
			tableName: emptyTableName,
			shouldErr: true,
			expErr:    stream.ErrStreamNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			client := &mockDynamoClient{}
			d, _ := New(WithClient(client), WithTableClient(&mockTableClient{}))

			actual, err := d.streamArn(context.Background(), tc.tableName)
			if tc.shouldErr {
				if err == nil {
					t.Errorf("expected error to not be nil but it was")
				}
			} else {
				if err != nil {
					t.Errorf("expected error to be nil: got %v", err)
				}
			}
			if tc.expErr != nil && err != tc.expErr {
				t.Errorf("expected error to be %v: got %v", tc.expErr, err)
			}

			if actual != tc.expArn {
				t.Errorf("expected arn to be %q: got %q", tc.expArn, actual)
			}
		})
	}
}

func TestService_streamArnIsCached(t *testing.T) {
	client := &mockDynamoClient{}
	d, _ := New(WithClient(client), WithTableClient(&mockTableClient{}))

	for i := 0; i < 3; i++ {
		if _, err := d.streamArn(context.Background(), validTableName); err != nil {
			t.Fatalf("expected error to be nil: got %v", err)
		}
	}
	if client.listStreams != 1 {
		t.Errorf("expected ListStreams to be called once: got %d", client.listStreams)
	}
}

func TestService_DescribeStream(t *testing.T) {
	client := &mockDynamoClient{
		shards: []*dynamodbstreams.Shard{
			&dynamodbstreams.Shard{
				ParentShardId:       aws.String("0"),
				ShardId:             aws.String(validShardID),
				SequenceNumberRange: &dynamodbstreams.SequenceNumberRange{},
			},
		},
	}
	d, _ := New(WithClient(client), WithTableClient(&mockTableClient{}))

	desc, err := d.DescribeStream(context.Background(), validTableName, "")
	if err != nil {
		t.Fatalf("expected error to be nil: got %v", err)
	}

	expShards := []stream.Shard{{ID: validShardID, ParentID: "0"}}
	if !reflect.DeepEqual(desc.Shards, expShards) {
		t.Errorf("expected shards to be %v: got %v", expShards, desc.Shards)
	}
	if desc.Status != stream.StatusActive {
		t.Errorf("expected status to be %q: got %q", stream.StatusActive, desc.Status)
	}
	if desc.ARN != validArn {
		t.Errorf("expected arn to be %q: got %q", validArn, desc.ARN)
	}
	if desc.HasMoreShards {
		t.Errorf("expected a single page of shards")
	}
}

func TestService_ShardIterator(t *testing.T) {
	testCases := []struct {
		desc        string
		shardID     string
		shouldErr   bool
		expIterator string
	}{
		{
			desc:        "Calling ShardIterator should return a ShardIterator and no error",
			shardID:     validShardID,
			shouldErr:   false,
			expIterator: validShardIterator,
		},
		{
			desc:        "Calling ShardIterator should return an empty string and an error",
			shardID:     invalidShardID,
			shouldErr:   true,
			expIterator: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			d, _ := New(WithClient(&mockDynamoClient{}), WithTableClient(&mockTableClient{}))

			actual, err := d.ShardIterator(context.Background(), validTableName, tc.shardID, stream.After("55"))
			if tc.shouldErr {
				if err == nil {
					t.Errorf("expected error to not be nil but it was")
				}
			} else {
				if err != nil {
					t.Errorf("expected error to be nil: got %v", err)
				}
			}

			if actual != tc.expIterator {
				t.Errorf("expected shard iterator to be %q: got %q", tc.expIterator, actual)
			}
		})
	}
}

func TestService_GetRecords(t *testing.T) {
	d, _ := New(WithClient(&mockDynamoClient{}), WithTableClient(&mockTableClient{}))

	batch, err := d.GetRecords(context.Background(), validShardIterator, 10)
	if err != nil {
		t.Fatalf("expected error to be nil: got %v", err)
	}
	if batch.NextIterator != "2" {
		t.Errorf("expected next iterator to be %q: got %q", "2", batch.NextIterator)
	}
	if batch.LastSequenceNumber() != "1234" {
		t.Errorf("expected last sequence number to be %q: got %q", "1234", batch.LastSequenceNumber())
	}

	var decoded dynamodbstreams.StreamRecord
	if err := json.Unmarshal(batch.Records[0].Data, &decoded); err != nil {
		t.Fatalf("expected payload to be a JSON stream record: %v", err)
	}
	if aws.StringValue(decoded.Keys["id"].S) != "order-1" {
		t.Errorf("expected payload to carry the record keys: got %s", batch.Records[0].Data)
	}
}

func TestService_CreateStream(t *testing.T) {
	tables := &mockTableClient{}
	d, _ := New(WithClient(&mockDynamoClient{}), WithTableClient(tables))

	if err := d.CreateStream(context.Background(), validTableName, 4); err != nil {
		t.Fatalf("expected error to be nil: got %v", err)
	}
	if len(tables.updates) != 1 {
		t.Fatalf("expected one UpdateTable call: got %d", len(tables.updates))
	}
	spec := tables.updates[0].StreamSpecification
	if !aws.BoolValue(spec.StreamEnabled) || aws.StringValue(spec.StreamViewType) != dynamodb.StreamViewTypeNewAndOldImages {
		t.Errorf("expected the stream to be enabled with new and old images: got %v", spec)
	}

	if err := d.UpdateShardCount(context.Background(), validTableName, 4); err != stream.ErrUnsupported {
		t.Errorf("expected error to be %v: got %v", stream.ErrUnsupported, err)
	}
}
