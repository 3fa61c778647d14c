// Package dynamostreams exposes a DynamoDB table's change stream as a
// stream.Service, so a consumer group can follow table changes the same way
// it follows a Kinesis stream. Streams are addressed by table name.
package dynamostreams

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams/dynamodbstreamsiface"
	"github.com/pkg/errors"

	"github.com/bdna/kinesis-consumer-group/stream"
)

// Service wraps the interaction with the DynamoStream
type Service struct {
	client         dynamodbstreamsiface.DynamoDBStreamsAPI
	tables         dynamodbiface.DynamoDBAPI
	streamViewType string

	arnMu *sync.Mutex
	arns  map[string]string
}

// New returns a pointer to a Service. If no options are passed the Service is
// configured with default settings. Use any of the Option functions to
// override any of the default settings. For example you can pass your own
// client that implements dynamodbstreamsiface.DynamoDBStreamsAPI by calling
// New(WithClient(<your client>))
func New(opts ...Option) (*Service, error) {
	d := &Service{
		streamViewType: dynamodb.StreamViewTypeNewAndOldImages,
		arnMu:          &sync.Mutex{},
		arns:           make(map[string]string),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.client == nil || d.tables == nil {
		sess, err := session.NewSession(aws.NewConfig())
		if err != nil {
			return &Service{}, err
		}
		if d.client == nil {
			d.client = dynamodbstreams.New(sess)
		}
		if d.tables == nil {
			d.tables = dynamodb.New(sess)
		}
	}

	return d, nil
}

// DescribeStream describes the latest stream of the table called tableName.
func (d *Service) DescribeStream(ctx context.Context, tableName, exclusiveStartShardID string) (*stream.Description, error) {
	arn, err := d.streamArn(ctx, tableName)
	if err != nil {
		return nil, err
	}

	input := &dynamodbstreams.DescribeStreamInput{
		StreamArn: aws.String(arn),
	}
	if exclusiveStartShardID != "" {
		input.ExclusiveStartShardId = aws.String(exclusiveStartShardID)
	}

	resp, err := d.client.DescribeStreamWithContext(ctx, input)
	if err != nil {
		if awsCode(err) == dynamodbstreams.ErrCodeResourceNotFoundException {
			d.forgetArn(tableName)
			return nil, stream.ErrStreamNotFound
		}
		return nil, errors.Wrapf(err, "describe stream %q", arn)
	}

	desc := resp.StreamDescription
	out := &stream.Description{
		Name:          tableName,
		ARN:           arn,
		Status:        streamStatus(aws.StringValue(desc.StreamStatus)),
		HasMoreShards: desc.LastEvaluatedShardId != nil,
	}
	for _, s := range desc.Shards {
		shard := stream.Shard{
			ID:       aws.StringValue(s.ShardId),
			ParentID: aws.StringValue(s.ParentShardId),
		}
		if r := s.SequenceNumberRange; r != nil {
			shard.StartingSequence = aws.StringValue(r.StartingSequenceNumber)
			shard.EndingSequence = aws.StringValue(r.EndingSequenceNumber)
		}
		out.Shards = append(out.Shards, shard)
	}
	return out, nil
}

// CreateStream enables the change stream on the table. DynamoDB decides the
// shard layout itself, so shardCount is ignored.
func (d *Service) CreateStream(ctx context.Context, tableName string, _ int64) error {
	_, err := d.tables.UpdateTableWithContext(ctx, &dynamodb.UpdateTableInput{
		TableName: aws.String(tableName),
		StreamSpecification: &dynamodb.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: aws.String(d.streamViewType),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "enable stream on %q", tableName)
	}
	d.forgetArn(tableName)
	return nil
}

// UpdateShardCount is not available on DynamoDB Streams.
func (d *Service) UpdateShardCount(context.Context, string, int64) error {
	return stream.ErrUnsupported
}

// ShardIterator returns the shardIterator for a shard. If a sequence number is
// passed it will return the shardIterator for the point just after it.
func (d *Service) ShardIterator(ctx context.Context, tableName, shardID string, pos stream.Position) (string, error) {
	arn, err := d.streamArn(ctx, tableName)
	if err != nil {
		return ``, err
	}

	input := &dynamodbstreams.GetShardIteratorInput{
		ShardId:           aws.String(shardID),
		StreamArn:         aws.String(arn),
		ShardIteratorType: aws.String(string(pos.Type)),
	}
	if pos.Type == stream.AfterSequenceNumber {
		input.SequenceNumber = aws.String(pos.SequenceNumber)
	}

	res, err := d.client.GetShardIteratorWithContext(ctx, input)
	if err != nil {
		return ``, errors.Wrap(err, `get shard iterator error`)
	}
	return aws.StringValue(res.ShardIterator), nil
}

// GetRecords reads the next batch of change records. Each record's payload is
// the JSON encoding of its StreamRecord (keys, images and sequence number).
func (d *Service) GetRecords(ctx context.Context, iterator string, limit int64) (*stream.Batch, error) {
	input := &dynamodbstreams.GetRecordsInput{
		ShardIterator: aws.String(iterator),
	}
	if limit > 0 {
		input.Limit = aws.Int64(limit)
	}

	resp, err := d.client.GetRecordsWithContext(ctx, input)
	if err != nil {
		if awsCode(err) == dynamodbstreams.ErrCodeExpiredIteratorException {
			return nil, stream.ErrIteratorExpired
		}
		return nil, err
	}

	batch := &stream.Batch{}
	if !shardClosed(resp.NextShardIterator) {
		batch.NextIterator = *resp.NextShardIterator
	}
	for _, r := range resp.Records {
		if r.Dynamodb == nil {
			continue
		}
		data, err := json.Marshal(r.Dynamodb)
		if err != nil {
			return nil, errors.Wrapf(err, "encode record %s", aws.StringValue(r.EventID))
		}
		batch.Records = append(batch.Records, stream.Record{
			Data:           data,
			SequenceNumber: aws.StringValue(r.Dynamodb.SequenceNumber),
			ArrivedAt:      aws.TimeValue(r.Dynamodb.ApproximateCreationDateTime),
		})
	}
	return batch, nil
}

// streamArn takes a table name and returns the arn of its associated
// dynamodbstream, caching the answer.
func (d *Service) streamArn(ctx context.Context, tableName string) (string, error) {
	d.arnMu.Lock()
	arn, ok := d.arns[tableName]
	d.arnMu.Unlock()
	if ok {
		return arn, nil
	}

	resp, err := d.client.ListStreamsWithContext(ctx, &dynamodbstreams.ListStreamsInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		if awsCode(err) == dynamodbstreams.ErrCodeResourceNotFoundException {
			return ``, stream.ErrStreamNotFound
		}
		return ``, errors.Wrapf(err, "couldn't get arn for stream %q", tableName)
	}

	// The latest stream of the table comes first.
	if len(resp.Streams) == 0 {
		return ``, stream.ErrStreamNotFound
	}
	arn = aws.StringValue(resp.Streams[0].StreamArn)

	d.arnMu.Lock()
	d.arns[tableName] = arn
	d.arnMu.Unlock()
	return arn, nil
}

func (d *Service) forgetArn(tableName string) {
	d.arnMu.Lock()
	defer d.arnMu.Unlock()
	delete(d.arns, tableName)
}

func streamStatus(status string) stream.Status {
	switch status {
	case dynamodbstreams.StreamStatusEnabling:
		return stream.StatusCreating
	case dynamodbstreams.StreamStatusEnabled:
		return stream.StatusActive
	default:
		return stream.StatusFailed
	}
}

// shardClosed returns a boolean value that represents whether or not the
// shard has been closed
func shardClosed(nextShardIterator *string) bool {
	return nextShardIterator == nil || *nextShardIterator == ""
}

func awsCode(err error) string {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code()
	}
	return ""
}
