package stream

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/pkg/errors"
)

// KinesisService implements Service on Amazon Kinesis Data Streams.
type KinesisService struct {
	client kinesisiface.KinesisAPI
}

// KinesisOption is used to override default values when creating a new
// KinesisService
type KinesisOption func(*KinesisService)

// WithKinesisClient overrides the default client
func WithKinesisClient(client kinesisiface.KinesisAPI) KinesisOption {
	return func(k *KinesisService) {
		k.client = client
	}
}

// NewKinesisService returns a KinesisService. Without WithKinesisClient a
// client is built from the default AWS session.
func NewKinesisService(opts ...KinesisOption) (*KinesisService, error) {
	k := &KinesisService{}
	for _, opt := range opts {
		opt(k)
	}

	if k.client == nil {
		sess, err := session.NewSession(aws.NewConfig())
		if err != nil {
			return &KinesisService{}, err
		}
		k.client = kinesis.New(sess)
	}
	return k, nil
}

func (k *KinesisService) DescribeStream(ctx context.Context, name, exclusiveStartShardID string) (*Description, error) {
	input := &kinesis.DescribeStreamInput{
		StreamName: aws.String(name),
	}
	if exclusiveStartShardID != "" {
		input.ExclusiveStartShardId = aws.String(exclusiveStartShardID)
	}

	resp, err := k.client.DescribeStreamWithContext(ctx, input)
	if err != nil {
		if awsCode(err) == kinesis.ErrCodeResourceNotFoundException {
			return nil, ErrStreamNotFound
		}
		return nil, errors.Wrapf(err, "describe stream %q", name)
	}

	desc := resp.StreamDescription
	out := &Description{
		Name:          aws.StringValue(desc.StreamName),
		ARN:           aws.StringValue(desc.StreamARN),
		Status:        kinesisStatus(aws.StringValue(desc.StreamStatus)),
		HasMoreShards: aws.BoolValue(desc.HasMoreShards),
	}
	for _, s := range desc.Shards {
		out.Shards = append(out.Shards, kinesisShard(s))
	}
	return out, nil
}

func (k *KinesisService) CreateStream(ctx context.Context, name string, shardCount int64) error {
	_, err := k.client.CreateStreamWithContext(ctx, &kinesis.CreateStreamInput{
		StreamName: aws.String(name),
		ShardCount: aws.Int64(shardCount),
	})
	if err != nil && awsCode(err) != kinesis.ErrCodeResourceInUseException {
		return errors.Wrapf(err, "create stream %q", name)
	}
	return nil
}

func (k *KinesisService) UpdateShardCount(ctx context.Context, name string, target int64) error {
	_, err := k.client.UpdateShardCountWithContext(ctx, &kinesis.UpdateShardCountInput{
		StreamName:       aws.String(name),
		TargetShardCount: aws.Int64(target),
		ScalingType:      aws.String(kinesis.ScalingTypeUniformScaling),
	})
	if err != nil {
		return errors.Wrapf(err, "update shard count of %q", name)
	}
	return nil
}

// ShardIterator returns the shardIterator for a shard. If a sequence number
// is passed it will return the shardIterator just after that point in the
// stream.
func (k *KinesisService) ShardIterator(ctx context.Context, name, shardID string, pos Position) (string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(name),
		ShardId:           aws.String(shardID),
		ShardIteratorType: aws.String(string(pos.Type)),
	}
	if pos.Type == AfterSequenceNumber {
		input.StartingSequenceNumber = aws.String(pos.SequenceNumber)
	}

	res, err := k.client.GetShardIteratorWithContext(ctx, input)
	if err != nil {
		return ``, errors.Wrap(err, `get shard iterator error`)
	}
	return aws.StringValue(res.ShardIterator), nil
}

func (k *KinesisService) GetRecords(ctx context.Context, iterator string, limit int64) (*Batch, error) {
	input := &kinesis.GetRecordsInput{
		ShardIterator: aws.String(iterator),
	}
	if limit > 0 {
		input.Limit = aws.Int64(limit)
	}

	resp, err := k.client.GetRecordsWithContext(ctx, input)
	if err != nil {
		if awsCode(err) == kinesis.ErrCodeExpiredIteratorException {
			return nil, ErrIteratorExpired
		}
		return nil, err
	}

	batch := &Batch{
		MillisBehind: aws.Int64Value(resp.MillisBehindLatest),
	}
	if !shardClosed(resp.NextShardIterator) {
		batch.NextIterator = *resp.NextShardIterator
	}
	for _, r := range resp.Records {
		batch.Records = append(batch.Records, Record{
			Data:           r.Data,
			PartitionKey:   aws.StringValue(r.PartitionKey),
			SequenceNumber: aws.StringValue(r.SequenceNumber),
			ArrivedAt:      aws.TimeValue(r.ApproximateArrivalTimestamp),
		})
	}
	return batch, nil
}

func kinesisShard(s *kinesis.Shard) Shard {
	shard := Shard{
		ID:               aws.StringValue(s.ShardId),
		ParentID:         aws.StringValue(s.ParentShardId),
		AdjacentParentID: aws.StringValue(s.AdjacentParentShardId),
	}
	if r := s.SequenceNumberRange; r != nil {
		shard.StartingSequence = aws.StringValue(r.StartingSequenceNumber)
		shard.EndingSequence = aws.StringValue(r.EndingSequenceNumber)
	}
	return shard
}

func kinesisStatus(status string) Status {
	switch status {
	case kinesis.StreamStatusCreating:
		return StatusCreating
	case kinesis.StreamStatusActive:
		return StatusActive
	case kinesis.StreamStatusUpdating:
		return StatusUpdating
	default:
		return StatusFailed
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
