package tablestore

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

const (
	dynamoKeyAttr     = "Key"
	dynamoVersionAttr = "Version"
	dynamoTTLAttr     = "ExpiresAt"
)

// dynamoRecord is the DynamoDB shape of an Item. ExpiresAt is in epoch
// seconds so that DynamoDB's TTL sweeper can use it.
type dynamoRecord struct {
	Key        string            `dynamodbav:"Key"`
	Attributes map[string]string `dynamodbav:"Attributes,omitempty"`
	Version    string            `dynamodbav:"Version"`
	ExpiresAt  int64             `dynamodbav:"ExpiresAt,omitempty"`
}

// DynamoStore is a Store over DynamoDB tables with a single string hash key.
type DynamoStore struct {
	client dynamodbiface.DynamoDBAPI
	clock  clockwork.Clock
}

// DynamoOption overrides DynamoStore defaults.
type DynamoOption func(*DynamoStore)

// WithDynamoClient overrides the default client
func WithDynamoClient(client dynamodbiface.DynamoDBAPI) DynamoOption {
	return func(d *DynamoStore) {
		d.client = client
	}
}

// WithDynamoClock overrides the clock used to hide items whose TTL passed but
// which DynamoDB has not swept yet.
func WithDynamoClock(clock clockwork.Clock) DynamoOption {
	return func(d *DynamoStore) {
		d.clock = clock
	}
}

// NewDynamoStore returns a DynamoStore. Without WithDynamoClient a client is
// built from the default AWS session.
func NewDynamoStore(opts ...DynamoOption) (*DynamoStore, error) {
	d := &DynamoStore{}
	for _, opt := range opts {
		opt(d)
	}

	if d.client == nil {
		sess, err := session.NewSession(aws.NewConfig())
		if err != nil {
			return &DynamoStore{}, err
		}
		d.client = dynamodb.New(sess)
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	return d, nil
}

func (d *DynamoStore) Get(ctx context.Context, table, key string) (*Item, error) {
	resp, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			dynamoKeyAttr: {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get %q from %q", key, table)
	}
	if len(resp.Item) == 0 {
		return nil, ErrNotFound
	}

	var rec dynamoRecord
	if err := dynamodbattribute.UnmarshalMap(resp.Item, &rec); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %q from %q", key, table)
	}
	item := &Item{
		Key:        rec.Key,
		Attributes: rec.Attributes,
		Version:    rec.Version,
	}
	if rec.ExpiresAt > 0 {
		item.ExpiresAt = time.Unix(rec.ExpiresAt, 0)
		if !d.clock.Now().Before(item.ExpiresAt) {
			return nil, ErrNotFound
		}
	}
	return item, nil
}

func (d *DynamoStore) ConditionalPut(ctx context.Context, table string, item Item, expectedVersion string) (string, error) {
	input, version, err := d.putInput(table, item)
	if err != nil {
		return "", err
	}

	if expectedVersion == "" {
		input.ConditionExpression = aws.String("attribute_not_exists(#k)")
		input.ExpressionAttributeNames = map[string]*string{"#k": aws.String(dynamoKeyAttr)}
	} else {
		input.ConditionExpression = aws.String("#v = :v")
		input.ExpressionAttributeNames = map[string]*string{"#v": aws.String(dynamoVersionAttr)}
		input.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":v": {S: aws.String(expectedVersion)},
		}
	}

	if _, err := d.client.PutItemWithContext(ctx, input); err != nil {
		if isConditionFailure(err) {
			return "", ErrVersionConflict
		}
		return "", errors.Wrapf(err, "conditional put %q into %q", item.Key, table)
	}
	return version, nil
}

func (d *DynamoStore) Put(ctx context.Context, table string, item Item) (string, error) {
	input, version, err := d.putInput(table, item)
	if err != nil {
		return "", err
	}
	if _, err := d.client.PutItemWithContext(ctx, input); err != nil {
		return "", errors.Wrapf(err, "put %q into %q", item.Key, table)
	}
	return version, nil
}

func (d *DynamoStore) Delete(ctx context.Context, table, key, expectedVersion string) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key: map[string]*dynamodb.AttributeValue{
			dynamoKeyAttr: {S: aws.String(key)},
		},
	}
	if expectedVersion != "" {
		// attribute_not_exists keeps deletes of absent items successful.
		input.ConditionExpression = aws.String("attribute_not_exists(#k) OR #v = :v")
		input.ExpressionAttributeNames = map[string]*string{
			"#k": aws.String(dynamoKeyAttr),
			"#v": aws.String(dynamoVersionAttr),
		}
		input.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":v": {S: aws.String(expectedVersion)},
		}
	}

	if _, err := d.client.DeleteItemWithContext(ctx, input); err != nil {
		if isConditionFailure(err) {
			return ErrVersionConflict
		}
		return errors.Wrapf(err, "delete %q from %q", key, table)
	}
	return nil
}

func (d *DynamoStore) CreateTable(ctx context.Context, spec TableSpec) error {
	_, err := d.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(spec.Name),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{{
			AttributeName: aws.String(dynamoKeyAttr),
			AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
		}},
		KeySchema: []*dynamodb.KeySchemaElement{{
			AttributeName: aws.String(dynamoKeyAttr),
			KeyType:       aws.String(dynamodb.KeyTypeHash),
		}},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(capacity(spec.ReadCapacity)),
			WriteCapacityUnits: aws.Int64(capacity(spec.WriteCapacity)),
		},
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeResourceInUseException {
			return nil
		}
		return err
	}
	return nil
}

func (d *DynamoStore) TableReady(ctx context.Context, table string) (bool, error) {
	resp, err := d.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeResourceNotFoundException {
			return false, nil
		}
		return false, err
	}
	return aws.StringValue(resp.Table.TableStatus) == dynamodb.TableStatusActive, nil
}

// EnableTimeToLive points DynamoDB's TTL sweeper at the ExpiresAt attribute.
func (d *DynamoStore) EnableTimeToLive(ctx context.Context, table string) error {
	_, err := d.client.UpdateTimeToLiveWithContext(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &dynamodb.TimeToLiveSpecification{
			AttributeName: aws.String(dynamoTTLAttr),
			Enabled:       aws.Bool(true),
		},
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == "ValidationException" {
		// TTL is already enabled on the table.
		return nil
	}
	return err
}

func (d *DynamoStore) putInput(table string, item Item) (*dynamodb.PutItemInput, string, error) {
	rec := dynamoRecord{
		Key:        item.Key,
		Attributes: item.Attributes,
		Version:    newVersion(),
	}
	if !item.ExpiresAt.IsZero() {
		rec.ExpiresAt = item.ExpiresAt.Unix()
	}
	av, err := dynamodbattribute.MarshalMap(rec)
	if err != nil {
		return nil, "", errors.Wrapf(err, "marshal %q", item.Key)
	}
	return &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	}, rec.Version, nil
}

func isConditionFailure(err error) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

func capacity(units int64) int64 {
	if units < 1 {
		return 1
	}
	return units
}
