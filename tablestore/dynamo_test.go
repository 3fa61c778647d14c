package tablestore

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDynamoClient struct {
	dynamodbiface.DynamoDBAPI

	item      map[string]*dynamodb.AttributeValue
	putErr    error
	deleteErr error
	createErr error
	status    string
	descErr   error

	puts    []*dynamodb.PutItemInput
	deletes []*dynamodb.DeleteItemInput
	ttl     *dynamodb.UpdateTimeToLiveInput
}

func (m *mockDynamoClient) GetItemWithContext(_ aws.Context, i *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: m.item}, nil
}

func (m *mockDynamoClient) PutItemWithContext(_ aws.Context, i *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	m.puts = append(m.puts, i)
	return &dynamodb.PutItemOutput{}, m.putErr
}

func (m *mockDynamoClient) DeleteItemWithContext(_ aws.Context, i *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	m.deletes = append(m.deletes, i)
	return &dynamodb.DeleteItemOutput{}, m.deleteErr
}

func (m *mockDynamoClient) CreateTableWithContext(_ aws.Context, i *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	return &dynamodb.CreateTableOutput{}, m.createErr
}

func (m *mockDynamoClient) DescribeTableWithContext(_ aws.Context, i *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	if m.descErr != nil {
		return nil, m.descErr
	}
	return &dynamodb.DescribeTableOutput{
		Table: &dynamodb.TableDescription{TableName: i.TableName, TableStatus: aws.String(m.status)},
	}, nil
}

func (m *mockDynamoClient) UpdateTimeToLiveWithContext(_ aws.Context, i *dynamodb.UpdateTimeToLiveInput, _ ...request.Option) (*dynamodb.UpdateTimeToLiveOutput, error) {
	m.ttl = i
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func newTestDynamoStore(t *testing.T, client *mockDynamoClient, clock clockwork.Clock) *DynamoStore {
	t.Helper()
	d, err := NewDynamoStore(WithDynamoClient(client), WithDynamoClock(clock))
	require.NoError(t, err)
	return d
}

func TestDynamoStore_Get(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))

	testCases := []struct {
		desc     string
		item     map[string]*dynamodb.AttributeValue
		expErr   error
		expOwner string
	}{
		{
			desc:   "absent item",
			item:   nil,
			expErr: ErrNotFound,
		},
		{
			desc: "live item",
			item: map[string]*dynamodb.AttributeValue{
				"Key":        {S: aws.String("k")},
				"Version":    {S: aws.String("v1")},
				"Attributes": {M: map[string]*dynamodb.AttributeValue{"owner": {S: aws.String("a")}}},
				"ExpiresAt":  {N: aws.String("2000")},
			},
			expOwner: "a",
		},
		{
			desc: "item past its ttl",
			item: map[string]*dynamodb.AttributeValue{
				"Key":       {S: aws.String("k")},
				"Version":   {S: aws.String("v1")},
				"ExpiresAt": {N: aws.String("999")},
			},
			expErr: ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			d := newTestDynamoStore(t, &mockDynamoClient{item: tc.item}, clock)
			item, err := d.Get(context.Background(), "t", "k")
			if tc.expErr != nil {
				assert.Equal(t, tc.expErr, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expOwner, item.Attr("owner"))
			assert.Equal(t, "v1", item.Version)
		})
	}
}

func TestDynamoStore_ConditionalPut(t *testing.T) {
	conflict := awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "failed", nil)

	testCases := []struct {
		desc         string
		expected     string
		putErr       error
		expCondition string
		expErr       error
	}{
		{desc: "create if absent", expected: "", expCondition: "attribute_not_exists(#k)"},
		{desc: "compare and swap", expected: "v1", expCondition: "#v = :v"},
		{desc: "condition failure maps to conflict", expected: "v1", putErr: conflict, expCondition: "#v = :v", expErr: ErrVersionConflict},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			client := &mockDynamoClient{putErr: tc.putErr}
			d := newTestDynamoStore(t, client, clockwork.NewFakeClock())

			version, err := d.ConditionalPut(context.Background(), "t", Item{Key: "k", Attributes: map[string]string{"owner": "a"}}, tc.expected)
			require.Len(t, client.puts, 1)
			assert.Equal(t, tc.expCondition, aws.StringValue(client.puts[0].ConditionExpression))
			if tc.expErr != nil {
				assert.Equal(t, tc.expErr, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, version, aws.StringValue(client.puts[0].Item["Version"].S))
			if tc.expected != "" {
				assert.Equal(t, tc.expected, aws.StringValue(client.puts[0].ExpressionAttributeValues[":v"].S))
			}
		})
	}
}

func TestDynamoStore_PutWritesTTL(t *testing.T) {
	client := &mockDynamoClient{}
	d := newTestDynamoStore(t, client, clockwork.NewFakeClock())

	_, err := d.Put(context.Background(), "t", Item{Key: "k", ExpiresAt: time.Unix(1234, 0)})
	require.NoError(t, err)
	require.Len(t, client.puts, 1)
	assert.Nil(t, client.puts[0].ConditionExpression)
	assert.Equal(t, "1234", aws.StringValue(client.puts[0].Item["ExpiresAt"].N))
}

func TestDynamoStore_Delete(t *testing.T) {
	client := &mockDynamoClient{deleteErr: awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "failed", nil)}
	d := newTestDynamoStore(t, client, clockwork.NewFakeClock())

	assert.Equal(t, ErrVersionConflict, d.Delete(context.Background(), "t", "k", "v1"))
	assert.Contains(t, aws.StringValue(client.deletes[0].ConditionExpression), "attribute_not_exists")
}

func TestDynamoStore_TableLifecycle(t *testing.T) {
	ctx := context.Background()

	client := &mockDynamoClient{createErr: awserr.New(dynamodb.ErrCodeResourceInUseException, "exists", nil)}
	d := newTestDynamoStore(t, client, clockwork.NewFakeClock())
	assert.NoError(t, d.CreateTable(ctx, TableSpec{Name: "t"}))

	client.status = dynamodb.TableStatusCreating
	ready, err := d.TableReady(ctx, "t")
	assert.NoError(t, err)
	assert.False(t, ready)

	client.status = dynamodb.TableStatusActive
	ready, err = d.TableReady(ctx, "t")
	assert.NoError(t, err)
	assert.True(t, ready)

	client.descErr = awserr.New(dynamodb.ErrCodeResourceNotFoundException, "missing", nil)
	ready, err = d.TableReady(ctx, "t")
	assert.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, d.EnableTimeToLive(ctx, "t"))
	assert.Equal(t, "ExpiresAt", aws.StringValue(client.ttl.TimeToLiveSpecification.AttributeName))
}
