package dynamostreams

import (
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams/dynamodbstreamsiface"
)

// Option is used to override default values when creating a new Service
type Option func(*Service)

// WithClient overrides the default streams client
func WithClient(client dynamodbstreamsiface.DynamoDBStreamsAPI) Option {
	return func(d *Service) {
		d.client = client
	}
}

// WithTableClient overrides the default DynamoDB client used to enable
// streams on tables
func WithTableClient(client dynamodbiface.DynamoDBAPI) Option {
	return func(d *Service) {
		d.tables = client
	}
}

// WithStreamViewType overrides what each change record carries when the
// stream is enabled by CreateStream
func WithStreamViewType(t string) Option {
	return func(d *Service) {
		d.streamViewType = t
	}
}
