package main

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/pkg/errors"
	redis "gopkg.in/redis.v5"

	"github.com/bdna/kinesis-consumer-group/config"
	"github.com/bdna/kinesis-consumer-group/dynamostreams"
	"github.com/bdna/kinesis-consumer-group/stream"
	"github.com/bdna/kinesis-consumer-group/tablestore"
)

// backend is the table store and stream service selected by [backend].
type backend struct {
	store tablestore.Store
	svc   stream.Service
	close func() error
}

func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func newBackend(cfg config.Backend) (*backend, error) {
	var sess *session.Session
	awsSession := func() (*session.Session, error) {
		if sess != nil {
			return sess, nil
		}
		c := aws.NewConfig()
		if cfg.Region != "" {
			c = c.WithRegion(cfg.Region)
		}
		if cfg.Endpoint != "" {
			c = c.WithEndpoint(cfg.Endpoint)
		}
		s, err := session.NewSession(c)
		if err != nil {
			return nil, errors.Wrap(err, "aws session")
		}
		sess = s
		return sess, nil
	}

	b := &backend{}
	switch cfg.Type {
	case config.BackendDynamoDB:
		s, err := awsSession()
		if err != nil {
			return nil, err
		}
		store, err := tablestore.NewDynamoStore(tablestore.WithDynamoClient(dynamodb.New(s)))
		if err != nil {
			return nil, err
		}
		b.store = store
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		b.store = tablestore.NewRedisStore(client)
		b.close = client.Close
	case config.BackendPostgres:
		store, err := tablestore.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.store = store
		b.close = store.Close
	case config.BackendMemory:
		b.store = tablestore.NewMemoryStore()
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Type)
	}

	s, err := awsSession()
	if err != nil {
		b.Close()
		return nil, err
	}
	switch cfg.StreamSource {
	case config.SourceKinesis:
		b.svc, err = stream.NewKinesisService(stream.WithKinesisClient(kinesis.New(s)))
	case config.SourceDynamoDB:
		b.svc, err = dynamostreams.New(
			dynamostreams.WithClient(dynamodbstreams.New(s)),
			dynamostreams.WithTableClient(dynamodb.New(s)),
		)
	default:
		err = errors.Errorf("unknown stream source %q", cfg.StreamSource)
	}
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}
