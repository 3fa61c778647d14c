package tablestore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	redis "gopkg.in/redis.v5"
)

const (
	redisAttrPrefix   = "a:"
	redisVersionField = "_version"
	redisExpiryField  = "_expiresAt"
)

// RedisStore is a Store over Redis. Each item is a hash under
// "<table>:<key>"; conditional writes run in WATCH/MULTI transactions and
// expiry uses native key TTLs. Tables need no provisioning.
type RedisStore struct {
	client *redis.Client

	// checked runs between reading the current version and EXEC.
	checked func(key string)
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, table, key string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fields, err := r.client.HGetAll(redisKey(table, key)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get %q from %q", key, table)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisItem(key, fields), nil
}

func (r *RedisStore) ConditionalPut(ctx context.Context, table string, item Item, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k := redisKey(table, item.Key)
	version := newVersion()

	err := r.client.Watch(func(tx *redis.Tx) error {
		current, err := tx.HGet(k, redisVersionField).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != expectedVersion {
			return ErrVersionConflict
		}
		r.check(k)
		_, err = tx.Pipelined(func(pipe *redis.Pipeline) error {
			writeRedisItem(pipe, k, item, version)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return version, nil
	case err == ErrVersionConflict, err == redis.TxFailedErr:
		return "", ErrVersionConflict
	default:
		return "", errors.Wrapf(err, "conditional put %q into %q", item.Key, table)
	}
}

func (r *RedisStore) Put(ctx context.Context, table string, item Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k := redisKey(table, item.Key)
	version := newVersion()

	_, err := r.client.TxPipelined(func(pipe *redis.Pipeline) error {
		writeRedisItem(pipe, k, item, version)
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "put %q into %q", item.Key, table)
	}
	return version, nil
}

func (r *RedisStore) Delete(ctx context.Context, table, key, expectedVersion string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := redisKey(table, key)
	if expectedVersion == "" {
		return errors.Wrapf(r.client.Del(k).Err(), "delete %q from %q", key, table)
	}

	err := r.client.Watch(func(tx *redis.Tx) error {
		current, err := tx.HGet(k, redisVersionField).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return ErrVersionConflict
		}
		r.check(k)
		_, err = tx.Pipelined(func(pipe *redis.Pipeline) error {
			pipe.Del(k)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return nil
	case err == ErrVersionConflict, err == redis.TxFailedErr:
		return ErrVersionConflict
	default:
		return errors.Wrapf(err, "delete %q from %q", key, table)
	}
}

func (r *RedisStore) CreateTable(context.Context, TableSpec) error { return nil }

func (r *RedisStore) TableReady(ctx context.Context, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := r.client.Ping().Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisStore) check(k string) {
	if r.checked != nil {
		r.checked(k)
	}
}

func redisKey(table, key string) string {
	return table + ":" + key
}

func writeRedisItem(pipe *redis.Pipeline, k string, item Item, version string) {
	pipe.Del(k)
	pipe.HMSet(k, encodeRedisFields(item, version))
	if !item.ExpiresAt.IsZero() {
		pipe.PExpireAt(k, item.ExpiresAt)
	}
}

func encodeRedisFields(item Item, version string) map[string]string {
	fields := make(map[string]string, len(item.Attributes)+2)
	for name, value := range item.Attributes {
		fields[redisAttrPrefix+name] = value
	}
	fields[redisVersionField] = version
	if !item.ExpiresAt.IsZero() {
		fields[redisExpiryField] = strconv.FormatInt(item.ExpiresAt.UnixNano(), 10)
	}
	return fields
}

func decodeRedisItem(key string, fields map[string]string) *Item {
	item := &Item{
		Key:        key,
		Attributes: make(map[string]string, len(fields)),
		Version:    fields[redisVersionField],
	}
	for name, value := range fields {
		if strings.HasPrefix(name, redisAttrPrefix) {
			item.Attributes[strings.TrimPrefix(name, redisAttrPrefix)] = value
		}
	}
	if ns, err := strconv.ParseInt(fields[redisExpiryField], 10, 64); err == nil {
		item.ExpiresAt = time.Unix(0, ns)
	}
	return item
}
