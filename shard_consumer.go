package consumer

import (
	"context"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/bdna/kinesis-consumer-group/internal"
	"github.com/bdna/kinesis-consumer-group/stream"
)

// scanShard consumes an owned shard until ctx is cancelled, the shard is
// read to its end, or a batch fails for good. It reports finished once the
// shard is closed and checkpointed at ShardEnd. Cancellation is not an error.
func (c *Coordinator) scanShard(ctx context.Context, shardID string, fn Handler) (bool, error) {
	lastSeqNum, err := c.getCheckpoint(ctx, shardID)
	if err != nil {
		return false, cancelled(ctx, errors.Wrap(err, "get checkpoint error"))
	}
	if lastSeqNum == ShardEnd {
		c.logger.WithField("shard_id", shardID).Debug("shard already finished")
		return true, nil
	}

	shardIterator, err := c.getShardIterator(ctx, shardID, lastSeqNum)
	if err != nil {
		return false, cancelled(ctx, errors.Wrap(err, "get shard iterator error"))
	}

	c.logger.WithFields(log.Fields{
		"shard_id":             shardID,
		"last_sequence_number": lastSeqNum,
	}).Info("[START]")
	defer func() {
		c.logger.WithFields(log.Fields{
			"shard_id":             shardID,
			"last_sequence_number": lastSeqNum,
		}).Info("[STOP]")
	}()

	for {
		if ctx.Err() != nil {
			return false, nil
		}

		batch, err := c.getRecords(ctx, shardIterator)
		if errors.Cause(err) == stream.ErrIteratorExpired {
			c.logger.WithField("shard_id", shardID).Debug("shard iterator expired")
			shardIterator, err = c.getShardIterator(ctx, shardID, lastSeqNum)
			if err != nil {
				return false, cancelled(ctx, errors.Wrap(err, "get shard iterator error"))
			}
			continue
		}
		if err != nil {
			return false, cancelled(ctx, errors.Wrap(err, "get records error"))
		}

		if len(batch.Records) > 0 {
			if err := c.handle(ctx, shardID, batch.Records, fn); err != nil {
				return false, cancelled(ctx, err)
			}
			// A released shard must not move its checkpoint.
			if ctx.Err() != nil {
				return false, nil
			}
			seqNum := batch.LastSequenceNumber()
			if err := c.setCheckpoint(ctx, shardID, seqNum); err != nil {
				return false, cancelled(ctx, errors.Wrap(err, "set checkpoint error"))
			}
			lastSeqNum = seqNum
		}

		if batch.Closed() {
			if ctx.Err() != nil {
				return false, nil
			}
			if err := c.setCheckpoint(ctx, shardID, ShardEnd); err != nil {
				return false, cancelled(ctx, errors.Wrap(err, "set checkpoint error"))
			}
			c.logger.WithFields(log.Fields{
				"shard_id": shardID,
				"children": c.broker.childrenOf(shardID),
			}).Info("[CLOSED]")
			return true, nil
		}
		shardIterator = batch.NextIterator

		if len(batch.Records) == 0 {
			if err := internal.Sleep(ctx, c.clock, c.pollInterval); err != nil {
				return false, nil
			}
		}
	}
}

// handle calls fn with the batch, retrying the same batch after a failure.
func (c *Coordinator) handle(ctx context.Context, shardID string, records []stream.Record, fn Handler) error {
	var err error
	for attempt := 0; attempt <= c.handlerRetries; attempt++ {
		if attempt > 0 {
			if serr := internal.Sleep(ctx, c.clock, c.handlerRetryDelay); serr != nil {
				return serr
			}
		}
		if err = fn(ctx, shardID, records); err == nil {
			return nil
		}
		c.metrics.handlerFailures.Inc()
		c.logger.WithError(err).WithFields(log.Fields{
			"shard_id": shardID,
			"attempt":  attempt + 1,
			"records":  len(records),
		}).Warn("handler failed")
	}
	return errors.Wrapf(ErrHandlerFailure, "shard %s: %d attempts, last error: %v", shardID, c.handlerRetries+1, err)
}

func (c *Coordinator) getCheckpoint(ctx context.Context, shardID string) (string, error) {
	var seqNum string
	err := internal.Retry(ctx, internal.NewBackOff(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		seqNum, err = c.checkpoint.Get(callCtx, c.streamName, shardID)
		return err
	})
	return seqNum, err
}

func (c *Coordinator) setCheckpoint(ctx context.Context, shardID, seqNum string) error {
	err := internal.Retry(ctx, internal.NewBackOff(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		return c.checkpoint.Set(callCtx, c.streamName, shardID, seqNum)
	})
	if err == nil {
		c.metrics.checkpoints.Inc()
	}
	return err
}

// getShardIterator opens an iterator just after seqNum, or at the initial
// position when the shard has no checkpoint.
func (c *Coordinator) getShardIterator(ctx context.Context, shardID, seqNum string) (string, error) {
	pos := stream.Position{Type: c.initialPosition}
	if seqNum != "" {
		pos = stream.After(seqNum)
	}

	var iterator string
	err := internal.Retry(ctx, internal.NewBackOff(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		iterator, err = c.svc.ShardIterator(callCtx, c.streamName, shardID, pos)
		return err
	})
	return iterator, err
}

func (c *Coordinator) getRecords(ctx context.Context, iterator string) (*stream.Batch, error) {
	var batch *stream.Batch
	err := internal.Retry(ctx, internal.NewBackOff(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		batch, err = c.svc.GetRecords(callCtx, iterator, c.maxRecords)
		return err
	})
	return batch, err
}

// cancelled drops err when it was caused by ctx being cancelled.
func cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
