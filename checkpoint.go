package consumer

import "context"

// ShardEnd is the checkpoint written once a closed shard has been read to
// the end. A shard checkpointed at ShardEnd is never consumed again.
const ShardEnd = "SHARD_END"

// Checkpoint interface used track consumer progress in the stream
type Checkpoint interface {
	Get(ctx context.Context, streamName, shardID string) (string, error)
	Set(ctx context.Context, streamName, shardID, sequenceNumber string) error
}
