// Package stream describes the sharded log the coordinator consumes and
// provides a Kinesis implementation of it.
package stream

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Status is the provisioning state of a stream.
type Status string

const (
	StatusAbsent   Status = "absent"
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusUpdating Status = "updating"
	StatusFailed   Status = "failed"
)

var (
	// ErrStreamNotFound is returned by DescribeStream for unknown streams.
	ErrStreamNotFound = errors.New("stream: not found")

	// ErrIteratorExpired is returned by GetRecords when the iterator is too
	// old to use. The caller should open a new one.
	ErrIteratorExpired = errors.New("stream: shard iterator expired")

	// ErrUnsupported is returned by services that cannot perform an operation.
	ErrUnsupported = errors.New("stream: operation not supported")
)

// EdgeKind tags how a shard came out of its parents.
type EdgeKind int

const (
	// EdgeSplit links a child to the single shard it was split from.
	EdgeSplit EdgeKind = iota + 1
	// EdgeMerge links a child to one of the two shards merged into it.
	EdgeMerge
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeSplit:
		return "split"
	case EdgeMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Edge is a parent relationship of a shard.
type Edge struct {
	Kind     EdgeKind
	ParentID string
}

// Shard is a partition of a stream. Identifiers are kept exactly as the
// service reports them.
type Shard struct {
	ID               string
	ParentID         string
	AdjacentParentID string
	StartingSequence string
	EndingSequence   string
}

// Closed reports whether the shard stopped accepting records, i.e. it was
// split or merged and only its remaining records can be read.
func (s Shard) Closed() bool {
	return s.EndingSequence != ""
}

// Edges returns the shard's parent relationships.
func (s Shard) Edges() []Edge {
	switch {
	case s.ParentID == "":
		return nil
	case s.AdjacentParentID == "":
		return []Edge{{Kind: EdgeSplit, ParentID: s.ParentID}}
	default:
		return []Edge{
			{Kind: EdgeMerge, ParentID: s.ParentID},
			{Kind: EdgeMerge, ParentID: s.AdjacentParentID},
		}
	}
}

// Description is one page of a stream description.
type Description struct {
	Name          string
	ARN           string
	Status        Status
	Shards        []Shard
	HasMoreShards bool
}

// Record is a single entry read from a shard.
type Record struct {
	Data           []byte
	PartitionKey   string
	SequenceNumber string
	ArrivedAt      time.Time
}

// Batch is the result of one GetRecords call. An empty NextIterator means
// the shard is closed and fully read.
type Batch struct {
	Records      []Record
	NextIterator string
	MillisBehind int64
}

// Closed reports whether this was the last batch of a closed shard.
func (b *Batch) Closed() bool {
	return b.NextIterator == ""
}

// LastSequenceNumber returns the sequence number of the final record, or an
// empty string for an empty batch.
func (b *Batch) LastSequenceNumber() string {
	if len(b.Records) == 0 {
		return ""
	}
	return b.Records[len(b.Records)-1].SequenceNumber
}

// PositionType selects where a shard iterator starts.
type PositionType string

const (
	TrimHorizon         PositionType = "TRIM_HORIZON"
	Latest              PositionType = "LATEST"
	AfterSequenceNumber PositionType = "AFTER_SEQUENCE_NUMBER"
)

// Position is a place in a shard to start reading from.
type Position struct {
	Type           PositionType
	SequenceNumber string
}

// After returns the position just past sequenceNumber.
func After(sequenceNumber string) Position {
	return Position{Type: AfterSequenceNumber, SequenceNumber: sequenceNumber}
}

// Service is the remote stream the coordinator reads from and provisions.
type Service interface {
	// DescribeStream returns one page of the stream's shards, starting after
	// exclusiveStartShardID when it is not empty. Unknown streams yield
	// ErrStreamNotFound.
	DescribeStream(ctx context.Context, name, exclusiveStartShardID string) (*Description, error)

	// CreateStream requests a new stream. A stream that already exists is
	// not an error.
	CreateStream(ctx context.Context, name string, shardCount int64) error

	// UpdateShardCount requests resharding to target open shards.
	UpdateShardCount(ctx context.Context, name string, target int64) error

	// ShardIterator opens an iterator on a shard at pos.
	ShardIterator(ctx context.Context, name, shardID string, pos Position) (string, error)

	// GetRecords reads up to limit records from iterator.
	GetRecords(ctx context.Context, iterator string, limit int64) (*Batch, error)
}
