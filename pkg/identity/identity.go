// Package identity generates 64-bit Snowflake-style identifiers for
// executions, events, and queue jobs: 41 bits of milliseconds since a
// fixed epoch, 10 bits of shard, 12 bits of per-millisecond sequence.
// IDs are time-ordered across hosts and unique without coordination.
package identity

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const (
	// epochMillis is 2020-01-01T00:00:00Z. 41 bits of milliseconds
	// above it last until the year 2089.
	epochMillis int64 = 1577836800000

	shardBits = 10
	seqBits   = 12

	// MaxShard is the largest valid shard value (inclusive).
	MaxShard = (1 << shardBits) - 1

	maxSeq = (1 << seqBits) - 1

	timeShift  = shardBits + seqBits
	shardShift = seqBits
)

// Generator produces monotonically increasing IDs for one shard.
// Safe for concurrent use.
type Generator struct {
	mu    sync.Mutex
	shard int64
	last  int64 // last millisecond observed
	seq   int64

	now func() time.Time
}

// NewGenerator returns a generator bound to the given shard.
// Two generators sharing a shard may collide; callers derive distinct
// shards per process, typically via ShardFor.
func NewGenerator(shard int) (*Generator, error) {
	if shard < 0 || shard > MaxShard {
		return nil, fmt.Errorf("identity: shard %d out of range [0,%d]", shard, MaxShard)
	}
	return &Generator{shard: int64(shard), now: time.Now}, nil
}

// Next returns a fresh identifier. When the per-millisecond sequence
// overflows, Next busy-waits for the next millisecond rather than
// issuing a duplicate.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.last {
		// Clock went backwards; hold the line at the last issued
		// millisecond so IDs stay monotonic.
		ms = g.last
	}
	if ms == g.last {
		g.seq++
		if g.seq > maxSeq {
			for ms <= g.last {
				ms = g.now().UnixMilli()
			}
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.last = ms

	return (ms-epochMillis)<<timeShift | g.shard<<shardShift | g.seq
}

// ShardFor derives a stable shard from an arbitrary name, typically
// the worker or broker instance ID.
func ShardFor(name string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32()) & MaxShard
}

// Timestamp extracts the creation time embedded in an ID.
func Timestamp(id int64) time.Time {
	ms := (id >> timeShift) + epochMillis
	return time.UnixMilli(ms).UTC()
}

// Shard extracts the shard embedded in an ID.
func Shard(id int64) int {
	return int((id >> shardShift) & MaxShard)
}

// Render formats an ID the way templates see it: a decimal string.
func Render(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Parse reads a decimal ID string back to its integer form.
func Parse(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("identity: parse %q: %w", s, err)
	}
	return id, nil
}
