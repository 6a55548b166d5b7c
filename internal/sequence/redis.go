package sequence

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisAllocator keeps sequence counters in Redis so several coordinators
// can share one sequence. Each counter holds the number of values consumed;
// a range is reserved with a single INCRBY.
type RedisAllocator struct {
	client redis.UniversalClient
	prefix string

	mu   sync.RWMutex
	defs map[uint32]Options
}

// NewRedisAllocator returns an allocator storing counters under prefix.
func NewRedisAllocator(client redis.UniversalClient, prefix string) *RedisAllocator {
	return &RedisAllocator{client: client, prefix: prefix, defs: make(map[uint32]Options)}
}

// Define registers a sequence. Cycling sequences are not supported because
// a wrap cannot be expressed as a single atomic increment.
func (r *RedisAllocator) Define(seqID uint32, opts Options) error {
	opts = opts.normalized()
	if opts.Cycle {
		return errors.Errorf("sequence %d: cycle is not supported by the redis allocator", seqID)
	}
	if !opts.inBounds(opts.Start) {
		return errors.Errorf("sequence %d: start %d outside [%d, %d]", seqID, opts.Start, opts.Min, opts.Max)
	}
	r.mu.Lock()
	r.defs[seqID] = opts
	r.mu.Unlock()
	return nil
}

// Reset drops the stored counter for seqID.
func (r *RedisAllocator) Reset(ctx context.Context, seqID uint32) error {
	return r.client.Del(ctx, r.key(seqID)).Err()
}

func (r *RedisAllocator) key(seqID uint32) string {
	return r.prefix + strconv.FormatUint(uint64(seqID), 10)
}

// NextVal reserves the next cached range of seqID.
func (r *RedisAllocator) NextVal(ctx context.Context, seqID uint32) (Value, error) {
	r.mu.RLock()
	opts, ok := r.defs[seqID]
	r.mu.RUnlock()
	if !ok {
		return Value{}, undefined(seqID)
	}

	end, err := r.client.IncrBy(ctx, r.key(seqID), opts.Cache).Result()
	if err != nil {
		return Value{}, errors.Wrapf(err, "incrby sequence %d", seqID)
	}

	first := end - opts.Cache
	maxIdx := opts.maxIndex()
	if first > maxIdx {
		return Value{}, limitExceeded(seqID, opts)
	}
	lastIdx := end - 1
	overflow := false
	if lastIdx > maxIdx {
		lastIdx = maxIdx
		overflow = true
	}

	return Value{
		SeqID:     seqID,
		Last:      opts.Start + first*opts.Increment,
		Cached:    opts.Start + lastIdx*opts.Increment,
		Increment: opts.Increment,
		Overflow:  overflow,
	}, nil
}

// maxIndex is the largest n for which Start + n*Increment stays in bounds.
func (o Options) maxIndex() int64 {
	if o.Increment > 0 {
		return int64(uint64(o.Max-o.Start) / uint64(o.Increment))
	}
	return int64(uint64(o.Start-o.Min) / uint64(-o.Increment))
}
