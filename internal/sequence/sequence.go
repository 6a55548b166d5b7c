// Package sequence serves sequence values to segments. Segments cannot
// allocate from a shared sequence on their own; they ask the coordinator
// through a nextval notification and the dispatcher answers from an
// Allocator.
package sequence

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/lib/pq"
)

// Error codes raised by allocators.
const (
	CodeUndefinedSequence pq.ErrorCode = "42P01"
	CodeLimitExceeded     pq.ErrorCode = "2200H"
)

// Value is one cached range handed to a segment. Values Last, Last+Increment,
// ..., Cached are reserved for the caller.
type Value struct {
	SeqID     uint32
	Last      int64
	Cached    int64
	Increment int64
	// Overflow is set when the range was cut short by the sequence bound.
	Overflow bool
}

// Allocator hands out sequence ranges.
type Allocator interface {
	NextVal(ctx context.Context, seqID uint32) (Value, error)
}

// Options describes one sequence.
type Options struct {
	Start     int64
	Increment int64
	Cache     int64
	Min       int64
	Max       int64
	Cycle     bool
}

// DefaultOptions is an ascending sequence starting at 1 with no caching.
func DefaultOptions() Options {
	return Options{Start: 1, Increment: 1, Cache: 1, Min: 1, Max: math.MaxInt64}
}

func (o Options) normalized() Options {
	if o.Increment == 0 {
		o.Increment = 1
	}
	if o.Cache < 1 {
		o.Cache = 1
	}
	if o.Min == 0 && o.Max == 0 {
		if o.Increment > 0 {
			o.Min, o.Max = 1, math.MaxInt64
		} else {
			o.Min, o.Max = math.MinInt64, -1
		}
	}
	if o.Start == 0 {
		if o.Increment > 0 {
			o.Start = o.Min
		} else {
			o.Start = o.Max
		}
	}
	return o
}

// rangeFrom computes the range of up to Cache values beginning at next.
// clipped is set when the bound cut the range short, and exhausted when no
// value follows cached.
func (o Options) rangeFrom(next int64) (cached int64, clipped, exhausted bool) {
	cached = next
	for i := int64(1); i < o.Cache; i++ {
		if !o.hasNext(cached) {
			return cached, true, true
		}
		cached += o.Increment
	}
	return cached, false, !o.hasNext(cached)
}

func (o Options) hasNext(v int64) bool {
	if o.Increment > 0 {
		return v <= o.Max-o.Increment
	}
	return v >= o.Min-o.Increment
}

func (o Options) wrapStart() int64 {
	if o.Increment > 0 {
		return o.Min
	}
	return o.Max
}

func (o Options) inBounds(v int64) bool {
	return v >= o.Min && v <= o.Max
}

func undefined(seqID uint32) error {
	return &pq.Error{
		Severity: "ERROR",
		Code:     CodeUndefinedSequence,
		Message:  fmt.Sprintf("sequence with oid %d does not exist", seqID),
	}
}

func limitExceeded(seqID uint32, o Options) error {
	bound := o.Max
	dir := "maximum"
	if o.Increment < 0 {
		bound, dir = o.Min, "minimum"
	}
	return &pq.Error{
		Severity: "ERROR",
		Code:     CodeLimitExceeded,
		Message:  fmt.Sprintf("nextval: reached %s value of sequence %d (%d)", dir, seqID, bound),
	}
}

type memSeq struct {
	opts      Options
	next      int64
	exhausted bool
}

// MemoryAllocator keeps sequence state in process memory.
type MemoryAllocator struct {
	mu   sync.Mutex
	seqs map[uint32]*memSeq
}

// NewMemoryAllocator returns an allocator with no sequences defined.
func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{seqs: make(map[uint32]*memSeq)}
}

// Define creates or resets a sequence.
func (m *MemoryAllocator) Define(seqID uint32, opts Options) {
	opts = opts.normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[seqID] = &memSeq{opts: opts, next: opts.Start, exhausted: !opts.inBounds(opts.Start)}
}

// NextVal reserves the next cached range of seqID.
func (m *MemoryAllocator) NextVal(_ context.Context, seqID uint32) (Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.seqs[seqID]
	if !ok {
		return Value{}, undefined(seqID)
	}
	if s.exhausted {
		if !s.opts.Cycle {
			return Value{}, limitExceeded(seqID, s.opts)
		}
		s.next = s.opts.wrapStart()
		s.exhausted = false
	}

	last := s.next
	cached, clipped, exhausted := s.opts.rangeFrom(last)
	s.exhausted = exhausted
	if !exhausted {
		s.next = cached + s.opts.Increment
	}

	return Value{SeqID: seqID, Last: last, Cached: cached, Increment: s.opts.Increment, Overflow: clipped}, nil
}
