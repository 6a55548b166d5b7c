package motion

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// Hasher maps hash keys onto receiver segments. A sender calls Init, then Add
// once per key in order, then Reduce.
type Hasher interface {
	Init()
	// Add folds the key with one-based number attno into the hash. A nil
	// value is NULL.
	Add(attno int, v Datum)
	// Reduce returns a segment in [0, numSegs).
	Reduce() int
	// RandomSegment picks a segment for tuples without hash keys.
	RandomSegment() int
}

// FNVHasher hashes keys with 32-bit FNV-1a and reduces modulo the segment count.
type FNVHasher struct {
	numSegs int
	h       hash.Hash32
	buf     [9]byte
}

// NewFNVHasher returns a hasher over numSegs segments.
func NewFNVHasher(numSegs int) *FNVHasher {
	if numSegs <= 0 {
		numSegs = 1
	}
	return &FNVHasher{numSegs: numSegs, h: fnv.New32a()}
}

func (f *FNVHasher) Init() { f.h.Reset() }

func (f *FNVHasher) Add(attno int, v Datum) {
	binary.BigEndian.PutUint32(f.buf[:4], uint32(attno))
	f.h.Write(f.buf[:4])
	if v == nil {
		f.h.Write([]byte{0})
		return
	}
	f.h.Write([]byte{1})
	f.writeDatum(v)
}

func (f *FNVHasher) writeDatum(v Datum) {
	if n, ok := asInt64(v); ok {
		f.buf[0] = 'i'
		binary.BigEndian.PutUint64(f.buf[1:], uint64(n))
		f.h.Write(f.buf[:])
		return
	}
	switch x := v.(type) {
	case string:
		f.h.Write([]byte{'s'})
		f.h.Write([]byte(x))
	case []byte:
		f.h.Write([]byte{'s'})
		f.h.Write(x)
	case float32:
		f.writeFloat(float64(x))
	case float64:
		f.writeFloat(x)
	case bool:
		if x {
			f.h.Write([]byte{'b', 1})
		} else {
			f.h.Write([]byte{'b', 0})
		}
	case time.Time:
		f.buf[0] = 't'
		binary.BigEndian.PutUint64(f.buf[1:], uint64(x.UnixNano()))
		f.h.Write(f.buf[:])
	default:
		f.h.Write([]byte{'?'})
		f.h.Write([]byte(fmt.Sprint(x)))
	}
}

// writeFloat hashes -0 like 0 and every NaN alike.
func (f *FNVHasher) writeFloat(x float64) {
	if x == 0 {
		x = 0
	}
	bits := math.Float64bits(x)
	if math.IsNaN(x) {
		bits = 0x7ff8000000000001
	}
	f.buf[0] = 'f'
	binary.BigEndian.PutUint64(f.buf[1:], bits)
	f.h.Write(f.buf[:])
}

func (f *FNVHasher) Reduce() int {
	return int(f.h.Sum32() % uint32(f.numSegs))
}

func (f *FNVHasher) RandomSegment() int {
	return rand.Intn(f.numSegs)
}
