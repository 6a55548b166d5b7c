package motion

import (
	"bytes"
	"cmp"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Kind selects how a sender routes tuples to receivers.
type Kind int

const (
	// Gather sends every tuple to the single receiver on route 0.
	Gather Kind = iota
	// GatherSingle is a gather where only one sender, picked from the
	// session id, forwards tuples. The other senders only send end of stream.
	GatherSingle
	// Hash routes a tuple by hashing its key expressions.
	Hash
	// Broadcast sends every tuple to every receiver.
	Broadcast
	// Explicit reads the target segment from a column of the tuple.
	Explicit
)

func (k Kind) String() string {
	switch k {
	case Gather:
		return "gather"
	case GatherSingle:
		return "gather-single"
	case Hash:
		return "hash"
	case Broadcast:
		return "broadcast"
	case Explicit:
		return "explicit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Mode is the side of the motion a slice executes.
type Mode int

const (
	Send Mode = iota
	Recv
)

func (m Mode) String() string {
	if m == Recv {
		return "recv"
	}
	return "send"
}

// Datum is one column value. A nil Datum is NULL.
type Datum = any

// Tuple is a row moving between slices.
type Tuple interface {
	NumAttrs() int
	// Attr returns the value of the zero-based attribute i.
	Attr(i int) Datum
}

// Row is a fully materialized tuple.
type Row []Datum

func (r Row) NumAttrs() int { return len(r) }

func (r Row) Attr(i int) Datum {
	if i < 0 || i >= len(r) {
		return nil
	}
	return r[i]
}

// Expr computes a hash key from a tuple.
type Expr func(Tuple) Datum

// Column returns an Expr reading the zero-based attribute i.
func Column(i int) Expr {
	return func(t Tuple) Datum { return t.Attr(i) }
}

// CompareFunc orders two non-NULL values ascending.
type CompareFunc func(a, b Datum) int

// SortKey is one column of a merge ordering.
type SortKey struct {
	Column     int
	Compare    CompareFunc
	Descending bool
	NullsFirst bool
}

// apply orders two values under the key, placing NULLs per NullsFirst.
// Descending reverses only the non-NULL comparison.
func (k SortKey) apply(a Datum, aNull bool, b Datum, bNull bool) int {
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		if k.NullsFirst {
			return -1
		}
		return 1
	case bNull:
		if k.NullsFirst {
			return 1
		}
		return -1
	}
	cmpFn := k.Compare
	if cmpFn == nil {
		cmpFn = CompareNatural
	}
	c := cmpFn(a, b)
	if k.Descending {
		c = -c
	}
	return c
}

// CompareNatural orders values of the common Go scalar types. Integers of
// different widths compare numerically; mismatched kinds compare by type name.
func CompareNatural(a, b Datum) int {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	case float32:
		if y, ok := b.(float32); ok {
			return cmp.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	if x, ok := asInt64(a); ok {
		if y, ok := asInt64(b); ok {
			return cmp.Compare(x, y)
		}
	}
	return cmp.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func asInt64(v Datum) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		return int64(x), true
	case uint64:
		return int64(x), true
	default:
		return 0, false
	}
}

// Descriptor is the static description of one motion in a plan.
type Descriptor struct {
	ID   int
	Kind Kind
	// NumInputSegs is the number of sender processes feeding the motion.
	NumInputSegs int
	// NumHashSegs is the number of receivers a hash motion reduces onto.
	NumHashSegs int
	HashKeys    []Expr
	// SegIDColumn is the zero-based column holding the target of an
	// explicit motion.
	SegIDColumn int
	SendSorted  bool
	SortKeys    []SortKey
}

// Validate checks the descriptor is usable for the given mode.
func (d Descriptor) Validate(mode Mode) error {
	if d.NumInputSegs <= 0 {
		return errors.Errorf("motion %d: number of input segments must be positive", d.ID)
	}
	if mode == Send && d.Kind == Hash && d.NumHashSegs <= 0 {
		return errors.Errorf("motion %d: hash motion needs a positive number of hash segments", d.ID)
	}
	if mode == Send && d.Kind == Explicit && d.SegIDColumn < 0 {
		return errors.Errorf("motion %d: explicit motion needs a segment id column", d.ID)
	}
	if mode == Recv && d.SendSorted && len(d.SortKeys) == 0 {
		return errors.Errorf("motion %d: sorted motion without sort keys", d.ID)
	}
	return nil
}

// lastSortColumn is one past the highest attribute a merge compares.
func (d Descriptor) lastSortColumn() int {
	n := 0
	for _, k := range d.SortKeys {
		if k.Column+1 > n {
			n = k.Column + 1
		}
	}
	return n
}
