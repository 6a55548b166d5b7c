package motion

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type sentTuple struct {
	route int
	tuple Tuple
}

type fakeTransport struct {
	sent   []sentTuple
	eos    int
	stops  int
	recvs  []int
	stopAt int // Send reports StopSending on this send number when > 0

	routes map[int][]Tuple
	any    []Tuple
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{routes: map[int][]Tuple{}}
}

func (f *fakeTransport) Send(_ context.Context, _ int, t Tuple, route int) (SendResult, error) {
	f.sent = append(f.sent, sentTuple{route: route, tuple: t})
	if f.stopAt > 0 && len(f.sent) >= f.stopAt {
		return StopSending, nil
	}
	return SendComplete, nil
}

func (f *fakeTransport) Recv(_ context.Context, _ int, route int) (Tuple, error) {
	f.recvs = append(f.recvs, route)
	if route == AnyRoute {
		if len(f.any) == 0 {
			return nil, nil
		}
		t := f.any[0]
		f.any = f.any[1:]
		return t, nil
	}
	q := f.routes[route]
	if len(q) == 0 {
		return nil, nil
	}
	f.routes[route] = q[1:]
	return q[0], nil
}

func (f *fakeTransport) SendEndOfStream(context.Context, int) error {
	f.eos++
	return nil
}

func (f *fakeTransport) SendStop(int) { f.stops++ }

func (f *fakeTransport) routesSent() []int {
	out := make([]int, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.route
	}
	return out
}

func intRows(vals ...int) []Row {
	rows := make([]Row, len(vals))
	for i, v := range vals {
		rows[i] = Row{v}
	}
	return rows
}

func newSender(t *testing.T, desc Descriptor, exec *Executor, rows []Row, opts ...Option) (*State, *RowSource) {
	t.Helper()
	src := NewRowSource(rows...)
	s, err := NewState(desc, Send, exec, src, opts...)
	require.NoError(t, err)
	return s, src
}

func newReceiver(t *testing.T, desc Descriptor, exec *Executor) *State {
	t.Helper()
	s, err := NewState(desc, Recv, exec, nil)
	require.NoError(t, err)
	return s
}

func firstInts(tuples []Tuple) []int {
	out := make([]int, len(tuples))
	for i, t := range tuples {
		out[i] = t.Attr(0).(int)
	}
	return out
}

// TestHashRoutingIsDeterministic verifies keys 1..6 land on the same segment on every run.
func TestHashRoutingIsDeterministic(t *testing.T) {
	desc := Descriptor{ID: 1, Kind: Hash, NumInputSegs: 1, NumHashSegs: 3, HashKeys: []Expr{Column(0)}}

	run := func() []int {
		tr := newFakeTransport()
		s, _ := newSender(t, desc, NewExecutor(tr, 0, 1), intRows(1, 2, 3, 4, 5, 6))
		tup, err := s.Next(context.Background())
		require.NoError(t, err)
		assert.Nil(t, tup)
		assert.Equal(t, 1, tr.eos)
		return tr.routesSent()
	}

	first := run()
	require.Len(t, first, 6)
	for _, r := range first {
		assert.GreaterOrEqual(t, r, 0)
		assert.Less(t, r, 3)
	}
	assert.Equal(t, first, run())

	h := NewFNVHasher(3)
	for i, key := range []int{1, 2, 3, 4, 5, 6} {
		h.Init()
		h.Add(1, key)
		assert.Equal(t, h.Reduce(), first[i])
	}
}

func TestFNVHasherProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		segs := rapid.IntRange(1, 64).Draw(rt, "segs")
		keys := rapid.SliceOfN(rapid.OneOf(
			rapid.Just[any](nil),
			rapid.Map(rapid.Int64(), func(v int64) any { return v }),
			rapid.Map(rapid.String(), func(v string) any { return v }),
		), 1, 4).Draw(rt, "keys")

		hash := func() int {
			h := NewFNVHasher(segs)
			h.Init()
			for i, k := range keys {
				h.Add(i+1, k)
			}
			return h.Reduce()
		}
		got := hash()
		if got < 0 || got >= segs {
			rt.Fatalf("segment %d out of range [0,%d)", got, segs)
		}
		if again := hash(); again != got {
			rt.Fatalf("hash not deterministic: %d then %d", got, again)
		}
	})
}

// TestFNVHasherIntegerWidths verifies equal integers hash alike regardless of Go type.
func TestFNVHasherIntegerWidths(t *testing.T) {
	h := NewFNVHasher(97)
	hash := func(v any) int {
		h.Init()
		h.Add(1, v)
		return h.Reduce()
	}
	assert.Equal(t, hash(int(42)), hash(int64(42)))
	assert.Equal(t, hash(int32(42)), hash(uint16(42)))
	assert.Equal(t, hash(0.0), hash(math.Copysign(0, -1)))
}

type fixedHasher struct{ random int }

func (fixedHasher) Init()                {}
func (fixedHasher) Add(int, Datum)       {}
func (fixedHasher) Reduce() int          { return 0 }
func (f fixedHasher) RandomSegment() int { return f.random }

func TestHashWithoutKeysPicksRandomSegment(t *testing.T) {
	tr := newFakeTransport()
	desc := Descriptor{ID: 1, Kind: Hash, NumInputSegs: 1, NumHashSegs: 4}
	s, _ := newSender(t, desc, NewExecutor(tr, 0, 1), intRows(1, 2), WithHasher(fixedHasher{random: 3}))

	_, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, tr.routesSent())
}

// TestGatherSingleOnlyOneSenderForwards runs five senders with session id 7.
// Only segment 7 mod 5 = 2 forwards rows; everyone sends end of stream.
func TestGatherSingleOnlyOneSenderForwards(t *testing.T) {
	desc := Descriptor{ID: 4, Kind: GatherSingle, NumInputSegs: 5}
	for seg := 0; seg < 5; seg++ {
		tr := newFakeTransport()
		s, _ := newSender(t, desc, NewExecutor(tr, seg, 7), intRows(10, 20))

		_, err := s.Next(context.Background())
		require.NoError(t, err)

		if seg == 2 {
			assert.Equal(t, []int{0, 0}, tr.routesSent(), "segment %d", seg)
			assert.Equal(t, int64(2), s.Counters().ToTransport)
		} else {
			assert.Empty(t, tr.sent, "segment %d", seg)
			assert.Zero(t, s.Counters().FromChild)
		}
		assert.Equal(t, 1, tr.eos, "segment %d", seg)
	}
}

func TestGatherAndBroadcastRoutes(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		want []int
	}{
		{name: "gather", kind: Gather, want: []int{0, 0, 0}},
		{name: "broadcast", kind: Broadcast, want: []int{BroadcastRoute, BroadcastRoute, BroadcastRoute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			s, _ := newSender(t, Descriptor{ID: 1, Kind: tt.kind, NumInputSegs: 3}, NewExecutor(tr, 1, 0), intRows(1, 2, 3))
			_, err := s.Next(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.routesSent())
		})
	}
}

func TestExplicitRoutesBySegmentColumn(t *testing.T) {
	tr := newFakeTransport()
	desc := Descriptor{ID: 2, Kind: Explicit, NumInputSegs: 1, SegIDColumn: 1}
	rows := []Row{{"a", 2}, {"b", int64(0)}, {"c", int32(1)}}
	s, _ := newSender(t, desc, NewExecutor(tr, 0, 0), rows)

	_, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1}, tr.routesSent())
}

func TestExplicitRejectsInvalidSegment(t *testing.T) {
	tr := newFakeTransport()
	desc := Descriptor{ID: 2, Kind: Explicit, NumInputSegs: 1, SegIDColumn: 0}
	s, _ := newSender(t, desc, NewExecutor(tr, 0, 0), []Row{{nil}})

	_, err := s.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment id column 0")
	assert.Zero(t, tr.eos)

	for _, seg := range []int64{AnyRoute, BroadcastRoute, -7} {
		tr := newFakeTransport()
		s, _ := newSender(t, desc, NewExecutor(tr, 0, 0), []Row{{seg, "x"}})

		_, err := s.Next(context.Background())
		require.Error(t, err, "segment %d", seg)
		assert.Contains(t, err.Error(), "invalid target segment")
		assert.Empty(t, tr.sent)
		assert.Zero(t, tr.eos)
	}
}

// TestBlockedSendSquelchesChild verifies a receiver stop ends the sender without end of stream.
func TestBlockedSendSquelchesChild(t *testing.T) {
	tr := newFakeTransport()
	tr.stopAt = 2
	s, src := newSender(t, Descriptor{ID: 1, Kind: Gather, NumInputSegs: 1}, NewExecutor(tr, 0, 0), intRows(1, 2, 3, 4, 5))

	_, err := s.Next(context.Background())
	require.NoError(t, err)

	assert.True(t, s.StopRequested())
	assert.True(t, src.Squelched())
	assert.Len(t, tr.sent, 2)
	assert.Zero(t, tr.eos)
	assert.False(t, s.SentEndOfStream())
	assert.Equal(t, Counters{FromChild: 2, ToTransport: 1}, s.Counters())

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrStoppedSender)
}

func TestSenderEndOfStreamExactlyOnce(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newSender(t, Descriptor{ID: 1, Kind: Gather, NumInputSegs: 1}, NewExecutor(tr, 0, 0), nil)

	for i := 0; i < 3; i++ {
		_, err := s.Next(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, tr.eos)
	assert.True(t, s.SentEndOfStream())
	assert.Equal(t, s.Counters().FromChild, s.Counters().ToTransport)
}

func TestUnsortedReceiver(t *testing.T) {
	tr := newFakeTransport()
	tr.any = []Tuple{Row{3}, Row{1}, Row{2}}
	exec := NewExecutor(tr, 0, 0)
	r := newReceiver(t, Descriptor{ID: 5, Kind: Gather, NumInputSegs: 3}, exec)

	got, err := Collect(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, firstInts(got))
	assert.Equal(t, Counters{FromTransport: 3, ToParent: 3}, r.Counters())
	assert.Equal(t, -1, exec.ActiveReceiver())
	for _, route := range tr.recvs {
		assert.Equal(t, AnyRoute, route)
	}
}

func sortedDesc(id, routes int, keys ...SortKey) Descriptor {
	if len(keys) == 0 {
		keys = []SortKey{{Column: 0}}
	}
	return Descriptor{ID: id, Kind: Gather, NumInputSegs: routes, SendSorted: true, SortKeys: keys}
}

func TestSortedMergeOrdersAcrossRoutes(t *testing.T) {
	tr := newFakeTransport()
	tr.routes[0] = []Tuple{Row{1}, Row{4}, Row{7}}
	tr.routes[1] = []Tuple{Row{2}, Row{5}}
	tr.routes[2] = []Tuple{Row{3}, Row{6}, Row{8}, Row{9}}
	r := newReceiver(t, sortedDesc(6, 3), NewExecutor(tr, 0, 0))

	got, err := Collect(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, firstInts(got))
	assert.Equal(t, Counters{FromTransport: 9, ToParent: 9}, r.Counters())
	assert.Equal(t, []int{0, 1, 2}, tr.recvs[:3])
}

func TestSortedMergeDescendingNullsFirst(t *testing.T) {
	tr := newFakeTransport()
	tr.routes[0] = []Tuple{Row{nil}, Row{5}, Row{1}}
	tr.routes[1] = []Tuple{Row{nil}, Row{4}, Row{2}}
	key := SortKey{Column: 0, Descending: true, NullsFirst: true}
	r := newReceiver(t, sortedDesc(6, 2, key), NewExecutor(tr, 0, 0))

	got, err := Collect(context.Background(), r)
	require.NoError(t, err)
	vals := make([]any, len(got))
	for i, tup := range got {
		vals[i] = tup.Attr(0)
	}
	assert.Equal(t, []any{nil, nil, 5, 4, 2, 1}, vals)
}

func TestSortedMergeSecondaryKey(t *testing.T) {
	tr := newFakeTransport()
	tr.routes[0] = []Tuple{Row{"a", 2}, Row{"b", 1}}
	tr.routes[1] = []Tuple{Row{"a", 1}, Row{"b", 2}}
	r := newReceiver(t, sortedDesc(6, 2, SortKey{Column: 0}, SortKey{Column: 1}), NewExecutor(tr, 0, 0))

	got, err := Collect(context.Background(), r)
	require.NoError(t, err)
	want := []Tuple{Row{"a", 1}, Row{"a", 2}, Row{"b", 1}, Row{"b", 2}}
	assert.Equal(t, want, got)
}

func TestSortedMergeProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		nroutes := rapid.IntRange(1, 6).Draw(rt, "routes")
		tr := newFakeTransport()
		var all []int
		for route := 0; route < nroutes; route++ {
			vals := rapid.SliceOfN(rapid.IntRange(-50, 50), 0, 10).Draw(rt, "vals")
			slices.Sort(vals)
			for _, v := range vals {
				tr.routes[route] = append(tr.routes[route], Row{v})
			}
			all = append(all, vals...)
		}
		slices.Sort(all)

		s, err := NewState(sortedDesc(1, nroutes), Recv, NewExecutor(tr, 0, 0), nil)
		if err != nil {
			rt.Fatal(err)
		}
		got, err := Collect(context.Background(), s)
		if err != nil {
			rt.Fatal(err)
		}
		merged := firstInts(got)
		if !slices.Equal(all, merged) {
			rt.Fatalf("merged %v, want %v", merged, all)
		}
		c := s.Counters()
		if c.FromTransport != int64(len(all)) || c.ToParent != int64(len(all)) {
			rt.Fatalf("counters %+v for %d tuples", c, len(all))
		}
	})
}

func TestSortedMergeCalledAfterExhaustion(t *testing.T) {
	tr := newFakeTransport()
	tr.routes[0] = []Tuple{Row{1}}
	r := newReceiver(t, sortedDesc(6, 2), NewExecutor(tr, 0, 0))

	_, err := Collect(context.Background(), r)
	require.NoError(t, err)

	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, ErrMergeExhausted)
}

func TestSquelchedReceiverReportsEndOfStream(t *testing.T) {
	tr := newFakeTransport()
	tr.any = []Tuple{Row{1}, Row{2}}
	exec := NewExecutor(tr, 0, 0)
	r := newReceiver(t, Descriptor{ID: 3, Kind: Gather, NumInputSegs: 1}, exec)

	tup, err := r.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tup)
	assert.Equal(t, 3, exec.ActiveReceiver())

	r.Squelch()
	assert.True(t, r.StopRequested())
	assert.Equal(t, -1, exec.ActiveReceiver())
	assert.Equal(t, 1, tr.stops)

	tup, err = r.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tup)
	assert.Equal(t, 2, tr.stops)
	assert.Len(t, tr.any, 1)
}

func TestReceiverWithoutTransport(t *testing.T) {
	desc := Descriptor{ID: 3, Kind: Gather, NumInputSegs: 1}

	t.Run("torn down after an error elsewhere", func(t *testing.T) {
		exec := NewExecutor(nil, 0, 0)
		exec.DispatcherActive = true
		r := newReceiver(t, desc, exec)

		tup, err := r.Next(context.Background())
		require.NoError(t, err)
		assert.Nil(t, tup)
	})

	t.Run("interconnect down", func(t *testing.T) {
		exec := NewExecutor(nil, 0, 0)
		exec.InterconnectSetUp = true
		r := newReceiver(t, desc, exec)

		_, err := r.Next(context.Background())
		assert.ErrorIs(t, err, ErrInterconnectDown)
	})

	t.Run("end of stream already seen", func(t *testing.T) {
		exec := NewExecutor(nil, 0, 0)
		exec.DispatcherActive = true
		exec.GotEOS = true
		r := newReceiver(t, desc, exec)

		_, err := r.Next(context.Background())
		assert.ErrorIs(t, err, ErrInterconnectDown)
	})
}

func TestNestedActiveReceiverIsAnError(t *testing.T) {
	tr := newFakeTransport()
	tr.any = []Tuple{Row{1}, Row{2}}
	exec := NewExecutor(tr, 0, 0)
	outer := newReceiver(t, Descriptor{ID: 1, Kind: Gather, NumInputSegs: 1}, exec)
	inner := newReceiver(t, Descriptor{ID: 2, Kind: Gather, NumInputSegs: 1}, exec)

	_, err := outer.Next(context.Background())
	require.NoError(t, err)

	_, err = inner.Next(context.Background())
	assert.ErrorIs(t, err, ErrDeadlockHazard)
}

func TestFinishPendingEndsReceiver(t *testing.T) {
	tr := newFakeTransport()
	tr.any = []Tuple{Row{1}, Row{2}}
	exec := NewExecutor(tr, 0, 0)
	r := newReceiver(t, Descriptor{ID: 1, Kind: Gather, NumInputSegs: 1}, exec)

	exec.RequestFinish()
	tup, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tup)
	assert.Equal(t, -1, exec.ActiveReceiver())
	assert.Zero(t, r.Counters().ToParent)
}

func TestRescan(t *testing.T) {
	tr := newFakeTransport()
	tr.any = []Tuple{Row{1}}
	exec := NewExecutor(tr, 0, 0)
	r := newReceiver(t, Descriptor{ID: 1, Kind: Gather, NumInputSegs: 1}, exec)
	assert.NoError(t, r.Rescan())

	_, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Rescan(), ErrIllegalRescan)

	s, _ := newSender(t, Descriptor{ID: 2, Kind: Gather, NumInputSegs: 1}, exec, nil)
	assert.ErrorIs(t, s.Rescan(), ErrIllegalRescan)
}

func TestEndClearsActiveReceiver(t *testing.T) {
	tr := newFakeTransport()
	tr.routes[0] = []Tuple{Row{1}, Row{2}}
	exec := NewExecutor(tr, 0, 0)
	r := newReceiver(t, sortedDesc(1, 1), exec)

	_, err := r.Next(context.Background())
	require.NoError(t, err)
	r.End()
	assert.Equal(t, -1, exec.ActiveReceiver())
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := newFakeTransport()
	s, _ := newSender(t, Descriptor{ID: 1, Kind: Gather, NumInputSegs: 1}, NewExecutor(tr, 0, 0), intRows(1))

	_, err := s.Next(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, tr.sent)
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		mode Mode
	}{
		{name: "no input segments", desc: Descriptor{Kind: Gather}, mode: Recv},
		{name: "hash without segments", desc: Descriptor{Kind: Hash, NumInputSegs: 1}, mode: Send},
		{name: "explicit without column", desc: Descriptor{Kind: Explicit, NumInputSegs: 1, SegIDColumn: -1}, mode: Send},
		{name: "sorted without keys", desc: Descriptor{Kind: Gather, NumInputSegs: 1, SendSorted: true}, mode: Recv},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.desc.Validate(tt.mode))
		})
	}
	_, err := NewState(Descriptor{ID: 1, Kind: Gather, NumInputSegs: 1}, Send, NewExecutor(nil, 0, 0), nil)
	assert.Error(t, err)
}

func TestCompareNatural(t *testing.T) {
	assert.Negative(t, CompareNatural(1, int64(2)))
	assert.Zero(t, CompareNatural(int32(3), uint8(3)))
	assert.Positive(t, CompareNatural("b", "a"))
	assert.Negative(t, CompareNatural(1.5, 2.5))
	assert.Negative(t, CompareNatural(false, true))
	assert.Zero(t, CompareNatural([]byte("x"), []byte("x")))
}
