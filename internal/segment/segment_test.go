package segment

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/dispatch"
	"github.com/dreamware/gangway/internal/gang"
	"github.com/dreamware/gangway/internal/segconn"
	"github.com/dreamware/gangway/internal/sequence"
	"github.com/dreamware/gangway/internal/shard"
	"github.com/dreamware/gangway/internal/storage"
	"github.com/dreamware/gangway/internal/wire"
)

// startSegments runs n segment servers on loopback.
func startSegments(t *testing.T, n int) ([]cluster.SegmentInfo, []*Server) {
	t.Helper()
	segs := make([]cluster.SegmentInfo, n)
	servers := make([]*Server, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		segs[i] = cluster.SegmentInfo{DBID: i + 2, ContentID: i, Addr: ln.Addr().String()}
		srv := NewServer(segs[i], shard.NewShard(i, n), nil)
		servers[i] = srv
		go srv.Serve(context.Background(), ln)
		t.Cleanup(func() { srv.Close() })
	}
	return segs, servers
}

// runStatement dispatches cmd to a fresh gang over segs and waits for it.
func runStatement(t *testing.T, segs []cluster.SegmentInfo, cmd Command, opts dispatch.Options) (*dispatch.Engine, error) {
	t.Helper()
	ctx := context.Background()
	creator := gang.NewCreator(gang.Options{Dial: gang.DialTCP(nil), ConnectTimeout: 5 * time.Second})
	t.Cleanup(creator.Close)

	g, err := creator.Allocate(ctx, segs, false)
	require.NoError(t, err)
	t.Cleanup(func() { creator.Destroy(g) })

	payload, err := cmd.Encode()
	require.NoError(t, err)
	eng := dispatch.NewEngine(payload, opts)
	t.Cleanup(func() { eng.Close() })
	require.NoError(t, eng.DispatchToGang(ctx, g, 0))
	require.NoError(t, eng.WaitDispatchFinish(ctx))
	return eng, eng.Finish(ctx, dispatch.WaitNone)
}

func rows(n int) []storage.Row {
	out := make([]storage.Row, n)
	for i := range out {
		out[i] = storage.Row{i, "v"}
	}
	return out
}

func key(i int) *int { return &i }

func TestLoadPlacesRowsByHash(t *testing.T) {
	segs, servers := startSegments(t, 3)
	cmd := Command{ID: "load", Tag: "INSERT", Steps: []Step{{Op: OpLoad, Table: "t", Rows: rows(30), DistKey: key(0)}}}

	eng, err := runStatement(t, segs, cmd, dispatch.DefaultOptions())
	require.NoError(t, err)

	rejected, completed := eng.Rows()
	assert.Equal(t, int64(30), completed)
	assert.Equal(t, int64(60), rejected)

	total := 0
	for _, srv := range servers {
		stored, err := srv.Shard().Scan("t")
		require.NoError(t, err)
		for _, r := range stored {
			assert.True(t, srv.Shard().OwnsRow(r, 0))
		}
		total += len(stored)
	}
	assert.Equal(t, 30, total)
}

func TestScanReportsTuples(t *testing.T) {
	segs, _ := startSegments(t, 2)
	cmd := Command{Steps: []Step{
		{Op: OpLoad, Table: "t", Rows: rows(4)},
		{Op: OpScan, Table: "t"},
	}}

	eng, err := runStatement(t, segs, cmd, dispatch.DefaultOptions())
	require.NoError(t, err)

	for _, r := range eng.Results() {
		pg := r.PGResults()
		require.Len(t, pg, 1)
		assert.Equal(t, dispatch.StatusTuplesOK, pg[0].Status)
		// load without a key keeps every row, then scan counts them again
		assert.Equal(t, int64(8), r.RowsCompleted())
	}
}

func TestScanMissingTable(t *testing.T) {
	segs, _ := startSegments(t, 1)
	_, err := runStatement(t, segs, Command{Steps: []Step{{Op: OpScan, Table: "nope"}}}, dispatch.DefaultOptions())

	var derr *dispatch.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, pq.ErrorCode("42P01"), derr.Code)
	assert.Contains(t, derr.Message, "nope")
}

func TestErrorCancelsRunningSegments(t *testing.T) {
	segs, _ := startSegments(t, 3)
	cmd := Command{
		Steps: []Step{{Op: OpSleep, Millis: 10000}},
		Segments: map[int][]Step{
			1: {{Op: OpFail, SQLState: "42601", Message: "syntax error at or near \"SELEC\""}},
		},
	}

	start := time.Now()
	eng, err := runStatement(t, segs, cmd, dispatch.DefaultOptions())
	assert.Less(t, time.Since(start), 8*time.Second)

	var derr *dispatch.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, pq.ErrorCode("42601"), derr.Code)
	assert.Equal(t, 1, derr.Segment.ContentID)
	assert.Equal(t, dispatch.WaitCancel, eng.Mode())
	for _, r := range eng.Results() {
		assert.False(t, r.StillRunning())
	}
}

func TestFinishStopsEarly(t *testing.T) {
	segs, _ := startSegments(t, 2)
	cmd := Command{Steps: []Step{
		{Op: OpLoad, Table: "t", Rows: rows(2)},
		{Op: OpAck, Token: "loaded"},
		{Op: OpSleep, Millis: 10000},
		{Op: OpLoad, Table: "t", Rows: rows(5)},
	}}
	ctx := context.Background()
	creator := gang.NewCreator(gang.Options{Dial: gang.DialTCP(nil)})
	defer creator.Close()
	g, err := creator.Allocate(ctx, segs, false)
	require.NoError(t, err)
	defer creator.Destroy(g)

	payload, err := cmd.Encode()
	require.NoError(t, err)
	eng := dispatch.NewEngine(payload, dispatch.DefaultOptions())
	defer eng.Close()
	require.NoError(t, eng.DispatchToGang(ctx, g, 0))
	require.NoError(t, eng.WaitDispatchFinish(ctx))
	require.True(t, eng.CheckAckMessage(ctx, "loaded", 5*time.Second))

	start := time.Now()
	require.NoError(t, eng.Finish(ctx, dispatch.WaitFinish))
	assert.Less(t, time.Since(start), 8*time.Second)

	_, completed := eng.Rows()
	assert.Equal(t, int64(4), completed)
}

func TestNextvalServedByCoordinator(t *testing.T) {
	segs, _ := startSegments(t, 2)
	alloc := sequence.NewMemoryAllocator()
	alloc.Define(9, sequence.DefaultOptions())

	opts := dispatch.DefaultOptions()
	opts.OwnerID = 1
	opts.Sequences = alloc
	cmd := Command{Owner: 1, Steps: []Step{{Op: OpNextval, Seq: 9}}}

	_, err := runStatement(t, segs, cmd, opts)
	require.NoError(t, err)

	v, err := alloc.NextVal(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Last)
}

func TestNextvalOwnerMismatchFails(t *testing.T) {
	segs, _ := startSegments(t, 1)
	alloc := sequence.NewMemoryAllocator()
	alloc.Define(9, sequence.DefaultOptions())

	opts := dispatch.DefaultOptions()
	opts.OwnerID = 1
	opts.Sequences = alloc
	cmd := Command{Owner: 2, Steps: []Step{{Op: OpNextval, Seq: 9}}}

	_, err := runStatement(t, segs, cmd, opts)
	var derr *dispatch.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dispatch.CodeInternalError, derr.Code)
}

func TestAckThenFinish(t *testing.T) {
	segs, _ := startSegments(t, 3)
	cmd := Command{Steps: []Step{
		{Op: OpAck, Token: "sync-1"},
		{Op: OpSleep, Millis: 10000},
	}}
	ctx := context.Background()
	creator := gang.NewCreator(gang.Options{Dial: gang.DialTCP(nil)})
	defer creator.Close()
	g, err := creator.Allocate(ctx, segs, false)
	require.NoError(t, err)
	defer creator.Destroy(g)

	payload, err := cmd.Encode()
	require.NoError(t, err)
	eng := dispatch.NewEngine(payload, dispatch.DefaultOptions())
	defer eng.Close()
	require.NoError(t, eng.DispatchToGang(ctx, g, 0))
	require.NoError(t, eng.WaitDispatchFinish(ctx))

	assert.True(t, eng.CheckAckMessage(ctx, "sync-1", 5*time.Second))
	assert.Equal(t, dispatch.WaitNone, eng.Mode())
	assert.NoError(t, eng.Finish(ctx, dispatch.WaitFinish))
}

func TestRecoveringSegmentRefusesConnections(t *testing.T) {
	segs, servers := startSegments(t, 1)
	servers[0].Shard().SetState(shard.ShardStateRecovering)

	_, err := segconn.Dial(context.Background(), segs[0], nil)
	var perr *pq.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pq.ErrorCode(CodeCannotConnectNow), perr.Code)

	h := servers[0].Health()
	assert.True(t, h.InRecovery)
	assert.Equal(t, "recovering", h.Status)
}

func TestHealthStates(t *testing.T) {
	srv := NewServer(cluster.SegmentInfo{DBID: 4}, shard.NewShard(0, 1), nil)
	assert.Equal(t, cluster.HealthResponse{Status: "ok", DBID: 4}, srv.Health())

	srv.Shard().SetState(shard.ShardStateStopping)
	assert.Equal(t, "stopping", srv.Health().Status)
	assert.False(t, srv.Health().InRecovery)
}

// A cancel that arrives after a command completed must not cancel the next one.
func TestLateCancelIgnored(t *testing.T) {
	segs, _ := startSegments(t, 1)
	nc, err := net.Dial("tcp", segs[0].Addr)
	require.NoError(t, err)
	defer nc.Close()
	br := bufio.NewReader(nc)

	f, err := wire.ReadFrame(br)
	require.NoError(t, err)
	require.Equal(t, wire.MsgReady, f.Type)

	send := func(cmd Command) {
		p, err := cmd.Encode()
		require.NoError(t, err)
		require.NoError(t, wire.WriteFrame(nc, wire.MsgCommand, p))
	}
	expect := func(types ...wire.MsgType) []wire.Frame {
		var got []wire.Frame
		for _, want := range types {
			f, err := wire.ReadFrame(br)
			require.NoError(t, err)
			require.Equal(t, want, f.Type)
			got = append(got, f)
		}
		return got
	}

	send(Command{Steps: []Step{{Op: OpLoad, Table: "t", Rows: rows(1)}}})
	expect(wire.MsgComplete, wire.MsgReady)
	require.NoError(t, wire.WriteFrame(nc, wire.MsgCancel, nil))

	send(Command{Steps: []Step{{Op: OpSleep, Millis: 20}, {Op: OpScan, Table: "t"}}})
	got := expect(wire.MsgComplete, wire.MsgReady)
	c, err := wire.DecodeComplete(got[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusTuplesOK, c.Status)
	assert.Equal(t, int64(1), c.Completed)

	send(Command{Steps: []Step{{Op: OpSleep, Millis: 10000}}})
	require.NoError(t, wire.WriteFrame(nc, wire.MsgCancel, nil))
	got = expect(wire.MsgError, wire.MsgReady)
	e, err := wire.DecodeError(got[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, CodeQueryCanceled, e.SQLState)
}

func TestCloseDropsSessions(t *testing.T) {
	segs, servers := startSegments(t, 1)
	conn, err := segconn.Dial(context.Background(), segs[0], nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, servers[0].Close())
	assert.Eventually(t, conn.IsBad, 5*time.Second, 10*time.Millisecond)

	_, err = net.DialTimeout("tcp", segs[0].Addr, time.Second)
	assert.Error(t, err)
}

func TestCommandStepsFor(t *testing.T) {
	cmd := Command{
		Steps:    []Step{{Op: OpScan, Table: "a"}},
		Segments: map[int][]Step{2: {{Op: OpFail}}},
	}
	assert.Equal(t, OpScan, cmd.StepsFor(0)[0].Op)
	assert.Equal(t, OpFail, cmd.StepsFor(2)[0].Op)
}

func TestDecodeCommandKeepsIntegers(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"id":"x","owner":3,"steps":[{"op":"load","table":"t","rows":[[7,null,"s"]],"dist_key":0}]}`))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cmd.Owner)
	require.Len(t, cmd.Steps, 1)
	step := cmd.Steps[0]
	assert.Equal(t, 0, step.distKey())
	assert.Equal(t, storage.Row{int64(7), nil, "s"}, step.Rows[0])

	_, err = DecodeCommand([]byte(`{`))
	assert.Error(t, err)
}
