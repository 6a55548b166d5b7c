package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/dispatch"
	"github.com/dreamware/gangway/internal/gang"
	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/segment"
	"github.com/dreamware/gangway/internal/storage"
)

// Options configures a Coordinator.
type Options struct {
	// Dispatch holds engine timeouts, the owner id, the sequence allocator
	// and metrics. Its FaultDetector and Logger are filled in per statement.
	Dispatch dispatch.Options
	// Gang configures connection setup. Its FaultDetector is filled in.
	Gang gang.Options
	// FaultDetector answers liveness questions; nil means every segment is up.
	FaultDetector dispatch.FaultDetector
	// NumSegments fixes the cluster width; 0 takes it from the registered
	// primaries at each statement.
	NumSegments int
	Logger      *zap.Logger
}

// SegmentOutcome is what one segment reported for a statement.
type SegmentOutcome struct {
	DBID      int      `json:"dbid"`
	ContentID int      `json:"content_id"`
	State     string   `json:"state"`
	ErrCode   string   `json:"errcode,omitempty"`
	Rejected  int64    `json:"rejected"`
	Completed int64    `json:"completed"`
	Messages  []string `json:"messages,omitempty"`
}

// Outcome summarizes a dispatched statement.
type Outcome struct {
	ID        uuid.UUID        `json:"id"`
	Rejected  int64            `json:"rejected"`
	Completed int64            `json:"completed"`
	Elapsed   time.Duration    `json:"elapsed"`
	Segments  []SegmentOutcome `json:"segments"`
}

// Coordinator runs statements on the registered primaries. It owns the
// segment registry and the gang cache; statements may run concurrently,
// each on its own gang and engine.
//
// Statement lifecycle:
//
//	primaries → gang.Allocate → Engine.DispatchToGang → WaitDispatchFinish
//	          → Engine.Finish → Outcome → gang.Release
type Coordinator struct {
	registry *cluster.Registry
	creator  *gang.Creator
	fts      dispatch.FaultDetector
	opts     Options
	log      *zap.Logger
}

type noopDetector struct{}

func (noopDetector) IsSegmentDown(cluster.SegmentInfo) bool { return false }
func (noopDetector) Generation() uint64                     { return 0 }
func (noopDetector) RequestProbe()                          {}

// New creates a coordinator over registry.
//
// Parameters:
//   - registry: Known segments; registrations are added to it
//   - opts: Dispatch, gang and fault detector settings
//
// Returns:
//   - *Coordinator: Ready to Execute statements
//
// Example:
//
//	c := coordinator.New(cluster.NewRegistry(topo.Segments...), coordinator.Options{
//	    Dispatch:      dispatch.DefaultOptions(),
//	    FaultDetector: monitor,
//	})
//	defer c.Close()
//	out, err := c.Execute(ctx, segment.Command{Steps: steps})
func New(registry *cluster.Registry, opts Options) *Coordinator {
	if opts.FaultDetector == nil {
		opts.FaultDetector = noopDetector{}
	}
	log := logging.OrNop(opts.Logger)
	opts.Gang.FaultDetector = opts.FaultDetector
	if opts.Gang.Logger == nil {
		opts.Gang.Logger = log
	}
	return &Coordinator{
		registry: registry,
		creator:  gang.NewCreator(opts.Gang),
		fts:      opts.FaultDetector,
		opts:     opts,
		log:      log.Named("coordinator"),
	}
}

// Registry returns the segment registry.
func (c *Coordinator) Registry() *cluster.Registry {
	return c.registry
}

// Register adds or replaces a segment and asks the fault detector to look
// at it.
//
// Returns:
//   - error: dbid is not positive or the dispatch address is empty
func (c *Coordinator) Register(seg cluster.SegmentInfo) error {
	if seg.DBID <= 0 || seg.Addr == "" {
		return errors.New("segment needs a positive dbid and an address")
	}
	c.registry.Upsert(seg)
	c.fts.RequestProbe()
	c.log.Info("segment registered", zap.String("segment", seg.Name()), zap.String("addr", seg.Addr))
	return nil
}

// Distribution returns the placement policy for the current primaries.
func (c *Coordinator) Distribution() (*Distribution, []cluster.SegmentInfo, error) {
	primaries := c.registry.Primaries()
	n := c.opts.NumSegments
	if n == 0 {
		n = len(primaries)
	}
	if n == 0 {
		return nil, nil, ErrNoSegments
	}
	dist, err := NewDistribution(n)
	if err != nil {
		return nil, nil, err
	}
	if err := dist.CheckCoverage(primaries); err != nil {
		return nil, nil, err
	}
	return dist, primaries, nil
}

// Execute dispatches cmd to one gang spanning every primary and waits for
// all of them.
//
// Behavior:
//   - An empty cmd.ID is replaced with the statement id
//   - A zero cmd.Owner takes the dispatch owner id
//   - A dispatch failure cancels the members already running
//   - The gang's healthy connections are cached for the next statement
//
// Parameters:
//   - ctx: Cancels the statement; carries the tracing span
//   - cmd: Command for the segments
//
// Returns:
//   - *Outcome: Per-segment results; nil only when nothing was dispatched
//   - error: Allocation failure, or the statement's *dispatch.Error
func (c *Coordinator) Execute(ctx context.Context, cmd segment.Command) (*Outcome, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "coordinator.execute")
	defer span.Finish()

	id := uuid.New()
	if cmd.ID == "" {
		cmd.ID = id.String()
	}
	if cmd.Owner == 0 {
		cmd.Owner = c.opts.Dispatch.OwnerID
	}
	span.SetTag("statement", cmd.ID)
	log := c.log.With(zap.String("statement", cmd.ID))

	_, primaries, err := c.Distribution()
	if err != nil {
		return nil, err
	}
	payload, err := cmd.Encode()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	g, err := c.creator.Allocate(ctx, primaries, false)
	if err != nil {
		span.LogKV("error", err.Error())
		return nil, err
	}
	defer c.creator.Release(g)

	opts := c.opts.Dispatch
	opts.FaultDetector = c.fts
	opts.Logger = log
	eng := dispatch.NewEngine(payload, opts)
	defer eng.Close()

	mode := dispatch.WaitNone
	dispatchErr := eng.DispatchToGang(ctx, g, 0)
	if dispatchErr == nil {
		dispatchErr = eng.WaitDispatchFinish(ctx)
	}
	if dispatchErr != nil {
		log.Warn("dispatch failed, canceling", zap.Error(dispatchErr))
		mode = dispatch.WaitCancel
	}
	stmtErr := eng.Finish(ctx, mode)

	out := buildOutcome(id, eng)
	out.Elapsed = time.Since(start)
	log.Info("statement finished",
		zap.Int64("completed", out.Completed),
		zap.Int64("rejected", out.Rejected),
		zap.Duration("elapsed", out.Elapsed),
		zap.Error(stmtErr))

	if stmtErr != nil {
		return out, stmtErr
	}
	return out, dispatchErr
}

// Load inserts rows into table, sending each primary only the rows it owns.
// NULL keys go to content 0, which rejects them.
func (c *Coordinator) Load(ctx context.Context, table string, rows []storage.Row, distKey int) (*Outcome, error) {
	dist, _, err := c.Distribution()
	if err != nil {
		return nil, err
	}
	key := distKey
	cmd := segment.Command{Tag: fmt.Sprintf("INSERT 0 %d", len(rows)), Segments: make(map[int][]segment.Step)}
	for content := 0; content < dist.NumSegments(); content++ {
		cmd.Segments[content] = []segment.Step{{Op: segment.OpLoad, Table: table, DistKey: &key}}
	}
	for content, part := range dist.SplitRows(rows, distKey) {
		cmd.Segments[content][0].Rows = part
	}
	return c.Execute(ctx, cmd)
}

// Close drops cached connections.
func (c *Coordinator) Close() {
	c.creator.Close()
}

func buildOutcome(id uuid.UUID, eng *dispatch.Engine) *Outcome {
	out := &Outcome{ID: id}
	out.Rejected, out.Completed = eng.Rows()
	for _, r := range eng.Results() {
		seg := r.Segment()
		out.Segments = append(out.Segments, SegmentOutcome{
			DBID:      seg.DBID,
			ContentID: seg.ContentID,
			State:     r.State().String(),
			ErrCode:   string(r.ErrCode()),
			Rejected:  r.RowsRejected(),
			Completed: r.RowsCompleted(),
			Messages:  r.Messages(),
		})
	}
	slices.SortFunc(out.Segments, func(a, b SegmentOutcome) int { return a.ContentID - b.ContentID })
	return out
}
