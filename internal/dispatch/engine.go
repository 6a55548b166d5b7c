package dispatch

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"

	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/metrics"
	"github.com/dreamware/gangway/internal/sequence"
)

// WaitMode tells the event loop what to do with segments that are still running.
// It only moves forward during a statement: none, then ack, finish or cancel.
type WaitMode int

const (
	WaitNone WaitMode = iota
	WaitAckRoot
	WaitFinish
	WaitCancel
)

func (m WaitMode) String() string {
	switch m {
	case WaitNone:
		return "none"
	case WaitAckRoot:
		return "ack"
	case WaitFinish:
		return "finish"
	case WaitCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Special timeouts for CheckDispatchResult and CheckAckMessage.
const (
	// NoWait drains whatever is ready and returns.
	NoWait time.Duration = 0
	// WaitUntilFinish loops until every connection has finished.
	WaitUntilFinish time.Duration = -1
)

// Default event loop timeouts.
const (
	DefaultWaitTimeout      = 2000 * time.Millisecond
	DefaultCancelTimeout    = 100 * time.Millisecond
	DefaultFlushPollTimeout = 500 * time.Millisecond
)

// Options configures an Engine.
type Options struct {
	// WaitTimeout bounds one poll while waiting normally, for acks, or after
	// a signal was sent.
	WaitTimeout time.Duration
	// CancelTimeout bounds one poll while a finish or cancel escalation has
	// not yet been signalled.
	CancelTimeout time.Duration
	// FlushPollTimeout bounds one writability wait in WaitDispatchFinish.
	FlushPollTimeout time.Duration
	// CancelOnError escalates to cancel once any segment reports an error or
	// the caller's context is canceled.
	CancelOnError bool
	// OwnerID must match the owner part of nextval requests.
	OwnerID uint32

	FaultDetector FaultDetector
	Sequences     sequence.Allocator
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// DefaultOptions returns the standard timeouts with cancel-on-error enabled.
func DefaultOptions() Options {
	return Options{
		WaitTimeout:      DefaultWaitTimeout,
		CancelTimeout:    DefaultCancelTimeout,
		FlushPollTimeout: DefaultFlushPollTimeout,
		CancelOnError:    true,
	}
}

// Dispatcher is the statement-level dispatch API. Engine is its only
// implementation.
type Dispatcher interface {
	DispatchToGang(ctx context.Context, g Gang, sliceIndex int) error
	WaitDispatchFinish(ctx context.Context) error
	CheckDispatchResult(ctx context.Context, timeout time.Duration)
	Finish(ctx context.Context, mode WaitMode) error
	CheckForCancel(ctx context.Context) bool
	CheckAckMessage(ctx context.Context, token string, timeout time.Duration) bool
	WaitConn() Conn
	Err() error
	Close() error
}

var _ Dispatcher = (*Engine)(nil)

// Engine dispatches one statement to one or more gangs and drives the
// connections to completion. An Engine is owned by a single goroutine.
type Engine struct {
	opts    Options
	log     *zap.Logger
	fts     FaultDetector
	payload []byte

	results      []*Result
	mode         WaitMode
	ackToken     string
	rootGangSize int

	// Statement-level first error, as a code plus the index of the result
	// that produced it.
	errcode   pq.ErrorCode
	errResult int

	// seqErr is set once serving a nextval request failed; no further
	// requests are served for this statement.
	seqErr error

	wake   chan struct{}
	closed bool
}

// NewEngine prepares to dispatch payload.
//
// Parameters:
//   - payload: Serialized command sent unchanged to every gang member
//   - opts: Timeouts and collaborators; zero timeouts take the defaults
//
// Returns:
//   - *Engine: Engine with no results yet
//
// Example:
//
//	eng := dispatch.NewEngine(cmd, dispatch.DefaultOptions())
//	if err := eng.DispatchToGang(ctx, gang, 0); err != nil {
//	    return err
//	}
//	if err := eng.WaitDispatchFinish(ctx); err != nil {
//	    return err
//	}
//	return eng.Finish(ctx, dispatch.WaitNone)
func NewEngine(payload []byte, opts Options) *Engine {
	def := DefaultOptions()
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = def.WaitTimeout
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = def.CancelTimeout
	}
	if opts.FlushPollTimeout <= 0 {
		opts.FlushPollTimeout = def.FlushPollTimeout
	}
	fts := opts.FaultDetector
	if fts == nil {
		fts = noopDetector{}
	}
	return &Engine{
		opts:      opts,
		log:       logging.OrNop(opts.Logger),
		fts:       fts,
		payload:   payload,
		errResult: -1,
		wake:      make(chan struct{}, 1),
	}
}

// SetRootGangSize sets how many acknowledgements complete CheckAckMessage.
// It defaults to the size of the first gang dispatched.
func (e *Engine) SetRootGangSize(n int) {
	e.rootGangSize = n
}

// Mode returns the current wait mode.
func (e *Engine) Mode() WaitMode {
	return e.mode
}

// escalate moves the wait mode forward. It never moves it back.
func (e *Engine) escalate(m WaitMode) {
	if m > e.mode {
		e.mode = m
	}
}

// DispatchToGang sends the command to every member of g and marks each one
// running. Sending does not block. The first send failure marks that
// result finished with an error and is returned immediately; members after
// it are not dispatched.
//
// Parameters:
//   - ctx: Carries the tracing span
//   - g: Gang whose members receive the command
//   - sliceIndex: Plan slice the gang executes
//
// Returns:
//   - error: *pq.Error with code 58M01 when a send fails
func (e *Engine) DispatchToGang(ctx context.Context, g Gang, sliceIndex int) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "dispatch.gang")
	defer span.Finish()

	members := g.Members()
	span.SetTag("slice", sliceIndex)
	span.SetTag("members", len(members))
	if e.rootGangSize == 0 {
		e.rootGangSize = len(members)
	}

	for _, conn := range members {
		r := newResult(len(e.results), conn, sliceIndex)
		e.results = append(e.results, r)
		if err := e.dispatchCommand(r); err != nil {
			span.LogKV("error", err.Error())
			return err
		}
	}
	return nil
}

func (e *Engine) dispatchCommand(r *Result) error {
	r.conn.Watch(e.wake)
	if err := r.conn.SendCommand(e.payload); err != nil {
		r.stillRunning = false
		msg := err.Error()
		if m := r.conn.ErrorMessage(); m != "" {
			msg = m
		}
		perr := newPQError(CodeInterconnectionError,
			"Command could not be dispatch to segment %s: %s", r.segment.Name(), msg)
		r.appendMessage("%s", perr.Message)
		e.setErrCode(r, CodeInterconnectionError, -1)
		return perr
	}

	r.stillRunning = true
	r.hasDispatched = true
	r.dispatchedAt = time.Now()
	e.opts.Metrics.Dispatched()
	e.log.Debug("command dispatched", zap.String("segment", r.segment.Name()), zap.Int("slice", r.sliceIndex))
	return nil
}

// WaitDispatchFinish blocks until every command has been handed to the
// network. A flush failure ends the statement for that connection.
//
// Returns:
//   - error: 58M01 when a connection cannot be flushed, 57014 when ctx is
//     canceled while waiting
func (e *Engine) WaitDispatchFinish(ctx context.Context) error {
	for {
		var pending []*Result
		for _, r := range e.results {
			if !r.conn.HasPendingOutput() {
				continue
			}
			more, err := r.conn.Flush()
			if err != nil {
				r.stillRunning = false
				msg := r.conn.ErrorMessage()
				if msg == "" {
					msg = err.Error()
				}
				perr := newPQError(CodeInterconnectionError,
					"Command could not be dispatch to segment %s: %s", r.segment.Name(), msg)
				r.appendMessage("%s", perr.Message)
				e.setErrCode(r, CodeInterconnectionError, -1)
				return perr
			}
			if more {
				pending = append(pending, r)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		for {
			if ctx.Err() != nil {
				return newPQError(CodeQueryCanceled, "canceling statement due to user request")
			}
			ok, err := pending[0].conn.WaitWritable(e.opts.FlushPollTimeout)
			if err != nil {
				return newPQError(CodeInterconnectionError, "Poll failed during dispatch: %v", err)
			}
			if ok {
				break
			}
			e.log.Debug("dispatch poll timeout", zap.Duration("timeout", e.opts.FlushPollTimeout))
		}
	}
}

// CheckDispatchResult runs the event loop. timeout is NoWait to drain only
// what is ready, WaitUntilFinish to wait until every connection finished or,
// in ack mode, every root gang member acknowledged, or a positive bound.
func (e *Engine) CheckDispatchResult(ctx context.Context, timeout time.Duration) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "dispatch.check")
	defer span.Finish()
	span.SetTag("mode", e.mode.String())
	e.checkDispatchResult(ctx, timeout)
}

// Finish sets the wait mode, unless mode is WaitNone, and waits until every
// connection has finished. It returns the statement error, if any.
func (e *Engine) Finish(ctx context.Context, mode WaitMode) error {
	if e.closed {
		return nil
	}
	if mode != WaitNone {
		e.escalate(mode)
	}
	e.CheckDispatchResult(ctx, WaitUntilFinish)
	return e.Err()
}

// CheckForCancel drains whatever is ready without waiting and reports
// whether any segment has reported an error.
func (e *Engine) CheckForCancel(ctx context.Context) bool {
	e.CheckDispatchResult(ctx, NoWait)
	return e.errcode != ""
}

// CheckAckMessage waits for every root gang member to acknowledge token.
// The previous wait mode is restored afterwards.
//
// Returns:
//   - bool: true when every still-running member has acknowledged
func (e *Engine) CheckAckMessage(ctx context.Context, token string, timeout time.Duration) bool {
	if e.closed || token == "" {
		return false
	}

	e.ackToken = token
	prev := e.mode
	e.mode = WaitAckRoot
	for _, r := range e.results {
		r.receivedAck = false
	}

	e.CheckDispatchResult(ctx, timeout)

	all := true
	for _, r := range e.results {
		if !r.receivedAck && r.stillRunning {
			all = false
			break
		}
	}

	e.mode = prev
	e.ackToken = ""
	return all
}

// WaitConn returns the first connection still running, or nil. It agrees
// with what CheckForCancel drains so callers waiting on it never spin.
func (e *Engine) WaitConn() Conn {
	if e.closed {
		return nil
	}
	for _, r := range e.results {
		if r.stillRunning {
			return r.conn
		}
	}
	return nil
}

// Results returns the per-connection results in dispatch order.
func (e *Engine) Results() []*Result {
	return append([]*Result(nil), e.results...)
}

// ErrCode returns the first error code recorded for the statement and the
// index of the result that produced it, or "" and -1.
func (e *Engine) ErrCode() (pq.ErrorCode, int) {
	return e.errcode, e.errResult
}

// Rows sums the rejected and completed row counts over all results.
func (e *Engine) Rows() (rejected, completed int64) {
	for _, r := range e.results {
		rejected += r.rejected
		completed += r.completed
	}
	return rejected, completed
}

// Err returns the statement error built from the first recorded code.
func (e *Engine) Err() error {
	if e.errcode == "" {
		return nil
	}
	r := e.results[e.errResult]
	out := &Error{Code: e.errcode, Segment: r.segment, Cause: r.firstError()}
	switch {
	case out.Cause != nil:
		out.Message = out.Cause.Message
		out.Detail = out.Cause.Detail
	case len(r.messages) > 0:
		out.Message = r.messages[len(r.messages)-1]
	default:
		out.Message = "segment reported an error"
	}
	return out
}

// Close releases the engine's hold on its results. Connections belong to
// their gang and stay open.
func (e *Engine) Close() error {
	e.closed = true
	for _, r := range e.results {
		r.conn.Watch(nil)
	}
	return nil
}

// setErrCode records code on r and on the statement. The first code wins at
// both levels.
func (e *Engine) setErrCode(r *Result, code pq.ErrorCode, pgIndex int) {
	if r.errcode == "" {
		r.errcode = code
		r.errIndex = pgIndex
	}
	if e.errcode == "" {
		e.errcode = code
		e.errResult = r.index
		e.opts.Metrics.DispatchError(string(code))
		e.log.Debug("statement error recorded",
			zap.String("segment", r.segment.Name()),
			zap.String("sqlstate", string(code)),
			zap.String("condition", code.Name()))
	}
}
