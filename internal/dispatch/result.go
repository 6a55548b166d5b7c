package dispatch

import (
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dreamware/gangway/internal/cluster"
)

// State is the lifecycle position of one Result.
type State int

const (
	StateNotDispatched State = iota
	StateRunning
	StateFinishedOK
	StateFinishedError
	StateConnectionLost
)

func (s State) String() string {
	switch s {
	case StateNotDispatched:
		return "not-dispatched"
	case StateRunning:
		return "running"
	case StateFinishedOK:
		return "finished-ok"
	case StateFinishedError:
		return "finished-error"
	case StateConnectionLost:
		return "connection-lost"
	default:
		return "unknown"
	}
}

// Result tracks one connection's share of a dispatched statement. It is owned
// by the Engine and must not be used after the Engine is closed.
type Result struct {
	index      int
	sliceIndex int
	conn       Conn
	segment    cluster.SegmentInfo

	stillRunning  bool
	hasDispatched bool
	wasCanceled   bool
	connLost      bool
	sentSignal    WaitMode

	errcode  pq.ErrorCode
	errIndex int
	okIndex  int

	pgResults []*PGResult
	messages  []string

	rejected  int64
	completed int64

	receivedAck bool
	acks        []string

	dispatchedAt time.Time
}

func newResult(index int, conn Conn, sliceIndex int) *Result {
	return &Result{
		index:      index,
		sliceIndex: sliceIndex,
		conn:       conn,
		segment:    conn.Segment(),
		errIndex:   -1,
		okIndex:    -1,
	}
}

func (r *Result) Index() int                   { return r.index }
func (r *Result) SliceIndex() int              { return r.sliceIndex }
func (r *Result) Segment() cluster.SegmentInfo { return r.segment }
func (r *Result) StillRunning() bool           { return r.stillRunning }
func (r *Result) HasDispatched() bool          { return r.hasDispatched }
func (r *Result) WasCanceled() bool            { return r.wasCanceled }
func (r *Result) SentSignal() WaitMode         { return r.sentSignal }
func (r *Result) ErrCode() pq.ErrorCode        { return r.errcode }
func (r *Result) RowsRejected() int64          { return r.rejected }
func (r *Result) RowsCompleted() int64         { return r.completed }
func (r *Result) ReceivedAck() bool            { return r.receivedAck }
func (r *Result) Messages() []string           { return append([]string(nil), r.messages...) }

// ErrIndex is the position in PGResults of the first error, or -1.
func (r *Result) ErrIndex() int { return r.errIndex }

// OKIndex is the position in PGResults of the last successful result, or -1.
func (r *Result) OKIndex() int { return r.okIndex }

// PGResults returns every result object received, in arrival order.
func (r *Result) PGResults() []*PGResult { return append([]*PGResult(nil), r.pgResults...) }

// State derives the lifecycle state from the result's flags.
func (r *Result) State() State {
	switch {
	case !r.hasDispatched && !r.stillRunning && r.errcode == "":
		return StateNotDispatched
	case r.stillRunning:
		return StateRunning
	case r.connLost:
		return StateConnectionLost
	case r.errcode != "":
		return StateFinishedError
	default:
		return StateFinishedOK
	}
}

func (r *Result) appendMessage(format string, args ...any) {
	r.messages = append(r.messages, fmt.Sprintf(format, args...))
}

// firstError returns the segment's own error object for errIndex, if any.
func (r *Result) firstError() *pq.Error {
	if r.errIndex < 0 || r.errIndex >= len(r.pgResults) {
		return nil
	}
	return r.pgResults[r.errIndex].Err
}
