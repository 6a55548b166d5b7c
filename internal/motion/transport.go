package motion

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/metrics"
)

// Route sentinels understood by every Transport.
const (
	// AnyRoute receives from whichever sender has data.
	AnyRoute = -1
	// BroadcastRoute sends to every receiver.
	BroadcastRoute = -2
)

// SendResult reports whether a receiver still wants tuples.
type SendResult int

const (
	SendComplete SendResult = iota
	// StopSending means the receiving side asked for no more tuples.
	StopSending
)

// Transport moves tuples between slices.
type Transport interface {
	Send(ctx context.Context, motionID int, t Tuple, route int) (SendResult, error)
	// Recv returns the next tuple from route, or from any sender for
	// AnyRoute. A nil tuple means end of stream for that route, or for all
	// routes when receiving from AnyRoute.
	Recv(ctx context.Context, motionID int, route int) (Tuple, error)
	SendEndOfStream(ctx context.Context, motionID int) error
	// SendStop tells the senders of motionID to stop.
	SendStop(motionID int)
}

// Executor is the per-slice state shared by every motion node of a slice.
type Executor struct {
	// Transport is nil when the interconnect was torn down or never built.
	Transport Transport
	// InterconnectSetUp, DispatcherActive and GotEOS tell a receiver
	// without a transport whether it lost a race with an error elsewhere.
	InterconnectSetUp bool
	DispatcherActive  bool
	GotEOS            bool

	SessionID int
	SegIndex  int

	Log     *zap.Logger
	Metrics *metrics.Metrics

	activeRecvID  int
	finishPending atomic.Bool
}

// NewExecutor returns executor state for the slice running on segIndex.
func NewExecutor(t Transport, segIndex, sessionID int) *Executor {
	return &Executor{
		Transport:         t,
		InterconnectSetUp: t != nil,
		SessionID:         sessionID,
		SegIndex:          segIndex,
		Log:               zap.NewNop(),
		activeRecvID:      -1,
	}
}

// ActiveReceiver returns the id of the motion currently receiving, or -1.
func (e *Executor) ActiveReceiver() int { return e.activeRecvID }

// RequestFinish makes every receiver of the slice report end of stream on
// its next call. Safe to call from another goroutine.
func (e *Executor) RequestFinish() { e.finishPending.Store(true) }

// FinishPending reports whether RequestFinish was called.
func (e *Executor) FinishPending() bool { return e.finishPending.Load() }

func (e *Executor) logger() *zap.Logger { return logging.OrNop(e.Log) }
