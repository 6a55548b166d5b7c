package dispatch

import (
	"time"

	"github.com/lib/pq"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/sequence"
)

// Notification channels understood by the dispatcher.
const (
	ChannelNextval = "nextval"
	ChannelAck     = "ack"
)

// ResultStatus is the outcome of one result object received from a segment.
type ResultStatus int

const (
	StatusCommandOK ResultStatus = iota + 1
	StatusTuplesOK
	StatusCopyIn
	StatusCopyOut
	StatusEmptyQuery
	StatusError
)

func (s ResultStatus) String() string {
	switch s {
	case StatusCommandOK:
		return "COMMAND_OK"
	case StatusTuplesOK:
		return "TUPLES_OK"
	case StatusCopyIn:
		return "COPY_IN"
	case StatusCopyOut:
		return "COPY_OUT"
	case StatusEmptyQuery:
		return "EMPTY_QUERY"
	case StatusError:
		return "FATAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// OK reports whether the status counts as a successful completion.
func (s ResultStatus) OK() bool {
	return s >= StatusCommandOK && s <= StatusEmptyQuery
}

// PGResult is one result object read from a segment connection.
type PGResult struct {
	Status    ResultStatus
	Tag       string
	Rejected  int64
	Completed int64
	// Err is set when Status is StatusError.
	Err *pq.Error
}

// Notification is an asynchronous message raised by a segment.
type Notification struct {
	PID     uint32
	Channel string
	Payload string
}

// Conn is one connection from the coordinator to a segment. Implementations
// never block in any method except WaitWritable.
type Conn interface {
	// Segment identifies the worker at the other end.
	Segment() cluster.SegmentInfo

	// SendCommand queues a command and starts sending it without blocking.
	SendCommand(payload []byte) error
	// Flush writes queued output without blocking and reports whether
	// output is still queued.
	Flush() (pending bool, err error)
	// HasPendingOutput reports whether queued output remains.
	HasPendingOutput() bool
	// WaitWritable blocks until the connection can take more output or
	// timeout passes.
	WaitWritable(timeout time.Duration) (bool, error)

	// Watch registers a channel that receives a token, without blocking,
	// whenever new input arrives or the connection breaks.
	Watch(wake chan<- struct{})
	// Readable reports whether input is waiting to be consumed.
	Readable() bool
	// ConsumeInput moves arrived input into the result buffer.
	ConsumeInput() error
	// IsBusy reports whether NextResult would have to wait for more input.
	IsBusy() bool
	// NextResult returns the next buffered result, or nil once the current
	// command is complete.
	NextResult() *PGResult
	// Notifications drains notifications received so far.
	Notifications() []Notification
	// SendSequenceResponse answers a nextval notification.
	SendSequenceResponse(v sequence.Value, failed bool) error

	// Signal asks the segment to cancel or to finish early.
	Signal(cancel bool) error
	// IsBad reports whether the connection is broken.
	IsBad() bool
	// ErrorMessage describes the most recent connection-level failure.
	ErrorMessage() string
	Close() error
}

// Gang is a set of connections that receive the same slice of a plan.
type Gang interface {
	Members() []Conn
}

// ConnList is the simplest Gang.
type ConnList []Conn

func (l ConnList) Members() []Conn { return l }

// FaultDetector answers liveness questions about segments.
type FaultDetector interface {
	IsSegmentDown(seg cluster.SegmentInfo) bool
	// Generation advances whenever the detector observes a configuration change.
	Generation() uint64
	// RequestProbe asks for a probe soon. It never blocks.
	RequestProbe()
}

type noopDetector struct{}

func (noopDetector) IsSegmentDown(cluster.SegmentInfo) bool { return false }
func (noopDetector) Generation() uint64                     { return 0 }
func (noopDetector) RequestProbe()                          {}
