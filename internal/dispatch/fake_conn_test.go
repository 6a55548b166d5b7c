package dispatch

import (
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/sequence"
)

// fakeConn is a scripted Conn. Tests push input with deliver, complete and
// notify; the engine then sees it as readable.
type fakeConn struct {
	seg cluster.SegmentInfo

	sendErr    error
	flushErr   error
	pendingOut int
	consumeErr error
	bad        bool
	badMsg     string
	closed     bool

	// arrived but not consumed
	inResults []*PGResult
	inEnd     bool
	inNotify  []Notification

	// consumed
	buffered []*PGResult
	ended    bool
	notifies []Notification

	wake chan<- struct{}

	sent         [][]byte
	signals      []bool
	seqResponses []seqResponse

	onSignal func(c *fakeConn, cancel bool)
	// onReadable runs whenever the engine polls this connection.
	onReadable func()
}

type seqResponse struct {
	value  sequence.Value
	failed bool
}

func newFakeConn(content int) *fakeConn {
	return &fakeConn{seg: cluster.SegmentInfo{DBID: content + 2, ContentID: content}}
}

func (c *fakeConn) poke() {
	if c.wake == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *fakeConn) deliver(rs ...*PGResult) *fakeConn {
	c.inResults = append(c.inResults, rs...)
	c.poke()
	return c
}

func (c *fakeConn) complete() *fakeConn {
	c.inEnd = true
	c.poke()
	return c
}

func (c *fakeConn) notify(channel, payload string) *fakeConn {
	c.inNotify = append(c.inNotify, Notification{Channel: channel, Payload: payload})
	c.poke()
	return c
}

func (c *fakeConn) breakConn(msg string) {
	c.bad = true
	c.badMsg = msg
	c.poke()
}

func okResult(completed int64) *PGResult {
	return &PGResult{Status: StatusCommandOK, Tag: "INSERT", Completed: completed}
}

func errResult(code string, msg string) *PGResult {
	return &PGResult{Status: StatusError, Err: &pq.Error{Severity: "ERROR", Code: pq.ErrorCode(code), Message: msg}}
}

func (c *fakeConn) Segment() cluster.SegmentInfo { return c.seg }

func (c *fakeConn) SendCommand(payload []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Flush() (bool, error) {
	if c.flushErr != nil {
		return false, c.flushErr
	}
	if c.pendingOut > 0 {
		c.pendingOut--
	}
	return c.pendingOut > 0, nil
}

func (c *fakeConn) HasPendingOutput() bool { return c.pendingOut > 0 || c.flushErr != nil }

func (c *fakeConn) WaitWritable(time.Duration) (bool, error) { return true, nil }

func (c *fakeConn) Watch(wake chan<- struct{}) { c.wake = wake }

func (c *fakeConn) Readable() bool {
	if c.onReadable != nil {
		c.onReadable()
	}
	return len(c.inResults) > 0 || c.inEnd || len(c.inNotify) > 0 || c.consumeErr != nil
}

func (c *fakeConn) ConsumeInput() error {
	if c.consumeErr != nil {
		return c.consumeErr
	}
	c.buffered = append(c.buffered, c.inResults...)
	c.inResults = nil
	if c.inEnd {
		c.ended = true
		c.inEnd = false
	}
	c.notifies = append(c.notifies, c.inNotify...)
	c.inNotify = nil
	return nil
}

func (c *fakeConn) IsBusy() bool { return len(c.buffered) == 0 && !c.ended }

func (c *fakeConn) NextResult() *PGResult {
	if len(c.buffered) > 0 {
		r := c.buffered[0]
		c.buffered = c.buffered[1:]
		return r
	}
	c.ended = false
	return nil
}

func (c *fakeConn) Notifications() []Notification {
	out := c.notifies
	c.notifies = nil
	return out
}

func (c *fakeConn) SendSequenceResponse(v sequence.Value, failed bool) error {
	c.seqResponses = append(c.seqResponses, seqResponse{value: v, failed: failed})
	return nil
}

func (c *fakeConn) Signal(cancel bool) error {
	if c.bad {
		return errors.New("connection is bad")
	}
	c.signals = append(c.signals, cancel)
	if c.onSignal != nil {
		c.onSignal(c, cancel)
	}
	return nil
}

func (c *fakeConn) IsBad() bool          { return c.bad }
func (c *fakeConn) ErrorMessage() string { return c.badMsg }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// cancelResponder answers a cancel like a segment would.
func cancelResponder(c *fakeConn, cancel bool) {
	if cancel {
		c.deliver(errResult("57014", "canceling statement due to user request")).complete()
		return
	}
	c.deliver(okResult(0)).complete()
}

// fakeFTS is a scripted fault detector.
type fakeFTS struct {
	down       map[int]bool
	generation uint64
	probes     int
	checks     int
}

func (f *fakeFTS) IsSegmentDown(seg cluster.SegmentInfo) bool {
	f.checks++
	return f.down[seg.DBID]
}
func (f *fakeFTS) Generation() uint64 { return f.generation }
func (f *fakeFTS) RequestProbe()      { f.probes++ }
