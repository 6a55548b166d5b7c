// Package segconn implements dispatch.Conn over TCP using the wire protocol.
//
// A Conn never blocks its caller: a reader goroutine queues arrived frames
// and wakes the dispatcher, and a writer goroutine drains queued output.
package segconn

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/dispatch"
	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/sequence"
	"github.com/dreamware/gangway/internal/wire"
)

// CodeCannotConnectNow is sent by a segment that is still in recovery.
const CodeCannotConnectNow = "57P03"

// ErrBusy is returned when a command is sent before the previous one completed.
var ErrBusy = errors.New("another command is already in progress")

// Conn is a coordinator-side connection to one segment.
type Conn struct {
	seg cluster.SegmentInfo
	nc  net.Conn
	log *zap.Logger

	kick chan struct{}
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	out      []byte
	writing  bool
	drained  chan struct{}
	inbox    []wire.Frame
	results  []*dispatch.PGResult
	notifies []dispatch.Notification
	inFlight bool
	complete bool
	bad      bool
	closed   bool
	errMsg   string
	wake     chan<- struct{}
}

var _ dispatch.Conn = (*Conn)(nil)

// Dial connects to seg and waits for its ready message. A segment that
// refuses the connection answers with an error, returned as *pq.Error.
func Dial(ctx context.Context, seg cluster.SegmentInfo, log *zap.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", seg.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", seg.Name())
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetReadDeadline(deadline)
	}
	br := bufio.NewReader(nc)
	f, err := wire.ReadFrame(br)
	if err != nil {
		nc.Close()
		return nil, errors.Wrapf(err, "startup with %s", seg.Name())
	}
	switch f.Type {
	case wire.MsgReady:
	case wire.MsgError:
		nc.Close()
		m, derr := wire.DecodeError(f.Payload)
		if derr != nil {
			return nil, errors.Wrapf(derr, "startup with %s", seg.Name())
		}
		return nil, toPQError(m)
	default:
		nc.Close()
		return nil, errors.Errorf("startup with %s: unexpected message %q", seg.Name(), f.Type)
	}
	_ = nc.SetReadDeadline(time.Time{})
	return newConn(seg, nc, br, log), nil
}

// New wraps an established connection whose startup already completed.
func New(seg cluster.SegmentInfo, nc net.Conn, log *zap.Logger) *Conn {
	return newConn(seg, nc, bufio.NewReader(nc), log)
}

func newConn(seg cluster.SegmentInfo, nc net.Conn, br *bufio.Reader, log *zap.Logger) *Conn {
	c := &Conn{
		seg:     seg,
		nc:      nc,
		log:     logging.OrNop(log).With(zap.String("segment", seg.Name())),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	close(c.drained)
	go c.readLoop(br)
	go c.writeLoop()
	return c
}

func (c *Conn) Segment() cluster.SegmentInfo { return c.seg }

func (c *Conn) readLoop(br *bufio.Reader) {
	for {
		f, err := wire.ReadFrame(br)
		c.mu.Lock()
		if err != nil {
			if !c.closed {
				c.failLocked(errors.Wrap(err, "server closed the connection unexpectedly"))
			}
			c.mu.Unlock()
			c.notify()
			return
		}
		c.inbox = append(c.inbox, f)
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.kick:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			if len(c.out) == 0 || c.bad || c.closed {
				c.writing = false
				c.markDrainedLocked()
				c.mu.Unlock()
				break
			}
			buf := c.out
			c.out = nil
			c.writing = true
			c.mu.Unlock()

			if _, err := c.nc.Write(buf); err != nil {
				c.mu.Lock()
				if !c.closed {
					c.failLocked(errors.Wrap(err, "could not send data to server"))
				}
				c.writing = false
				c.markDrainedLocked()
				c.mu.Unlock()
				c.notify()
				return
			}
		}
	}
}

// notify hands a token to the watcher without blocking.
func (c *Conn) notify() {
	c.mu.Lock()
	wake := c.wake
	c.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (c *Conn) failLocked(err error) {
	if c.bad {
		return
	}
	c.bad = true
	c.errMsg = err.Error()
	c.log.Info("segment connection failed", zap.Error(err))
	c.once.Do(func() { close(c.done) })
	c.markDrainedLocked()
}

func (c *Conn) markDrainedLocked() {
	select {
	case <-c.drained:
	default:
		close(c.drained)
	}
}

// queueLocked appends a frame to the output and wakes the writer.
func (c *Conn) queueLocked(t wire.MsgType, payload []byte) error {
	if c.closed {
		return errors.New("connection is closed")
	}
	if c.bad {
		return errors.New(c.errMsg)
	}
	if !c.pendingLocked() {
		c.drained = make(chan struct{})
	}
	c.out = wire.AppendFrame(c.out, t, payload)
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) pendingLocked() bool { return len(c.out) > 0 || c.writing }

func (c *Conn) SendCommand(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrBusy
	}
	if err := c.queueLocked(wire.MsgCommand, payload); err != nil {
		return err
	}
	c.inFlight = true
	c.complete = false
	c.results = nil
	return nil
}

func (c *Conn) Flush() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad {
		return false, errors.New(c.errMsg)
	}
	return c.pendingLocked(), nil
}

func (c *Conn) HasPendingOutput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Conn) WaitWritable(timeout time.Duration) (bool, error) {
	c.mu.Lock()
	if c.bad {
		c.mu.Unlock()
		return false, errors.New(c.errMsg)
	}
	if !c.pendingLocked() {
		c.mu.Unlock()
		return true, nil
	}
	drained := c.drained
	c.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-drained:
	case <-t.C:
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad {
		return false, errors.New(c.errMsg)
	}
	return true, nil
}

func (c *Conn) Watch(wake chan<- struct{}) {
	c.mu.Lock()
	c.wake = wake
	pending := len(c.inbox) > 0 || c.bad
	c.mu.Unlock()
	if pending {
		c.notify()
	}
}

func (c *Conn) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox) > 0
}

// ConsumeInput decodes every arrived frame into results and notifications.
func (c *Conn) ConsumeInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.inbox
	c.inbox = nil
	for _, f := range frames {
		if err := c.consumeLocked(f); err != nil {
			c.failLocked(err)
			return err
		}
	}
	if c.bad {
		return errors.New(c.errMsg)
	}
	return nil
}

func (c *Conn) consumeLocked(f wire.Frame) error {
	switch f.Type {
	case wire.MsgComplete:
		m, err := wire.DecodeComplete(f.Payload)
		if err != nil {
			return err
		}
		c.results = append(c.results, &dispatch.PGResult{
			Status:    resultStatus(m.Status),
			Tag:       m.Tag,
			Rejected:  m.Rejected,
			Completed: m.Completed,
		})
	case wire.MsgError:
		m, err := wire.DecodeError(f.Payload)
		if err != nil {
			return err
		}
		c.results = append(c.results, &dispatch.PGResult{Status: dispatch.StatusError, Err: toPQError(m)})
	case wire.MsgNotify:
		m, err := wire.DecodeNotify(f.Payload)
		if err != nil {
			return err
		}
		c.notifies = append(c.notifies, dispatch.Notification{PID: m.PID, Channel: m.Channel, Payload: m.Payload})
	case wire.MsgReady:
		c.complete = true
	default:
		return errors.Errorf("unexpected message type %q from %s", f.Type, c.seg.Name())
	}
	return nil
}

func (c *Conn) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight && !c.complete && len(c.results) == 0 && !c.bad
}

func (c *Conn) NextResult() *dispatch.PGResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) > 0 {
		r := c.results[0]
		c.results = c.results[1:]
		return r
	}
	if c.complete {
		c.inFlight = false
	}
	return nil
}

func (c *Conn) Notifications() []dispatch.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.notifies
	c.notifies = nil
	return n
}

func (c *Conn) SendSequenceResponse(v sequence.Value, failed bool) error {
	msg := wire.SeqResponse{
		SeqID:     v.SeqID,
		Last:      v.Last,
		Cached:    v.Cached,
		Increment: v.Increment,
		Overflow:  v.Overflow,
		Error:     failed,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueLocked(wire.MsgSeqResp, msg.Encode())
}

func (c *Conn) Signal(cancel bool) error {
	t := wire.MsgFinish
	if cancel {
		t = wire.MsgCancel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueLocked(t, nil)
}

func (c *Conn) IsBad() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bad
}

func (c *Conn) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// Idle reports whether the connection can take a new command.
func (c *Conn) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inFlight && !c.bad && !c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.once.Do(func() { close(c.done) })
	c.mu.Unlock()
	return c.nc.Close()
}

func resultStatus(s wire.Status) dispatch.ResultStatus {
	switch s {
	case wire.StatusTuplesOK:
		return dispatch.StatusTuplesOK
	case wire.StatusCopyIn:
		return dispatch.StatusCopyIn
	case wire.StatusCopyOut:
		return dispatch.StatusCopyOut
	case wire.StatusEmptyQuery:
		return dispatch.StatusEmptyQuery
	default:
		return dispatch.StatusCommandOK
	}
}

func toPQError(m wire.Error) *pq.Error {
	return &pq.Error{
		Severity: "ERROR",
		Code:     pq.ErrorCode(m.SQLState),
		Message:  m.Message,
		Detail:   m.Detail,
	}
}
