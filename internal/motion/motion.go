package motion

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrInterconnectDown is returned by a receiver whose transport is gone
	// outside of an orderly shutdown.
	ErrInterconnectDown = errors.New("Interconnect is down unexpectedly.")
	// ErrDeadlockHazard is returned when a receiver starts while another
	// motion of the same slice is still mid-stream.
	ErrDeadlockHazard = errors.New("deadlock hazard: motion receiver started while another receiver is active")
	// ErrMergeExhausted is returned when a sorted receiver is called again
	// after it reported end of stream.
	ErrMergeExhausted = errors.New("sorted Gather Motion called again after already receiving all data")
	// ErrIllegalRescan is returned for a rescan of a sender or of a receiver
	// that already returned tuples.
	ErrIllegalRescan = errors.New("illegal rescan of motion node: invalid plan")
	// ErrStoppedSender is returned when a stopped sender is executed again.
	ErrStoppedSender = errors.New("motion sender executed after it was stopped")
)

// Node is the child plan a sender drains.
type Node interface {
	// Next returns the next tuple, or nil at the end of input.
	Next(ctx context.Context) (Tuple, error)
	// Squelch tells the node no more tuples are wanted.
	Squelch()
}

// Counters are the tuple counts of one motion node.
type Counters struct {
	FromChild     int64
	ToTransport   int64
	FromTransport int64
	ToParent      int64
}

// Option configures a State.
type Option func(*State)

// WithHasher replaces the default FNV hasher of a hash motion.
func WithHasher(h Hasher) Option {
	return func(s *State) { s.hasher = h }
}

// State runs one motion node on one side.
type State struct {
	desc  Descriptor
	mode  Mode
	exec  *Executor
	child Node

	hasher Hasher

	merge       *mergeHeap
	mergeReady  bool
	routeIDNext int
	lastSortCol int

	counters      Counters
	stopRequested bool
	sentEOS       bool

	log *zap.Logger
}

// NewState prepares a motion node. A sender needs a child; a receiver ignores it.
func NewState(desc Descriptor, mode Mode, exec *Executor, child Node, opts ...Option) (*State, error) {
	if exec == nil {
		return nil, errors.New("motion: executor is required")
	}
	if err := desc.Validate(mode); err != nil {
		return nil, err
	}
	if mode == Send && child == nil {
		return nil, errors.Errorf("motion %d: sender without a child plan", desc.ID)
	}
	s := &State{
		desc:        desc,
		mode:        mode,
		exec:        exec,
		child:       child,
		routeIDNext: -1,
		log:         exec.logger().With(zap.Int("motion", desc.ID), zap.Stringer("mode", mode)),
	}
	for _, o := range opts {
		o(s)
	}
	if mode == Send && desc.Kind == Hash && s.hasher == nil {
		s.hasher = NewFNVHasher(desc.NumHashSegs)
	}
	if mode == Recv && desc.SendSorted {
		s.lastSortCol = desc.lastSortColumn()
		s.merge = newMergeHeap(desc.NumInputSegs, desc.SortKeys)
	}
	return s, nil
}

// Counters returns the tuple counts so far.
func (s *State) Counters() Counters { return s.counters }

// StopRequested reports whether the node was squelched or a receiver asked to stop.
func (s *State) StopRequested() bool { return s.stopRequested }

// SentEndOfStream reports whether a sender announced end of stream.
func (s *State) SentEndOfStream() bool { return s.sentEOS }

// Next runs the node. A receiver returns the next tuple or nil at end of
// stream. A sender drains its child and always returns a nil tuple.
func (s *State) Next(ctx context.Context) (Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.mode == Send {
		if s.stopRequested {
			return nil, errors.Wrapf(ErrStoppedSender, "motion %d", s.desc.ID)
		}
		return nil, s.runSender(ctx)
	}

	if active := s.exec.activeRecvID; active >= 0 && active != s.desc.ID {
		s.log.Error("motion receiver started while another is active", zap.Int("active", active))
		return nil, errors.Wrapf(ErrDeadlockHazard, "motion %d, active motion %d", s.desc.ID, active)
	}
	s.exec.activeRecvID = s.desc.ID

	var (
		t   Tuple
		err error
	)
	if s.desc.SendSorted {
		t, err = s.recvSorted(ctx)
	} else {
		t, err = s.recvUnsorted(ctx)
	}
	if err != nil {
		return nil, err
	}
	if t != nil && s.exec.FinishPending() {
		s.counters.ToParent--
		t = nil
	}
	if t == nil {
		s.exec.activeRecvID = -1
	}
	return t, nil
}

func (s *State) runSender(ctx context.Context) error {
	for {
		t, err := s.child.Next(ctx)
		if err != nil {
			return err
		}
		if t == nil {
			return s.sendEndOfStream(ctx)
		}
		if s.desc.Kind == GatherSingle && s.exec.SegIndex != s.exec.SessionID%s.desc.NumInputSegs {
			continue
		}
		if err := s.sendTuple(ctx, t); err != nil {
			return err
		}
		if s.stopRequested {
			s.log.Debug("receiver stopped the motion, squelching child")
			s.child.Squelch()
			return nil
		}
	}
}

func (s *State) sendEndOfStream(ctx context.Context) error {
	if s.sentEOS {
		return nil
	}
	tr := s.exec.Transport
	if tr == nil {
		return errors.Wrapf(ErrInterconnectDown, "motion %d", s.desc.ID)
	}
	if err := tr.SendEndOfStream(ctx, s.desc.ID); err != nil {
		return errors.Wrapf(err, "motion %d: send end of stream", s.desc.ID)
	}
	s.sentEOS = true
	return nil
}

func (s *State) sendTuple(ctx context.Context, t Tuple) error {
	route, err := s.route(t)
	if err != nil {
		return err
	}
	tr := s.exec.Transport
	if tr == nil {
		return errors.Wrapf(ErrInterconnectDown, "motion %d", s.desc.ID)
	}
	s.counters.FromChild++
	res, err := tr.Send(ctx, s.desc.ID, t, route)
	if err != nil {
		return errors.Wrapf(err, "motion %d: send to route %d", s.desc.ID, route)
	}
	if res == SendComplete {
		s.counters.ToTransport++
		s.exec.Metrics.Motion(strconv.Itoa(s.desc.ID), "sent", 1)
	} else {
		s.stopRequested = true
	}
	return nil
}

func (s *State) route(t Tuple) (int, error) {
	switch s.desc.Kind {
	case Gather, GatherSingle:
		return 0, nil
	case Broadcast:
		return BroadcastRoute, nil
	case Hash:
		if len(s.desc.HashKeys) == 0 {
			return s.hasher.RandomSegment(), nil
		}
		s.hasher.Init()
		for i, key := range s.desc.HashKeys {
			s.hasher.Add(i+1, key(t))
		}
		return s.hasher.Reduce(), nil
	case Explicit:
		v := t.Attr(s.desc.SegIDColumn)
		seg, ok := asInt64(v)
		if !ok {
			return 0, errors.Errorf("motion %d: segment id column %d holds %T", s.desc.ID, s.desc.SegIDColumn, v)
		}
		if seg < 0 {
			return 0, errors.Errorf("motion %d: invalid target segment %d", s.desc.ID, seg)
		}
		return int(seg), nil
	default:
		return 0, errors.Errorf("motion %d: unknown kind %v", s.desc.ID, s.desc.Kind)
	}
}

// transport returns the receiver's transport. A nil transport with a nil
// error means the interconnect was torn down by a concurrent error and the
// receiver should report end of stream.
func (s *State) transport() (Transport, error) {
	if tr := s.exec.Transport; tr != nil {
		return tr, nil
	}
	if !s.exec.InterconnectSetUp && s.exec.DispatcherActive && !s.exec.GotEOS {
		s.log.Info("an error must have happened elsewhere, stopping motion receiver")
		return nil, nil
	}
	return nil, errors.Wrapf(ErrInterconnectDown, "motion %d", s.desc.ID)
}

func (s *State) stopGuard() bool {
	if !s.stopRequested {
		return false
	}
	if tr := s.exec.Transport; tr != nil {
		tr.SendStop(s.desc.ID)
	}
	return true
}

func (s *State) recvUnsorted(ctx context.Context) (Tuple, error) {
	if s.stopGuard() {
		return nil, nil
	}
	tr, err := s.transport()
	if tr == nil {
		return nil, err
	}
	t, err := tr.Recv(ctx, s.desc.ID, AnyRoute)
	if err != nil {
		return nil, errors.Wrapf(err, "motion %d: receive", s.desc.ID)
	}
	if t == nil {
		return nil, nil
	}
	s.received()
	s.counters.ToParent++
	return t, nil
}

func (s *State) recvSorted(ctx context.Context) (Tuple, error) {
	if s.stopGuard() {
		return nil, nil
	}
	tr, err := s.transport()
	if tr == nil {
		return nil, err
	}

	if !s.mergeReady {
		for route := 0; route < s.desc.NumInputSegs; route++ {
			t, err := tr.Recv(ctx, s.desc.ID, route)
			if err != nil {
				return nil, errors.Wrapf(err, "motion %d: receive from route %d", s.desc.ID, route)
			}
			if t == nil {
				continue
			}
			s.received()
			s.merge.slots[route].store(t, s.lastSortCol)
			s.merge.addUnordered(route)
		}
		s.merge.build()
		s.mergeReady = true
	} else {
		if s.merge.empty() {
			return nil, errors.Wrapf(ErrMergeExhausted, "motion %d", s.desc.ID)
		}
		route := s.routeIDNext
		t, err := tr.Recv(ctx, s.desc.ID, route)
		if err != nil {
			return nil, errors.Wrapf(err, "motion %d: receive from route %d", s.desc.ID, route)
		}
		if t != nil {
			s.received()
			s.merge.slots[route].store(t, s.lastSortCol)
			s.merge.replaceFirst()
		} else {
			s.merge.removeFirst()
		}
	}

	if s.merge.empty() {
		return nil, nil
	}
	s.routeIDNext = s.merge.first()
	s.counters.ToParent++
	return s.merge.slots[s.routeIDNext].tuple, nil
}

func (s *State) received() {
	s.counters.FromTransport++
	s.exec.Metrics.Motion(strconv.Itoa(s.desc.ID), "received", 1)
}

// Squelch stops the node. A receiver tells its senders to stop.
func (s *State) Squelch() {
	s.stopRequested = true
	s.exec.activeRecvID = -1
	if tr := s.exec.Transport; tr != nil {
		tr.SendStop(s.desc.ID)
	}
}

// Rescan is only legal on a receiver that has not returned a tuple yet.
func (s *State) Rescan() error {
	if s.mode != Recv || s.counters.ToParent != 0 {
		return errors.Wrapf(ErrIllegalRescan, "motion %d", s.desc.ID)
	}
	return nil
}

// End releases the merge state and reports the counters.
func (s *State) End() {
	c := s.counters
	if s.mode == Send {
		s.log.Debug("motion sender done",
			zap.Int64("from_child", c.FromChild),
			zap.Int64("to_transport", c.ToTransport),
			zap.Bool("stopped", s.stopRequested))
	} else {
		s.log.Debug("motion receiver done",
			zap.Int64("from_transport", c.FromTransport),
			zap.Int64("to_parent", c.ToParent))
	}
	if s.exec.activeRecvID == s.desc.ID {
		s.exec.activeRecvID = -1
	}
	s.merge = nil
	s.hasher = nil
}
