// Package interconnect moves motion tuples between slices running in the
// same process. Each motion is a grid of bounded queues, one per
// (receiver, sender) pair.
package interconnect

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/motion"
)

// DefaultCapacity is the number of tuples a route buffers before a sender blocks.
const DefaultCapacity = 64

// ErrUnknownMotion is returned for a motion id that was never opened.
var ErrUnknownMotion = errors.New("interconnect: unknown motion")

// Fabric connects the endpoints of every open motion.
type Fabric struct {
	capacity int
	log      *zap.Logger

	mu      sync.Mutex
	motions map[int]*stream
}

// New returns a fabric whose routes buffer capacity tuples.
func New(capacity int, log *zap.Logger) *Fabric {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Fabric{
		capacity: capacity,
		log:      logging.OrNop(log),
		motions:  make(map[int]*stream),
	}
}

// Open registers a motion with the given number of sending and receiving
// processes. Opening an existing motion resets it.
func (f *Fabric) Open(motionID, senders, receivers int) error {
	if senders <= 0 || receivers <= 0 {
		return errors.Errorf("interconnect: motion %d needs senders and receivers, got %d and %d", motionID, senders, receivers)
	}
	f.mu.Lock()
	f.motions[motionID] = newStream(senders, receivers, f.capacity)
	f.mu.Unlock()
	f.log.Debug("motion opened", zap.Int("motion", motionID),
		zap.Int("senders", senders), zap.Int("receivers", receivers))
	return nil
}

// Close drops a motion and wakes everyone blocked on it.
func (f *Fabric) Close(motionID int) {
	f.mu.Lock()
	s := f.motions[motionID]
	delete(f.motions, motionID)
	f.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		s.closed = true
		s.notifyLocked()
		s.mu.Unlock()
	}
}

// Endpoint returns the transport of the process at index seg. It sends as
// sender seg and receives as receiver seg.
func (f *Fabric) Endpoint(seg int) *Endpoint {
	return &Endpoint{fabric: f, seg: seg}
}

func (f *Fabric) stream(motionID int) (*stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.motions[motionID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMotion, "motion %d", motionID)
	}
	return s, nil
}

// Endpoint is one process's view of the fabric.
type Endpoint struct {
	fabric *Fabric
	seg    int
}

var _ motion.Transport = (*Endpoint)(nil)

func (e *Endpoint) Send(ctx context.Context, motionID int, t motion.Tuple, route int) (motion.SendResult, error) {
	s, err := e.fabric.stream(motionID)
	if err != nil {
		return motion.StopSending, err
	}
	if route == motion.BroadcastRoute {
		return s.broadcast(ctx, e.seg, t)
	}
	return s.send(ctx, e.seg, route, t)
}

func (e *Endpoint) Recv(ctx context.Context, motionID int, route int) (motion.Tuple, error) {
	s, err := e.fabric.stream(motionID)
	if err != nil {
		return nil, err
	}
	return s.recv(ctx, e.seg, route)
}

func (e *Endpoint) SendEndOfStream(_ context.Context, motionID int) error {
	s, err := e.fabric.stream(motionID)
	if err != nil {
		return err
	}
	return s.endOfStream(e.seg)
}

func (e *Endpoint) SendStop(motionID int) {
	s, err := e.fabric.stream(motionID)
	if err != nil {
		e.fabric.log.Debug("stop for closed motion", zap.Int("motion", motionID))
		return
	}
	s.stop(e.seg)
}
