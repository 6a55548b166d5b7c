package interconnect

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/gangway/internal/motion"
)

// ErrClosed is returned to anyone blocked on a motion that was closed.
var ErrClosed = errors.New("interconnect: motion closed")

// stream is the state of one motion. queues is indexed by receiver then sender.
type stream struct {
	mu       sync.Mutex
	changed  chan struct{}
	capacity int

	senders   int
	receivers int
	queues    [][][]motion.Tuple
	eos       []bool
	stopped   []bool
	next      []int
	closed    bool
}

func newStream(senders, receivers, capacity int) *stream {
	s := &stream{
		changed:   make(chan struct{}),
		capacity:  capacity,
		senders:   senders,
		receivers: receivers,
		queues:    make([][][]motion.Tuple, receivers),
		eos:       make([]bool, senders),
		stopped:   make([]bool, receivers),
		next:      make([]int, receivers),
	}
	for r := range s.queues {
		s.queues[r] = make([][]motion.Tuple, senders)
	}
	return s
}

func (s *stream) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// waitLocked releases the lock until the stream changes or ctx ends.
func (s *stream) waitLocked(ctx context.Context) error {
	ch := s.changed
	s.mu.Unlock()
	defer s.mu.Lock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (s *stream) checkSender(sender int) error {
	if sender < 0 || sender >= s.senders {
		return errors.Errorf("interconnect: sender %d out of range [0,%d)", sender, s.senders)
	}
	if s.eos[sender] {
		return errors.Errorf("interconnect: sender %d already sent end of stream", sender)
	}
	return nil
}

// send queues t for receiver recv. A tuple for a stopped receiver is dropped;
// StopSending is reported only once every receiver stopped.
func (s *stream) send(ctx context.Context, sender, recv int, t motion.Tuple) (motion.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSender(sender); err != nil {
		return motion.StopSending, err
	}
	if recv < 0 || recv >= s.receivers {
		return motion.StopSending, errors.Errorf("interconnect: route %d out of range [0,%d)", recv, s.receivers)
	}
	for {
		if s.closed {
			return motion.StopSending, ErrClosed
		}
		if s.stopped[recv] {
			if s.allStoppedLocked() {
				return motion.StopSending, nil
			}
			return motion.SendComplete, nil
		}
		if q := s.queues[recv][sender]; len(q) < s.capacity {
			s.queues[recv][sender] = append(q, t)
			s.notifyLocked()
			return motion.SendComplete, nil
		}
		if err := s.waitLocked(ctx); err != nil {
			return motion.StopSending, err
		}
	}
}

// broadcast delivers t to every receiver that has not stopped. It reports
// StopSending once all receivers stopped.
func (s *stream) broadcast(ctx context.Context, sender int, t motion.Tuple) (motion.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSender(sender); err != nil {
		return motion.StopSending, err
	}
	live := 0
	for r := 0; r < s.receivers; r++ {
		for {
			if s.closed {
				return motion.StopSending, ErrClosed
			}
			if s.stopped[r] {
				break
			}
			if q := s.queues[r][sender]; len(q) < s.capacity {
				s.queues[r][sender] = append(q, t)
				live++
				s.notifyLocked()
				break
			}
			if err := s.waitLocked(ctx); err != nil {
				return motion.StopSending, err
			}
		}
	}
	if live == 0 {
		return motion.StopSending, nil
	}
	return motion.SendComplete, nil
}

func (s *stream) recv(ctx context.Context, recv, route int) (motion.Tuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recv < 0 || recv >= s.receivers {
		return nil, errors.Errorf("interconnect: receiver %d out of range [0,%d)", recv, s.receivers)
	}
	if route != motion.AnyRoute && (route < 0 || route >= s.senders) {
		return nil, errors.Errorf("interconnect: route %d out of range [0,%d)", route, s.senders)
	}
	for {
		if s.closed {
			return nil, ErrClosed
		}
		if route == motion.AnyRoute {
			if t, ok := s.popAnyLocked(recv); ok {
				return t, nil
			}
			if s.allEOSLocked() {
				return nil, nil
			}
		} else {
			if t, ok := s.popLocked(recv, route); ok {
				return t, nil
			}
			if s.eos[route] {
				return nil, nil
			}
		}
		if err := s.waitLocked(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *stream) popLocked(recv, sender int) (motion.Tuple, bool) {
	q := s.queues[recv][sender]
	if len(q) == 0 {
		return nil, false
	}
	t := q[0]
	q[0] = nil
	s.queues[recv][sender] = q[1:]
	s.notifyLocked()
	return t, true
}

// popAnyLocked takes from the senders round robin.
func (s *stream) popAnyLocked(recv int) (motion.Tuple, bool) {
	for i := 0; i < s.senders; i++ {
		sender := (s.next[recv] + i) % s.senders
		if t, ok := s.popLocked(recv, sender); ok {
			s.next[recv] = sender + 1
			return t, true
		}
	}
	return nil, false
}

func (s *stream) allStoppedLocked() bool {
	for _, stopped := range s.stopped {
		if !stopped {
			return false
		}
	}
	return true
}

func (s *stream) allEOSLocked() bool {
	for _, done := range s.eos {
		if !done {
			return false
		}
	}
	return true
}

func (s *stream) endOfStream(sender int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSender(sender); err != nil {
		return err
	}
	s.eos[sender] = true
	s.notifyLocked()
	return nil
}

// stop marks a receiver as done and drops whatever was queued for it.
func (s *stream) stop(recv int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recv < 0 || recv >= s.receivers || s.stopped[recv] {
		return
	}
	s.stopped[recv] = true
	for sender := range s.queues[recv] {
		s.queues[recv][sender] = nil
	}
	s.notifyLocked()
}
