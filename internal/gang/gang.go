// Package gang creates the sets of segment connections a statement is
// dispatched to.
package gang

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/config"
	"github.com/dreamware/gangway/internal/dispatch"
	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/segconn"
)

var (
	// ErrGangLost is returned inside a transaction when a segment the
	// transaction may have touched went down.
	ErrGangLost = errors.New("gang was lost due to cluster reconfiguration")
	// ErrSegmentsDown is returned when gang creation failed and the fault
	// detector confirms a segment is down.
	ErrSegmentsDown = errors.New("FTS detected one or more segments are down")
)

// Conn is a segment connection a gang can hold and reuse.
type Conn interface {
	dispatch.Conn
	// Idle reports whether the connection can take a new command.
	Idle() bool
}

// DialFunc opens a connection to one segment.
type DialFunc func(ctx context.Context, seg cluster.SegmentInfo) (Conn, error)

// DialTCP dials segments with the wire protocol.
func DialTCP(log *zap.Logger) DialFunc {
	return func(ctx context.Context, seg cluster.SegmentInfo) (Conn, error) {
		c, err := segconn.Dial(ctx, seg, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Options configures a Creator.
type Options struct {
	ConnectTimeout time.Duration
	// RetryCount bounds retries while segments report recovery mode.
	RetryCount int
	RetryDelay time.Duration

	Dial          DialFunc
	FaultDetector dispatch.FaultDetector
	Logger        *zap.Logger
}

// OptionsFromConfig maps the gang configuration section onto Options.
func OptionsFromConfig(cfg config.GangConfig) Options {
	return Options{
		ConnectTimeout: cfg.ConnectTimeout,
		RetryCount:     cfg.RetryCount,
		RetryDelay:     cfg.RetryDelay,
	}
}

// Gang is one connection per segment, in the order the segments were given.
type Gang struct {
	ID       uuid.UUID
	segments []cluster.SegmentInfo
	conns    []Conn
}

func (g *Gang) Members() []dispatch.Conn {
	out := make([]dispatch.Conn, len(g.conns))
	for i, c := range g.conns {
		out[i] = c
	}
	return out
}

func (g *Gang) Segments() []cluster.SegmentInfo { return g.segments }

func (g *Gang) Size() int { return len(g.conns) }

// Creator allocates gangs and keeps idle connections for reuse.
type Creator struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	idle map[int][]Conn
}

func NewCreator(opts Options) *Creator {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	log := logging.OrNop(opts.Logger).Named("gang")
	if opts.Dial == nil {
		opts.Dial = DialTCP(log)
	}
	return &Creator{opts: opts, log: log, idle: make(map[int][]Conn)}
}

// Allocate returns a gang connected to every segment in segs. Inside a
// transaction a down segment fails the request without connecting.
func (c *Creator) Allocate(ctx context.Context, segs []cluster.SegmentInfo, inTransaction bool) (*Gang, error) {
	if inTransaction && c.anyDown(segs) {
		return nil, ErrGangLost
	}

	for attempt := 0; ; attempt++ {
		conns, err := c.connectAll(ctx, segs)
		if err == nil {
			g := &Gang{ID: uuid.New(), segments: segs, conns: conns}
			c.log.Debug("gang created", zap.Stringer("gang", g.ID), zap.Int("size", len(conns)), zap.Int("retries", attempt))
			return g, nil
		}
		if isRecovery(err) && attempt < c.opts.RetryCount {
			c.log.Info("segment in recovery mode, retrying gang creation",
				zap.Int("attempt", attempt+1), zap.Error(err))
			select {
			case <-time.After(c.opts.RetryDelay):
				continue
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "gang creation canceled")
			}
		}

		if fd := c.opts.FaultDetector; fd != nil {
			fd.RequestProbe()
			if c.anyDown(segs) {
				return nil, errors.Wrap(ErrSegmentsDown, err.Error())
			}
		}
		return nil, errors.Wrap(err, "failed to acquire resources on one or more segments")
	}
}

func (c *Creator) anyDown(segs []cluster.SegmentInfo) bool {
	fd := c.opts.FaultDetector
	if fd == nil {
		return false
	}
	for _, s := range segs {
		if fd.IsSegmentDown(s) {
			return true
		}
	}
	return false
}

// connectAll opens or reuses one connection per segment in parallel. On
// failure every connection taken is closed.
func (c *Creator) connectAll(ctx context.Context, segs []cluster.SegmentInfo) ([]Conn, error) {
	conns := make([]Conn, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segs {
		i, seg := i, seg
		if cached := c.takeIdle(seg); cached != nil {
			conns[i] = cached
			continue
		}
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, c.opts.ConnectTimeout)
			defer cancel()
			conn, err := c.opts.Dial(dctx, seg)
			if err != nil {
				return errors.Wrapf(err, "connection to %s failed", seg.Name())
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
		return nil, err
	}
	return conns, nil
}

func (c *Creator) takeIdle(seg cluster.SegmentInfo) Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.idle[seg.DBID]
	for len(list) > 0 {
		conn := list[len(list)-1]
		list = list[:len(list)-1]
		if conn.Idle() && !conn.IsBad() {
			c.idle[seg.DBID] = list
			return conn
		}
		conn.Close()
	}
	delete(c.idle, seg.DBID)
	return nil
}

// Release returns the gang's reusable connections to the cache and closes the rest.
func (c *Creator) Release(g *Gang) {
	if g == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range g.conns {
		if conn.IsBad() || !conn.Idle() {
			conn.Close()
			continue
		}
		dbid := conn.Segment().DBID
		c.idle[dbid] = append(c.idle[dbid], conn)
	}
	g.conns = nil
}

// Destroy closes every connection of the gang.
func (c *Creator) Destroy(g *Gang) {
	if g == nil {
		return
	}
	for _, conn := range g.conns {
		conn.Close()
	}
	g.conns = nil
}

// Close closes all cached connections.
func (c *Creator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for dbid, list := range c.idle {
		for _, conn := range list {
			conn.Close()
		}
		delete(c.idle, dbid)
	}
}

// IdleCount returns the number of cached connections.
func (c *Creator) IdleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.idle {
		n += len(list)
	}
	return n
}

func isRecovery(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == segconn.CodeCannotConnectNow
}
