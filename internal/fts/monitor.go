// Package fts is the fault tolerance service: it probes every segment of the
// cluster and answers whether a segment is down.
//
// The dispatch engine and the gang creator consult a Monitor through the
// dispatch.FaultDetector interface. A probe request from either of them is
// rate limited and served by the monitor loop.
package fts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/config"
	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/metrics"
)

// Status is the detector's view of one segment.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

// SegmentHealth tracks the probe history of a single segment.
// Thread-safe: Protected by Monitor's mutex when accessed.
type SegmentHealth struct {
	LastCheck        time.Time           // Timestamp of the last probe attempt
	LastHealthy      time.Time           // Timestamp of the last successful probe
	Segment          cluster.SegmentInfo // Probed segment
	Status           Status              // Current status
	ConsecutiveFails int                 // Number of consecutive failed probes
	InRecovery       bool                // Segment answered but is replaying
}

// CheckFunc probes one segment.
type CheckFunc func(ctx context.Context, seg cluster.SegmentInfo) (cluster.HealthResponse, error)

// Options configures a Monitor.
type Options struct {
	Interval     time.Duration // How often every segment is probed
	ProbeTimeout time.Duration // Bound of one probe
	MaxFailures  int           // Consecutive failures before a segment is down
	ProbeRate    float64       // Probe requests honored per second
	Workers      int           // Probes running at once
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// OptionsFromConfig maps the fts configuration section onto Options.
func OptionsFromConfig(cfg config.FTSConfig) Options {
	return Options{
		Interval:     cfg.Interval,
		ProbeTimeout: cfg.ProbeTimeout,
		MaxFailures:  cfg.MaxFailures,
		ProbeRate:    cfg.ProbeRate,
		Workers:      cfg.Workers,
	}
}

// Monitor performs periodic probes on all segments of the cluster.
// It tracks segment status and bumps a generation counter whenever a segment
// goes down or comes back.
// Thread-safe: All methods are safe for concurrent access.
type Monitor struct {
	segments   map[int]*SegmentHealth        // Current health per dbid
	checkFunc  CheckFunc                     // Function performing one probe
	onDown     func(seg cluster.SegmentInfo) // Callback when a segment goes down
	pool       *ants.Pool                    // Bounds concurrent probes
	limiter    *rate.Limiter                 // Throttles RequestProbe
	probeReq   chan struct{}                 // Pending probe request
	generation atomic.Uint64                 // Configuration generation
	log        *zap.Logger
	metrics    *metrics.Metrics
	ctx        context.Context    // Context for cancellation
	cancel     context.CancelFunc // Cancel function for shutdown
	interval   time.Duration
	timeout    time.Duration
	mu         sync.RWMutex   // Protects segments
	wg         sync.WaitGroup // Wait group for graceful shutdown
	maxFails   int
}

// NewMonitor creates a monitor with the given options. Zero values fall back
// to the defaults of the fts configuration section.
//
// Parameters:
//   - opts: Probe interval, timeout, failure threshold, request rate and pool size
//
// Returns:
//   - *Monitor: Configured monitor ready to start
//   - error: If the probe pool cannot be created
//
// Example:
//
//	mon, err := fts.NewMonitor(fts.OptionsFromConfig(cfg.FTS))
//	if err != nil {
//	    return err
//	}
//	go mon.Start(ctx, registry.Segments)
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.ProbeRate <= 0 {
		opts.ProbeRate = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	log := logging.OrNop(opts.Logger).Named("fts")

	pool, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(v any) {
		log.Error("probe panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create probe pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		segments: make(map[int]*SegmentHealth),
		pool:     pool,
		limiter:  rate.NewLimiter(rate.Limit(opts.ProbeRate), 1),
		probeReq: make(chan struct{}, 1),
		log:      log,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		interval: opts.Interval,
		timeout:  opts.ProbeTimeout,
		maxFails: opts.MaxFailures,
	}
	m.checkFunc = m.defaultCheck
	return m, nil
}

// SetCheckFunction overrides the default HTTP probe.
// This is useful for testing or custom probes.
//
// Parameters:
//   - fn: Function that probes one segment
//
// Example:
//
//	mon.SetCheckFunction(func(ctx context.Context, seg cluster.SegmentInfo) (cluster.HealthResponse, error) {
//	    return cluster.HealthResponse{Status: "ok"}, nil
//	})
func (m *Monitor) SetCheckFunction(fn CheckFunc) {
	m.mu.Lock()
	m.checkFunc = fn
	m.mu.Unlock()
}

// SetOnDown sets the callback invoked when a segment is marked down.
func (m *Monitor) SetOnDown(fn func(seg cluster.SegmentInfo)) {
	m.mu.Lock()
	m.onDown = fn
	m.mu.Unlock()
}

// Start probes every segment from provider each interval and whenever a
// probe was requested. It blocks until ctx or the monitor is canceled.
//
// Parameters:
//   - ctx: Context for cancellation
//   - provider: Function returning the current list of segments
//
// Example:
//
//	go mon.Start(ctx, registry.Segments)
func (m *Monitor) Start(ctx context.Context, provider func() []cluster.SegmentInfo) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("fault detector started", zap.Duration("interval", m.interval))
	m.Probe(ctx, provider())

	for {
		select {
		case <-ticker.C:
			m.Probe(ctx, provider())
		case <-m.probeReq:
			m.log.Debug("probing on request")
			m.Probe(ctx, provider())
		case <-ctx.Done():
			m.log.Info("fault detector stopping due to context cancellation")
			return
		case <-m.ctx.Done():
			m.log.Info("fault detector stopping")
			return
		}
	}
}

// Stop shuts the monitor down and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.pool.Release()
}

// Probe checks every given segment once and waits for the results. The
// entry database is never probed. Segments that are no longer listed are
// forgotten.
//
// Parameters:
//   - ctx: Bounds all probes
//   - segs: Segments to probe
func (m *Monitor) Probe(ctx context.Context, segs []cluster.SegmentInfo) {
	current := make(map[int]bool, len(segs))
	var wg sync.WaitGroup
	for _, seg := range segs {
		seg := seg
		if seg.IsEntryDB() {
			continue
		}
		current[seg.DBID] = true
		wg.Add(1)
		if err := m.pool.Submit(func() {
			defer wg.Done()
			m.probeSegment(ctx, seg)
		}); err != nil {
			wg.Done()
			m.log.Warn("unable to schedule probe", zap.String("segment", seg.Name()), zap.Error(err))
		}
	}
	wg.Wait()

	m.mu.Lock()
	for dbid, h := range m.segments {
		if !current[dbid] {
			delete(m.segments, dbid)
			m.log.Info("removed segment from fault detection", zap.String("segment", h.Segment.Name()))
		}
	}
	m.mu.Unlock()
}

// probeSegment runs one probe and records its outcome.
//
// Implementation:
//  1. Get or create the health record
//  2. Probe with the per-probe timeout
//  3. Track consecutive failures
//  4. Mark down after maxFails, up on success, bumping the generation on a flip
func (m *Monitor) probeSegment(ctx context.Context, seg cluster.SegmentInfo) {
	m.mu.Lock()
	h, ok := m.segments[seg.DBID]
	if !ok {
		h = &SegmentHealth{Segment: seg, Status: StatusUnknown, LastHealthy: time.Now()}
		m.segments[seg.DBID] = h
	}
	check := m.checkFunc
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	resp, err := check(pctx, seg)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	h.Segment = seg
	h.LastCheck = time.Now()

	if err != nil {
		m.metrics.Probe("failed")
		h.ConsecutiveFails++
		m.log.Info("probe failed",
			zap.String("segment", seg.Name()),
			zap.Int("attempt", h.ConsecutiveFails),
			zap.Int("max", m.maxFails),
			zap.Error(err))
		if h.ConsecutiveFails >= m.maxFails && h.Status != StatusDown {
			h.Status = StatusDown
			m.generation.Add(1)
			m.log.Warn("segment marked down", zap.String("segment", seg.Name()),
				zap.Int("failures", h.ConsecutiveFails))
			if m.onDown != nil {
				go m.onDown(seg)
			}
		}
		return
	}

	m.metrics.Probe("ok")
	if h.Status == StatusDown {
		m.generation.Add(1)
		m.log.Info("segment recovered", zap.String("segment", seg.Name()))
	}
	h.Status = StatusUp
	h.ConsecutiveFails = 0
	h.LastHealthy = time.Now()
	h.InRecovery = resp.InRecovery
}

// defaultCheck performs an HTTP GET against the segment's /health endpoint.
// A segment answering anything but "ok" outside of recovery counts as failed.
func (m *Monitor) defaultCheck(ctx context.Context, seg cluster.SegmentInfo) (cluster.HealthResponse, error) {
	var resp cluster.HealthResponse
	if err := cluster.GetJSON(ctx, HealthURL(seg.HealthAddr), &resp); err != nil {
		return resp, errors.Wrap(err, "health check request failed")
	}
	if resp.Status != "ok" && !resp.InRecovery {
		return resp, errors.Errorf("segment reported status %q", resp.Status)
	}
	return resp, nil
}

// HealthURL turns a host:port or base URL into the /health URL.
func HealthURL(addr string) string {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}
	return url
}

// IsSegmentDown reports whether the segment is currently marked down.
// Unknown segments and the entry database are never down.
//
// Parameters:
//   - seg: Segment to check
//
// Returns:
//   - bool: true once the segment failed maxFails probes in a row
func (m *Monitor) IsSegmentDown(seg cluster.SegmentInfo) bool {
	if seg.IsEntryDB() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.segments[seg.DBID]
	return ok && h.Status == StatusDown
}

// InRecovery reports whether the segment's last answer said it is recovering.
func (m *Monitor) InRecovery(seg cluster.SegmentInfo) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.segments[seg.DBID]
	return ok && h.InRecovery
}

// Generation returns the configuration generation.
func (m *Monitor) Generation() uint64 {
	return m.generation.Load()
}

// RequestProbe asks the monitor loop for an early probe. Requests beyond the
// configured rate are dropped; it never blocks.
func (m *Monitor) RequestProbe() {
	if !m.limiter.Allow() {
		return
	}
	select {
	case m.probeReq <- struct{}{}:
	default:
	}
}

// SegmentHealth returns a copy of the health record for dbid, or nil.
//
// Example:
//
//	if h := mon.SegmentHealth(2); h != nil && h.Status == fts.StatusUp {
//	    // segment is serving
//	}
func (m *Monitor) SegmentHealth(dbid int) *SegmentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.segments[dbid]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// AllSegmentHealth returns a copy of every health record keyed by dbid.
func (m *Monitor) AllSegmentHealth() map[int]*SegmentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]*SegmentHealth, len(m.segments))
	for id, h := range m.segments {
		cp := *h
		out[id] = &cp
	}
	return out
}
