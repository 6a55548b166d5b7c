package main

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/coordinator"
	"github.com/dreamware/gangway/internal/dispatch"
	"github.com/dreamware/gangway/internal/fts"
	"github.com/dreamware/gangway/internal/gang"
	"github.com/dreamware/gangway/internal/metrics"
	"github.com/dreamware/gangway/internal/segment"
	"github.com/dreamware/gangway/internal/sequence"
	"github.com/dreamware/gangway/internal/storage"
)

// bodyCodec keeps JSON integers as int64 so the coordinator hashes row
// values exactly as the segments decode them.
var bodyCodec = sonic.Config{UseInt64: true}.Froze()

// server holds the coordinator's admin API state.
type server struct {
	coord   *coordinator.Coordinator
	monitor *fts.Monitor // nil when the fault detector is disabled
	seqs    *sequences
	metrics *metrics.Metrics
	log     *zap.Logger

	// statementTimeout bounds one dispatched statement; zero means no bound.
	statementTimeout time.Duration
}

func newServer(coord *coordinator.Coordinator, mon *fts.Monitor, seqs *sequences, m *metrics.Metrics, log *zap.Logger) *server {
	return &server{coord: coord, monitor: mon, seqs: seqs, metrics: m, log: log}
}

// router builds the admin API.
//
// Routes:
//   - GET  /health: liveness of the coordinator itself
//   - GET  /segments: registered segments with fault detector state
//   - POST /register: segment registration
//   - POST /dispatch: run a segment.Command on every primary
//   - POST /load: hash-distribute rows into a table
//   - POST /sequences: define a sequence served to nextval requests
//   - GET  /metrics: Prometheus metrics
func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/segments", s.handleSegments)
	r.POST("/register", s.handleRegister)
	r.POST("/dispatch", s.handleDispatch)
	r.POST("/load", s.handleLoad)
	r.POST("/sequences", s.handleDefineSequence)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	return r
}

func (s *server) handleRegister(c *gin.Context) {
	var req cluster.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
		return
	}
	if err := s.coord.Register(req.Segment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// segmentView is one entry of GET /segments.
type segmentView struct {
	cluster.SegmentInfo
	Status           fts.Status `json:"status"`
	InRecovery       bool       `json:"in_recovery"`
	ConsecutiveFails int        `json:"consecutive_fails"`
	LastHealthy      *time.Time `json:"last_healthy,omitempty"`
}

// handleSegments lists the registry ordered by content id.
//
// Response body:
//
//	{
//	  "segments": [{"dbid": 2, "content_id": 0, "addr": "...", "status": "up", ...}],
//	  "generation": 3
//	}
func (s *server) handleSegments(c *gin.Context) {
	segs := s.coord.Registry().Segments()
	out := make([]segmentView, 0, len(segs))
	var gen uint64
	if s.monitor != nil {
		gen = s.monitor.Generation()
	}
	for _, seg := range segs {
		v := segmentView{SegmentInfo: seg, Status: fts.StatusUnknown}
		if s.monitor != nil {
			if h := s.monitor.SegmentHealth(seg.DBID); h != nil {
				v.Status = h.Status
				v.InRecovery = h.InRecovery
				v.ConsecutiveFails = h.ConsecutiveFails
				if !h.LastHealthy.IsZero() {
					t := h.LastHealthy
					v.LastHealthy = &t
				}
			}
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"segments": out, "generation": gen})
}

func (s *server) statementContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.statementTimeout > 0 {
		return context.WithTimeout(parent, s.statementTimeout)
	}
	return context.WithCancel(parent)
}

// handleDispatch runs the posted segment.Command on every primary and
// returns the coordinator.Outcome. A statement error answers 422 with the
// SQLSTATE, the failing segment and the partial outcome.
func (s *server) handleDispatch(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd, err := segment.DecodeCommand(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
		return
	}

	ctx, cancel := s.statementContext(c.Request.Context())
	defer cancel()
	out, err := s.coord.Execute(ctx, cmd)
	s.respond(c, out, err)
}

// loadRequest is the body of POST /load.
type loadRequest struct {
	Table   string        `json:"table"`
	DistKey int           `json:"dist_key"`
	Rows    []storage.Row `json:"rows"`
}

// handleLoad splits rows by distribution key and loads each part on the
// primary that owns it.
func (s *server) handleLoad(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req loadRequest
	if err := bodyCodec.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
		return
	}
	if req.Table == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "table required"})
		return
	}

	ctx, cancel := s.statementContext(c.Request.Context())
	defer cancel()
	out, err := s.coord.Load(ctx, req.Table, req.Rows, req.DistKey)
	s.respond(c, out, err)
}

func (s *server) respond(c *gin.Context, out *coordinator.Outcome, err error) {
	if err == nil {
		c.JSON(http.StatusOK, out)
		return
	}
	var derr *dispatch.Error
	switch {
	case errors.As(err, &derr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    derr.Message,
			"detail":   derr.Detail,
			"sqlstate": string(derr.Code),
			"segment":  derr.Segment.Name(),
			"outcome":  out,
		})
	case errors.Is(err, coordinator.ErrNoSegments), errors.Is(err, gang.ErrSegmentsDown), errors.Is(err, gang.ErrGangLost):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Error("statement failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// sequenceRequest is the body of POST /sequences. Zero bounds and start take
// the defaults of the increment's direction.
type sequenceRequest struct {
	ID        uint32 `json:"id" binding:"required"`
	Start     int64  `json:"start"`
	Increment int64  `json:"increment"`
	Cache     int64  `json:"cache"`
	Min       int64  `json:"min"`
	Max       int64  `json:"max"`
	Cycle     bool   `json:"cycle"`
}

func (s *server) handleDefineSequence(c *gin.Context) {
	var req sequenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
		return
	}
	opts := sequence.Options{
		Start:     req.Start,
		Increment: req.Increment,
		Cache:     req.Cache,
		Min:       req.Min,
		Max:       req.Max,
		Cycle:     req.Cycle,
	}
	if err := s.seqs.Define(req.ID, opts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
