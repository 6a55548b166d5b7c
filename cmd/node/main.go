// Package main implements the gangway segment worker, which owns one content
// id's data partition and executes commands dispatched by the coordinator.
//
// The node is a worker in the gangway cluster, responsible for:
//   - Serving the dispatch protocol on its segment listener
//   - Holding the rows hashed to its content id
//   - Registering with the coordinator
//   - Answering fault detector probes
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                      │
//	├─────────────────────────────────────────┤
//	│  Dispatch listener (TCP, framed):       │
//	│    M/X/F/S in, C/E/Z/A out              │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - FTS probe target     │
//	│    /info         - Segment information  │
//	│    /state        - Recovery switch      │
//	└─────────────────────────────────────────┘
//
// Configuration comes from an optional YAML file, GANGWAY_NODE_* environment
// variables and command line flags, in increasing precedence.
//
// Example usage:
//
//	gangway-node --dbid 2 --content-id 0 --num-segments 2 \
//	  --listen :6000 --health-listen :8081 \
//	  --coordinator http://localhost:8080
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/config"
	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/segment"
	"github.com/dreamware/gangway/internal/shard"
)

// registerDelay is the pause between registration attempts.
var registerDelay = 400 * time.Millisecond

// Node is one running segment: its dispatch server and the HTTP surface the
// coordinator probes.
//
// Lifecycle:
//   - NewNode builds the shard and dispatch server
//   - Run opens both listeners, registers and blocks until ctx ends
//   - Shutdown is driven by ctx cancellation
type Node struct {
	// Info is what the node advertises to the coordinator.
	Info cluster.SegmentInfo

	// Server executes dispatched commands against the shard.
	Server *segment.Server

	log *zap.Logger
}

// NewNode creates a segment worker with an empty in-memory shard.
//
// Parameters:
//   - info: Identity and advertised addresses of the segment
//   - numSegs: Number of primaries rows are hashed over
//   - log: Logger, may be nil
//
// Returns:
//   - *Node: Node ready to Run
//
// Example:
//
//	n := NewNode(cluster.SegmentInfo{DBID: 2, ContentID: 0, Addr: "127.0.0.1:6000"}, 2, log)
func NewNode(info cluster.SegmentInfo, numSegs int, log *zap.Logger) *Node {
	log = logging.OrNop(log)
	sh := shard.NewShard(info.ContentID, numSegs)
	return &Node{
		Info:   info,
		Server: segment.NewServer(info, sh, log),
		log:    log,
	}
}

// Router builds the node's HTTP API.
//
// Routes:
//   - GET /health: segment.Server.Health as JSON
//   - GET /info: identity, shard metadata and statistics
//   - POST /state: switch the shard between active, recovering and stopping
func (n *Node) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(n.log))

	r.GET("/health", n.handleHealth)
	r.GET("/info", n.handleInfo)
	r.POST("/state", n.handleState)
	return r
}

// Run serves dispatch and HTTP traffic until ctx is canceled.
//
// Startup:
//  1. Opens the dispatch listener and starts the segment server
//  2. Starts the HTTP server
//  3. Registers with the coordinator when one is configured
//
// Parameters:
//   - ctx: Lifetime of the node
//   - cfg: Listener and registration settings
//
// Returns:
//   - error: Listener failure or exhausted registration attempts
func (n *Node) Run(ctx context.Context, cfg config.NodeConfig) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.Listen)
	}
	serveErr := make(chan error, 2)
	go func() { serveErr <- n.Server.Serve(ctx, ln) }()

	hs := &http.Server{
		Addr:              cfg.HealthListen,
		Handler:           n.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		n.log.Info("health endpoint listening", zap.String("addr", cfg.HealthListen))
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- errors.Wrap(err, "health listener")
		}
	}()

	if cfg.Coordinator != "" {
		if err := register(ctx, cfg.Coordinator, n.Info, cfg.RegisterAttempts, n.log); err != nil {
			shutdown(hs, n.Server)
			return err
		}
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	shutdown(hs, n.Server)
	n.log.Info("node stopped")
	return err
}

func shutdown(hs *http.Server, srv *segment.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(ctx)
	_ = srv.Close()
}

// register announces the segment to the coordinator, retrying while the
// coordinator is still starting.
//
// Retry strategy:
//   - attempts tries, registerDelay apart
//   - Stops early when ctx ends
//
// Parameters:
//   - ctx: Cancels the retry loop
//   - coord: Coordinator base URL
//   - info: Segment to register
//   - attempts: Maximum number of tries, at least one
//   - log: Logger
//
// Returns:
//   - error: Last registration failure when every attempt failed
func register(ctx context.Context, coord string, info cluster.SegmentInfo, attempts int, log *zap.Logger) error {
	body := cluster.RegisterRequest{Segment: info}
	url := strings.TrimRight(coord, "/") + "/register"
	attempts = max(attempts, 1)

	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, url, body, nil)
		if lastErr == nil {
			log.Info("registered with coordinator", zap.String("coordinator", coord))
			return nil
		}
		log.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerDelay):
		}
	}
	return errors.Wrap(lastErr, "failed to register with coordinator")
}

func (n *Node) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, n.Server.Health())
}

// handleInfo returns the segment identity and its shard for debugging.
//
// Response body:
//
//	{
//	  "segment": {"dbid": 2, "content_id": 0, "addr": "127.0.0.1:6000", "health_addr": "..."},
//	  "shard": {"content_id": 0, "state": "active", "tables": 1, "rows": 40},
//	  "operations": {"Inserted": 40, "Rejected": 40, "Scans": 2}
//	}
func (n *Node) handleInfo(c *gin.Context) {
	sh := n.Server.Shard()
	c.JSON(http.StatusOK, gin.H{
		"segment":    n.Info,
		"shard":      sh.Info(),
		"operations": sh.GetStats().Ops,
	})
}

type stateRequest struct {
	State shard.ShardState `json:"state" binding:"required"`
}

// handleState moves the shard between states. A recovering shard refuses new
// dispatch connections with 57P03 and reports in_recovery on /health.
func (n *Node) handleState(c *gin.Context) {
	var req stateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.State {
	case shard.ShardStateActive, shard.ShardStateRecovering, shard.ShardStateStopping:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown state %q", req.State)})
		return
	}
	n.Server.Shard().SetState(req.State)
	n.log.Info("shard state changed", zap.String("state", string(req.State)))
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

// advertised returns adv, or listen with a loopback host when adv is empty.
func advertised(listen, adv string) string {
	if adv != "" {
		return adv
	}
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

var configFile string

func newRootCmd() *cobra.Command {
	var overrides config.NodeConfig
	cmd := &cobra.Command{
		Use:          "gangway-node",
		Short:        "Run a gangway segment worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg.Node, overrides)
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "path to a YAML config file")
	f.IntVar(&overrides.DBID, "dbid", 0, "database id of this segment")
	f.IntVar(&overrides.ContentID, "content-id", 0, "content id of this segment")
	f.IntVar(&overrides.NumSegments, "num-segments", 1, "number of primary segments")
	f.StringVar(&overrides.Listen, "listen", ":6000", "dispatch listen address")
	f.StringVar(&overrides.HealthListen, "health-listen", ":8081", "health endpoint listen address")
	f.StringVar(&overrides.Coordinator, "coordinator", "", "coordinator base URL")
	f.StringVar(&overrides.Advertise, "advertise", "", "dispatch address advertised to the coordinator")
	f.StringVar(&overrides.HealthAdvertise, "health-advertise", "", "health address advertised to the coordinator")
	return cmd
}

// applyFlags copies the flags the user set over the loaded config.
func applyFlags(cmd *cobra.Command, dst *config.NodeConfig, src config.NodeConfig) {
	f := cmd.Flags()
	if f.Changed("dbid") {
		dst.DBID = src.DBID
	}
	if f.Changed("content-id") {
		dst.ContentID = src.ContentID
	}
	if f.Changed("num-segments") {
		dst.NumSegments = src.NumSegments
	}
	if f.Changed("listen") {
		dst.Listen = src.Listen
	}
	if f.Changed("health-listen") {
		dst.HealthListen = src.HealthListen
	}
	if f.Changed("coordinator") {
		dst.Coordinator = src.Coordinator
	}
	if f.Changed("advertise") {
		dst.Advertise = src.Advertise
	}
	if f.Changed("health-advertise") {
		dst.HealthAdvertise = src.HealthAdvertise
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Init(cfg.Log)
	log := logging.Named("node")
	defer log.Sync()
	gin.SetMode(gin.ReleaseMode)

	nc := cfg.Node
	info := cluster.SegmentInfo{
		DBID:       nc.DBID,
		ContentID:  nc.ContentID,
		Addr:       advertised(nc.Listen, nc.Advertise),
		HealthAddr: advertised(nc.HealthListen, nc.HealthAdvertise),
	}
	log.Info("starting segment", zap.String("segment", info.Name()), zap.Int("num_segments", nc.NumSegments))
	return NewNode(info, nc.NumSegments, log).Run(ctx, nc)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
