// Package main implements the gangway coordinator, the control plane that
// tracks segments, watches their health and dispatches statements to them.
//
// The coordinator is responsible for:
//   - Accepting segment registrations
//   - Running the fault detector against every registered segment
//   - Serving sequence ranges to segments through nextval requests
//   - Dispatching commands and hash-distributed loads to the primaries
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Coordinator                │
//	├─────────────────────────────────────────┤
//	│  Admin API (gin):                       │
//	│    /register, /segments, /health        │
//	│    /dispatch, /load, /sequences         │
//	│    /metrics                             │
//	├─────────────────────────────────────────┤
//	│  Fault detector (fts.Monitor)           │
//	│  Statement runner (coordinator)         │
//	│  Sequence server (memory or redis)      │
//	└─────────────────────────────────────────┘
//
// Subcommands:
//   - serve: run the admin API and fault detector until interrupted
//   - dispatch: run one command file against a topology and print the outcome
//   - redistribute: preview a hash motion over in-process segments
//
// Example usage:
//
//	gangway-coordinator serve --listen :8080 --topology cluster.yaml
//	gangway-coordinator dispatch --topology cluster.yaml --file cmd.json
//	gangway-coordinator redistribute --segments 3 --file rows.json
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/config"
	"github.com/dreamware/gangway/internal/coordinator"
	"github.com/dreamware/gangway/internal/dispatch"
	"github.com/dreamware/gangway/internal/fts"
	"github.com/dreamware/gangway/internal/gang"
	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/metrics"
	"github.com/dreamware/gangway/internal/motion"
	"github.com/dreamware/gangway/internal/segment"
	"github.com/dreamware/gangway/internal/sequence"
)

// sequences is the sequence server: the allocator handed to the dispatch
// engine plus a way to define sequences on it.
type sequences struct {
	sequence.Allocator
	define       func(seqID uint32, opts sequence.Options) error
	defaultCache int64
	close        func() error
}

// Define registers a sequence. A zero cache takes the configured default.
func (s *sequences) Define(seqID uint32, opts sequence.Options) error {
	if opts.Cache == 0 {
		opts.Cache = s.defaultCache
	}
	return s.define(seqID, opts)
}

// Close releases the backend connection, if any.
func (s *sequences) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// newSequences builds the allocator selected by cfg.Backend.
//
// Backends:
//   - memory: counters live in this process
//   - redis: counters live in Redis so several coordinators share them
//
// Parameters:
//   - cfg: Backend selection, Redis address and key prefix
//
// Returns:
//   - *sequences: Allocator ready for the dispatch engine
//   - error: Unknown backend
func newSequences(cfg config.SequenceConfig) (*sequences, error) {
	switch cfg.Backend {
	case "", "memory":
		mem := sequence.NewMemoryAllocator()
		return &sequences{
			Allocator: mem,
			define: func(id uint32, o sequence.Options) error {
				mem.Define(id, o)
				return nil
			},
			defaultCache: cfg.Cache,
		}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		r := sequence.NewRedisAllocator(client, cfg.KeyPrefix)
		return &sequences{
			Allocator:    r,
			define:       r.Define,
			defaultCache: cfg.Cache,
			close:        client.Close,
		}, nil
	default:
		return nil, errors.Errorf("unknown sequence backend %q", cfg.Backend)
	}
}

// dispatchOptions maps the dispatch section onto engine options.
func dispatchOptions(cfg *config.Config, seqs sequence.Allocator, m *metrics.Metrics) dispatch.Options {
	opts := dispatch.DefaultOptions()
	opts.WaitTimeout = cfg.Dispatch.WaitTimeout
	opts.CancelTimeout = cfg.Dispatch.CancelTimeout
	opts.FlushPollTimeout = cfg.Dispatch.FlushPollTimeout
	opts.CancelOnError = cfg.Dispatch.CancelOnError
	opts.OwnerID = cfg.Coordinator.OwnerID
	opts.Sequences = seqs
	opts.Metrics = m
	return opts
}

func gangOptions(cfg config.GangConfig, log *zap.Logger) gang.Options {
	return gang.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		RetryCount:     cfg.RetryCount,
		RetryDelay:     cfg.RetryDelay,
		Dial:           gang.DialTCP(log),
		Logger:         log,
	}
}

// loadRegistry seeds the registry from the topology file, if one is set.
func loadRegistry(path string) (*cluster.Registry, error) {
	if path == "" {
		return cluster.NewRegistry(), nil
	}
	topo, err := cluster.LoadTopology(path)
	if err != nil {
		return nil, err
	}
	return cluster.NewRegistry(topo.Segments...), nil
}

// serve runs the admin API and the fault detector until ctx ends.
//
// Startup:
//  1. Seeds the registry from the topology file
//  2. Starts the fault detector over the registry
//  3. Builds the sequence server and the statement runner
//  4. Serves the admin API on coordinator.admin_listen
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg, err := loadRegistry(cfg.Coordinator.TopologyFile)
	if err != nil {
		return err
	}
	m := metrics.New(prometheus.NewRegistry())

	ftsOpts := fts.OptionsFromConfig(cfg.FTS)
	ftsOpts.Logger = log.Named("fts")
	ftsOpts.Metrics = m
	mon, err := fts.NewMonitor(ftsOpts)
	if err != nil {
		return err
	}
	go mon.Start(ctx, reg.Segments)
	defer mon.Stop()

	seqs, err := newSequences(cfg.Sequence)
	if err != nil {
		return err
	}
	defer seqs.Close()

	coord := coordinator.New(reg, coordinator.Options{
		Dispatch:      dispatchOptions(cfg, seqs, m),
		Gang:          gangOptions(cfg.Gang, log),
		FaultDetector: mon,
		Logger:        log,
	})
	defer coord.Close()

	srv := newServer(coord, mon, seqs, m, log)
	hs := &http.Server{
		Addr:              cfg.Coordinator.AdminListen,
		Handler:           srv.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("coordinator listening", zap.String("addr", cfg.Coordinator.AdminListen),
			zap.Int("segments", len(reg.Segments())))
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- errors.Wrap(err, "admin listener")
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(shutdownCtx)
	log.Info("coordinator stopped")
	return err
}

// dispatchFile runs the command in path once against the registry and
// writes the outcome to w as JSON. The outcome is written even when the
// statement failed.
func dispatchFile(ctx context.Context, cfg *config.Config, path string, w io.Writer, log *zap.Logger) error {
	reg, err := loadRegistry(cfg.Coordinator.TopologyFile)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read command %s", path)
	}
	cmd, err := segment.DecodeCommand(data)
	if err != nil {
		return err
	}
	seqs, err := newSequences(cfg.Sequence)
	if err != nil {
		return err
	}
	defer seqs.Close()

	coord := coordinator.New(reg, coordinator.Options{
		Dispatch: dispatchOptions(cfg, seqs, nil),
		Gang:     gangOptions(cfg.Gang, log),
		Logger:   log,
	})
	defer coord.Close()

	out, stmtErr := coord.Execute(ctx, cmd)
	if out != nil {
		if err := writeJSON(w, out); err != nil {
			return err
		}
	}
	return stmtErr
}

// redistributeFile reads a JSON array of rows and prints where a hash
// motion over segs segments places them.
func redistributeFile(ctx context.Context, path string, segs, key int, w io.Writer, log *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read rows %s", path)
	}
	var rows []motion.Row
	if err := bodyCodec.Unmarshal(data, &rows); err != nil {
		return errors.Wrapf(err, "decode rows %s", path)
	}
	placed, err := redistribute(ctx, rows, segs, key, nil, log)
	if err != nil {
		return err
	}
	type segmentRows struct {
		ContentID int          `json:"content_id"`
		Rows      []motion.Row `json:"rows"`
	}
	out := make([]segmentRows, len(placed))
	for i, part := range placed {
		out[i] = segmentRows{ContentID: i, Rows: part}
	}
	return writeJSON(w, out)
}

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gangway-coordinator",
		Short:        "Coordinate a gangway cluster",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd(), newDispatchCmd(), newRedistributeCmd())
	return root
}

// loadConfig reads the config file and applies the topology flag.
func loadConfig(cmd *cobra.Command, topology string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("topology") {
		cfg.Coordinator.TopologyFile = topology
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var listen, topology string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and fault detector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, topology)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Coordinator.AdminListen = listen
			}
			logging.Init(cfg.Log)
			log := logging.Named("coordinator")
			defer log.Sync()
			gin.SetMode(gin.ReleaseMode)
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "admin API listen address")
	cmd.Flags().StringVar(&topology, "topology", "", "YAML file listing the initial segments")
	return cmd
}

func newDispatchCmd() *cobra.Command {
	var file, topology string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch one command file to every primary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, topology)
			if err != nil {
				return err
			}
			logging.Init(cfg.Log)
			log := logging.Named("coordinator")
			defer log.Sync()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return dispatchFile(ctx, cfg, file, cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON command file")
	cmd.Flags().StringVar(&topology, "topology", "", "YAML file listing the segments")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the statement after this long")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRedistributeCmd() *cobra.Command {
	var file string
	var segs, key int
	cmd := &cobra.Command{
		Use:   "redistribute",
		Short: "Show where a hash motion places rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return redistributeFile(cmd.Context(), file, segs, key, cmd.OutOrStdout(), logging.OrNop(nil))
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON array of rows")
	cmd.Flags().IntVar(&segs, "segments", 2, "number of segments")
	cmd.Flags().IntVar(&key, "key", 0, "zero-based hash key column")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
