// Package segment implements the worker side of the dispatch protocol.
//
// A Server accepts coordinator connections, runs one command at a time per
// connection against the segment's shard and reports results, sequence
// requests and acknowledgements back. Cancel and finish signals are honored
// between steps and interrupt sleeps and sequence waits.
package segment

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/logging"
	"github.com/dreamware/gangway/internal/shard"
	"github.com/dreamware/gangway/internal/wire"
)

// SQLSTATE codes sent by a worker.
const (
	CodeQueryCanceled    = "57014"
	CodeAdminShutdown    = "57P01"
	CodeCannotConnectNow = "57P03"
	CodeInternalError    = "XX000"
)

// Server serves dispatch connections for one segment.
type Server struct {
	info  cluster.SegmentInfo
	shard *shard.Shard
	log   *zap.Logger

	nextPID atomic.Uint32

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer returns a server for the segment described by info.
func NewServer(info cluster.SegmentInfo, sh *shard.Shard, log *zap.Logger) *Server {
	return &Server{
		info:     info,
		shard:    sh,
		log:      logging.OrNop(log).With(zap.String("segment", info.Name())),
		sessions: make(map[*session]struct{}),
	}
}

// Shard returns the data partition the server executes against.
func (s *Server) Shard() *shard.Shard { return s.shard }

// Health reports the segment state for the fault detector.
func (s *Server) Health() cluster.HealthResponse {
	resp := cluster.HealthResponse{Status: "ok", DBID: s.info.DBID}
	switch s.shard.GetState() {
	case shard.ShardStateRecovering:
		resp.Status = "recovering"
		resp.InRecovery = true
	case shard.ShardStateStopping:
		resp.Status = "stopping"
	}
	return resp
}

// Serve accepts connections on ln until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("segment server closed")
	}
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info("segment listening", zap.String("addr", ln.Addr().String()))
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	switch s.shard.GetState() {
	case shard.ShardStateRecovering:
		s.refuse(nc, CodeCannotConnectNow, "the database system is in recovery mode")
		return
	case shard.ShardStateStopping:
		s.refuse(nc, CodeAdminShutdown, "the database system is shutting down")
		return
	}

	sess := newSession(s, nc, s.nextPID.Add(1))
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	if err := sess.write(wire.MsgReady, nil); err != nil {
		return
	}
	sess.run(ctx)
}

func (s *Server) refuse(nc net.Conn, code, msg string) {
	s.log.Info("refusing connection", zap.String("sqlstate", code))
	_ = wire.WriteFrame(nc, wire.MsgError, wire.Error{SQLState: code, Message: msg}.Encode())
}

// Close stops accepting, drops every session and waits for them to end.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for sess := range s.sessions {
		sess.nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
