package segment

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/gangway/internal/dispatch"
	"github.com/dreamware/gangway/internal/storage"
	"github.com/dreamware/gangway/internal/wire"
)

type queued struct {
	gen     uint64
	payload []byte
}

// session serves one coordinator connection. The reader goroutine routes
// frames while run executes commands one at a time.
//
// Every command read bumps gen. Cancel and finish record the gen that was
// current when they arrived, so a late signal for a finished command never
// touches the next one.
type session struct {
	srv *Server
	nc  net.Conn
	pid uint32
	log *zap.Logger

	wmu sync.Mutex

	gen       atomic.Uint64
	cancelGen atomic.Uint64
	finishGen atomic.Uint64

	cmds    chan queued
	seqResp chan wire.SeqResponse
	signal  chan struct{}
	done    chan struct{}
}

func newSession(srv *Server, nc net.Conn, pid uint32) *session {
	return &session{
		srv:     srv,
		nc:      nc,
		pid:     pid,
		log:     srv.log.With(zap.Uint32("pid", pid)),
		cmds:    make(chan queued, 8),
		seqResp: make(chan wire.SeqResponse, 1),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *session) write(t wire.MsgType, payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wire.WriteFrame(s.nc, t, payload)
}

func (s *session) run(ctx context.Context) {
	go s.readLoop()
	for {
		select {
		case q := <-s.cmds:
			if err := s.execute(ctx, q); err != nil {
				s.log.Debug("session ended", zap.Error(err))
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop() {
	defer close(s.done)
	br := bufio.NewReader(s.nc)
	for {
		f, err := wire.ReadFrame(br)
		if err != nil {
			return
		}
		switch f.Type {
		case wire.MsgCommand:
			q := queued{gen: s.gen.Add(1), payload: f.Payload}
			select {
			case s.cmds <- q:
			default:
				s.log.Warn("command queue full, dropping connection")
				s.nc.Close()
				return
			}
		case wire.MsgCancel:
			s.cancelGen.Store(s.gen.Load())
			s.kick()
		case wire.MsgFinish:
			s.finishGen.Store(s.gen.Load())
			s.kick()
		case wire.MsgSeqResp:
			m, err := wire.DecodeSeqResponse(f.Payload)
			if err != nil {
				s.log.Warn("bad sequence response", zap.Error(err))
				continue
			}
			select {
			case s.seqResp <- m:
			default:
				s.log.Warn("unexpected sequence response", zap.Uint32("seq", m.SeqID))
			}
		default:
			s.log.Warn("unknown frame", zap.String("type", string(rune(f.Type))))
		}
	}
}

func (s *session) kick() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *session) canceled(gen uint64) bool { return s.cancelGen.Load() == gen }
func (s *session) finished(gen uint64) bool { return s.finishGen.Load() == gen }

// outcome accumulates what a command reports in its Complete message.
type outcome struct {
	status    wire.Status
	rejected  int64
	completed int64
}

var errFinish = errors.New("finish requested")

func canceledError() error {
	return &pq.Error{Code: pq.ErrorCode(CodeQueryCanceled), Message: "canceling statement due to user request"}
}

// execute runs one command and always ends it with ReadyForQuery. The
// returned error is a write failure only.
func (s *session) execute(ctx context.Context, q queued) error {
	start := time.Now()
	res, err := s.runCommand(ctx, q)
	if err != nil {
		if werr := s.write(wire.MsgError, toWireError(err).Encode()); werr != nil {
			return werr
		}
		s.log.Info("command failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
	} else {
		msg := wire.Complete{Status: res.status, Tag: res.tag, Rejected: res.rejected, Completed: res.completed}
		if werr := s.write(wire.MsgComplete, msg.Encode()); werr != nil {
			return werr
		}
		s.log.Debug("command complete",
			zap.Int64("completed", res.completed),
			zap.Int64("rejected", res.rejected),
			zap.Duration("elapsed", time.Since(start)))
	}
	return s.write(wire.MsgReady, nil)
}

type commandResult struct {
	outcome
	tag string
}

func (s *session) runCommand(ctx context.Context, q queued) (commandResult, error) {
	cmd, err := DecodeCommand(q.payload)
	if err != nil {
		return commandResult{}, err
	}
	res := commandResult{outcome: outcome{status: wire.StatusCommandOK}, tag: cmd.Tag}
	contentID := s.srv.shard.ContentID
	for _, step := range cmd.StepsFor(contentID) {
		if s.canceled(q.gen) {
			return res, canceledError()
		}
		if s.finished(q.gen) {
			break
		}
		err := s.runStep(ctx, q.gen, cmd, step, &res.outcome)
		if errors.Is(err, errFinish) {
			break
		}
		if err != nil {
			return res, err
		}
	}
	if s.canceled(q.gen) {
		return res, canceledError()
	}
	return res, nil
}

func (s *session) runStep(ctx context.Context, gen uint64, cmd Command, step Step, out *outcome) error {
	sh := s.srv.shard
	switch step.Op {
	case OpLoad:
		completed, rejected, err := sh.Load(step.Table, step.Rows, step.distKey())
		if err != nil {
			return err
		}
		out.completed += completed
		out.rejected += rejected
	case OpScan:
		rows, err := sh.Scan(step.Table)
		if errors.Is(err, storage.ErrTableNotFound) {
			return &pq.Error{Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", step.Table)}
		}
		if err != nil {
			return err
		}
		out.status = wire.StatusTuplesOK
		out.completed += int64(len(rows))
	case OpTruncate:
		return sh.Store.Truncate(step.Table)
	case OpNextval:
		return s.nextval(ctx, gen, cmd.Owner, step.Seq)
	case OpAck:
		n := wire.Notify{PID: s.pid, Channel: dispatch.ChannelAck, Payload: step.Token}
		return s.write(wire.MsgNotify, n.Encode())
	case OpSleep:
		return s.sleep(ctx, gen, time.Duration(step.Millis)*time.Millisecond)
	case OpFail:
		code := step.SQLState
		if code == "" {
			code = CodeInternalError
		}
		msg := step.Message
		if msg == "" {
			msg = "step failed"
		}
		return &pq.Error{Code: pq.ErrorCode(code), Message: msg}
	default:
		return &pq.Error{Code: "0A000", Message: fmt.Sprintf("unsupported step %q", step.Op)}
	}
	return nil
}

// nextval asks the coordinator for a sequence range and waits for it.
func (s *session) nextval(ctx context.Context, gen uint64, owner, seqID uint32) error {
	select {
	case <-s.seqResp:
	default:
	}
	n := wire.Notify{PID: s.pid, Channel: dispatch.ChannelNextval, Payload: fmt.Sprintf("%d:%d", owner, seqID)}
	if err := s.write(wire.MsgNotify, n.Encode()); err != nil {
		return err
	}
	for {
		select {
		case resp := <-s.seqResp:
			if resp.Error {
				return &pq.Error{Code: pq.ErrorCode(CodeInternalError),
					Message: fmt.Sprintf("could not obtain next value of sequence %d", seqID)}
			}
			s.log.Debug("sequence range",
				zap.Uint32("seq", resp.SeqID),
				zap.Int64("last", resp.Last),
				zap.Int64("cached", resp.Cached))
			return nil
		case <-s.signal:
			if s.canceled(gen) {
				return canceledError()
			}
		case <-s.done:
			return errors.New("connection closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) sleep(ctx context.Context, gen uint64, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return nil
		case <-s.signal:
			if s.canceled(gen) {
				return canceledError()
			}
			if s.finished(gen) {
				return errFinish
			}
		case <-s.done:
			return errors.New("connection closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func toWireError(err error) wire.Error {
	var perr *pq.Error
	if errors.As(err, &perr) {
		return wire.Error{SQLState: string(perr.Code), Message: perr.Message, Detail: perr.Detail}
	}
	return wire.Error{SQLState: CodeInternalError, Message: err.Error()}
}
