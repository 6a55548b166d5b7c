package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	errInterrupted = errors.New("poll interrupted")
	errBadSocket   = errors.New("poll on broken connection")
)

func (e *Engine) checkDispatchResult(ctx context.Context, timeout time.Duration) {
	if e.closed {
		return
	}

	start := time.Now()
	sentSignal := false
	var ftsGen uint64
	ftsSeen := false
	polled := make([]*Result, 0, len(e.results))

	for {
		if (ctx.Err() != nil || e.errcode != "") && e.opts.CancelOnError {
			e.escalate(WaitCancel)
		}

		polled = polled[:0]
		ackCount := 0
		for _, r := range e.results {
			if e.mode == WaitAckRoot && e.checkAck(r) {
				ackCount++
				continue
			}
			if !r.stillRunning {
				continue
			}

			// Push out anything left from dispatch so the segment is not
			// waiting on a partial command while we wait on it.
			if r.conn.HasPendingOutput() {
				if _, err := r.conn.Flush(); err != nil {
					e.log.Info("failed flushing outbound data",
						zap.String("segment", r.segment.Name()), zap.Error(err))
				}
			}

			if r.conn.IsBad() {
				e.log.Warn("connection is broken",
					zap.String("segment", r.segment.Name()),
					zap.String("reason", r.conn.ErrorMessage()))
				r.appendMessage("Connection (%s) is broken: %s", r.segment.Name(), r.conn.ErrorMessage())
				e.markConnLost(r)
				continue
			}
			polled = append(polled, r)
		}

		if len(polled) == 0 || (e.mode == WaitAckRoot && ackCount == e.rootGangSize) {
			return
		}

		var wait time.Duration
		switch {
		case timeout == NoWait:
			wait = 0
		case e.mode == WaitNone || e.mode == WaitAckRoot || sentSignal:
			wait = e.opts.WaitTimeout
		default:
			wait = e.opts.CancelTimeout
		}
		if timeout > 0 {
			if remaining := timeout - time.Since(start); remaining < wait {
				wait = max(remaining, 0)
			}
		}

		ready, err := e.poll(ctx, polled, wait)
		switch {
		case errors.Is(err, errInterrupted):
			continue

		case err != nil:
			e.log.Info("poll failed, checking connections", zap.Error(err))
			e.handlePollError()
			e.fts.RequestProbe()
			e.checkSegmentAlive()
			if e.mode == WaitFinish || e.mode == WaitCancel {
				e.signalQEs()
				sentSignal = true
			}
			if timeout >= 0 && time.Since(start) >= timeout {
				return
			}

		case len(ready) == 0:
			if e.mode == WaitFinish || e.mode == WaitCancel {
				e.signalQEs()
				sentSignal = true
			}
			// The detector probes on its own schedule; only look again when
			// it has seen a change.
			if gen := e.fts.Generation(); !ftsSeen || gen != ftsGen {
				ftsSeen = true
				ftsGen = gen
				e.checkSegmentAlive()
			}
			if timeout >= 0 && time.Since(start) >= timeout {
				return
			}

		default:
			e.handlePollSuccess(ctx, ready)
		}
	}
}

// poll waits until one of polled has input, a connection breaks, or wait
// passes. It is level triggered: input already waiting returns at once.
func (e *Engine) poll(ctx context.Context, polled []*Result, wait time.Duration) ([]*Result, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}
	var interrupt <-chan struct{}
	if e.opts.CancelOnError && e.mode != WaitCancel {
		interrupt = ctx.Done()
	}

	for {
		var ready []*Result
		for _, r := range polled {
			if r.conn.IsBad() {
				return nil, errBadSocket
			}
			if r.conn.Readable() {
				ready = append(ready, r)
			}
		}
		if len(ready) > 0 || wait <= 0 {
			return ready, nil
		}

		select {
		case <-e.wake:
		case <-deadline:
			return nil, nil
		case <-interrupt:
			return nil, errInterrupted
		}
	}
}

func (e *Engine) handlePollError() {
	for _, r := range e.results {
		if !r.stillRunning {
			continue
		}
		if e.mode == WaitAckRoot && r.receivedAck {
			continue
		}
		if !r.conn.IsBad() {
			continue
		}
		msg := r.conn.ErrorMessage()
		if msg == "" {
			msg = "unknown error"
		}
		e.log.Info("dispatcher noticed bad connection",
			zap.String("segment", r.segment.Name()), zap.String("reason", msg))
		r.appendMessage("Error after dispatch from %s: %s", r.segment.Name(), msg)
		_ = r.conn.Close()
		e.markConnLost(r)
	}
}

func (e *Engine) handlePollSuccess(ctx context.Context, ready []*Result) {
	for _, r := range ready {
		if !r.stillRunning {
			continue
		}
		if e.mode == WaitAckRoot && r.receivedAck {
			continue
		}
		if !e.processResults(ctx, r) {
			continue
		}
		r.stillRunning = false
		e.opts.Metrics.ObserveDispatch(time.Since(r.dispatchedAt))
		e.log.Debug("finished with segment",
			zap.String("segment", r.segment.Name()),
			zap.Duration("elapsed", time.Since(r.dispatchedAt)))
		if r.conn.IsBusy() {
			e.log.Debug("did not receive query results", zap.String("segment", r.segment.Name()))
		}
	}
}

// processResults consumes input from one connection. It returns true once the
// connection has nothing more to say about this statement.
func (e *Engine) processResults(ctx context.Context, r *Result) bool {
	if err := r.conn.ConsumeInput(); err != nil {
		r.appendMessage("Error on receive from %s: %s", r.segment.Name(), err)
		e.markConnLost(r)
		return true
	}

	for !r.conn.IsBusy() {
		if r.conn.IsBad() {
			r.appendMessage("Connection lost when receiving from %s: %s", r.segment.Name(), r.conn.ErrorMessage())
			e.markConnLost(r)
			return true
		}

		res := r.conn.NextResult()
		if res == nil {
			e.handleNotifications(ctx, r)
			return true
		}

		idx := len(r.pgResults)
		r.pgResults = append(r.pgResults, res)

		if res.Status.OK() {
			r.okIndex = idx
			if res.Rejected > 0 {
				r.rejected += res.Rejected
			}
			if res.Completed > 0 {
				r.completed += res.Completed
			}
			if res.Status == StatusCopyIn || res.Status == StatusCopyOut {
				e.handleNotifications(ctx, r)
				return true
			}
			continue
		}

		code := sqlstateOf(res.Err)
		e.log.Debug("segment reported error",
			zap.String("segment", r.segment.Name()),
			zap.String("status", res.Status.String()),
			zap.String("sqlstate", string(code)))
		e.setErrCode(r, code, idx)
	}

	e.handleNotifications(ctx, r)
	return false
}

func (e *Engine) handleNotifications(ctx context.Context, r *Result) {
	for _, n := range r.conn.Notifications() {
		switch n.Channel {
		case ChannelNextval:
			if e.seqErr != nil {
				e.log.Debug("ignoring nextval request after failure", zap.String("segment", r.segment.Name()))
				continue
			}
			e.serveNextval(ctx, r, n.Payload)
		case ChannelAck:
			r.acks = append(r.acks, n.Payload)
		default:
			e.log.Info("got an unknown notify message", zap.String("channel", n.Channel))
		}
	}
}

// serveNextval answers "<owner>:<sequence>" on the requesting connection.
func (e *Engine) serveNextval(ctx context.Context, r *Result, payload string) {
	owner, seqID, ok := parseNextval(payload)
	if !ok {
		e.failSequence(r, newPQError(CodeInternalError, "invalid nextval message %q", payload))
		return
	}
	if owner != e.opts.OwnerID {
		e.failSequence(r, newPQError(CodeInternalError,
			"nextval message owner id:%d doesn't match my owner id:%d", owner, e.opts.OwnerID))
		return
	}
	if e.opts.Sequences == nil {
		e.failSequence(r, newPQError(CodeInternalError, "no sequence server for sequence %d", seqID))
		return
	}

	v, err := e.opts.Sequences.NextVal(ctx, seqID)
	if err != nil {
		v.SeqID = seqID
		if sendErr := r.conn.SendSequenceResponse(v, true); sendErr != nil {
			e.log.Info("failed to send sequence response", zap.Error(sendErr))
		}
		e.failSequence(r, err)
		return
	}
	if err := r.conn.SendSequenceResponse(v, false); err != nil {
		e.failSequence(r, newPQError(CodeInterconnectionError, "Failed to send sequence response: %v", err))
		return
	}
	e.opts.Metrics.Sequence("ok")
}

func (e *Engine) failSequence(r *Result, err error) {
	e.seqErr = err
	e.opts.Metrics.Sequence("error")
	code := CodeInternalError
	var perr *pq.Error
	if errors.As(err, &perr) {
		code = sqlstateOf(perr)
	}
	r.appendMessage("%v", err)
	e.setErrCode(r, code, -1)
	// The requesting segment gets no answer, so the statement cannot finish.
	e.escalate(WaitCancel)
}

func parseNextval(payload string) (owner, seqID uint32, ok bool) {
	a, b, found := strings.Cut(payload, ":")
	if !found {
		return 0, 0, false
	}
	o, err := strconv.ParseUint(a, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	s, err := strconv.ParseUint(b, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(o), uint32(s), true
}

// checkAck reports whether r has acknowledged the current token.
func (e *Engine) checkAck(r *Result) bool {
	if r.receivedAck {
		return true
	}
	for _, tok := range r.acks {
		if tok == e.ackToken {
			r.receivedAck = true
			return true
		}
	}
	return false
}

// signalQEs sends the current escalation to every connection that can still
// use it. A connection is signalled at most once per mode.
func (e *Engine) signalQEs() {
	mode := e.mode
	for _, r := range e.results {
		if !r.stillRunning || r.wasCanceled || r.conn.IsBad() {
			continue
		}
		if mode == WaitAckRoot && r.receivedAck {
			continue
		}
		if r.sentSignal == mode {
			continue
		}
		if err := r.conn.Signal(mode == WaitCancel); err != nil {
			e.log.Info("unable to signal segment",
				zap.String("segment", r.segment.Name()), zap.Error(err))
			continue
		}
		r.sentSignal = mode
		if mode == WaitCancel {
			r.wasCanceled = true
		}
		e.opts.Metrics.Signal(mode.String())
	}
}

// checkSegmentAlive ends every running result whose segment the fault
// detector reports down. The entry database is never checked.
func (e *Engine) checkSegmentAlive() {
	for _, r := range e.results {
		if !r.stillRunning || r.segment.IsEntryDB() {
			continue
		}
		if !e.fts.IsSegmentDown(r.segment) {
			continue
		}
		msg := r.conn.ErrorMessage()
		if msg == "" {
			msg = "unknown error"
		}
		r.appendMessage("FTS detected connection lost during dispatch to %s: %s", r.segment.Name(), msg)
		_ = r.conn.Close()
		e.markConnLost(r)
	}
}

func (e *Engine) markConnLost(r *Result) {
	r.stillRunning = false
	r.connLost = true
	e.setErrCode(r, CodeConnectionFailure, -1)
}
