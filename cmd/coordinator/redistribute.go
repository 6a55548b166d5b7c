package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/gangway/internal/interconnect"
	"github.com/dreamware/gangway/internal/metrics"
	"github.com/dreamware/gangway/internal/motion"
)

// redistributeMotionID is the motion id used by the local redistribution.
const redistributeMotionID = 1

// redistribute runs a hash motion over an in-process interconnect: the rows
// are dealt round robin to segs senders, hashed on column key and collected
// by segs receivers. It returns the rows each receiver got, in arrival
// order, so placement can be previewed without a running cluster.
func redistribute(ctx context.Context, rows []motion.Row, segs, key int, m *metrics.Metrics, log *zap.Logger) ([][]motion.Row, error) {
	if segs <= 0 {
		return nil, errors.Errorf("invalid segment count %d", segs)
	}
	fabric := interconnect.New(64, log)
	if err := fabric.Open(redistributeMotionID, segs, segs); err != nil {
		return nil, err
	}
	defer fabric.Close(redistributeMotionID)

	desc := motion.Descriptor{
		ID:           redistributeMotionID,
		Kind:         motion.Hash,
		NumInputSegs: segs,
		NumHashSegs:  segs,
		HashKeys:     []motion.Expr{motion.Column(key)},
	}
	inputs := make([][]motion.Row, segs)
	for i, r := range rows {
		inputs[i%segs] = append(inputs[i%segs], r)
	}

	out := make([][]motion.Row, segs)
	g, gctx := errgroup.WithContext(ctx)
	for seg := 0; seg < segs; seg++ {
		seg := seg
		send, err := motion.NewState(desc, motion.Send, executor(fabric, seg, m, log), motion.NewRowSource(inputs[seg]...))
		if err != nil {
			return nil, err
		}
		recv, err := motion.NewState(desc, motion.Recv, executor(fabric, seg, m, log), nil)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			_, err := send.Next(gctx)
			return err
		})
		g.Go(func() error {
			tuples, err := motion.Collect(gctx, recv)
			for _, t := range tuples {
				out[seg] = append(out[seg], asRow(t))
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func executor(f *interconnect.Fabric, seg int, m *metrics.Metrics, log *zap.Logger) *motion.Executor {
	exec := motion.NewExecutor(f.Endpoint(seg), seg, 0)
	exec.Log = log
	exec.Metrics = m
	return exec
}

func asRow(t motion.Tuple) motion.Row {
	if r, ok := t.(motion.Row); ok {
		return r
	}
	r := make(motion.Row, t.NumAttrs())
	for i := range r {
		r[i] = t.Attr(i)
	}
	return r
}
