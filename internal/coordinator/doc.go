// Package coordinator implements the statement layer of a gangway cluster:
// it knows which segments exist, decides where rows belong, and drives one
// statement at a time per gang through the dispatch engine.
//
// # Overview
//
// The coordinator is the control plane. Segments register with it, the
// fault detector watches them, and every statement is fanned out to one
// primary per content id and collected back into a single outcome.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         COORDINATOR                  │
//	├─────────────────────────────────────┤
//	│                                     │
//	│  ┌──────────────────────────────┐  │
//	│  │   Segment Registry            │  │
//	│  │   - dbid → segment            │  │
//	│  │   - primaries by content id   │  │
//	│  └──────────────────────────────┘  │
//	│                                     │
//	│  ┌──────────────────────────────┐  │
//	│  │   Distribution                │  │
//	│  │   - row → content id          │  │
//	│  │   - coverage check            │  │
//	│  └──────────────────────────────┘  │
//	│                                     │
//	│  ┌──────────────────────────────┐  │
//	│  │   Statement Runner            │  │
//	│  │   - gang allocation           │  │
//	│  │   - dispatch engine           │  │
//	│  │   - outcome aggregation       │  │
//	│  └──────────────────────────────┘  │
//	│                                     │
//	└─────────────────────────────────────┘
//
// # Core Components
//
// Distribution: hash placement policy
//   - Same FNV-1a hash and modulo as a hash motion and a segment shard
//   - Splits a load so each primary receives only the rows it keeps
//   - Rejects primaries that leave a content id uncovered
//
// Coordinator: statement runner
//   - Allocates a gang over the primaries, reusing cached connections
//   - Dispatches, flushes and waits through dispatch.Engine
//   - Cancels the rest of the gang when dispatch fails
//   - Returns per-segment outcomes alongside the statement error
//
// # Failure Handling
//
// Segment errors: the first SQLSTATE recorded wins and the remaining
// segments are canceled. Connection loss: recorded as 08006 without
// blocking the others. Down segments: gang allocation asks the fault
// detector for a probe and reports them.
//
// # Usage Example
//
//	reg := cluster.NewRegistry(topo.Segments...)
//	c := coordinator.New(reg, coordinator.Options{Dispatch: dispatch.DefaultOptions()})
//	defer c.Close()
//
//	out, err := c.Load(ctx, "orders", rows, 0)
//	if err != nil {
//	    var derr *dispatch.Error
//	    if errors.As(err, &derr) {
//	        log.Printf("segment %s failed: %s", derr.Segment.Name(), derr.Code)
//	    }
//	}
//	fmt.Println(out.Completed, out.Rejected)
package coordinator
