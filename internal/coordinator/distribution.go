// Package coordinator runs statements against the segment fleet.
// See doc.go for complete package documentation.
package coordinator

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/dreamware/gangway/internal/cluster"
	"github.com/dreamware/gangway/internal/motion"
	"github.com/dreamware/gangway/internal/storage"
)

// ErrNoSegments is returned when a statement has nowhere to run.
var ErrNoSegments = errors.New("no segments registered")

// Distribution is the hash placement policy of a cluster: which content id
// owns a row, and whether a set of primaries covers every content id.
//
// The policy is the same one a hash motion and a segment's shard use, so a
// row routed here is accepted by the segment it is sent to:
//
//	┌─────────────────────────────────────┐
//	│         Distribution                │
//	├─────────────────────────────────────┤
//	│  row[distKey] → FNV-1a → mod n      │
//	│  (7, "x") → 0x5c1d… → content 1     │
//	│  NULL key → content 0 (rejected)    │
//	└─────────────────────────────────────┘
//
// Thread Safety:
// A Distribution is immutable and safe for concurrent use.
type Distribution struct {
	// numSegments is the number of primary content ids, [0, numSegments).
	numSegments int
}

// NewDistribution creates a placement policy over numSegments primaries.
//
// Parameters:
//   - numSegments: Number of primary content ids (must be > 0)
//
// Returns:
//   - *Distribution: Policy ready for routing
//   - error: numSegments is not positive
//
// Example:
//
//	dist, err := NewDistribution(4)
//	content := dist.ContentForRow(storage.Row{int64(7), "x"}, 0)
func NewDistribution(numSegments int) (*Distribution, error) {
	if numSegments <= 0 {
		return nil, fmt.Errorf("invalid segment count %d: must be positive", numSegments)
	}
	return &Distribution{numSegments: numSegments}, nil
}

// NumSegments returns the number of primary content ids.
func (d *Distribution) NumSegments() int {
	return d.numSegments
}

// ContentForRow returns the content id that owns row.
//
// Routing process:
//   - Column distKey is hashed with motion.FNVHasher
//   - The hash is reduced modulo the segment count
//   - A NULL or missing key routes to content 0, whose shard rejects it
//
// Parameters:
//   - row: Row to place
//   - distKey: Column index of the distribution key
//
// Returns:
//   - Content id in [0, NumSegments())
func (d *Distribution) ContentForRow(row storage.Row, distKey int) int {
	if distKey < 0 || distKey >= len(row) || row[distKey] == nil {
		return 0
	}
	h := motion.NewFNVHasher(d.numSegments)
	h.Init()
	h.Add(1, row[distKey])
	return h.Reduce()
}

// SplitRows groups rows by owning content id, preserving their order.
//
// Use cases:
//   - Sending each segment only the rows of a load it keeps
//   - Previewing placement before a load
//
// Parameters:
//   - rows: Rows to place
//   - distKey: Column index of the distribution key
//
// Returns:
//   - Map from content id to its rows; content ids without rows are absent
func (d *Distribution) SplitRows(rows []storage.Row, distKey int) map[int][]storage.Row {
	out := make(map[int][]storage.Row)
	for _, r := range rows {
		c := d.ContentForRow(r, distKey)
		out[c] = append(out[c], r)
	}
	return out
}

// CheckCoverage verifies that primaries has exactly one segment for each
// content id.
//
// Parameters:
//   - primaries: Segments a statement would run on, one per content id
//
// Returns:
//   - nil when every content id in [0, NumSegments()) is covered once
//   - ErrNoSegments when primaries is empty
//   - Error naming the first missing or out-of-range content id
func (d *Distribution) CheckCoverage(primaries []cluster.SegmentInfo) error {
	if len(primaries) == 0 {
		return ErrNoSegments
	}
	seen := make([]bool, d.numSegments)
	for _, s := range primaries {
		if s.ContentID < 0 || s.ContentID >= d.numSegments {
			return fmt.Errorf("segment %s: content id out of range [0, %d)", s.Name(), d.numSegments)
		}
		if seen[s.ContentID] {
			return fmt.Errorf("content %d has more than one primary", s.ContentID)
		}
		seen[s.ContentID] = true
	}
	for c, ok := range seen {
		if !ok {
			return fmt.Errorf("no primary registered for content %d", c)
		}
	}
	return nil
}
