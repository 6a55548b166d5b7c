package shard

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/gangway/internal/motion"
	"github.com/dreamware/gangway/internal/storage"
)

// ShardState represents the current state of a segment's data partition
type ShardState string

const (
	// ShardStateActive means the shard is serving commands
	ShardStateActive ShardState = "active"
	// ShardStateRecovering means the shard refuses new connections until recovery ends
	ShardStateRecovering ShardState = "recovering"
	// ShardStateStopping means the worker is shutting down
	ShardStateStopping ShardState = "stopping"
)

// Shard is the data partition owned by one segment content id
// Rows are placed by the same hash a hash motion uses
type Shard struct {
	ContentID int           // Content id of the owning segment
	NumSegs   int           // Number of primary segments in the cluster
	Store     storage.Store // The storage backend for this shard
	State     ShardState    // Current shard state
	Stats     *ShardStats   // Operation statistics
	mu        sync.RWMutex  // Protects state changes
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     // Operation counts
	Storage storage.StoreStats // Storage statistics
}

// OperationStats tracks operation counts
type OperationStats struct {
	Inserted uint64 // Rows accepted by Load
	Rejected uint64 // Rows rejected by Load
	Scans    uint64 // Number of scans
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	ContentID int        `json:"content_id"`
	State     ShardState `json:"state"`
	Tables    int        `json:"tables"`
	Rows      int        `json:"rows"`
}

// NewShard creates a new active shard with in-memory storage
// numSegs <= 0 means the shard accepts every row
func NewShard(contentID, numSegs int) *Shard {
	return &Shard{
		ContentID: contentID,
		NumSegs:   numSegs,
		Store:     storage.NewMemoryStore(),
		State:     ShardStateActive,
		Stats:     &ShardStats{},
	}
}

// Load inserts the rows this shard owns and counts the rest as rejected
// distKey < 0 loads every row; otherwise a row whose key column is NULL or
// hashes to another segment is rejected
func (s *Shard) Load(table string, rows []storage.Row, distKey int) (completed, rejected int64, err error) {
	accepted := rows
	if distKey >= 0 {
		accepted = make([]storage.Row, 0, len(rows))
		for _, r := range rows {
			if s.OwnsRow(r, distKey) {
				accepted = append(accepted, r)
			} else {
				rejected++
			}
		}
	}
	if err := s.Store.Insert(table, accepted); err != nil {
		return 0, 0, err
	}
	completed = int64(len(accepted))
	atomic.AddUint64(&s.Stats.Ops.Inserted, uint64(completed))
	atomic.AddUint64(&s.Stats.Ops.Rejected, uint64(rejected))
	return completed, rejected, nil
}

// Scan returns every row of a table
func (s *Shard) Scan(table string) ([]storage.Row, error) {
	atomic.AddUint64(&s.Stats.Ops.Scans, 1)
	return s.Store.Scan(table)
}

// OwnsRow determines if this shard owns a row by its distribution key
func (s *Shard) OwnsRow(r storage.Row, distKey int) bool {
	if distKey < 0 || distKey >= len(r) || r[distKey] == nil {
		return false
	}
	if s.NumSegs <= 0 {
		return true
	}
	h := motion.NewFNVHasher(s.NumSegs)
	h.Init()
	h.Add(1, r[distKey])
	return h.Reduce() == s.ContentID
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Inserted: atomic.LoadUint64(&s.Stats.Ops.Inserted),
			Rejected: atomic.LoadUint64(&s.Stats.Ops.Rejected),
			Scans:    atomic.LoadUint64(&s.Stats.Ops.Scans),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	st := s.Store.Stats()
	return ShardInfo{
		ContentID: s.ContentID,
		State:     s.GetState(),
		Tables:    st.Tables,
		Rows:      st.Rows,
	}
}

// GetState returns the shard state
func (s *Shard) GetState() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}
