package storage

import (
	"errors"
	"sort"
	"sync"
)

// ErrTableNotFound is returned when a table doesn't exist in the store
var ErrTableNotFound = errors.New("table not found")

// Row is one stored tuple; a nil column is NULL
type Row []any

// Store defines the interface for a segment's local table storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Insert appends rows to a table, creating it on first use
	Insert(table string, rows []Row) error

	// Scan returns every row of a table in insertion order
	// Returns ErrTableNotFound if the table doesn't exist
	Scan(table string) ([]Row, error)

	// Truncate removes a table
	// No error if the table doesn't exist
	Truncate(table string) error

	// Tables returns all table names, sorted
	Tables() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Tables int // Number of tables
	Rows   int // Total number of rows
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu     sync.RWMutex     // Protects concurrent access
	tables map[string][]Row // Rows per table
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string][]Row),
	}
}

// Insert appends rows to a table
// Makes a copy of each row to prevent external modification
func (m *MemoryStore) Insert(table string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.tables[table]
	for _, r := range rows {
		stored = append(stored, append(Row(nil), r...))
	}
	if stored == nil {
		stored = []Row{}
	}
	m.tables[table] = stored
	return nil
}

// Scan returns the rows of a table
// Returns a copy of the rows to prevent external modification
func (m *MemoryStore) Scan(table string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, exists := m.tables[table]
	if !exists {
		return nil, ErrTableNotFound
	}

	result := make([]Row, len(rows))
	for i, r := range rows {
		result[i] = append(Row(nil), r...)
	}
	return result, nil
}

// Truncate removes a table
// No error if the table doesn't exist (idempotent)
func (m *MemoryStore) Truncate(table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tables, table)
	return nil
}

// Tables returns all table names in sorted order
func (m *MemoryStore) Tables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, rows := range m.tables {
		total += len(rows)
	}

	return StoreStats{
		Tables: len(m.tables),
		Rows:   total,
	}
}
