// Package storage provides the local table storage of a segment worker.
//
// # Overview
//
// Every segment keeps the rows dispatched to it in a Store. Tables are
// created on first insert and hold rows in insertion order. A row is a slice
// of column values where nil is NULL.
//
// # Core Interface
//
// Store: table operations
//   - Insert(table, rows) - Append rows, creating the table if needed
//   - Scan(table) - Return every row of a table
//   - Truncate(table) - Remove a table
//   - Tables() - List table names
//   - Stats() - Table and row counts
//
// # Implementations
//
// MemoryStore: In-memory storage with sync.RWMutex
//   - No persistence (data lost on restart)
//   - Rows are copied on the way in and out
//   - Suitable for tests and demos
//
// # Thread Safety
//
// All Store implementations must be safe for concurrent use. A segment runs
// one command per connection, but several coordinator connections can load
// the same table at once.
//
// # Example
//
//	store := storage.NewMemoryStore()
//	_ = store.Insert("orders", []storage.Row{{1, "open"}, {2, "shipped"}})
//	rows, err := store.Scan("orders")
//	if errors.Is(err, storage.ErrTableNotFound) {
//	    // nothing loaded yet
//	}
package storage
