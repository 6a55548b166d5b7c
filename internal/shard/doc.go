// Package shard holds the data partition owned by one segment.
//
// A Shard wraps a storage.Store with the segment's content id and the
// number of primary segments. Loaded rows are checked against the same hash
// a hash motion uses to route tuples, so a row is stored on exactly the
// segment a redistribution would send it to. Rows whose distribution key is
// NULL or hashes elsewhere are rejected and counted.
//
// The shard state doubles as the segment's availability: a recovering
// shard makes the worker refuse new dispatcher connections and report
// in_recovery on its health endpoint.
//
// Example:
//
//	s := shard.NewShard(0, 3)
//	completed, rejected, err := s.Load("orders", rows, 0)
package shard
