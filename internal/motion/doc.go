// Package motion implements the operator that moves tuples between plan
// slices running on different segments.
//
// A motion has a sending side and a receiving side. The sender drains its
// child plan and routes each tuple through a Transport by the motion's Kind.
// The receiver returns tuples to its parent either in arrival order or, for a
// sorted motion, as a k-way merge of the per-sender streams that are already
// sorted on the motion's SortKeys.
//
// A State is owned by the goroutine executing the slice. Slices share an
// Executor that tracks which motion is currently receiving.
package motion
