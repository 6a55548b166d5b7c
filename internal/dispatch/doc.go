// Package dispatch sends a compiled statement to gangs of segment workers and
// drives every connection to completion from a single goroutine.
//
// # Overview
//
// The coordinator serializes a statement once and hands the same payload to
// each member of one or more gangs. An Engine tracks one Result per
// connection and multiplexes all of them with a level-triggered readiness
// wait, so it never blocks on one slow segment while another has news.
//
//	┌──────────────────────────── Engine ────────────────────────────┐
//	│ payload      mode: none → {ack, finish, cancel}   ack token      │
//	│                                                                 │
//	│ results[0]   results[1]   results[2]   ...                      │
//	│   │ running    │ running    │ finished-error (42601)            │
//	└───┼────────────┼────────────┼───────────────────────────────────┘
//	    │ Conn       │ Conn       │ Conn
//	    ▼            ▼            ▼
//	  seg0         seg1         seg2
//
// # Statement lifecycle
//
//  1. DispatchToGang sends the command to every member without blocking.
//     A send failure is the only error returned immediately.
//  2. WaitDispatchFinish flushes partially written commands, waiting for
//     writability in bounded polls.
//  3. CheckDispatchResult runs the event loop until every connection has
//     finished, a timeout passes, or in ack mode every root gang member has
//     acknowledged the expected token.
//  4. Err reports the first error code recorded across all connections.
//
// # Event loop
//
// Each pass of the loop:
//
//   - escalates to cancel when the context is done or an error has been
//     recorded and CancelOnError is set
//   - builds the poll set, skipping finished, canceled and (in ack mode)
//     acknowledged connections, flushing leftover output on the way
//   - picks a poll timeout: 2s normally, while waiting for acks, or after a
//     signal was sent; 100ms while a finish or cancel escalation has not
//     been signalled yet; zero for a probe
//   - on a poll failure closes broken connections, asks the fault detector
//     for a probe, drops connections to segments it reports down, and
//     re-sends the escalation signal
//   - on a clean timeout re-sends the escalation signal and re-checks
//     segment liveness when the detector's generation has moved
//   - otherwise drains results from every readable connection
//
// Draining reads results until none is pending. Successful statuses add to
// the rejected and completed row counts; COPY statuses end draining for that
// connection. Error results record their SQLSTATE; the first code wins both
// per connection and for the statement.
//
// # Notifications
//
// Segments raise two kinds of notification while a statement runs:
//
//   - nextval with payload "<owner>:<sequence>": answered inline on the same
//     connection from the configured sequence.Allocator
//   - ack with an arbitrary token: queued on the Result and matched by
//     CheckAckMessage
//
// Anything else is logged and dropped.
//
// # Ownership
//
// An Engine and its Results belong to one goroutine. Connections belong to
// their gang; the engine only closes a connection that is broken or whose
// segment the fault detector reports down.
package dispatch
