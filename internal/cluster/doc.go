// Package cluster describes the segments that make up a gangway cluster and
// the small HTTP/JSON helpers the coordinator and segments use to talk to
// each other outside the dispatch protocol.
//
// # Overview
//
// A cluster is one coordinator plus a fleet of segment worker processes. Each
// segment is identified by a dbid (unique per process) and a content id (the
// data partition it serves). The coordinator's own entry database has content
// id -1 and is never probed by the fault detector.
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │ - Registry   │
//	              │ - FTS        │
//	              │ - Dispatcher │
//	              └──────┬───────┘
//	                     │ dispatch protocol (TCP)
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│ seg0      │ │ seg1      │ │ seg2      │
//	│ /health   │ │ /health   │ │ /health   │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Membership
//
// Segments are known either from a static topology file (LoadTopology) or by
// registering with the coordinator's admin API (POST /register with a
// RegisterRequest). Both feed a Registry.
//
// Topology file format:
//
//	segments:
//	  - dbid: 2
//	    content_id: 0
//	    addr: 127.0.0.1:6000
//	    health_addr: http://127.0.0.1:8081
//
// # Communication
//
// PostJSON and GetJSON wrap a shared http.Client with a 5 second timeout and
// encode bodies with sonic. They are used for registration and for the fault
// detector's default /health probe.
package cluster
