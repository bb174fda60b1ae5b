// Package docstate provides a persistent, concurrent document-processing
// pipeline engine for Go.
//
// Docstate is designed for backend services that push documents through a
// declared state machine — download, split, enrich, embed — without
// introducing heavy workflow infrastructure. It runs fully in Go, supports
// multiple persistence backends, and integrates cleanly into existing
// codebases.
//
// # Core Concepts
//
// The docstate programming model is intentionally small:
//
//  1. Document
//  2. DocumentType
//  3. Store
//  4. TypeBuilder
//  5. Runner
//
// # Document
//
// A Document is the unit of persisted state: a stable uuid, a state name,
// optional content, a media type, a URL, free-form JSON metadata, and
// lineage pointers. Documents are immutable along the pipeline axis —
// advancing a document persists new child documents rather than rewriting
// the original, so the full processing history remains queryable as a
// tree.
//
// # DocumentType
//
// A DocumentType declares the state machine: named states and the
// transitions between them. Each transition carries a ProcessFunc, user
// code mapping one document to one or more successors. Returning several
// documents fans the pipeline out; all lineage bookkeeping is handled by
// the engine. A state with no outgoing transitions is final.
//
// # Store
//
// The Store persists documents and orchestrates their movement:
//
//   - Add injects root documents at any state
//   - Next advances documents by exactly one hop
//   - Finish drives documents to the closure of final states
//   - StreamContent reads large content in bounded chunks
//
// Processing concurrency is bounded by a configurable gate (default 10
// simultaneous process functions). A failing ProcessFunc never aborts the
// pipeline: the failure is materialized as a persisted error document,
// linked under the failed parent, carrying the error message and the
// failed transition in its metadata.
//
// Stores can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// Open picks the backend from a connection string; the typed
// constructors accept an already-configured handle.
//
// # TypeBuilder
//
// TypeBuilder provides the ergonomic, declarative API used to define
// state machines:
//
//	dt := docstate.NewType().
//	    States("link", "download", "chunk", "error").
//	    Transition("link", "download", docstate.FetchURL(nil)).
//	    Transition("download", "chunk", docstate.SplitContent(4096)).
//	    MustBuild()
//
// # Runner
//
// Runner bundles a Store with background worker goroutines so documents
// can be submitted and driven to completion asynchronously. For
// crash-resumable processing, pkg/worker re-scans the persisted
// non-final frontier instead of relying on an in-process queue.
//
// For examples, see the example tests.
package docstate
