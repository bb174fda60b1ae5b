// Package api contains the core building blocks used by the docstate
// pipeline engine. It provides the document model, the state-machine
// types, the public Store interface, and the observer seam.
//
// Most users interact with the higher-level docstate package, which
// re-exports selected types and helpers from this package. The api
// package is intended for advanced use cases, custom integrations, or
// contributors extending the engine itself.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Documents and lineage
//   - States, transitions and document types
//   - The Store orchestrator interface
//   - Observability
//
// # Documents
//
// A Document is the unit of persisted state. It carries a stable uuid,
// the name of its current state, optional content, and lineage
// pointers: ParentID links a document to the document it was produced
// from, and Children lists the documents produced from it, in creation
// order. Documents are never advanced in place — every hop through the
// state machine persists new documents and links them to their parent.
//
// # Document Types
//
// A DocumentType declares the state machine: the set of named states
// and the transitions between them. Each transition carries a
// ProcessFunc, the user code that maps one document to its successors.
// A state with no outgoing transitions is final. Types are immutable
// once constructed; lookup tables for outgoing transitions and final
// states are built once and then only read.
//
// # Store
//
// Store is the orchestrator surface: CRUD with lineage invariants,
// single-hop advancement (Next), drive-to-completion (Finish), and
// chunked content streaming. Implementations live in the docstate
// package and its internal packages.
//
// # Observability
//
// Observer receives lifecycle callbacks for added documents, started,
// completed and failed transitions, and deletions. LoggingObserver
// writes structured slog records, BasicMetrics keeps atomic counters,
// and CompositeObserver fans out to several observers at once.
package api
