package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the document store for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay document processing.
type Observer interface {
	// OnDocumentAdded is called after a root document is persisted
	// through Add.
	OnDocumentAdded(ctx context.Context, doc *Document)

	// OnTransitionStart is called before invoking a process function.
	OnTransitionStart(ctx context.Context, doc *Document, tr Transition)

	// OnTransitionCompleted is called after a process function returns
	// successfully and its children have been persisted. produced is
	// the number of children created by this hop.
	OnTransitionCompleted(ctx context.Context, doc *Document, tr Transition, produced int, duration time.Duration)

	// OnTransitionFailed is called when a process function returns an
	// error. errorDoc is the persisted error document materialized
	// from the failure.
	OnTransitionFailed(ctx context.Context, doc *Document, tr Transition, err error, errorDoc *Document)

	// OnDocumentDeleted is called after a cascade delete.
	OnDocumentDeleted(ctx context.Context, id string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnDocumentAdded(ctx context.Context, doc *Document)                  {}
func (NoopObserver) OnTransitionStart(ctx context.Context, doc *Document, tr Transition) {}
func (NoopObserver) OnTransitionCompleted(ctx context.Context, doc *Document, tr Transition, produced int, d time.Duration) {
}
func (NoopObserver) OnTransitionFailed(ctx context.Context, doc *Document, tr Transition, err error, errorDoc *Document) {
}
func (NoopObserver) OnDocumentDeleted(ctx context.Context, id string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnDocumentAdded(ctx context.Context, doc *Document) {
	for _, o := range c.observers {
		o.OnDocumentAdded(ctx, doc)
	}
}

func (c *CompositeObserver) OnTransitionStart(ctx context.Context, doc *Document, tr Transition) {
	for _, o := range c.observers {
		o.OnTransitionStart(ctx, doc, tr)
	}
}

func (c *CompositeObserver) OnTransitionCompleted(ctx context.Context, doc *Document, tr Transition, produced int, d time.Duration) {
	for _, o := range c.observers {
		o.OnTransitionCompleted(ctx, doc, tr, produced, d)
	}
}

func (c *CompositeObserver) OnTransitionFailed(ctx context.Context, doc *Document, tr Transition, err error, errorDoc *Document) {
	for _, o := range c.observers {
		o.OnTransitionFailed(ctx, doc, tr, err, errorDoc)
	}
}

func (c *CompositeObserver) OnDocumentDeleted(ctx context.Context, id string) {
	for _, o := range c.observers {
		o.OnDocumentDeleted(ctx, id)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs document and
// transition lifecycle events using the provided slog.Logger. If logger
// is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnDocumentAdded(ctx context.Context, doc *Document) {
	o.Logger.InfoContext(ctx, "document_added",
		slog.String("doc_id", doc.ID),
		slog.String("state", doc.State),
	)
}

func (o *LoggingObserver) OnTransitionStart(ctx context.Context, doc *Document, tr Transition) {
	o.Logger.DebugContext(ctx, "transition_start",
		slog.String("doc_id", doc.ID),
		slog.String("from", tr.From.Name),
		slog.String("to", tr.To.Name),
	)
}

func (o *LoggingObserver) OnTransitionCompleted(ctx context.Context, doc *Document, tr Transition, produced int, d time.Duration) {
	o.Logger.InfoContext(ctx, "transition_completed",
		slog.String("doc_id", doc.ID),
		slog.String("from", tr.From.Name),
		slog.String("to", tr.To.Name),
		slog.Int("produced", produced),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnTransitionFailed(ctx context.Context, doc *Document, tr Transition, err error, errorDoc *Document) {
	attrs := []any{
		slog.String("doc_id", doc.ID),
		slog.String("from", tr.From.Name),
		slog.String("to", tr.To.Name),
		slog.Any("error", err),
	}
	if errorDoc != nil {
		attrs = append(attrs, slog.String("error_doc_id", errorDoc.ID))
	}
	o.Logger.ErrorContext(ctx, "transition_failed", attrs...)
}

func (o *LoggingObserver) OnDocumentDeleted(ctx context.Context, id string) {
	o.Logger.InfoContext(ctx, "document_deleted",
		slog.String("doc_id", id),
	)
}

// BasicMetrics collects simple counters and aggregate hop durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	documentsAdded       atomic.Int64
	transitionsStarted   atomic.Int64
	transitionsCompleted atomic.Int64
	transitionsFailed    atomic.Int64
	documentsProduced    atomic.Int64
	totalHopDuration     atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	DocumentsAdded       int64
	TransitionsStarted   int64
	TransitionsCompleted int64
	TransitionsFailed    int64
	DocumentsProduced    int64
	AvgHopDuration       time.Duration
}

func (m *BasicMetrics) OnDocumentAdded(ctx context.Context, doc *Document) {
	m.documentsAdded.Add(1)
}

func (m *BasicMetrics) OnTransitionStart(ctx context.Context, doc *Document, tr Transition) {
	m.transitionsStarted.Add(1)
}

func (m *BasicMetrics) OnTransitionCompleted(ctx context.Context, doc *Document, tr Transition, produced int, d time.Duration) {
	m.transitionsCompleted.Add(1)
	m.documentsProduced.Add(int64(produced))
	m.totalHopDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnTransitionFailed(ctx context.Context, doc *Document, tr Transition, err error, errorDoc *Document) {
	m.transitionsFailed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.transitionsCompleted.Load()
	totalNs := m.totalHopDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		DocumentsAdded:       m.documentsAdded.Load(),
		TransitionsStarted:   m.transitionsStarted.Load(),
		TransitionsCompleted: completed,
		TransitionsFailed:    m.transitionsFailed.Load(),
		DocumentsProduced:    m.documentsProduced.Load(),
		AvgHopDuration:       avg,
	}
}
