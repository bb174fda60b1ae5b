package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/valtteri/docstate/pkg/api"
)

// Next advances each document by exactly one hop. Every outgoing
// transition of a document's state fires; the produced children are
// persisted, linked to their parent, and collected into the result in
// unspecified order. Documents in final states contribute nothing.
//
// Failures inside process functions never surface as errors here: they
// are materialized as persisted error documents. Next fails only on
// persistence faults or cancellation.
func (s *DocStore) Next(ctx context.Context, docs ...api.Document) ([]api.Document, error) {
	dt := s.DocumentType()
	if dt == nil {
		return nil, api.ErrNoDocumentType
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	return s.advance(ctx, dt, docs)
}

func (s *DocStore) advance(ctx context.Context, dt *api.DocumentType, docs []api.Document) ([]api.Document, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var results []api.Document

	for _, doc := range docs {
		for _, tr := range dt.TransitionsFrom(doc.State) {
			doc, tr := doc, tr
			g.Go(func() error {
				produced, err := s.runTransition(gctx, doc, tr)
				if err != nil {
					return err
				}
				mu.Lock()
				results = append(results, produced...)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runTransition executes one hop: acquire a permit, invoke the process
// function, release the permit, then persist the outcome — either the
// produced children or a materialized error document.
func (s *DocStore) runTransition(ctx context.Context, doc api.Document, tr api.Transition) ([]api.Document, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	s.observer.OnTransitionStart(ctx, &doc, tr)
	start := time.Now()
	children, procErr := invoke(ctx, tr.Process, doc)
	duration := time.Since(start)

	// The permit covers only the process function; persistence
	// concurrency is governed by the backend's own pool.
	s.sem.Release(1)

	if procErr != nil {
		// Cancellation propagates instead of being materialized.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		errorDoc := s.buildErrorDocument(doc, tr, procErr)
		inserted, err := s.store.InsertMany(ctx, []api.Document{errorDoc})
		if err != nil {
			return nil, fmt.Errorf("persist error document for %s: %w", doc.ID, err)
		}
		s.observer.OnTransitionFailed(ctx, &doc, tr, procErr, &inserted[0])
		return inserted, nil
	}

	for i := range children {
		children[i].ParentID = doc.ID
		if children[i].State == "" {
			children[i].State = tr.To.Name
		}
		children[i].Normalize()
	}

	// Children carry their ParentID, so this single transaction both
	// persists them and links them into the parent's children list.
	inserted, err := s.store.InsertMany(ctx, children)
	if err != nil {
		return nil, fmt.Errorf("persist children of %s: %w", doc.ID, err)
	}
	s.observer.OnTransitionCompleted(ctx, &doc, tr, len(inserted), duration)
	return inserted, nil
}

// invoke calls the process function with panic capture, so a panicking
// processor is handled like one that returned an error.
func invoke(ctx context.Context, fn api.ProcessFunc, doc api.Document) (children []api.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			children = nil
			err = fmt.Errorf("process function panicked: %v", r)
		}
	}()
	return fn(ctx, doc.Clone())
}

// buildErrorDocument materializes a processing failure as a child of
// the failed document in the configured error state.
func (s *DocStore) buildErrorDocument(doc api.Document, tr api.Transition, procErr error) api.Document {
	metadata := make(map[string]any, len(doc.Metadata)+3)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	metadata["error"] = procErr.Error()
	metadata["error_type"] = fmt.Sprintf("%T", procErr)
	metadata["failed_transition"] = tr.String()

	errorDoc := api.Document{
		State:    s.errorState,
		ParentID: doc.ID,
		Metadata: metadata,
	}
	errorDoc.SetContent(procErr.Error())
	errorDoc.Normalize()
	return errorDoc
}

// Finish drives each document and its descendants to the transitive
// closure of final states and returns the collected final documents.
//
// Inputs not yet persisted are added first. Termination requires the
// configured state machine to be acyclic from the input states.
func (s *DocStore) Finish(ctx context.Context, docs ...api.Document) ([]api.Document, error) {
	dt := s.DocumentType()
	if dt == nil {
		return nil, api.ErrNoDocumentType
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	worklist := make([]api.Document, 0, len(docs))
	for _, doc := range docs {
		doc = doc.Clone()
		doc.Normalize()
		existing, err := s.store.Get(ctx, doc.ID, true)
		switch {
		case err == nil:
			worklist = append(worklist, *existing)
		case isNotFound(err):
			inserted, insErr := s.store.InsertMany(ctx, []api.Document{doc})
			if insErr != nil {
				return nil, insErr
			}
			worklist = append(worklist, inserted[0])
		default:
			return nil, err
		}
	}

	var collected []api.Document
	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		active := worklist[:0]
		for _, doc := range worklist {
			if dt.IsFinal(doc.State) {
				collected = append(collected, doc)
			} else {
				active = append(active, doc)
			}
		}
		if len(active) == 0 {
			break
		}

		children, err := s.advance(ctx, dt, active)
		if err != nil {
			return nil, err
		}
		worklist = children
	}
	return collected, nil
}
