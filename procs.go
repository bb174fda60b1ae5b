package docstate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Stock process functions for common pipeline shapes. They cover the
// plumbing ends of a pipeline — copying, stamping, splitting, fetching —
// so user code can focus on the interesting middle.
//
// All of them produce fresh child documents: the engine assigns new IDs,
// sets the parent pointer, and defaults the state to the transition's
// target.

// child copies the payload-carrying fields of doc into a fresh
// document, leaving identity and lineage for the engine to fill.
func child(doc Document) Document {
	out := Document{
		MediaType: doc.MediaType,
		URL:       doc.URL,
	}
	if doc.Content != nil {
		out.SetContent(*doc.Content)
	}
	out.Metadata = make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// PassThrough returns a ProcessFunc that copies the document unchanged
// into its successor state.
func PassThrough() ProcessFunc {
	return func(ctx context.Context, doc Document) ([]Document, error) {
		return []Document{child(doc)}, nil
	}
}

// WithMetadata returns a ProcessFunc that copies the document and
// merges the given entries into its metadata.
func WithMetadata(entries map[string]any) ProcessFunc {
	return func(ctx context.Context, doc Document) ([]Document, error) {
		out := child(doc)
		for k, v := range entries {
			out.Metadata[k] = v
		}
		return []Document{out}, nil
	}
}

// SplitContent returns a ProcessFunc that fans the document's content
// out into chunks of at most chunkSize characters. Each chunk document
// carries chunk_index and chunk_count metadata. A document without
// content produces no children.
func SplitContent(chunkSize int) ProcessFunc {
	return func(ctx context.Context, doc Document) ([]Document, error) {
		if chunkSize <= 0 {
			return nil, fmt.Errorf("split content: chunk size %d must be positive", chunkSize)
		}
		if doc.Content == nil {
			return nil, nil
		}

		runes := []rune(*doc.Content)
		count := (len(runes) + chunkSize - 1) / chunkSize
		out := make([]Document, 0, count)
		for i := 0; i < len(runes); i += chunkSize {
			end := min(i+chunkSize, len(runes))
			c := child(doc)
			c.SetContent(string(runes[i:end]))
			c.Metadata["chunk_index"] = i / chunkSize
			c.Metadata["chunk_count"] = count
			out = append(out, c)
		}
		return out, nil
	}
}

// FetchURL returns a ProcessFunc that downloads the document's URL and
// stores the body as the child's content. The response Content-Type
// becomes the child's media type. A nil client uses http.DefaultClient.
func FetchURL(client *http.Client) ProcessFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, doc Document) ([]Document, error) {
		if doc.URL == "" {
			return nil, fmt.Errorf("fetch url: document %s has no url", doc.ID)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("fetch url %s: unexpected status %s", doc.URL, resp.Status)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		out := child(doc)
		out.SetContent(string(body))
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			out.MediaType = ct
		}
		return []Document{out}, nil
	}
}

// RetryPolicy controls how a process function wrapped with Retry is
// retried when it returns an error. MaxAttempts includes the first
// attempt; Backoff is the delay between failed attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Retry wraps a ProcessFunc with the given retry policy. The engine
// itself never retries — failures become error documents — so retry
// behavior is composed here, around the function. Cancellation is not
// retried.
func Retry(fn ProcessFunc, policy RetryPolicy) ProcessFunc {
	return func(ctx context.Context, doc Document) ([]Document, error) {
		maxAttempts := policy.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}

		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			out, err := fn(ctx, doc)
			if err == nil {
				return out, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err

			if attempt < maxAttempts && policy.Backoff > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(policy.Backoff):
				}
			}
		}
		return nil, lastErr
	}
}
