// Package mock provides a test double for the linewriter.Writer interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/types"
)

// WriteLinesCall records a single invocation of WriteLines.
type WriteLinesCall struct {
	// Ctx is the context passed to WriteLines.
	Ctx context.Context
	// Request is the line request passed to WriteLines.
	Request types.LineRequest
}

// Writer is a mock implementation of linewriter.Writer.
type Writer struct {
	mu sync.Mutex

	// Batches are returned in order, one per call. Once exhausted, calls
	// return no lines.
	Batches [][]string

	// Err, if non-nil, is returned from every call.
	Err error

	// Calls records every call to WriteLines in order.
	Calls []WriteLinesCall
}

// WriteLines records the call and returns the next scripted batch.
func (w *Writer) WriteLines(ctx context.Context, req types.LineRequest) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.Calls)
	w.Calls = append(w.Calls, WriteLinesCall{Ctx: ctx, Request: req})
	if w.Err != nil {
		return nil, w.Err
	}
	if n >= len(w.Batches) {
		return nil, nil
	}
	return append([]string(nil), w.Batches[n]...), nil
}

// CallCount returns the number of WriteLines calls. Thread-safe.
func (w *Writer) CallCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.Calls)
}

// Ensure Writer implements linewriter.Writer at compile time.
var _ linewriter.Writer = (*Writer)(nil)
