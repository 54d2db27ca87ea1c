package resilience

import (
	"context"

	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/types"
)

// LineWriterFallback is a [linewriter.Writer] that fails over across several
// text backends. An empty batch is a valid answer and does not fail over.
type LineWriterFallback struct {
	group *FallbackGroup[linewriter.Writer]
}

var _ linewriter.Writer = (*LineWriterFallback)(nil)

// NewLineWriterFallback returns a fallback with primary as the preferred backend.
func NewLineWriterFallback(primary linewriter.Writer, primaryName string, cfg FallbackConfig) *LineWriterFallback {
	return &LineWriterFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *LineWriterFallback) AddFallback(name string, w linewriter.Writer) {
	f.group.Add(name, w)
}

// States returns the breaker state of every backend.
func (f *LineWriterFallback) States() map[string]State { return f.group.States() }

// WriteLines asks each healthy backend in turn.
func (f *LineWriterFallback) WriteLines(ctx context.Context, req types.LineRequest) ([]string, error) {
	return ExecuteWithResult(ctx, f.group, func(_ string, w linewriter.Writer) ([]string, error) {
		return w.WriteLines(ctx, req)
	})
}
