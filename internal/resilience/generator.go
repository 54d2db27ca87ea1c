package resilience

import (
	"context"

	"github.com/MrWong99/castvoice/pkg/provider/voicegen"
)

// GeneratorFallback is a [voicegen.Generator] that fails over across several
// voice backends. An empty result counts as a failure.
type GeneratorFallback struct {
	group *FallbackGroup[voicegen.Generator]
}

var _ voicegen.Generator = (*GeneratorFallback)(nil)

// NewGeneratorFallback returns a fallback with primary as the preferred backend.
func NewGeneratorFallback(primary voicegen.Generator, primaryName string, cfg FallbackConfig) *GeneratorFallback {
	return &GeneratorFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *GeneratorFallback) AddFallback(name string, g voicegen.Generator) {
	f.group.Add(name, g)
}

// States returns the breaker state of every backend.
func (f *GeneratorFallback) States() map[string]State { return f.group.States() }

// Generate asks each healthy backend in turn.
func (f *GeneratorFallback) Generate(ctx context.Context, req voicegen.Request) (voicegen.Result, error) {
	return ExecuteWithResult(ctx, f.group, func(_ string, g voicegen.Generator) (voicegen.Result, error) {
		res, err := g.Generate(ctx, req)
		if err != nil {
			return voicegen.Result{}, err
		}
		if len(res.PCM) == 0 {
			return voicegen.Result{}, voicegen.ErrEmptyOutput
		}
		return res, nil
	})
}
