package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/castvoice/internal/engine"
	"github.com/MrWong99/castvoice/pkg/audio"
)

// Multi returns a sink that plays every clip on each of sinks in order. All
// sinks are called even if one fails; the errors are joined.
func Multi(sinks ...engine.Sink) engine.Sink {
	return engine.SinkFunc(func(ctx context.Context, speaker string, clip audio.Clip) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Play(ctx, speaker, clip); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Discard drops every clip.
var Discard engine.Sink = engine.SinkFunc(func(context.Context, string, audio.Clip) error { return nil })

// WAVDir returns a sink writing each clip to dir/<speaker>/<clip-id>.wav.
func WAVDir(dir string) engine.Sink {
	return engine.SinkFunc(func(_ context.Context, speaker string, clip audio.Clip) error {
		data, err := audio.EncodeClipWAV(clip)
		if err != nil {
			return fmt.Errorf("playback: encode %s: %w", clip.ID(), err)
		}
		sub := filepath.Join(dir, filepath.Base(speaker))
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("playback: %w", err)
		}
		if err := os.WriteFile(filepath.Join(sub, clip.ID()+".wav"), data, 0o644); err != nil {
			return fmt.Errorf("playback: %w", err)
		}
		return nil
	})
}
