package cliplib

import (
	"context"

	"github.com/MrWong99/castvoice/pkg/audio"
)

// Store persists clips across restarts. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveClip persists a newly ingested clip.
	SaveClip(ctx context.Context, speaker string, clip audio.Clip, category audio.Category) error

	// DeleteClip removes a clip. Deleting a missing clip is not an error.
	DeleteClip(ctx context.Context, speaker, clipID string) error

	// LoadAll returns every stored clip in insertion order.
	LoadAll(ctx context.Context) ([]StoredClip, error)
}

// StoredClip is a clip as returned by [Store.LoadAll].
type StoredClip struct {
	Speaker  string
	Category audio.Category
	Clip     audio.Clip
}
