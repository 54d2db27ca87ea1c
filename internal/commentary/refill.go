package commentary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/types"
)

// GeneratedQualityHint is the quality hint given to generated lines.
const GeneratedQualityHint = 0.8

// Refill asks w for count new lines fitting gc and adds the ones that are not
// near duplicates to the session library. It returns the number of lines
// added. A writer error is returned wrapped; duplicate and capacity
// rejections are logged and skipped.
func Refill(ctx context.Context, w linewriter.Writer, sess *Session, gc GameContext, count int, now time.Time) (int, error) {
	style := gc.Style()
	req := types.LineRequest{
		Speaker:  sess.Speaker,
		Persona:  sess.Persona,
		Style:    string(style),
		Tags:     gc.Tags,
		Existing: sess.Library.Texts(),
		Count:    count,
	}
	texts, err := w.WriteLines(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("commentary: refill %q: %w", sess.Speaker, err)
	}

	log := observe.Logger(ctx)
	added := 0
	for _, text := range texts {
		_, err := sess.Library.Add(Line{
			Text:        text,
			Category:    audio.CategoryGameplay,
			Style:       style,
			Tags:        gc.Tags,
			QualityHint: GeneratedQualityHint,
			Origin:      OriginGenerated,
		}, now)
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrLibraryFull):
			log.Debug("library full, stopping refill", "speaker", sess.Speaker)
			return added, nil
		default:
			log.Debug("generated line rejected", "speaker", sess.Speaker, "err", err)
		}
	}
	return added, nil
}
