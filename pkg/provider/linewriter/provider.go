// Package linewriter defines the Writer interface for generative commentary
// backends.
//
// A line writer produces fresh commentary text for a speaker's library when
// the seeded lines are exhausted by cooldowns or context filters. The text is
// spoken later through the voice generator, so writers must return short,
// speakable sentences without markup.
//
// Implementations must be safe for concurrent use.
package linewriter

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/MrWong99/castvoice/pkg/types"
)

// Writer is the abstraction over any text-generation backend that writes
// commentary lines.
type Writer interface {
	// WriteLines returns up to req.Count new lines. Fewer lines, including
	// none, is not an error.
	WriteLines(ctx context.Context, req types.LineRequest) ([]string, error)
}

// maxLineLen bounds a single generated line in bytes; longer lines cannot be
// spoken inside the clip length limit.
const maxLineLen = 160

// SystemPrompt is the instruction sent with every line-writing request.
const SystemPrompt = `You write short live esports commentary lines for a text-to-speech voice.
Return one line per row. No numbering, no quotes, no emojis, no stage directions.
Each line must be a single sentence of at most 15 words.`

// BuildPrompt renders the user message for req.
func BuildPrompt(req types.LineRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Commentator: %s\n", req.Speaker)
	if req.Persona != "" {
		fmt.Fprintf(&b, "Persona: %s\n", req.Persona)
	}
	if req.Style != "" {
		fmt.Fprintf(&b, "Style: %s\n", req.Style)
	}
	if len(req.Tags) > 0 {
		fmt.Fprintf(&b, "Moment: %s\n", strings.Join(req.Tags, ", "))
	}
	if len(req.Existing) > 0 {
		b.WriteString("Do not repeat or paraphrase these existing lines:\n")
		for _, l := range req.Existing {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	fmt.Fprintf(&b, "Write %d new lines.", max(req.Count, 1))
	return b.String()
}

// ParseLines splits a completion into individual lines, stripping list
// markers, numbering and wrapping quotes. Empty and over-long lines are
// dropped. At most limit lines are returned; limit <= 0 means no limit.
func ParseLines(text string, limit int) []string {
	var out []string
	for raw := range strings.SplitSeq(text, "\n") {
		l := strings.TrimSpace(raw)
		l = strings.TrimLeftFunc(l, func(r rune) bool {
			return r == '-' || r == '*' || r == '•' || unicode.IsDigit(r)
		})
		l = strings.TrimLeft(l, ".) ")
		l = strings.Trim(l, `"'“”`)
		l = strings.TrimSpace(l)
		if l == "" || len(l) > maxLineLen {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
