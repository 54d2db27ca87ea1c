package commentary

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/castvoice/pkg/provider/linewriter/mock"
)

func TestRefill_AddsNonDuplicates(t *testing.T) {
	t.Parallel()
	sess := newSession(t, gameplay("What a comeback from the underdogs"))
	sess.Persona = "veteran shoutcaster"
	w := &mock.Writer{Batches: [][]string{{
		"What a comeback from the underdogs!",
		"Tactical pause called by the captain",
		"Sniper lines locked down the bridge",
	}}}
	gc := GameContext{At: t0, IsIntenseMoment: true, Tags: []string{"comeback"}}

	n, err := Refill(context.Background(), w, sess, gc, 3, t0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("added %d lines, want 2", n)
	}

	req := w.Calls[0].Request
	if req.Speaker != "caster" || req.Persona != "veteran shoutcaster" || req.Style != string(StyleHype) || req.Count != 3 {
		t.Errorf("request = %+v", req)
	}
	if !slices.Contains(req.Existing, "What a comeback from the underdogs") {
		t.Error("existing lines not sent to the writer")
	}

	for _, l := range sess.Library.Lines()[1:] {
		if l.Origin != OriginGenerated || l.Style != StyleHype || l.QualityHint != GeneratedQualityHint {
			t.Errorf("generated line = %+v", l)
		}
		if !slices.Equal(l.Tags, []string{"comeback"}) {
			t.Errorf("tags = %v", l.Tags)
		}
	}
}

func TestRefill_WriterError(t *testing.T) {
	t.Parallel()
	boom := errors.New("rate limited")
	n, err := Refill(context.Background(), &mock.Writer{Err: boom}, newSession(t), GameContext{At: t0}, 3, t0)
	if !errors.Is(err, boom) || n != 0 {
		t.Errorf("Refill = %d, %v; want wrapped writer error", n, err)
	}
}

func TestRefill_StopsWhenFull(t *testing.T) {
	t.Parallel()
	lib := NewLibrary(WithCapacity(1))
	if _, err := lib.Add(gameplay("Seeded and permanent"), t0); err != nil {
		t.Fatal(err)
	}
	sess := NewSession("caster", "", lib, DefaultPersonality)
	w := &mock.Writer{Batches: [][]string{{"Brand new idea", "Another fresh take"}}}

	n, err := Refill(context.Background(), w, sess, GameContext{At: t0}, 2, t0)
	if err != nil || n != 0 {
		t.Errorf("Refill = %d, %v; want 0, nil", n, err)
	}
}
