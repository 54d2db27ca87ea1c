package commentary

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/castvoice/pkg/audio"
)

func newSession(t *testing.T, lines ...Line) *Session {
	t.Helper()
	lib := NewLibrary()
	for _, l := range lines {
		if _, err := lib.Add(l, t0); err != nil {
			t.Fatalf("Add(%q): %v", l.Text, err)
		}
	}
	return NewSession("caster", "", lib, DefaultPersonality)
}

func mustSelect(t *testing.T, s *Selector, sess *Session, now time.Time, gc GameContext) (Selection, bool) {
	t.Helper()
	sel, _, ok, err := s.Select(context.Background(), sess, gc, now)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	return sel, ok
}

func TestSelect_NoLinesIsSilence(t *testing.T) {
	t.Parallel()
	sel, eligible, ok, err := NewSelector().Select(context.Background(), newSession(t), GameContext{}, t0)
	if err != nil || ok || eligible != 0 {
		t.Errorf("Select = %+v, %d, %v, %v; want silence", sel, eligible, ok, err)
	}
}

func TestSelect_CooldownInvariant(t *testing.T) {
	t.Parallel()
	sess := newSession(t, gameplay("The only line we have"))
	s := NewSelector()

	first, ok := mustSelect(t, s, sess, t0, GameContext{})
	if !ok {
		t.Fatal("first selection returned no line")
	}
	if !first.Line.LastSpokenAt.Equal(t0) {
		t.Errorf("LastSpokenAt = %v, want %v", first.Line.LastSpokenAt, t0)
	}

	for _, dt := range []time.Duration{0, time.Second, 299 * time.Second, 300*time.Second - time.Nanosecond} {
		if _, ok := mustSelect(t, s, sess, t0.Add(dt), GameContext{IsClutchMoment: true}); ok {
			t.Errorf("line re-selected %v after it was spoken", dt)
		}
	}
	if _, ok := mustSelect(t, s, sess, t0.Add(300 * time.Second), GameContext{}); !ok {
		t.Error("line not selectable once the cooldown elapsed")
	}
}

func TestSelect_CooldownIgnoresSnapshotTime(t *testing.T) {
	t.Parallel()
	sess := newSession(t, gameplay("The only line we have"))
	s := NewSelector()

	first, ok := mustSelect(t, s, sess, t0, GameContext{At: t0.Add(-time.Hour)})
	if !ok {
		t.Fatal("first selection returned no line")
	}
	if !first.Line.LastSpokenAt.Equal(t0) {
		t.Errorf("LastSpokenAt = %v, want the selector clock %v", first.Line.LastSpokenAt, t0)
	}
	for _, at := range []time.Time{t0.Add(-time.Hour), t0.Add(time.Hour), t0.Add(24 * time.Hour), {}} {
		if _, ok := mustSelect(t, s, sess, t0.Add(time.Second), GameContext{At: at}); ok {
			t.Errorf("line re-selected with snapshot time %v one second after it was spoken", at)
		}
	}
}

func TestSelect_RepetitionSuppression(t *testing.T) {
	t.Parallel()
	a, b := gameplay("Nobody expected that flank"), gameplay("What composure under pressure")
	sess := newSession(t, a, b)
	s := NewSelector()

	seen := map[string]bool{}
	for i := range 2 {
		sel, ok := mustSelect(t, s, sess, t0.Add(time.Duration(i) * time.Second), GameContext{})
		if !ok {
			t.Fatalf("cycle %d: no line", i)
		}
		if seen[sel.Line.Text] {
			t.Errorf("cycle %d repeated %q", i, sel.Line.Text)
		}
		seen[sel.Line.Text] = true
	}
	if _, ok := mustSelect(t, s, sess, t0.Add(2 * time.Second), GameContext{}); ok {
		t.Error("third cycle spoke although every line is on cooldown")
	}
}

func TestSelect_StyleCompatibility(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line Line
		gc   GameContext
		want bool
	}{
		{"clutch needs clutch", Line{Text: "x", Category: audio.CategoryGameplay, Style: StyleClutch}, GameContext{IsIntenseMoment: true}, false},
		{"clutch in clutch", Line{Text: "x", Category: audio.CategoryGameplay, Style: StyleClutch}, GameContext{IsClutchMoment: true}, true},
		{"hype on excitement", Line{Text: "x", Category: audio.CategoryGameplay, Style: StyleHype}, GameContext{Excitement: 0.7}, true},
		{"hype when calm", Line{Text: "x", Category: audio.CategoryGameplay, Style: StyleHype}, GameContext{Excitement: 0.2}, false},
		{"analysis not in clutch", Line{Text: "x", Category: audio.CategoryGameplay, Style: StyleAnalysis}, GameContext{IsClutchMoment: true}, false},
		{"humor when calm", Line{Text: "x", Category: audio.CategoryGameplay, Style: StyleHumor}, GameContext{}, true},
		{"humor not when intense", Line{Text: "x", Category: audio.CategoryGameplay, Style: StyleHumor}, GameContext{IsIntenseMoment: true}, false},
		{"crowd needs crowd", Line{Text: "x", Category: audio.CategoryGameplay, Style: StyleCrowd}, GameContext{CrowdLevel: 0.4}, false},
		{"interview outside tension", Line{Text: "x", Category: audio.CategoryInterview}, GameContext{}, true},
		{"interview during tension", Line{Text: "x", Category: audio.CategoryInterview}, GameContext{IsIntenseMoment: true}, false},
		{"casual for a professional", Line{Text: "x", Category: audio.CategoryCasual}, GameContext{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := compatible(tc.line, DefaultPersonality, tc.gc); got != tc.want {
				t.Errorf("compatible = %v, want %v", got, tc.want)
			}
		})
	}

	strict := DefaultPersonality
	strict.Professionalism = 0.95
	if compatible(Line{Text: "x", Category: audio.CategoryCasual}, strict, GameContext{}) {
		t.Error("casual line allowed for a strictly professional speaker")
	}
}

func TestSelect_PrefersRichestContext(t *testing.T) {
	t.Parallel()
	plain := gameplay("A steady start for both teams")
	tagged := Line{Text: "An ace to close the round", Category: audio.CategoryGameplay, Tags: []string{"ace", "round_end"}}
	clutch := Line{Text: "One versus three and still alive", Category: audio.CategoryGameplay, Style: StyleClutch, Tags: []string{"ace"}}
	sess := newSession(t, plain, tagged, clutch)

	sel, ok := mustSelect(t, NewSelector(), sess, t0, GameContext{IsClutchMoment: true, Tags: []string{"ace", "round_end"}})
	if !ok {
		t.Fatal("no line")
	}
	// tagged and clutch both score 2; tagged comes first in library order.
	if sel.Line.Text != tagged.Text || sel.Matched != 2 {
		t.Errorf("selected %q (matched %d), want %q", sel.Line.Text, sel.Matched, tagged.Text)
	}
}

func TestSelect_TieBreakOldestSpoken(t *testing.T) {
	t.Parallel()
	sess := newSession(t,
		gameplay("First in library order"),
		gameplay("Second sentence entirely"),
		gameplay("Third distinct option here"),
	)
	s := NewSelector(WithCooldown(time.Second))

	var order []string
	for i := range 4 {
		sel, ok := mustSelect(t, s, sess, t0.Add(time.Duration(i) * time.Minute), GameContext{})
		if !ok {
			t.Fatalf("cycle %d: no line", i)
		}
		order = append(order, sel.Line.Text)
	}
	want := []string{"First in library order", "Second sentence entirely", "Third distinct option here", "First in library order"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %q, want %q", order, want)
		}
	}
}

func TestSelect_Predicate(t *testing.T) {
	t.Parallel()
	low := Line{Text: "Shaky line", Category: audio.CategoryGameplay, QualityHint: 0.5}
	sess := newSession(t, low)
	if _, ok := mustSelect(t, NewSelector(), sess, t0, GameContext{}); ok {
		t.Error("line below the quality threshold was selected")
	}

	banned := NewSelector(WithPredicate(func(Line) bool { return false }))
	if _, ok := mustSelect(t, banned, newSession(t, gameplay("Fine line")), t0, GameContext{}); ok {
		t.Error("predicate ignored")
	}
}

func TestSelect_InvalidContextMutatesNothing(t *testing.T) {
	t.Parallel()
	sess := newSession(t, gameplay("Only line"))
	before := sess.Personality()

	for _, gc := range []GameContext{
		{IsClutchMoment: true, CrowdLevel: 1.5},
		{IsClutchMoment: true, Excitement: math.NaN()},
		{IsClutchMoment: true, Tags: []string{" "}},
	} {
		_, _, ok, err := NewSelector().Select(context.Background(), sess, gc, t0)
		if !errors.Is(err, ErrInvalidContext) || ok {
			t.Errorf("Select(%+v) = %v, %v; want ErrInvalidContext", gc, ok, err)
		}
	}
	if sess.Personality() != before {
		t.Error("personality changed on invalid context")
	}
	if !sess.Library.Lines()[0].LastSpokenAt.IsZero() {
		t.Error("cooldown stamped on invalid context")
	}
}

func TestSelect_DeliveryAndEnthusiasm(t *testing.T) {
	t.Parallel()
	sess := newSession(t, gameplay("Clutch king does it again"))
	sel, ok := mustSelect(t, NewSelector(), sess, t0, GameContext{IsClutchMoment: true, Excitement: 1})
	if !ok {
		t.Fatal("no line")
	}
	if !sel.Delivery.Hyped || math.Abs(sel.Delivery.Pace-1.2) > 1e-9 || math.Abs(sel.Delivery.Volume-1.3) > 1e-9 {
		t.Errorf("Delivery = %+v, want hyped 1.2/1.3", sel.Delivery)
	}
	if got := sess.Personality().Enthusiasm; math.Abs(got-0.84) > 1e-9 {
		t.Errorf("Enthusiasm = %v, want 0.84", got)
	}
}

func TestSelector_SetCooldown(t *testing.T) {
	t.Parallel()
	s := NewSelector()
	s.SetCooldown(0)
	if s.Cooldown() != DefaultCooldown {
		t.Errorf("SetCooldown(0) changed cooldown to %v", s.Cooldown())
	}
	s.SetCooldown(time.Minute)
	if s.Cooldown() != time.Minute {
		t.Errorf("Cooldown = %v, want 1m", s.Cooldown())
	}
}

func TestSession_SetBaselineKeepsDrift(t *testing.T) {
	t.Parallel()
	sess := newSession(t, gameplay("Clutch king does it again"))
	mustSelect(t, NewSelector(), sess, t0, GameContext{IsClutchMoment: true, Excitement: 1})
	drifted := sess.Personality()

	calm := Personality{Enthusiasm: 0.3, Knowledge: 0.5, Humor: 0.6, Professionalism: 0.9}
	sess.SetBaseline(calm)
	if got := sess.Personality(); got != drifted {
		t.Errorf("Personality = %+v, want drift %+v kept", got, drifted)
	}
	if got := sess.Baseline(); got != calm {
		t.Errorf("Baseline = %+v, want %+v", got, calm)
	}

	// Calm play now relaxes toward the new baseline.
	mustSelect(t, NewSelector(), sess, t0.Add(time.Hour), GameContext{})
	if got := sess.Personality().Enthusiasm; got >= drifted.Enthusiasm || got < calm.Enthusiasm {
		t.Errorf("Enthusiasm = %v, want between %v and %v", got, calm.Enthusiasm, drifted.Enthusiasm)
	}
}

func TestSession_Rebase(t *testing.T) {
	t.Parallel()
	sess := newSession(t, gameplay("Clutch king does it again"))
	mustSelect(t, NewSelector(), sess, t0, GameContext{IsClutchMoment: true, Excitement: 1})

	calm := Personality{Enthusiasm: 0.2, Knowledge: 0.5, Humor: 1.4, Professionalism: 0.9}
	sess.Rebase(calm)
	got := sess.Personality()
	if got.Enthusiasm != 0.2 || got.Humor != 1 {
		t.Errorf("Personality = %+v, want rebased and clamped", got)
	}
}
