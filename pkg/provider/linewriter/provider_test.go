package linewriter_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/types"
)

func TestParseLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name: "plain rows",
			text: "What a shot!\nHe's on fire.",
			want: []string{"What a shot!", "He's on fire."},
		},
		{
			name: "numbered and bulleted",
			text: "1. Unbelievable!\n2) Clutch city.\n- Look at that.\n* Incredible.",
			want: []string{"Unbelievable!", "Clutch city.", "Look at that.", "Incredible."},
		},
		{
			name: "quotes and blanks",
			text: "\n  \"Here we go!\"  \n\n“Wow.”",
			want: []string{"Here we go!", "Wow."},
		},
		{
			name:  "limit",
			text:  "a\nb\nc",
			limit: 2,
			want:  []string{"a", "b"},
		},
		{
			name: "drops over-long lines",
			text: strings.Repeat("x", 200) + "\nok",
			want: []string{"ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := linewriter.ParseLines(tt.text, tt.limit)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseLines() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	p := linewriter.BuildPrompt(types.LineRequest{
		Speaker:  "caster",
		Persona:  "energetic veteran",
		Style:    "hype",
		Tags:     []string{"overtime", "ace"},
		Existing: []string{"What a shot!"},
		Count:    3,
	})
	for _, want := range []string{"caster", "energetic veteran", "hype", "overtime, ace", "- What a shot!", "Write 3 new lines."} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}
