package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/castvoice/pkg/audio"
)

func TestAnalyze_Pitch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rate int
		freq float64
	}{
		{"male 44k1", 44100, 120},
		{"female 44k1", 44100, 220},
		{"16k", 16000, 180},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := audio.Analyze(sine(tt.rate, tt.rate, tt.freq, 0.5), tt.rate)
			if math.Abs(f.Pitch-tt.freq)/tt.freq > 0.05 {
				t.Errorf("Pitch = %.1f Hz, want %.1f ±5%%", f.Pitch, tt.freq)
			}
		})
	}
}

func TestAnalyze_SilenceHasNoPitch(t *testing.T) {
	t.Parallel()
	f := audio.Analyze(make([]float64, 16000), 16000)
	if f.Pitch != 0 || f.RMS != 0 || f.Tempo != 0 {
		t.Errorf("silence features = %+v", f)
	}
}

func TestAnalyze_Tempo(t *testing.T) {
	t.Parallel()

	const rate = 16000
	// Two seconds of a 200 Hz tone amplitude-modulated at 4 Hz.
	s := sine(2*rate, rate, 200, 1)
	for i := range s {
		env := 0.5 - 0.5*math.Cos(2*math.Pi*4*float64(i)/rate)
		s[i] *= env
	}
	f := audio.Analyze(s, rate)
	if f.Tempo < 3 || f.Tempo > 5 {
		t.Errorf("Tempo = %.2f peaks/s, want about 4", f.Tempo)
	}
	if f.DynamicRange <= 10 {
		t.Errorf("DynamicRange = %.1f dB, want a clearly modulated signal", f.DynamicRange)
	}
	if nd := f.NormalizedDynamicRange(); nd <= 0 || nd > 1 {
		t.Errorf("NormalizedDynamicRange = %f, want (0,1]", nd)
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	t.Parallel()

	s := sine(22050, 44100, 150, 0.4)
	a := audio.Analyze(s, 44100)
	b := audio.Analyze(s, 44100)
	if a != b {
		t.Errorf("Analyze is not deterministic: %+v vs %+v", a, b)
	}
}
