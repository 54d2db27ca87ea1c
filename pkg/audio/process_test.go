package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/castvoice/pkg/audio"
)

// sine returns n samples of a sine wave at freq Hz and amplitude amp.
func sine(n, rate int, freq, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

func TestReduceNoise_GatesQuietFrames(t *testing.T) {
	t.Parallel()

	const rate = 16000
	// 200 ms of faint hiss followed by 200 ms of loud tone.
	quiet := sine(3200, rate, 3000, 0.001)
	loud := sine(3200, rate, 220, 0.5)
	in := append(append([]float64{}, quiet...), loud...)
	out := audio.ReduceNoise(in, rate)

	if got := audio.RMS(out[:3200]); got != 0 {
		t.Errorf("quiet section RMS = %g, want 0", got)
	}
	if got, want := audio.RMS(out[3200:]), audio.RMS(loud); math.Abs(got-want) > 1e-9 {
		t.Errorf("loud section RMS = %g, want %g", got, want)
	}
}

func TestReduceNoise_ShortInputUnchanged(t *testing.T) {
	t.Parallel()
	in := []float64{0.1, -0.1, 0.2}
	out := audio.ReduceNoise(in, 16000)
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d changed", i)
		}
	}
}

func TestNormalizePeak(t *testing.T) {
	t.Parallel()

	out := audio.NormalizePeak([]float64{0.1, -0.25, 0.05})
	want := math.Pow(10, -1.0/20)
	if got := audio.Peak(out); math.Abs(got-want) > 1e-9 {
		t.Errorf("peak = %f, want %f", got, want)
	}
	if out[1] > 0 {
		t.Error("normalisation must preserve sign")
	}

	silent := audio.NormalizePeak([]float64{0, 0})
	if silent[0] != 0 || silent[1] != 0 {
		t.Error("silent input must stay silent")
	}
}

func TestEnhanceClarity(t *testing.T) {
	t.Parallel()

	// A DC step: the first sample is unfiltered, later samples are attenuated
	// by the pre-emphasis share.
	out := audio.EnhanceClarity([]float64{0.5, 0.5, 0.5})
	if math.Abs(out[0]-0.5) > 1e-12 {
		t.Errorf("out[0] = %f, want 0.5", out[0])
	}
	want := 0.7*0.5 + 0.3*(0.5-0.25)
	if math.Abs(out[2]-want) > 1e-12 {
		t.Errorf("out[2] = %f, want %f", out[2], want)
	}
}

func TestPostProcess_Deterministic(t *testing.T) {
	t.Parallel()

	in := sine(8000, 16000, 180, 0.3)
	a := audio.PostProcess(in, 16000)
	b := audio.PostProcess(in, 16000)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs between runs", i)
		}
	}
	if audio.Peak(a) > 1 {
		t.Errorf("post-processed peak %f exceeds full scale", audio.Peak(a))
	}
}
