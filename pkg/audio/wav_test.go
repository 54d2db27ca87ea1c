package audio_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/castvoice/pkg/audio"
)

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1000, -1000, 32767, -32768, 42}
	wavBytes, err := audio.EncodeWAV(samplesToBytes(in), 22050)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !bytes.HasPrefix(wavBytes, []byte("RIFF")) {
		t.Fatalf("missing RIFF header: % x", wavBytes[:min(12, len(wavBytes))])
	}

	pcm, rate, err := audio.DecodeWAVBytes(wavBytes)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 22050 {
		t.Errorf("rate = %d, want 22050", rate)
	}
	got := bytesToSamples(pcm)
	if len(got) != len(in) {
		t.Fatalf("got %d samples, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestDecodeWAV_Garbage(t *testing.T) {
	t.Parallel()
	_, _, err := audio.DecodeWAVBytes([]byte("definitely not a wav file"))
	if !errors.Is(err, audio.ErrNotWAV) {
		t.Errorf("err = %v, want ErrNotWAV", err)
	}
}
