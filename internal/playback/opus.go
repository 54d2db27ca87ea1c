package playback

import (
	"fmt"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/castvoice/pkg/audio"
)

// maxPacketBytes bounds one encoded Opus packet.
const maxPacketBytes = 4000

// Encoder turns clips into mono Opus packets. It is safe for concurrent use;
// calls are serialised on the underlying encoder.
type Encoder struct {
	rate    int
	frameMs int

	mu  sync.Mutex
	enc *gopus.Encoder
}

// NewEncoder returns an encoder at rate Hz producing frameMs frames. bitrate
// zero keeps the libopus default.
func NewEncoder(rate, frameMs, bitrate int) (*Encoder, error) {
	switch frameMs {
	case 10, 20, 40, 60:
	default:
		return nil, fmt.Errorf("playback: invalid opus frame length %d ms", frameMs)
	}
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("playback: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &Encoder{rate: rate, frameMs: frameMs, enc: enc}, nil
}

// SampleRate returns the encoder rate.
func (e *Encoder) SampleRate() int { return e.rate }

// FrameDuration returns the length of one packet.
func (e *Encoder) FrameDuration() time.Duration { return time.Duration(e.frameMs) * time.Millisecond }

// frameSize is the number of samples per packet.
func (e *Encoder) frameSize() int { return e.rate * e.frameMs / 1000 }

// Encode resamples c to the encoder rate and returns one packet per frame.
// The last frame is padded with silence.
func (e *Encoder) Encode(c audio.Clip) ([][]byte, error) {
	pcm := audio.PCM16ToInt16(audio.ResampleMono16(c.PCM(), c.SampleRate(), e.rate))
	n := e.frameSize()
	if rem := len(pcm) % n; rem != 0 {
		pcm = append(pcm, make([]int16, n-rem)...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	packets := make([][]byte, 0, len(pcm)/n)
	for off := 0; off < len(pcm); off += n {
		p, err := e.enc.Encode(pcm[off:off+n], n, maxPacketBytes)
		if err != nil {
			return nil, fmt.Errorf("playback: opus encode clip %s: %w", c.ID(), err)
		}
		packets = append(packets, p)
	}
	return packets, nil
}
