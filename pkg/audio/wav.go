package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNotWAV is returned by [DecodeWAV] when the payload is not a RIFF/WAVE
// PCM file.
var ErrNotWAV = errors.New("audio: not a valid WAV file")

// DecodeWAV reads a PCM WAV file and returns its samples as 16-bit mono PCM
// together with the file's sample rate. Multi-channel input is averaged down
// to mono; 8, 24 and 32-bit integer input is rescaled to 16 bits.
func DecodeWAV(r io.ReadSeeker) ([]byte, int, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, 0, ErrNotWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode wav: %w", err)
	}
	channels := int(d.NumChans)
	if channels <= 0 {
		return nil, 0, fmt.Errorf("%w: %d channels", ErrNotWAV, channels)
	}
	shift, offset := 0, 0
	switch d.BitDepth {
	case 8:
		shift, offset = -8, 128
	case 16:
	case 24:
		shift = 8
	case 32:
		shift = 16
	default:
		return nil, 0, fmt.Errorf("%w: unsupported bit depth %d", ErrNotWAV, d.BitDepth)
	}

	frames := len(buf.Data) / channels
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int
		for ch := range channels {
			v := buf.Data[i*channels+ch] - offset
			if shift > 0 {
				v >>= shift
			} else if shift < 0 {
				v <<= -shift
			}
			sum += v
		}
		s := int16(sum / channels)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, int(d.SampleRate), nil
}

// EncodeWAV wraps 16-bit mono PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	samples := PCM16ToInt16(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	ws := &writeSeekBuffer{}
	enc := wav.NewEncoder(ws, sampleRate, 16, 1, 1)
	err := enc.Write(&goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
	})
	if err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: finalise wav: %w", err)
	}
	return ws.buf, nil
}

// EncodeClipWAV encodes a clip as a WAV file.
func EncodeClipWAV(c Clip) ([]byte, error) {
	return EncodeWAV(c.pcm, c.sampleRate)
}

// DecodeWAVBytes is DecodeWAV over an in-memory payload.
func DecodeWAVBytes(b []byte) ([]byte, int, error) {
	return DecodeWAV(bytes.NewReader(b))
}

// writeSeekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back
// to patch chunk sizes on Close.
type writeSeekBuffer struct {
	buf []byte
	pos int
}

func (w *writeSeekBuffer) Write(p []byte) (int, error) {
	if need := w.pos + len(p); need > len(w.buf) {
		w.buf = append(w.buf, make([]byte, need-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("audio: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("audio: negative seek position %d", abs)
	}
	w.pos = int(abs)
	return abs, nil
}
