package audio

import (
	"math"
	"time"
)

// Span is a half-open sample range [Start, End).
type Span struct {
	Start, End int
}

// Len returns the number of samples in s.
func (s Span) Len() int { return s.End - s.Start }

// Split cuts samples into spans no longer than maxLen. Each cut falls in the
// middle of the quietest [NoiseGateFrameMs] frame between minLen and maxLen
// from the start of the current span, the latest one on ties, so words are
// rarely split and segments stay long. Every span
// but the last is at least minLen long; the last one may be shorter.
func Split(samples []float64, sampleRate int, minLen, maxLen time.Duration) []Span {
	n := len(samples)
	if n == 0 {
		return nil
	}
	minN := int(minLen.Seconds() * float64(sampleRate))
	maxN := int(maxLen.Seconds() * float64(sampleRate))
	frame := max(sampleRate*NoiseGateFrameMs/1000, 1)
	if maxN < frame || minN > maxN {
		return []Span{{0, n}}
	}
	minN = max(minN, 0)

	var out []Span
	start := 0
	for n-start > maxN {
		lo, hi := start+minN, start+maxN
		cut, best := hi, math.Inf(1)
		for off := lo; off+frame <= hi; off += frame {
			if r := RMS(samples[off : off+frame]); r <= best {
				best, cut = r, off+frame/2
			}
		}
		if cut <= start {
			cut = hi
		}
		out = append(out, Span{start, cut})
		start = cut
	}
	return append(out, Span{start, n})
}

// Duration returns the length of s at sampleRate.
func (s Span) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Len()) * time.Second / time.Duration(sampleRate)
}
