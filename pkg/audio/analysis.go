package audio

import (
	"math"
	"slices"
)

// analysisRate is the approximate rate pitch tracking runs at after decimation.
const analysisRate = 8000

// Pitch search bounds in Hz, covering adult speaking voices.
const (
	minPitchHz = 60
	maxPitchHz = 400
)

// Features summarises the acoustic character of a clip. Every field is a
// deterministic function of the samples.
type Features struct {
	// Pitch is the mean estimated fundamental frequency of voiced frames in
	// Hz. Zero when no frame is voiced.
	Pitch float64

	// Tempo is the number of energy-envelope peaks per second, a proxy for
	// syllable rate.
	Tempo float64

	// DynamicRange is the spread between loud and quiet frames in dB.
	DynamicRange float64

	// RMS is the overall signal level.
	RMS float64

	// NoiseFloor is the 10th-percentile frame RMS.
	NoiseFloor float64

	// SNR is the ratio of RMS to NoiseFloor in dB, capped at 60.
	SNR float64
}

// NormalizedDynamicRange maps DynamicRange onto [0, 1], saturating at 40 dB.
func (f Features) NormalizedDynamicRange() float64 {
	return Clamp01(f.DynamicRange / 40)
}

// Analyze measures the features of samples recorded at sampleRate.
func Analyze(samples []float64, sampleRate int) Features {
	if len(samples) == 0 || sampleRate <= 0 {
		return Features{}
	}
	frame := max(sampleRate/100, 1)
	rms := FrameRMS(samples, frame)
	sorted := slices.Clone(rms)
	slices.Sort(sorted)

	f := Features{
		RMS:        RMS(samples),
		NoiseFloor: percentile(sorted, 0.10),
	}
	f.SNR = ratioDB(f.RMS, f.NoiseFloor)
	f.DynamicRange = ratioDB(percentile(sorted, 0.95), math.Max(percentile(sorted, 0.10), 1e-4))
	f.Tempo = envelopeRate(rms, len(samples), sampleRate)
	f.Pitch = meanPitch(samples, sampleRate, math.Max(0.25*percentile(sorted, 0.95), 0.01))
	return f
}

// AnalyzeClip is shorthand for Analyze(c.Samples(), c.SampleRate()).
func AnalyzeClip(c Clip) Features {
	return Analyze(c.Samples(), c.SampleRate())
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func ratioDB(num, den float64) float64 {
	if num <= 0 {
		return 0
	}
	if den <= 0 {
		return 60
	}
	return math.Min(20*math.Log10(num/den), 60)
}

// envelopeRate counts peaks of the smoothed 10 ms energy envelope that rise
// above its mean, at least 100 ms apart, and divides by the duration.
func envelopeRate(env []float64, nSamples, sampleRate int) float64 {
	if len(env) < 3 {
		return 0
	}
	smooth := make([]float64, len(env))
	var mean float64
	for i := range env {
		lo, hi := max(i-1, 0), min(i+2, len(env))
		var s float64
		for _, v := range env[lo:hi] {
			s += v
		}
		smooth[i] = s / float64(hi-lo)
		mean += smooth[i]
	}
	mean /= float64(len(smooth))

	peaks, last := 0, -10
	for i := 1; i < len(smooth)-1; i++ {
		v := smooth[i]
		if v > mean && v > smooth[i-1] && v >= smooth[i+1] && i-last >= 10 {
			peaks++
			last = i
		}
	}
	seconds := float64(nSamples) / float64(sampleRate)
	return float64(peaks) / seconds
}

// meanPitch decimates to roughly 8 kHz and averages the autocorrelation pitch
// of every 40 ms frame whose RMS reaches voiced.
func meanPitch(samples []float64, sampleRate int, voiced float64) float64 {
	step := max(sampleRate/analysisRate, 1)
	dec := make([]float64, 0, len(samples)/step+1)
	for off := 0; off+step <= len(samples); off += step {
		var s float64
		for _, v := range samples[off : off+step] {
			s += v
		}
		dec = append(dec, s/float64(step))
	}
	rate := float64(sampleRate) / float64(step)

	frame := int(rate * 0.04)
	minLag := int(rate / maxPitchHz)
	maxLag := int(rate / minPitchHz)
	if frame <= maxLag || minLag < 1 {
		return 0
	}

	var sum float64
	var n int
	for off := 0; off+frame+maxLag <= len(dec); off += frame {
		seg := dec[off : off+frame+maxLag]
		if RMS(seg[:frame]) < voiced {
			continue
		}
		if lag := bestLag(seg, frame, minLag, maxLag); lag > 0 {
			sum += rate / float64(lag)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// bestLag returns the smallest local maximum of the normalised
// autocorrelation within 90% of the global maximum, or 0 when the frame is
// not periodic.
func bestLag(seg []float64, frame, minLag, maxLag int) int {
	r := make([]float64, maxLag+2)
	peak := 0.0
	for lag := minLag; lag <= maxLag+1 && lag+frame <= len(seg); lag++ {
		var xy, xx, yy float64
		for i := range frame {
			x, y := seg[i], seg[i+lag]
			xy += x * y
			xx += x * x
			yy += y * y
		}
		if xx > 0 && yy > 0 {
			r[lag] = xy / math.Sqrt(xx*yy)
		}
		if lag <= maxLag {
			peak = math.Max(peak, r[lag])
		}
	}
	if peak < 0.3 {
		return 0
	}
	for lag := minLag + 1; lag <= maxLag; lag++ {
		if r[lag] >= 0.9*peak && r[lag] >= r[lag-1] && r[lag] >= r[lag+1] {
			return lag
		}
	}
	return 0
}
