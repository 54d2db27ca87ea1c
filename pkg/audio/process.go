package audio

import (
	"math"
	"slices"
)

// Post-processing defaults applied to synthesised speech.
const (
	// NoiseGateFrameMs is the analysis frame length used by [ReduceNoise].
	NoiseGateFrameMs = 10

	// NoiseGatePercentile selects the frame RMS that estimates the noise floor.
	NoiseGatePercentile = 0.10

	// NoiseGateFactor scales the noise floor into the gate threshold.
	NoiseGateFactor = 2.0

	// PeakTargetDBFS is the peak level targeted by [NormalizePeak].
	PeakTargetDBFS = -1.0

	// PreEmphasisAlpha is the coefficient of the clarity pre-emphasis filter.
	PreEmphasisAlpha = 0.5

	// PreEmphasisMix is the share of the filtered signal in the output.
	PreEmphasisMix = 0.3
)

// ReduceNoise applies a frame noise gate: frames whose RMS falls below
// [NoiseGateFactor] times the 10th-percentile frame RMS are silenced. The
// input is not modified.
func ReduceNoise(samples []float64, sampleRate int) []float64 {
	out := slices.Clone(samples)
	frame := sampleRate * NoiseGateFrameMs / 1000
	if frame <= 0 || len(out) < frame*2 {
		return out
	}

	rms := FrameRMS(out, frame)
	sorted := slices.Clone(rms)
	slices.Sort(sorted)
	floor := sorted[int(float64(len(sorted)-1)*NoiseGatePercentile)]
	threshold := floor * NoiseGateFactor
	if threshold == 0 {
		return out
	}

	for i, r := range rms {
		if r >= threshold {
			continue
		}
		end := min((i+1)*frame, len(out))
		for j := i * frame; j < end; j++ {
			out[j] = 0
		}
	}
	return out
}

// NormalizePeak scales samples so the absolute peak sits at [PeakTargetDBFS].
// Silent input is returned unchanged.
func NormalizePeak(samples []float64) []float64 {
	out := slices.Clone(samples)
	peak := Peak(out)
	if peak == 0 {
		return out
	}
	gain := math.Pow(10, PeakTargetDBFS/20) / peak
	for i := range out {
		out[i] *= gain
	}
	return out
}

// EnhanceClarity mixes a first-order pre-emphasis of the signal into it,
// lifting consonant energy. The result is clipped to [-1, 1].
func EnhanceClarity(samples []float64) []float64 {
	out := make([]float64, len(samples))
	prev := 0.0
	for i, s := range samples {
		emph := s - PreEmphasisAlpha*prev
		prev = s
		v := (1-PreEmphasisMix)*s + PreEmphasisMix*emph
		out[i] = math.Max(-1, math.Min(1, v))
	}
	return out
}

// PostProcess runs the mandatory post-processing chain in order: noise
// reduction, peak normalisation, clarity enhancement.
func PostProcess(samples []float64, sampleRate int) []float64 {
	return EnhanceClarity(NormalizePeak(ReduceNoise(samples, sampleRate)))
}

// Peak returns the maximum absolute sample value.
func Peak(samples []float64) float64 {
	var p float64
	for _, s := range samples {
		p = math.Max(p, math.Abs(s))
	}
	return p
}

// RMS returns the root-mean-square level of samples.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// FrameRMS returns the RMS of each consecutive frame of frameLen samples.
// A trailing partial frame is included.
func FrameRMS(samples []float64, frameLen int) []float64 {
	if frameLen <= 0 {
		return nil
	}
	out := make([]float64, 0, len(samples)/frameLen+1)
	for off := 0; off < len(samples); off += frameLen {
		out = append(out, RMS(samples[off:min(off+frameLen, len(samples))]))
	}
	return out
}
