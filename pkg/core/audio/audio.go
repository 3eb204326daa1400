// Package audio provides the DSP primitives shared by the media pipeline:
// sample-rate conversion, PCM16 encoding, and energy analysis.
//
// Everything here is plain arithmetic on sample buffers. No platform DSP
// library is involved, so results are identical across targets and trivially
// testable.
package audio

import (
	"math"
	"time"
)

// Resample converts samples from inputRate to outputRate using rate-ratio
// box averaging. When the rates are equal the input is returned unchanged.
//
// The output length is round(len(input) * outputRate / inputRate). Each
// output sample is the average of the input samples falling in its window;
// a window always covers at least one input sample.
func Resample(input []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outLen := int(math.Round(float64(len(input)) / ratio))
	if outLen <= 0 {
		return nil
	}

	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		start := int(float64(i) * ratio)
		end := int(float64(i+1) * ratio)
		if start >= len(input) {
			start = len(input) - 1
		}
		if end <= start {
			end = start + 1
		}
		if end > len(input) {
			end = len(input)
		}

		var sum float64
		for j := start; j < end; j++ {
			sum += float64(input[j])
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out
}

// EncodePCM16 converts float samples in [-1, 1] to 16-bit signed
// little-endian PCM. Samples outside the range are clamped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(math.Round(float64(s) * 32768))
		} else {
			v = int16(math.Round(float64(s) * 32767))
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM16 converts 16-bit signed little-endian PCM to float samples
// in [-1, 1]. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// RMSEnergy computes the root-mean-square energy of float samples.
// Returns a value between 0.0 and 1.0 for inputs in [-1, 1].
func RMSEnergy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSEnergyPCM16 computes RMS energy directly from 16-bit little-endian PCM.
func RMSEnergyPCM16(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// PeakAmplitude returns the maximum absolute amplitude of the samples.
func PeakAmplitude(samples []float32) float64 {
	var maxAbs float64
	for _, s := range samples {
		abs := math.Abs(float64(s))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs
}

// activityDecimation is the stride used when estimating activity level.
// Sampling every Nth value is enough for an animation signal and keeps the
// per-chunk cost negligible.
const activityDecimation = 8

// activityGain scales raw RMS into a visually useful [0, 1] range.
// Conversational speech RMS sits well below 1.0, so a plain RMS reads as
// near-silence on the overlay.
const activityGain = 4.0

// ActivityLevel estimates an instantaneous activity level in [0, 1] from a
// chunk of samples, using RMS over a decimated subset.
func ActivityLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	var count int
	for i := 0; i < len(samples); i += activityDecimation {
		sum += float64(samples[i]) * float64(samples[i])
		count++
	}
	level := math.Sqrt(sum/float64(count)) * activityGain
	if level > 1 {
		level = 1
	}
	return level
}

// TestTonePCM16 generates a sine tone as 16-bit little-endian PCM.
// Used by the speaker check path when no microphone is available.
func TestTonePCM16(freqHz, sampleRateHz int, d time.Duration, amp float64) []byte {
	if sampleRateHz <= 0 || d <= 0 || freqHz <= 0 {
		return nil
	}
	if amp <= 0 || amp > 1 {
		amp = 0.2
	}
	samples := int(float64(sampleRateHz) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRateHz)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		s := int16(v * 32767.0)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
