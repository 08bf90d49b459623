package pipeline

import "math"

// Band edges used by the quality metrics, in Hz.
const (
	NoiseBandMax  = 300.0
	VoiceBandMin  = 300.0
	VoiceBandMax  = 3400.0
	byteTimeScale = 128.0
)

// Metrics is one monitoring sample of a stream.
type Metrics struct {
	Volume            float64 // RMS of the waveform, 0..1
	IsActive          bool    // Volume above the activity threshold
	NoiseLevel        float64 // mean linear magnitude below NoiseBandMax
	Clarity           float64 // voice-band share of total magnitude, 0..1
	DominantFrequency float64 // Hz
}

// Measure computes all metrics from a byte waveform (128 = silence) and a
// dB spectrum of a signal sampled at sampleRate.
func Measure(timeDomain []byte, freqDB []float32, sampleRate int, activityThreshold float64) Metrics {
	v := Volume(timeDomain)
	return Metrics{
		Volume:            v,
		IsActive:          v > activityThreshold,
		NoiseLevel:        NoiseLevel(freqDB, sampleRate),
		Clarity:           Clarity(freqDB, sampleRate),
		DominantFrequency: DominantFrequency(freqDB, sampleRate),
	}
}

// Volume returns the RMS of a byte waveform centered on 128.
func Volume(timeDomain []byte) float64 {
	if len(timeDomain) == 0 {
		return 0
	}
	var sum float64
	for _, b := range timeDomain {
		s := (float64(b) - byteTimeScale) / byteTimeScale
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(timeDomain)))
}

// DominantFrequency returns the frequency of the loudest bin:
// argmax · sampleRate / (2 · len(freqDB)). Ties go to the lowest bin.
func DominantFrequency(freqDB []float32, sampleRate int) float64 {
	if len(freqDB) == 0 {
		return 0
	}
	best := 0
	for i, v := range freqDB {
		if v > freqDB[best] || math.IsNaN(float64(freqDB[best])) {
			best = i
		}
	}
	return float64(best) * float64(sampleRate) / float64(2*len(freqDB))
}

// NoiseLevel returns the mean linear magnitude (10^(dB/20)) of the bins
// below NoiseBandMax.
func NoiseLevel(freqDB []float32, sampleRate int) float64 {
	var sum float64
	var n int
	for i, v := range freqDB {
		if binFrequency(i, len(freqDB), sampleRate) >= NoiseBandMax {
			break
		}
		sum += linear(v)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Clarity returns the linear magnitude in [VoiceBandMin, VoiceBandMax]
// divided by the total. It is 0 when the spectrum carries no energy.
func Clarity(freqDB []float32, sampleRate int) float64 {
	var voice, total float64
	for i, v := range freqDB {
		p := linear(v)
		total += p
		if f := binFrequency(i, len(freqDB), sampleRate); f >= VoiceBandMin && f <= VoiceBandMax {
			voice += p
		}
	}
	if total <= 0 || math.IsInf(total, 0) {
		return 0
	}
	return max(0, min(1, voice/total))
}

func binFrequency(i, bins, sampleRate int) float64 {
	return float64(i) * float64(sampleRate) / float64(2*bins)
}

// linear converts dB to linear magnitude. -Inf and NaN map to 0.
func linear(db float32) float64 {
	d := float64(db)
	if math.IsNaN(d) || math.IsInf(d, -1) {
		return 0
	}
	return math.Pow(10, d/20)
}
