package audio

import "math"

// Tone is a continuous-phase sine source used as the synthetic microphone
type Tone struct {
	freq       float64
	amplitude  float64
	sampleRate int
	phase      float64
}

// NewTone creates a sine source. Amplitude is clamped to [0, 1].
func NewTone(freqHz, amplitude float64, sampleRate int) *Tone {
	if amplitude < 0 {
		amplitude = 0
	} else if amplitude > 1 {
		amplitude = 1
	}
	return &Tone{
		freq:       freqHz,
		amplitude:  amplitude,
		sampleRate: sampleRate,
	}
}

// Next returns the next n samples. Phase carries over between calls so
// consecutive frames join without clicks.
func (t *Tone) Next(n int) []float32 {
	out := make([]float32, n)
	step := 2 * math.Pi * t.freq / float64(t.sampleRate)
	for i := range out {
		out[i] = float32(t.amplitude * math.Sin(t.phase))
		t.phase += step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return out
}

// SampleRate returns the generation rate
func (t *Tone) SampleRate() int {
	return t.sampleRate
}
