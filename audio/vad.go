package audio

import "math"

// Classifier decides whether a PCM frame contains speech.
type Classifier interface {
	IsSpeech(pcm []int16) bool
}

// EnergyVAD classifies frames by root-mean-square energy. It is cheap
// enough to run on every 20ms frame of every concurrent call; anything
// smarter belongs behind the same interface.
type EnergyVAD struct {
	// Threshold is the RMS amplitude above which a frame counts as
	// speech. Telephone silence with line noise sits well below 200;
	// conversational speech at normal gain sits above 1000.
	Threshold float64
}

// DefaultVADThreshold works for 8kHz G.711 telephone audio.
const DefaultVADThreshold = 500

// NewEnergyVAD returns an RMS classifier, applying the default threshold
// when the given one is not positive.
func NewEnergyVAD(threshold float64) *EnergyVAD {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	return &EnergyVAD{Threshold: threshold}
}

// IsSpeech reports whether the frame's RMS energy exceeds the threshold.
func (v *EnergyVAD) IsSpeech(pcm []int16) bool {
	if len(pcm) == 0 {
		return false
	}
	var sum2 int64
	for _, s := range pcm {
		sum2 += int64(s) * int64(s)
	}
	rms := math.Sqrt(float64(sum2) / float64(len(pcm)))
	return rms >= v.Threshold
}
