package audio

import "time"

// Frame is a fixed-duration slice of linear PCM samples as delivered by
// the transport layer. Seq is strictly increasing in arrival order for a
// given call; gaps mean the network dropped frames and are tolerated.
type Frame struct {
	Seq        uint64
	PCM        []int16
	SampleRate int
}

// Duration returns the wall-clock length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.PCM)) * time.Second / time.Duration(f.SampleRate)
}

// Millis returns the frame duration in whole milliseconds.
func (f Frame) Millis() int {
	if f.SampleRate <= 0 {
		return 0
	}
	return len(f.PCM) * 1000 / f.SampleRate
}
