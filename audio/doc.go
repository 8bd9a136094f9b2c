// Package audio provides the carrier-facing audio primitives: G.711
// codec conversion, WAV container encoding, PCM frames and energy-based
// voice activity detection.
package audio
