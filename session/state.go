package session

// State represents the current phase of a call session.
type State string

const (
	StateIdle         State = "idle"         // waiting for speech
	StateListening    State = "listening"    // accumulating an utterance
	StateTranscribing State = "transcribing" // ASR in flight
	StateGenerating   State = "generating"   // reply generation in flight
	StateSynthesizing State = "synthesizing" // TTS in flight, no audio out yet
	StateSpeaking     State = "speaking"     // outbound audio draining
	StateEnded        State = "ended"        // terminal
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateEnded }
