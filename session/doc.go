// Package session implements the per-call real-time pipeline: utterance
// segmentation over inbound audio, the call state machine coordinating
// transcription, reply generation and speech synthesis, and the
// process-wide registry of active calls.
//
// Each call owns exactly one Session. All state transitions for a
// session are serialized behind one mutex; the three external stages run
// on a per-turn goroutine and re-enter the state machine through
// generation-checked event methods, so results of superseded turns
// (barge-in, call end) are dropped instead of applied.
package session
