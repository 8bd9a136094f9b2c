// Package speech wraps the external speech engines behind uniform
// clients: speech-to-text (OpenAI Whisper API) and text-to-speech
// (OpenAI speech API). Both are plain HTTP clients; the call pipeline
// consumes them through interfaces in the session package and survives
// their failures.
package speech
