// Package reply wraps the external language model behind a streaming
// generator: conversation history in, a lazy sequence of reply text
// fragments out. History is trimmed to a model token budget before each
// request so long calls never overflow the context window.
package reply
