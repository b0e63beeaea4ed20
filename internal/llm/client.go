// Package llm talks to an OpenAI-compatible chat completion API and
// turns its output into the text Kindred sends.
package llm

import "context"

// Client is the interface an LLM provider implements.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
