// Package provider abstracts the LLM backends the engine generates with.
// Every provider supports streamed chat; embeddings are optional and
// signalled by ErrNoEmbeddings.
package provider

import (
	"context"
	"errors"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoEmbeddings is returned by providers without an embedding endpoint.
var ErrNoEmbeddings = errors.New("provider does not support embeddings")

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response represents the complete output of one generation.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider defines the interface for AI model interactions.
type Provider interface {
	// Chat sends a list of messages to the model and returns a response.
	Chat(ctx context.Context, messages []Message) (*Response, error)

	// ChatStream generates like Chat but delivers text increments to onDelta
	// as they arrive. An error returned by onDelta aborts the generation.
	// The returned response carries the full accumulated content.
	ChatStream(ctx context.Context, messages []Message, onDelta func(delta string) error) (*Response, error)

	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider identifier (e.g., "stub", "openai").
	Name() string
}

// splitSystem separates system messages from the conversation for backends
// that take the system prompt out of band.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
