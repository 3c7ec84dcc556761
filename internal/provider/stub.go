package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
)

// StubProvider is a deterministic provider for tests and development. With no
// scripted responses it echoes the last user message; scripted responses are
// consumed in order. Err, when set, fails every call with that error.
type StubProvider struct {
	mu        sync.Mutex
	responses []Response

	// Latency delays each generation, for demo realism.
	Latency time.Duration
	// Err fails all calls when set.
	Err error
}

func NewStubProvider(responses ...Response) *StubProvider {
	return &StubProvider{responses: responses}
}

func (m *StubProvider) Name() string {
	return "stub"
}

func (m *StubProvider) next(messages []Message) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.responses) > 0 {
		resp := m.responses[0]
		m.responses = m.responses[1:]
		return &resp, nil
	}

	last := "nothing"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleSystem {
			last = messages[i].Content
			break
		}
	}
	words := len(strings.Fields(last))
	return &Response{
		Content: fmt.Sprintf("Here is my take on %q.", last),
		Usage:   Usage{PromptTokens: words, CompletionTokens: 8, TotalTokens: words + 8},
	}, nil
}

func (m *StubProvider) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Latency):
		return nil
	}
}

func (m *StubProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.next(messages)
}

func (m *StubProvider) ChatStream(ctx context.Context, messages []Message, onDelta func(string) error) (*Response, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := m.next(messages)
	if err != nil {
		return nil, err
	}

	// Word-level chunks so consumers see a realistic delta sequence.
	for _, chunk := range strings.SplitAfter(resp.Content, " ") {
		if chunk == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := onDelta(chunk); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (m *StubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	err := m.Err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// Token-hash embedding, stable across calls.
	vec := make([]float32, 256)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%len(vec)]++
	}
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(1 / math.Sqrt(mag))
		for i := range vec {
			vec[i] *= norm
		}
	}
	return vec, nil
}

var (
	_ Provider = (*AnthropicProvider)(nil)
	_ Provider = (*OpenAIProvider)(nil)
	_ Provider = (*OllamaProvider)(nil)
	_ Provider = (*GeminiProvider)(nil)
	_ Provider = (*StubProvider)(nil)
)
