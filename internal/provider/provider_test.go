package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "be kind"},
		{Role: RoleAssistant, Content: "hello"},
	})

	if system != "be brief\n\nbe kind" {
		t.Errorf("unexpected system prompt: %q", system)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 conversation messages, got %d", len(rest))
	}
	if rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Errorf("conversation order not preserved: %+v", rest)
	}
}

func TestOpenAIProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"content": "hello", "role": "assistant"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider("test-key", server.URL, "gpt-4o")
	if p.Name() != "openai" {
		t.Errorf("expected 'openai', got '%s'", p.Name())
	}

	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("expected 'hello', got '%s'", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIProvider_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"hello"},"finish_reason":null}]}

data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}

data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}

data: [DONE]

`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider("test-key", server.URL, "gpt-4o")

	var chunks []string
	resp, err := p.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(delta string) error {
		chunks = append(chunks, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if resp.Content != "hello world" {
		t.Errorf("expected 'hello world', got '%s'", resp.Content)
	}
	if len(chunks) != 2 {
		t.Errorf("expected 2 deltas, got %d: %v", len(chunks), chunks)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("expected 5 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestOllamaProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"message": {"content": "hi from ollama"}, "done": true, "eval_count": 10, "prompt_eval_count": 5}`))
	}))
	defer server.Close()

	os.Setenv("OLLAMA_HOST", server.URL)
	defer os.Unsetenv("OLLAMA_HOST")

	p, _ := NewOllamaProvider("llama3")
	if p.Name() != "ollama" {
		t.Errorf("expected 'ollama', got '%s'", p.Name())
	}

	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if resp.Content != "hi from ollama" {
		t.Errorf("expected 'hi from ollama', got '%s'", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestOllamaProvider_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"message": {"content": "hi "}, "done": false}
{"message": {"content": "there"}, "done": true, "eval_count": 10, "prompt_eval_count": 5}
`))
	}))
	defer server.Close()

	os.Setenv("OLLAMA_HOST", server.URL)
	defer os.Unsetenv("OLLAMA_HOST")

	p, _ := NewOllamaProvider("llama3")

	var chunks []string
	resp, err := p.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(delta string) error {
		chunks = append(chunks, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("expected 'hi there', got '%s'", resp.Content)
	}
	if len(chunks) != 2 {
		t.Errorf("expected 2 deltas, got %d: %v", len(chunks), chunks)
	}
}

func TestAnthropicProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_123",
			"type": "message",
			"role": "assistant",
			"model": "claude-3",
			"content": [{"type": "text", "text": "hello from claude"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider("test-key", "claude-3")
	p.SetBaseURL(server.URL)
	if p.Name() != "anthropic" {
		t.Errorf("expected 'anthropic', got '%s'", p.Name())
	}

	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if resp.Content != "hello from claude" {
		t.Errorf("expected 'hello from claude', got '%s'", resp.Content)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("expected 10 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestAnthropicProvider_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"input_tokens":5,"output_tokens":2}}

event: message_stop
data: {"type":"message_stop"}

`))
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider("test-key", "claude-3")
	p.SetBaseURL(server.URL)

	var chunks []string
	resp, err := p.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(delta string) error {
		chunks = append(chunks, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if resp.Content != "hello world" {
		t.Errorf("expected 'hello world', got '%s'", resp.Content)
	}
	if len(chunks) != 2 {
		t.Errorf("expected 2 deltas, got %d: %v", len(chunks), chunks)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens != 2 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestAnthropicProvider_Embed(t *testing.T) {
	p, _ := NewAnthropicProvider("test-key", "")
	if _, err := p.Embed(context.Background(), "text"); !errors.Is(err, ErrNoEmbeddings) {
		t.Errorf("expected ErrNoEmbeddings, got %v", err)
	}
}

func TestGeminiProvider_Name(t *testing.T) {
	p, err := NewGeminiProvider("fake-key", "gemini-pro")
	if err != nil {
		t.Logf("skipping gemini name test due to client init error: %v", err)
		return
	}
	if p.Name() != "gemini" {
		t.Errorf("expected 'gemini', got '%s'", p.Name())
	}
}

func TestStubProvider(t *testing.T) {
	t.Run("Echo", func(t *testing.T) {
		p := NewStubProvider()
		if p.Name() != "stub" {
			t.Errorf("expected 'stub', got '%s'", p.Name())
		}
		resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
		if err != nil {
			t.Fatalf("chat failed: %v", err)
		}
		if !strings.Contains(resp.Content, "hi") {
			t.Errorf("echo should mention the user message, got %q", resp.Content)
		}
	})

	t.Run("Scripted", func(t *testing.T) {
		p := NewStubProvider(
			Response{Content: "first"},
			Response{Content: "second"},
		)
		resp, _ := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "a"}})
		if resp.Content != "first" {
			t.Errorf("expected 'first', got '%s'", resp.Content)
		}
		resp, _ = p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "b"}})
		if resp.Content != "second" {
			t.Errorf("expected 'second', got '%s'", resp.Content)
		}
	})

	t.Run("StreamAccumulates", func(t *testing.T) {
		p := NewStubProvider(Response{Content: "one two three"})
		var got strings.Builder
		resp, err := p.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, func(delta string) error {
			got.WriteString(delta)
			return nil
		})
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
		if got.String() != resp.Content {
			t.Errorf("deltas %q do not accumulate to content %q", got.String(), resp.Content)
		}
	})

	t.Run("DeltaErrorAborts", func(t *testing.T) {
		p := NewStubProvider(Response{Content: "one two three"})
		wantErr := errors.New("consumer gone")
		_, err := p.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, func(string) error {
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("expected consumer error, got %v", err)
		}
	})

	t.Run("ErrInjection", func(t *testing.T) {
		p := NewStubProvider()
		p.Err = errors.New("provider down")
		if _, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}); err == nil {
			t.Error("expected injected error from Chat")
		}
		if _, err := p.Embed(context.Background(), "x"); err == nil {
			t.Error("expected injected error from Embed")
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		p := NewStubProvider()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
			t.Error("expected error on canceled context")
		}
	})

	t.Run("EmbedDeterministic", func(t *testing.T) {
		p := NewStubProvider()
		a, _ := p.Embed(context.Background(), "same text")
		b, _ := p.Embed(context.Background(), "same text")
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("embeddings differ at %d", i)
			}
		}
	})
}

func TestOpenAIProvider_Init(t *testing.T) {
	_, err := NewOpenAIProvider("", "", "")
	if err == nil {
		t.Error("expected error for empty key")
	}
}

func TestProvider_Errors(t *testing.T) {
	t.Run("OpenAI", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(500)
		}))
		defer server.Close()

		p, _ := NewOpenAIProvider("key", server.URL, "")
		if _, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("Anthropic", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(401)
		}))
		defer server.Close()

		p, _ := NewAnthropicProvider("key", "")
		p.SetBaseURL(server.URL)
		if _, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
			t.Error("expected error")
		}
	})
}
