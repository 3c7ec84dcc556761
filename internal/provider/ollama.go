package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/ollama/ollama/api"
)

type OllamaProvider struct {
	client *api.Client
	model  string
}

func NewOllamaProvider(model string) (*OllamaProvider, error) {
	if model == "" {
		model = "llama3.2"
	}

	baseURL := "http://localhost:11434"
	if envURL := os.Getenv("OLLAMA_HOST"); envURL != "" {
		baseURL = envURL
	}
	uri, _ := url.Parse(baseURL)
	client := api.NewClient(uri, http.DefaultClient)

	return &OllamaProvider{
		client: client,
		model:  model,
	}, nil
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func apiMessages(messages []Message) []api.Message {
	var apiMsgs []api.Message
	for _, m := range messages {
		apiMsgs = append(apiMsgs, api.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return apiMsgs
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	return p.chat(ctx, messages, nil)
}

func (p *OllamaProvider) ChatStream(ctx context.Context, messages []Message, onDelta func(string) error) (*Response, error) {
	return p.chat(ctx, messages, onDelta)
}

func (p *OllamaProvider) chat(ctx context.Context, messages []Message, onDelta func(string) error) (*Response, error) {
	stream := onDelta != nil
	req := &api.ChatRequest{
		Model:    p.model,
		Messages: apiMessages(messages),
		Stream:   &stream,
	}

	var content strings.Builder
	var usage Usage
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			content.WriteString(resp.Message.Content)
			if onDelta != nil {
				if err := onDelta(resp.Message.Content); err != nil {
					return err
				}
			}
		}
		if resp.Done {
			usage = Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat failed: %w", err)
	}

	return &Response{
		Content: content.String(),
		Usage:   usage,
	}, nil
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:  p.model,
		Prompt: text,
	}
	resp, err := p.client.Embeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
