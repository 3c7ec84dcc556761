package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

type AnthropicProvider struct {
	client anthropic.Client
	apiKey string
	model  string
}

func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		apiKey: apiKey,
		model:  model,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// SetBaseURL allows overriding the API endpoint (useful for tests)
func (p *AnthropicProvider) SetBaseURL(url string) {
	p.client = anthropic.NewClient(option.WithAPIKey(p.apiKey), option.WithBaseURL(url))
}

func (p *AnthropicProvider) params(messages []Message) anthropic.MessageNewParams {
	system, rest := splitSystem(messages)

	msgs := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	msg, err := p.client.Messages.New(ctx, p.params(messages))
	if err != nil {
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Content: content.String(),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, onDelta func(string) error) (*Response, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(messages))
	defer stream.Close()

	var content strings.Builder
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic stream accumulate failed: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				content.WriteString(delta.Text)
				if err := onDelta(delta.Text); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream failed: %w", err)
	}

	return &Response{
		Content: content.String(),
		Usage: Usage{
			PromptTokens:     int(acc.Usage.InputTokens),
			CompletionTokens: int(acc.Usage.OutputTokens),
			TotalTokens:      int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
		},
	}, nil
}

func (p *AnthropicProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrNoEmbeddings
}
