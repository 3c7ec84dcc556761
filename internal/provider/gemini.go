package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if model == "" {
		model = "gemini-1.5-pro-latest"
	}

	return &GeminiProvider{
		client: client,
		model:  model,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

// startChat maps the conversation onto a gemini chat session: system messages
// become the system instruction, all but the last message become history, and
// the last message is what gets sent.
func (p *GeminiProvider) startChat(messages []Message) (*genai.ChatSession, string, error) {
	system, rest := splitSystem(messages)
	if len(rest) == 0 {
		return nil, "", errors.New("no user message to send")
	}

	geminiModel := p.client.GenerativeModel(p.model)
	if system != "" {
		geminiModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	cs := geminiModel.StartChat()
	for _, m := range rest[:len(rest)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return cs, rest[len(rest)-1].Content, nil
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String()
}

func geminiUsage(resp *genai.GenerateContentResponse) (Usage, bool) {
	if resp.UsageMetadata == nil {
		return Usage{}, false
	}
	return Usage{
		PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
		CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
	}, true
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	cs, last, err := p.startChat(messages)
	if err != nil {
		return nil, err
	}

	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return nil, fmt.Errorf("gemini completion failed: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates returned")
	}

	usage, _ := geminiUsage(resp)
	return &Response{
		Content: candidateText(resp),
		Usage:   usage,
	}, nil
}

func (p *GeminiProvider) ChatStream(ctx context.Context, messages []Message, onDelta func(string) error) (*Response, error) {
	cs, last, err := p.startChat(messages)
	if err != nil {
		return nil, err
	}

	iter := cs.SendMessageStream(ctx, genai.Text(last))

	var content strings.Builder
	var usage Usage
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gemini stream failed: %w", err)
		}

		if text := candidateText(resp); text != "" {
			content.WriteString(text)
			if err := onDelta(text); err != nil {
				return nil, err
			}
		}
		if u, ok := geminiUsage(resp); ok {
			usage = u
		}
	}

	return &Response{
		Content: content.String(),
		Usage:   usage,
	}, nil
}

func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	em := p.client.EmbeddingModel("text-embedding-004")
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if res.Embedding == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	return res.Embedding.Values, nil
}
