package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/config"
	"github.com/provia/docchat/internal/models"
)

// AnthropicGenerator streams replies from the Claude Messages API.
type AnthropicGenerator struct {
	client      anthropic.Client
	model       string
	temperature float32
	maxTokens   int
	log         *zap.Logger
}

// NewAnthropicGenerator creates a generator from cfg. Extra request options
// are applied after the key and base URL.
func NewAnthropicGenerator(cfg config.LLMConfig, log *zap.Logger, opts ...option.RequestOption) *AnthropicGenerator {
	clientOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	return &AnthropicGenerator{
		client:      anthropic.NewClient(clientOpts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		log:         log,
	}
}

func (g *AnthropicGenerator) Provider() string { return config.ProviderAnthropic }
func (g *AnthropicGenerator) Model() string    { return g.model }

// Generate opens a streaming message. Request errors surface on the first Recv.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (ChunkStream, error) {
	turns := mergeTurns(req.History, req.UserMessage)
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.Role == models.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		Messages:  messages,
	}
	if g.temperature > 0 {
		params.Temperature = anthropic.Float(float64(g.temperature))
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	return &anthropicStream{stream: g.client.Messages.NewStreaming(ctx, params)}, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (s *anthropicStream) Recv() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
			return text.Text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
