package llm

import (
	"context"
	"fmt"
	"io"
	"iter"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/provia/docchat/internal/config"
	"github.com/provia/docchat/internal/models"
)

// GeminiGenerator streams replies from the Gemini API.
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int
	log         *zap.Logger
}

// NewGeminiGenerator creates a generator from cfg.
func NewGeminiGenerator(ctx context.Context, cfg config.LLMConfig, log *zap.Logger) (*GeminiGenerator, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	return &GeminiGenerator{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		log:         log,
	}, nil
}

func (g *GeminiGenerator) Provider() string { return config.ProviderGemini }
func (g *GeminiGenerator) Model() string    { return g.model }

// Generate starts a streamed generation. Request errors surface on the first Recv.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (ChunkStream, error) {
	turns := mergeTurns(req.History, req.UserMessage)
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := string(genai.RoleUser)
		if t.Role == models.RoleAssistant {
			role = string(genai.RoleModel)
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(t.Content)},
		})
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.temperature),
		MaxOutputTokens: int32(g.maxTokens),
	}
	if req.SystemPrompt != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	next, stop := iter.Pull2(g.client.Models.GenerateContentStream(ctx, g.model, contents, genConfig))
	return &geminiStream{next: next, stop: stop}, nil
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Recv() (string, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}
