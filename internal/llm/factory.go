package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/provia/docchat/internal/config"
)

// New returns the generator for the provider selected in cfg.
func New(ctx context.Context, cfg config.LLMConfig, log *zap.Logger) (Generator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "llm"))

	var (
		gen Generator
		err error
	)
	switch cfg.Provider {
	case config.ProviderOpenAI:
		gen = NewOpenAIGenerator(cfg, log)
	case config.ProviderAnthropic:
		gen = NewAnthropicGenerator(cfg, log)
	case config.ProviderGemini:
		gen, err = NewGeminiGenerator(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	log.Info("generator initialized",
		zap.String("provider", gen.Provider()),
		zap.String("model", gen.Model()),
		zap.Float32("temperature", cfg.Temperature),
		zap.Int("maxTokens", cfg.MaxTokens))
	return gen, nil
}
