// Package llm adapts chat completion providers to a common streaming interface.
package llm

import (
	"context"

	"github.com/provia/docchat/internal/models"
)

// Request is one completion call: the system prompt, the prior transcript and
// the new user message.
type Request struct {
	SystemPrompt string
	History      []models.Turn
	UserMessage  string
}

// ChunkStream yields reply text incrementally. Recv returns io.EOF once the
// reply is complete. A stream is consumed once and cannot be restarted.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

// Generator starts streamed completions against one provider and model.
type Generator interface {
	Generate(ctx context.Context, req Request) (ChunkStream, error)
	Provider() string
	Model() string
}

// mergeTurns folds consecutive turns with the same role into one, for
// providers that require strictly alternating roles. A failed ask leaves two
// user turns in a row.
func mergeTurns(history []models.Turn, userMessage string) []models.Turn {
	all := make([]models.Turn, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, models.Turn{Role: models.RoleUser, Content: userMessage})

	merged := make([]models.Turn, 0, len(all))
	for _, t := range all {
		if n := len(merged); n > 0 && merged[n-1].Role == t.Role {
			merged[n-1].Content += "\n\n" + t.Content
			continue
		}
		merged = append(merged, t)
	}
	// the conversation has to open with a user turn
	for len(merged) > 0 && merged[0].Role != models.RoleUser {
		merged = merged[1:]
	}
	return merged
}
