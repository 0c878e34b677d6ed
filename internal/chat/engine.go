// Package chat runs one question/answer exchange against a session.
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/provia/docchat/internal/llm"
	"github.com/provia/docchat/internal/models"
	"github.com/provia/docchat/internal/session"
)

// ErrReplyClosed is the cause recorded when a reply is closed before the
// generator finished.
var ErrReplyClosed = errors.New("reply closed before completion")

// Engine streams assistant replies and records them in the session transcript.
type Engine struct {
	gen     llm.Generator
	timeout time.Duration
	log     *zap.Logger
}

// NewEngine creates an engine. A zero timeout means only the caller's
// context bounds a reply.
func NewEngine(gen llm.Generator, timeout time.Duration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{gen: gen, timeout: timeout, log: log.With(zap.String("component", "chat"))}
}

// Ask appends userMessage to the transcript and starts the reply. It waits
// for the first chunk, so a generator that fails before producing output is
// reported here as a *models.GenerationError and no assistant turn is added.
// The caller must Close the returned Reply.
func (e *Engine) Ask(ctx context.Context, sess *session.Context, userMessage string) (*Reply, error) {
	ex, err := sess.BeginExchange(userMessage)
	if err != nil {
		return nil, err
	}

	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	log := e.log.With(zap.String("session", sess.ID()))
	started := time.Now()

	stream, err := e.gen.Generate(ctx, llm.Request{
		SystemPrompt: ex.SystemPrompt,
		History:      ex.History,
		UserMessage:  ex.UserMessage,
	})
	if err != nil {
		cancel()
		ex.Abort()
		log.Warn("generation failed to start", zap.Error(err))
		return nil, &models.GenerationError{Err: err}
	}

	r := &Reply{ex: ex, stream: stream, cancel: cancel, log: log, started: started}

	first, err := stream.Recv()
	switch {
	case err == nil:
		r.pending = first
		r.hasPending = true
	case errors.Is(err, io.EOF):
		r.finish(nil)
	default:
		stream.Close()
		cancel()
		ex.Abort()
		log.Warn("generation failed before output", zap.Error(err))
		return nil, &models.GenerationError{Err: err}
	}
	return r, nil
}

// Reply is a lazy, finite, non-restartable sequence of text chunks. When the
// sequence ends the text seen so far becomes the assistant turn, even if it
// ended with an error.
type Reply struct {
	ex      *session.Exchange
	stream  llm.ChunkStream
	cancel  context.CancelFunc
	log     *zap.Logger
	started time.Time

	pending    string
	hasPending bool
	chunk      string
	text       strings.Builder
	chunks     int
	err        error
	done       bool
}

// Next advances to the next chunk. It returns false when the reply is
// complete or failed; check Err afterwards.
func (r *Reply) Next() bool {
	if r.done {
		return false
	}
	if r.hasPending {
		r.hasPending = false
		r.accept(r.pending)
		return true
	}

	chunk, err := r.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.finish(nil)
		} else {
			r.finish(err)
		}
		return false
	}
	r.accept(chunk)
	return true
}

func (r *Reply) accept(chunk string) {
	r.chunk = chunk
	r.text.WriteString(chunk)
	r.chunks++
}

// Chunk returns the chunk produced by the last successful Next.
func (r *Reply) Chunk() string { return r.chunk }

// Text returns everything received so far.
func (r *Reply) Text() string { return r.text.String() }

// Err returns the *models.GenerationError that ended the reply, if any.
func (r *Reply) Err() error { return r.err }

// Close releases the stream. Closing before the end records the partial
// reply and sets Err.
func (r *Reply) Close() error {
	if !r.done {
		r.finish(ErrReplyClosed)
	}
	return nil
}

// finish commits the transcript exactly once. cause is nil on normal end.
func (r *Reply) finish(cause error) {
	if r.done {
		return
	}
	r.done = true
	r.chunk = ""
	_ = r.stream.Close()
	r.cancel()

	reply := r.text.String()
	if cause != nil {
		r.err = &models.GenerationError{Partial: reply != "", Err: cause}
		if reply == "" {
			r.ex.Abort()
		} else {
			r.ex.Commit(reply)
		}
		r.log.Warn("reply interrupted",
			zap.Int("chunks", r.chunks),
			zap.Int("chars", len(reply)),
			zap.Duration("elapsed", time.Since(r.started)),
			zap.Error(cause))
		return
	}

	r.ex.Commit(reply)
	r.log.Info("reply complete",
		zap.Int("chunks", r.chunks),
		zap.Int("chars", len(reply)),
		zap.Duration("elapsed", time.Since(r.started)))
}
