package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/provia/docchat/internal/extract"
	"github.com/provia/docchat/internal/llm"
	"github.com/provia/docchat/internal/models"
)

// FakeExtractor returns Texts[url] for link handles and the raw bytes for
// file handles. Errs[url] makes a link fail.
type FakeExtractor struct {
	mu    sync.Mutex
	Texts map[string]string
	Errs  map[string]error
	Calls int
}

// NewFakeExtractor creates an extractor with no scripted results.
func NewFakeExtractor() *FakeExtractor {
	return &FakeExtractor{Texts: make(map[string]string), Errs: make(map[string]error)}
}

func (f *FakeExtractor) Extract(_ context.Context, sourceType models.SourceType, h extract.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++

	if h.URL != "" {
		if err := f.Errs[h.URL]; err != nil {
			return "", err
		}
		if text, ok := f.Texts[h.URL]; ok {
			return text, nil
		}
		return "", &models.ExtractionError{Source: sourceType, Handle: h.URL, Reason: "unreachable"}
	}
	return string(h.Data), nil
}

// FakeGenerator replays Chunks. When FailAt is n >= 0 the stream fails with
// Err after n chunks; FailAt 0 fails before any output. FailOpen makes
// Generate itself fail.
type FakeGenerator struct {
	mu       sync.Mutex
	Chunks   []string
	FailAt   int
	Err      error
	FailOpen error
	Block    chan struct{}

	Requests []llm.Request
}

// NewFakeGenerator creates a generator that streams chunks successfully.
func NewFakeGenerator(chunks ...string) *FakeGenerator {
	return &FakeGenerator{Chunks: chunks, FailAt: -1}
}

func (g *FakeGenerator) Provider() string { return "fake" }
func (g *FakeGenerator) Model() string    { return "fake-model" }

func (g *FakeGenerator) Generate(ctx context.Context, req llm.Request) (llm.ChunkStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Requests = append(g.Requests, req)
	if g.FailOpen != nil {
		return nil, g.FailOpen
	}
	return &fakeStream{ctx: ctx, chunks: append([]string(nil), g.Chunks...), failAt: g.FailAt, err: g.Err, block: g.Block}, nil
}

// LastRequest returns the most recent request, or the zero value.
func (g *FakeGenerator) LastRequest() llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.Requests) == 0 {
		return llm.Request{}
	}
	return g.Requests[len(g.Requests)-1]
}

type fakeStream struct {
	ctx    context.Context
	chunks []string
	pos    int
	failAt int
	err    error
	block  chan struct{}
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.closed {
		return "", io.ErrClosedPipe
	}
	if s.failAt >= 0 && s.pos == s.failAt {
		return "", s.err
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	if s.block != nil && s.pos > 0 {
		select {
		case <-s.block:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}
