// Package extract turns documents of every supported source type into plain
// text for grounding.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/provia/docchat/internal/config"
	"github.com/provia/docchat/internal/models"
)

// Gateway dispatches extraction by source type.
type Gateway struct {
	site    *SiteExtractor
	youtube *YoutubeExtractor
	pdf     *PdfExtractor
	csv     *CsvExtractor
	tempDir string
	log     *zap.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithYoutubeBaseURL points the Youtube extractor at another host.
func WithYoutubeBaseURL(base string) Option {
	return func(g *Gateway) {
		g.youtube.baseURL = strings.TrimRight(base, "/")
	}
}

// WithTempDir sets where byte handles and PDF work files are staged.
func WithTempDir(dir string) Option {
	return func(g *Gateway) {
		g.tempDir = dir
		g.pdf.tempDir = dir
	}
}

// NewGateway creates a Gateway using the fetch settings in cfg.
func NewGateway(cfg config.ExtractionConfig, log *zap.Logger, opts ...Option) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "extract"))
	f := newFetcher(cfg)

	g := &Gateway{
		site:    &SiteExtractor{fetch: f, log: log},
		youtube: &YoutubeExtractor{fetch: f, baseURL: defaultYoutubeBase, languages: cfg.YoutubeLanguages, log: log},
		pdf:     &PdfExtractor{tempDir: os.TempDir(), log: log},
		csv:     newCsvExtractor(log),
		tempDir: os.TempDir(),
		log:     log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Extract returns the text of h interpreted as sourceType. Site and Youtube
// need a URL handle; Pdf, Csv and Txt accept a path or in-memory bytes.
func (g *Gateway) Extract(ctx context.Context, sourceType models.SourceType, h Handle) (string, error) {
	switch sourceType {
	case models.SourceSite:
		if h.URL == "" {
			return "", g.badHandle(sourceType, h)
		}
		return g.site.Extract(ctx, h.URL)

	case models.SourceYoutube:
		if h.URL == "" {
			return "", g.badHandle(sourceType, h)
		}
		return g.youtube.Extract(ctx, h.URL)

	case models.SourceTxt:
		if h.Path != "" {
			return readText(h.Path)
		}
		if h.Data != nil {
			return decodeText(h.String(), h.Data)
		}
		return "", g.badHandle(sourceType, h)

	case models.SourcePdf:
		return g.withFile(sourceType, h, func(path string) (string, error) {
			return g.pdf.Extract(ctx, path)
		})

	case models.SourceCsv:
		return g.withFile(sourceType, h, func(path string) (string, error) {
			return g.csv.Extract(ctx, path)
		})
	}

	return "", &models.ExtractionError{
		Source: sourceType,
		Handle: h.String(),
		Reason: "unsupported source type",
		Err:    models.ErrUnsupportedSource,
	}
}

// withFile runs fn on a path for h, staging in-memory bytes in a temp file.
func (g *Gateway) withFile(sourceType models.SourceType, h Handle, fn func(path string) (string, error)) (string, error) {
	if h.Path != "" {
		return fn(h.Path)
	}
	if h.Data == nil {
		return "", g.badHandle(sourceType, h)
	}

	ext := filepath.Ext(h.Name)
	if ext == "" {
		ext = "." + strings.ToLower(sourceType.String())
	}
	f, err := os.CreateTemp(g.tempDir, "extract-*"+ext)
	if err != nil {
		return "", &models.ExtractionError{Source: sourceType, Handle: h.String(), Reason: "staging bytes", Err: err}
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(h.Data); err != nil {
		f.Close()
		return "", &models.ExtractionError{Source: sourceType, Handle: h.String(), Reason: "staging bytes", Err: err}
	}
	if err := f.Close(); err != nil {
		return "", &models.ExtractionError{Source: sourceType, Handle: h.String(), Reason: "staging bytes", Err: err}
	}
	return fn(f.Name())
}

func (g *Gateway) badHandle(sourceType models.SourceType, h Handle) error {
	return &models.ExtractionError{
		Source: sourceType,
		Handle: h.String(),
		Reason: fmt.Sprintf("%s needs a %s handle", sourceType, handleKind(sourceType)),
	}
}

func handleKind(t models.SourceType) string {
	if t.FileBacked() {
		return "file or bytes"
	}
	return "URL"
}
