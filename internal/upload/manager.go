// Package upload stages chunked document uploads and ingests them in the
// background.
package upload

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
)

// Status represents the upload processing status.
type Status string

const (
	StatusProcessing    Status = "processing"
	StatusAssembling    Status = "assembling"
	StatusDecompressing Status = "decompressing"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// EncodingGzip marks an upload whose assembled bytes are gzip-compressed.
const EncodingGzip = "gzip"

// MaxChunks bounds the number of chunks of one upload.
const MaxChunks = 10000

var uploadIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var (
	// ErrInvalidUploadID is returned for upload ids that are not safe path segments.
	ErrInvalidUploadID = errors.New("invalid upload id")

	// ErrTooLarge is returned when an upload exceeds the configured size limit.
	ErrTooLarge = errors.New("upload too large")
)

// Job represents an async upload processing job.
type Job struct {
	ID            string                 `json:"id"`
	UploadID      string                 `json:"uploadId"`
	FileName      string                 `json:"fileName"`
	SourceType    models.SourceType      `json:"sourceType"`
	TotalChunks   int                    `json:"totalChunks"`
	OriginalSize  int64                  `json:"originalSize"`
	Encoding      string                 `json:"encoding,omitempty"`
	Status        Status                 `json:"status"`
	Progress      float64                `json:"progress"`
	Stage         string                 `json:"stage"`         // Current stage description
	StageProgress float64                `json:"stageProgress"` // Progress within current stage
	Document      *models.StoredDocument `json:"document,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
}

// Request describes a completed chunked upload.
type Request struct {
	UploadID     string
	FileName     string
	SourceType   models.SourceType
	TotalChunks  int
	OriginalSize int64
	Encoding     string
}

// Store is the part of the document registry the upload manager needs.
type Store interface {
	Ingest(ctx context.Context, originalName string, sourceType models.SourceType, raw []byte) (*models.StoredDocument, error)
}

// Manager handles chunk staging and async ingestion.
type Manager struct {
	jobs     map[string]*Job
	mu       sync.RWMutex
	chunkDir string
	store    Store
	maxBytes int64 // per upload, compressed and decompressed; zero means no limit
	log      *zap.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewManager creates a new upload manager staging chunks under
// <uploadDir>/chunks. maxBytes caps the size of one upload before and after
// decompression; zero disables the cap.
func NewManager(uploadDir string, store Store, maxBytes int64, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	chunkDir := filepath.Join(uploadDir, "chunks")
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return nil, fmt.Errorf("creating chunk directory: %w", err)
	}
	return &Manager{
		jobs:     make(map[string]*Job),
		chunkDir: chunkDir,
		store:    store,
		maxBytes: maxBytes,
		log:      log.With(zap.String("component", "upload")),
		now:      time.Now,
	}, nil
}

// SaveChunk stores one chunk of an upload. Re-sending a chunk overwrites it.
func (m *Manager) SaveChunk(uploadID string, chunkIndex int, data []byte) error {
	if !uploadIDRe.MatchString(uploadID) {
		return fmt.Errorf("%w: %q", ErrInvalidUploadID, uploadID)
	}
	if chunkIndex < 0 {
		return fmt.Errorf("chunk index must not be negative")
	}

	dir := filepath.Join(m.chunkDir, uploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}
	if err := os.WriteFile(chunkPath(dir, chunkIndex), data, 0644); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	return nil
}

func chunkPath(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d", i))
}

// StartJob begins async processing of a completed upload.
func (m *Manager) StartJob(req Request) (*Job, error) {
	if !uploadIDRe.MatchString(req.UploadID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUploadID, req.UploadID)
	}
	if !req.SourceType.FileBacked() {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedSource, req.SourceType)
	}
	if req.TotalChunks <= 0 {
		return nil, fmt.Errorf("totalChunks must be positive")
	}
	if req.TotalChunks > MaxChunks {
		return nil, fmt.Errorf("%w: more than %d chunks", ErrTooLarge, MaxChunks)
	}
	if m.maxBytes > 0 && req.OriginalSize > m.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrTooLarge, req.OriginalSize, m.maxBytes)
	}
	if req.Encoding != "" && req.Encoding != EncodingGzip {
		return nil, fmt.Errorf("unsupported encoding %q", req.Encoding)
	}

	job := &Job{
		ID:           uuid.New().String(),
		UploadID:     req.UploadID,
		FileName:     req.FileName,
		SourceType:   req.SourceType,
		TotalChunks:  req.TotalChunks,
		OriginalSize: req.OriginalSize,
		Encoding:     req.Encoding,
		Status:       StatusProcessing,
		Stage:        "preparing",
		CreatedAt:    m.now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	snapshot := *job
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.processJob(job)
	}()

	return &snapshot, nil
}

// GetJob returns a copy of a job by ID.
func (m *Manager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	c := *job
	return &c, true
}

// Wait blocks until all running jobs have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) processJob(job *Job) {
	log := m.log.With(zap.String("job", job.ID), zap.String("upload", job.UploadID))
	log.Info("processing upload", zap.String("name", job.FileName), zap.Int("chunks", job.TotalChunks))

	dir := filepath.Join(m.chunkDir, job.UploadID)
	defer os.RemoveAll(dir)

	// Stage 1: Assemble chunks
	m.updateJobStatus(job, StatusAssembling, "assembling chunks", 0)
	data, err := m.assemble(job, dir)
	if err != nil {
		m.markJobError(job, log, fmt.Sprintf("failed to assemble chunks: %v", err))
		return
	}
	log.Debug("chunks assembled", zap.Int("bytes", len(data)))

	// Stage 2: Decompress if needed
	if job.Encoding == EncodingGzip {
		m.updateJobStatus(job, StatusDecompressing, "decompressing file", 0)
		data, err = decompress(data, job.OriginalSize, m.maxBytes)
		if err != nil {
			m.markJobError(job, log, fmt.Sprintf("failed to decompress: %v", err))
			return
		}
		m.updateJobStatus(job, StatusDecompressing, "decompressing file", 100)
	} else if job.OriginalSize > 0 && int64(len(data)) != job.OriginalSize {
		m.markJobError(job, log, fmt.Sprintf("size mismatch: got %d bytes, expected %d bytes", len(data), job.OriginalSize))
		return
	}

	// Stage 3: Register, keeping the document only if it can be extracted
	m.updateJobStatus(job, StatusProcessing, "storing document", 0)
	doc, err := m.store.Ingest(context.Background(), job.FileName, job.SourceType, data)
	if err != nil {
		m.markJobError(job, log, fmt.Sprintf("failed to store document: %v", err))
		return
	}

	m.markJobComplete(job, doc)
	log.Info("upload complete", zap.String("document", doc.ID), zap.Int64("bytes", doc.SizeBytes))
}

// assemble concatenates the chunks in order. Sizes are checked against the
// limit before a chunk is read.
func (m *Manager) assemble(job *Job, dir string) ([]byte, error) {
	var (
		out   []byte
		total int64
	)
	for i := 0; i < job.TotalChunks; i++ {
		path := chunkPath(dir, i)
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("reading chunk %d: %w", i, err)
		}
		total += info.Size()
		if m.maxBytes > 0 && total > m.maxBytes {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, m.maxBytes)
		}
		chunk, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading chunk %d: %w", i, err)
		}
		out = append(out, chunk...)
		m.updateJobStatus(job, StatusAssembling, "assembling chunks", float64(i+1)/float64(job.TotalChunks)*100)
	}
	return out, nil
}

// decompress gunzips data, refusing output larger than expected when
// expected is known, and larger than limit when limit is positive.
func decompress(data []byte, expected, limit int64) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return nil, fmt.Errorf("not a gzip file")
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var r io.Reader = zr
	switch {
	case expected > 0:
		r = io.LimitReader(zr, expected+1)
	case limit > 0:
		r = io.LimitReader(zr, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	if expected <= 0 && limit > 0 && int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes decompressed", ErrTooLarge, limit)
	}
	if expected > 0 && int64(len(out)) != expected {
		return nil, fmt.Errorf("decompressed size mismatch: got %d bytes, expected %d bytes", len(out), expected)
	}
	return out, nil
}

// updateJobStatus updates job progress (thread-safe).
func (m *Manager) updateJobStatus(job *Job, status Status, stage string, stageProgress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = status
	job.Stage = stage
	job.StageProgress = stageProgress

	// Assembling: 0-40%, Decompressing: 40-80%, Storing: 80-100%
	switch status {
	case StatusAssembling:
		job.Progress = stageProgress * 0.4
	case StatusDecompressing:
		job.Progress = 40 + stageProgress*0.4
	case StatusProcessing:
		job.Progress = 80 + stageProgress*0.2
	}
}

// markJobComplete marks job as complete (thread-safe).
func (m *Manager) markJobComplete(job *Job, doc *models.StoredDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = StatusComplete
	job.Stage = "done"
	job.Progress = 100
	job.StageProgress = 100
	job.Document = doc
	now := m.now()
	job.CompletedAt = &now
}

// markJobError marks job as failed (thread-safe).
func (m *Manager) markJobError(job *Job, log *zap.Logger, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = StatusError
	job.Error = errMsg
	now := m.now()
	job.CompletedAt = &now
	log.Warn("upload failed", zap.String("error", errMsg))
}

// CleanupOldJobs removes finished jobs older than maxAge and returns how many
// were removed.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for id, job := range m.jobs {
		if job.Status != StatusComplete && job.Status != StatusError {
			continue
		}
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// CleanupStaleChunks removes staging directories of uploads that were never
// completed and have not been touched for maxAge.
func (m *Manager) CleanupStaleChunks(maxAge time.Duration) int {
	entries, err := os.ReadDir(m.chunkDir)
	if err != nil {
		m.log.Warn("listing chunk directory", zap.Error(err))
		return 0
	}

	m.mu.RLock()
	active := make(map[string]bool)
	for _, job := range m.jobs {
		if job.CompletedAt == nil {
			active[job.UploadID] = true
		}
	}
	m.mu.RUnlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || active[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.chunkDir, e.Name())); err != nil {
			m.log.Warn("removing stale chunks", zap.String("upload", e.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}
