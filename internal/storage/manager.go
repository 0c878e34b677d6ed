package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/extract"
	"github.com/provia/docchat/internal/models"
)

// Store defines the document registry.
type Store interface {
	Add(originalName string, sourceType models.SourceType, raw []byte) (*models.StoredDocument, error)
	Ingest(ctx context.Context, originalName string, sourceType models.SourceType, raw []byte) (*models.StoredDocument, error)
	AddLink(sourceType models.SourceType, link string) (*models.StoredDocument, error)
	Get(id string) (*models.StoredDocument, error)
	List(limit int) ([]*models.StoredDocument, error)
	LoadContent(ctx context.Context, id string) (string, error)
	Delete(id string) error
	Missing() []*models.StoredDocument
	Repair() ([]*models.StoredDocument, error)
	Count() int
}

// Extractor turns a stored artifact or link into plain text.
type Extractor interface {
	Extract(ctx context.Context, sourceType models.SourceType, h extract.Handle) (string, error)
}

// LocalStore implements Store with one artifact file per document under
// uploadDir and a JSON registry file that is rewritten atomically.
type LocalStore struct {
	mu           sync.RWMutex
	uploadDir    string
	registryPath string
	docs         map[string]*models.StoredDocument
	extractor    Extractor
	log          *zap.Logger

	now    func() time.Time
	rename func(oldPath, newPath string) error
}

// NewLocalStore opens the registry at registryPath, creating uploadDir if needed.
func NewLocalStore(uploadDir, registryPath string, extractor Extractor, log *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(registryPath), 0755); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "storage"))

	s := &LocalStore{
		uploadDir:    uploadDir,
		registryPath: registryPath,
		docs:         loadRegistry(registryPath, log),
		extractor:    extractor,
		log:          log,
		now:          time.Now,
		rename:       os.Rename,
	}
	s.recoverInterruptedDeletes()
	log.Info("registry loaded", zap.String("path", registryPath), zap.Int("documents", len(s.docs)))
	return s, nil
}

// deletingSuffix marks an artifact set aside by an uncommitted Delete.
const deletingSuffix = ".deleting"

// recoverInterruptedDeletes finishes Deletes cut short by a stop. An
// artifact set aside before the registry was written still has its entry and
// is put back; one set aside after the write is removed.
func (s *LocalStore) recoverInterruptedDeletes() {
	listed := make(map[string]bool, len(s.docs))
	for _, doc := range s.docs {
		if doc.HasArtifact() {
			listed[doc.StoragePath] = true
		}
	}
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		s.log.Warn("could not scan upload directory", zap.String("path", s.uploadDir), zap.Error(err))
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), deletingSuffix) {
			continue
		}
		aside := filepath.Join(s.uploadDir, entry.Name())
		if listed[strings.TrimSuffix(aside, deletingSuffix)] {
			continue
		}
		if err := os.Remove(aside); err != nil && !os.IsNotExist(err) {
			s.log.Warn("could not remove artifact of interrupted delete", zap.String("path", aside), zap.Error(err))
			continue
		}
		s.log.Info("removed artifact of interrupted delete", zap.String("path", aside))
	}

	for id, doc := range s.docs {
		if !doc.HasArtifact() || fileExists(doc.StoragePath) {
			continue
		}
		aside := doc.StoragePath + deletingSuffix
		if !fileExists(aside) {
			continue
		}
		if err := s.rename(aside, doc.StoragePath); err != nil {
			s.log.Warn("could not restore artifact of interrupted delete",
				zap.String("id", id), zap.String("path", aside), zap.Error(err))
			continue
		}
		s.log.Info("restored artifact of interrupted delete", zap.String("id", id), zap.String("path", doc.StoragePath))
	}
}

// Add stores raw as a new file-backed document and records it in the registry.
// If the registry cannot be written the artifact is removed again.
func (s *LocalStore) Add(originalName string, sourceType models.SourceType, raw []byte) (*models.StoredDocument, error) {
	if !sourceType.FileBacked() {
		return nil, fmt.Errorf("%w: %s documents are not stored as files", models.ErrUnsupportedSource, sourceType)
	}
	if strings.TrimSpace(originalName) == "" {
		return nil, errors.New("original name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	path := filepath.Join(s.uploadDir, id+"_"+sanitizeName(originalName))
	if err := writeNewFile(path, raw, 0644); err != nil {
		return nil, &models.StorageError{Op: "write artifact", Path: path, Err: err}
	}

	doc := &models.StoredDocument{
		ID:           id,
		OriginalName: originalName,
		SourceType:   sourceType,
		IngestedAt:   s.now().UTC(),
		SizeBytes:    int64(len(raw)),
		StoragePath:  path,
	}
	s.docs[id] = doc

	if err := saveRegistry(s.registryPath, s.docs); err != nil {
		delete(s.docs, id)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Error("orphaned artifact after failed registry write",
				zap.String("id", id), zap.String("path", path), zap.Error(rmErr))
		}
		return nil, &models.StorageError{Op: "write registry", Path: s.registryPath, Err: err}
	}

	s.log.Info("document added",
		zap.String("id", id),
		zap.String("name", originalName),
		zap.Stringer("sourceType", sourceType),
		zap.Int64("size", doc.SizeBytes))
	return copyDoc(doc), nil
}

// Ingest adds raw and extracts it once. A document whose text cannot be
// extracted is removed again and the extraction error is returned, so the
// registry only lists documents that can ground a session.
func (s *LocalStore) Ingest(ctx context.Context, originalName string, sourceType models.SourceType, raw []byte) (*models.StoredDocument, error) {
	doc, err := s.Add(originalName, sourceType, raw)
	if err != nil {
		return nil, err
	}
	if _, err := s.LoadContent(ctx, doc.ID); err != nil {
		if delErr := s.Delete(doc.ID); delErr != nil {
			s.log.Error("failed to remove document that could not be extracted",
				zap.String("id", doc.ID), zap.Error(delErr))
		}
		s.log.Warn("document rejected, extraction failed",
			zap.String("name", originalName), zap.Stringer("sourceType", sourceType), zap.Error(err))
		return nil, err
	}
	return doc, nil
}

// AddLink records a Site or Youtube document. Its text is fetched again on
// every LoadContent, so nothing is written besides the registry entry.
func (s *LocalStore) AddLink(sourceType models.SourceType, link string) (*models.StoredDocument, error) {
	if !sourceType.Valid() || sourceType.FileBacked() {
		return nil, fmt.Errorf("%w: %s documents need file content", models.ErrUnsupportedSource, sourceType)
	}
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid link %q", link)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	doc := &models.StoredDocument{
		ID:           id,
		OriginalName: u.String(),
		SourceType:   sourceType,
		IngestedAt:   s.now().UTC(),
	}
	s.docs[id] = doc

	if err := saveRegistry(s.registryPath, s.docs); err != nil {
		delete(s.docs, id)
		return nil, &models.StorageError{Op: "write registry", Path: s.registryPath, Err: err}
	}

	s.log.Info("link added", zap.String("id", id), zap.String("url", doc.OriginalName), zap.Stringer("sourceType", sourceType))
	return copyDoc(doc), nil
}

// Get retrieves document metadata by ID.
func (s *LocalStore) Get(id string) (*models.StoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, &models.NotFoundError{ID: id}
	}
	return copyDoc(doc), nil
}

// List returns documents whose artifact still exists, most recent first.
// A limit of zero or less returns everything.
func (s *LocalStore) List(limit int) ([]*models.StoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.StoredDocument, 0, len(s.docs))
	for _, doc := range s.docs {
		if doc.HasArtifact() && !fileExists(doc.StoragePath) {
			continue
		}
		list = append(list, copyDoc(doc))
	}
	sortNewestFirst(list)

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Count returns the number of registry entries, including missing ones.
func (s *LocalStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// LoadContent extracts the text of a stored document. File-backed documents
// are read from their artifact; links are fetched again.
func (s *LocalStore) LoadContent(ctx context.Context, id string) (string, error) {
	doc, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if s.extractor == nil {
		return "", errors.New("no extractor configured")
	}

	var handle extract.Handle
	if doc.HasArtifact() {
		if !fileExists(doc.StoragePath) {
			return "", &models.NotFoundError{ID: id, Detail: "artifact missing"}
		}
		handle = extract.File(doc.StoragePath)
	} else {
		handle = extract.URL(doc.OriginalName)
	}

	text, err := s.extractor.Extract(ctx, doc.SourceType, handle)
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", id, err)
	}
	return text, nil
}

// Delete removes a document and its artifact. On any failure the registry
// and the artifact are left as they were before the call.
func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return &models.NotFoundError{ID: id}
	}

	trash := ""
	if doc.HasArtifact() {
		candidate := doc.StoragePath + deletingSuffix
		err := s.rename(doc.StoragePath, candidate)
		switch {
		case err == nil:
			trash = candidate
		case errors.Is(err, os.ErrNotExist):
			// already gone; only the registry entry remains
		default:
			return &models.StorageError{Op: "delete artifact", Path: doc.StoragePath, Err: err}
		}
	}

	delete(s.docs, id)
	if err := saveRegistry(s.registryPath, s.docs); err != nil {
		s.docs[id] = doc
		if trash != "" {
			if restoreErr := s.rename(trash, doc.StoragePath); restoreErr != nil {
				s.log.Error("failed to restore artifact after registry write failure",
					zap.String("id", id), zap.String("path", doc.StoragePath), zap.Error(restoreErr))
			}
		}
		return &models.StorageError{Op: "write registry", Path: s.registryPath, Err: err}
	}

	if trash != "" {
		if err := os.Remove(trash); err != nil && !os.IsNotExist(err) {
			s.log.Warn("leftover artifact after delete", zap.String("path", trash), zap.Error(err))
		}
	}

	s.log.Info("document deleted", zap.String("id", id), zap.String("name", doc.OriginalName))
	return nil
}

// Missing returns registry entries whose artifact no longer exists on disk.
func (s *LocalStore) Missing() []*models.StoredDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.missingLocked()
}

// Repair drops registry entries whose artifact is gone and returns them.
func (s *LocalStore) Repair() ([]*models.StoredDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := s.missingLocked()
	if len(missing) == 0 {
		return missing, nil
	}

	for _, doc := range missing {
		delete(s.docs, doc.ID)
	}
	if err := saveRegistry(s.registryPath, s.docs); err != nil {
		for _, doc := range missing {
			s.docs[doc.ID] = doc
		}
		return nil, &models.StorageError{Op: "write registry", Path: s.registryPath, Err: err}
	}

	for _, doc := range missing {
		aside := doc.StoragePath + deletingSuffix
		if err := os.Remove(aside); err != nil && !os.IsNotExist(err) {
			s.log.Warn("leftover artifact after repair", zap.String("path", aside), zap.Error(err))
		}
	}

	s.log.Info("registry repaired", zap.Int("removed", len(missing)))
	return missing, nil
}

func (s *LocalStore) missingLocked() []*models.StoredDocument {
	var missing []*models.StoredDocument
	for _, doc := range s.docs {
		if doc.HasArtifact() && !fileExists(doc.StoragePath) {
			missing = append(missing, copyDoc(doc))
		}
	}
	sortNewestFirst(missing)
	return missing
}

// newID returns an id that is not in the registry yet. Callers hold s.mu.
func (s *LocalStore) newID() string {
	for {
		id := fmt.Sprintf("%d_%s", s.now().UnixNano(), strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
		if _, taken := s.docs[id]; !taken {
			return id
		}
	}
}

func sortNewestFirst(list []*models.StoredDocument) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].IngestedAt.Equal(list[j].IngestedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].IngestedAt.After(list[j].IngestedAt)
	})
}

func copyDoc(doc *models.StoredDocument) *models.StoredDocument {
	c := *doc
	return &c
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sanitizeName keeps the base name readable while making it safe as a file name.
func sanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "document"
	}
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	return out
}
