// mock_storage.go - In-memory document store for testing
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/provia/docchat/internal/models"
	"github.com/provia/docchat/internal/storage"
)

// MockStore implements storage.Store in memory. File-backed documents load
// their raw bytes as text; links load LinkText or "content of <url>".
// The Fail* fields inject errors.
type MockStore struct {
	docs     map[string]*models.StoredDocument
	data     map[string][]byte
	missing  map[string]bool
	mu       sync.RWMutex
	LinkText map[string]string

	FailAdd    error
	FailDelete error
	FailLoad   map[string]error
	// FailIngest makes Ingest reject every new document after adding it,
	// the way a failed extraction does.
	FailIngest error
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		docs:     make(map[string]*models.StoredDocument),
		data:     make(map[string][]byte),
		missing:  make(map[string]bool),
		LinkText: make(map[string]string),
		FailLoad: make(map[string]error),
	}
}

func (m *MockStore) Add(originalName string, sourceType models.SourceType, raw []byte) (*models.StoredDocument, error) {
	if !sourceType.FileBacked() {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedSource, sourceType)
	}
	if m.FailAdd != nil {
		return nil, m.FailAdd
	}
	id := generateTestID()
	return m.AddDocument(id, originalName, sourceType, raw), nil
}

// Ingest adds raw and loads it once, removing the entry again when loading
// fails or the content is blank.
func (m *MockStore) Ingest(ctx context.Context, originalName string, sourceType models.SourceType, raw []byte) (*models.StoredDocument, error) {
	doc, err := m.Add(originalName, sourceType, raw)
	if err != nil {
		return nil, err
	}
	text, err := m.LoadContent(ctx, doc.ID)
	switch {
	case err != nil:
	case m.FailIngest != nil:
		err = m.FailIngest
	case strings.TrimSpace(text) == "":
		err = &models.ExtractionError{Source: sourceType, Handle: originalName, Reason: "file is empty"}
	}
	if err != nil {
		m.mu.Lock()
		delete(m.docs, doc.ID)
		delete(m.data, doc.ID)
		m.mu.Unlock()
		return nil, err
	}
	return doc, nil
}

func (m *MockStore) AddLink(sourceType models.SourceType, link string) (*models.StoredDocument, error) {
	if sourceType.FileBacked() || !sourceType.Valid() {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedSource, sourceType)
	}
	if m.FailAdd != nil {
		return nil, m.FailAdd
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc := &models.StoredDocument{
		ID:           generateTestID(),
		OriginalName: link,
		SourceType:   sourceType,
		IngestedAt:   time.Now().UTC(),
	}
	m.docs[doc.ID] = doc
	c := *doc
	return &c, nil
}

func (m *MockStore) Get(id string) (*models.StoredDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, &models.NotFoundError{ID: id}
	}
	c := *doc
	return &c, nil
}

func (m *MockStore) List(limit int) ([]*models.StoredDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []*models.StoredDocument
	for id, doc := range m.docs {
		if m.missing[id] {
			continue
		}
		c := *doc
		docs = append(docs, &c)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].IngestedAt.After(docs[j].IngestedAt) })
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MockStore) LoadContent(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return "", &models.NotFoundError{ID: id}
	}
	if err := m.FailLoad[id]; err != nil {
		return "", err
	}
	if m.missing[id] {
		return "", &models.NotFoundError{ID: id, Detail: "artifact missing"}
	}
	if doc.SourceType.FileBacked() {
		return string(m.data[id]), nil
	}
	if text, ok := m.LinkText[doc.OriginalName]; ok {
		return text, nil
	}
	return "content of " + doc.OriginalName, nil
}

func (m *MockStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[id]; !exists {
		return &models.NotFoundError{ID: id}
	}
	if m.FailDelete != nil {
		return m.FailDelete
	}
	delete(m.docs, id)
	delete(m.data, id)
	delete(m.missing, id)
	return nil
}

func (m *MockStore) Missing() []*models.StoredDocument {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.StoredDocument
	for id := range m.missing {
		if doc, ok := m.docs[id]; ok {
			c := *doc
			out = append(out, &c)
		}
	}
	return out
}

func (m *MockStore) Repair() ([]*models.StoredDocument, error) {
	missing := m.Missing()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range missing {
		delete(m.docs, doc.ID)
		delete(m.data, doc.ID)
		delete(m.missing, doc.ID)
	}
	return missing, nil
}

func (m *MockStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Ensure MockStore implements storage.Store
var _ storage.Store = (*MockStore)(nil)

// Test Helper Methods

// AddDocument adds a file-backed document directly with a chosen id.
func (m *MockStore) AddDocument(id, name string, sourceType models.SourceType, data []byte) *models.StoredDocument {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := &models.StoredDocument{
		ID:           id,
		OriginalName: name,
		SourceType:   sourceType,
		IngestedAt:   time.Now().UTC(),
		SizeBytes:    int64(len(data)),
		StoragePath:  "/mock/path/" + id,
	}
	m.docs[id] = doc
	m.data[id] = data
	c := *doc
	return &c
}

// RemoveArtifact simulates an artifact deleted out-of-band.
func (m *MockStore) RemoveArtifact(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[id] = true
}

// generateTestID generates a simple test ID
var testIDCounter int
var testIDMutex sync.Mutex

func generateTestID() string {
	testIDMutex.Lock()
	defer testIDMutex.Unlock()
	testIDCounter++
	return fmt.Sprintf("test-id-%d", testIDCounter)
}

// ErrInjected is a generic failure for fault injection.
var ErrInjected = errors.New("injected failure")
