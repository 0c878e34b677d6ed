package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
)

// registryRecord is the on-disk form of a StoredDocument. The id is the map key.
type registryRecord struct {
	OriginalName string            `json:"originalName"`
	SourceType   models.SourceType `json:"sourceType"`
	IngestedAt   time.Time         `json:"ingestedAt"`
	SizeBytes    int64             `json:"sizeBytes"`
	StoragePath  string            `json:"storagePath"`
}

func recordOf(doc *models.StoredDocument) registryRecord {
	return registryRecord{
		OriginalName: doc.OriginalName,
		SourceType:   doc.SourceType,
		IngestedAt:   doc.IngestedAt.UTC(),
		SizeBytes:    doc.SizeBytes,
		StoragePath:  doc.StoragePath,
	}
}

func (r registryRecord) document(id string) *models.StoredDocument {
	return &models.StoredDocument{
		ID:           id,
		OriginalName: r.OriginalName,
		SourceType:   r.SourceType,
		IngestedAt:   r.IngestedAt,
		SizeBytes:    r.SizeBytes,
		StoragePath:  r.StoragePath,
	}
}

// loadRegistry reads the registry file. A missing file is an empty registry.
// An unreadable or corrupt file is moved aside and treated as empty so the
// store can still start; individual bad records are skipped.
func loadRegistry(path string, log *zap.Logger) map[string]*models.StoredDocument {
	docs := make(map[string]*models.StoredDocument)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("registry unreadable, starting empty", zap.String("path", path), zap.Error(err))
		}
		return docs
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
		if renameErr := os.Rename(path, aside); renameErr != nil {
			log.Warn("registry corrupt, starting empty", zap.String("path", path), zap.Error(err))
		} else {
			log.Warn("registry corrupt, moved aside and starting empty",
				zap.String("path", path), zap.String("movedTo", aside), zap.Error(err))
		}
		return docs
	}

	for id, msg := range raw {
		var rec registryRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			log.Warn("skipping unreadable registry record", zap.String("id", id), zap.Error(err))
			continue
		}
		if !rec.SourceType.Valid() {
			log.Warn("skipping registry record without a valid source type", zap.String("id", id))
			continue
		}
		if rec.SourceType.FileBacked() && rec.StoragePath == "" {
			log.Warn("skipping file-backed record without storage path", zap.String("id", id))
			continue
		}
		docs[id] = rec.document(id)
	}
	return docs
}

// saveRegistry atomically replaces the registry file with docs.
func saveRegistry(path string, docs map[string]*models.StoredDocument) error {
	records := make(map[string]registryRecord, len(docs))
	for id, doc := range docs {
		records[id] = recordOf(doc)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}
