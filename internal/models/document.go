// Package models contains domain types for the grounded document assistant.
package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies where a document's text comes from.
type SourceType uint8

const (
	SourceSite SourceType = iota + 1
	SourceYoutube
	SourcePdf
	SourceCsv
	SourceTxt
)

// SourceTypes lists every valid source type in display order.
var SourceTypes = []SourceType{SourceSite, SourceYoutube, SourcePdf, SourceCsv, SourceTxt}

// String returns the display name used in prompts and the registry file.
func (t SourceType) String() string {
	switch t {
	case SourceSite:
		return "Site"
	case SourceYoutube:
		return "Youtube"
	case SourcePdf:
		return "Pdf"
	case SourceCsv:
		return "Csv"
	case SourceTxt:
		return "Txt"
	}
	return fmt.Sprintf("SourceType(%d)", uint8(t))
}

// Valid reports whether t is one of the five known source types.
func (t SourceType) Valid() bool {
	return t >= SourceSite && t <= SourceTxt
}

// FileBacked reports whether documents of this type keep a raw artifact on disk.
// Site and Youtube content is re-fetched from its URL instead.
func (t SourceType) FileBacked() bool {
	switch t {
	case SourcePdf, SourceCsv, SourceTxt:
		return true
	}
	return false
}

// ParseSourceType parses a source type name, case-insensitively.
func ParseSourceType(s string) (SourceType, error) {
	for _, t := range SourceTypes {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedSource, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t SourceType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSource, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *SourceType) UnmarshalText(b []byte) error {
	parsed, err := ParseSourceType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// StoredDocument is the registry metadata for one ingested document.
// It is immutable once created; only deletion changes the registry.
type StoredDocument struct {
	ID           string     `json:"id"`
	OriginalName string     `json:"originalName"`
	SourceType   SourceType `json:"sourceType"`
	IngestedAt   time.Time  `json:"ingestedAt"`
	SizeBytes    int64      `json:"sizeBytes"`
	StoragePath  string     `json:"storagePath,omitempty"` // empty for Site and Youtube
}

// HasArtifact reports whether the document references a raw file on disk.
func (d *StoredDocument) HasArtifact() bool {
	return d.StoragePath != ""
}
