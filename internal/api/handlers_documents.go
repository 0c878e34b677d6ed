// handlers_documents.go - Document registry handlers
package api

import (
	"encoding/base64"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
	"github.com/provia/docchat/internal/storage"
)

// DocumentHandlerImpl implements the DocumentHandler interface
type DocumentHandlerImpl struct {
	store    storage.Store
	sessions SessionManager
	log      *zap.Logger
}

// NewDocumentHandler creates a new document handler instance
func NewDocumentHandler(store storage.Store, sessions SessionManager, log *zap.Logger) DocumentHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &DocumentHandlerImpl{store: store, sessions: sessions, log: log.With(zap.String("component", "api"))}
}

// HandleListDocuments returns stored documents, most recent first
func (h *DocumentHandlerImpl) HandleListDocuments(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return NewValidationError("limit")
		}
		limit = n
	}

	docs, err := h.store.List(limit)
	if err != nil {
		return FromError(err)
	}
	if docs == nil {
		docs = []*models.StoredDocument{}
	}
	return c.JSON(http.StatusOK, docs)
}

// HandleGetDocument returns metadata for a specific document
func (h *DocumentHandlerImpl) HandleGetDocument(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	doc, err := h.store.Get(id)
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

// HandleAddDocument stores a file-backed document sent as base64 JSON. The
// document is only kept if its text can be extracted.
func (h *DocumentHandlerImpl) HandleAddDocument(c echo.Context) error {
	var req addDocumentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	sourceType, err := resolveSourceType(req.SourceType, req.Name)
	if err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return NewBadRequestError("invalid base64 data", err)
	}

	doc, err := h.store.Ingest(c.Request().Context(), req.Name, sourceType, decoded)
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

// HandleAddLink bookmarks a Site or Youtube URL in the registry
func (h *DocumentHandlerImpl) HandleAddLink(c echo.Context) error {
	var req addLinkRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	sourceType, err := models.ParseSourceType(req.SourceType)
	if err != nil {
		return FromError(err)
	}
	if sourceType.FileBacked() {
		return NewBadRequestError("links must be Site or Youtube sources", nil)
	}

	doc, err := h.store.AddLink(sourceType, req.URL)
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

// HandleDeleteDocument deletes a document and detaches it from idle sessions
func (h *DocumentHandlerImpl) HandleDeleteDocument(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	if err := h.sessions.DeleteDocument(id); err != nil {
		return FromError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleMissingDocuments lists registry entries whose artifact is gone
func (h *DocumentHandlerImpl) HandleMissingDocuments(c echo.Context) error {
	missing := h.store.Missing()
	if missing == nil {
		missing = []*models.StoredDocument{}
	}
	return c.JSON(http.StatusOK, missing)
}

// HandleRepairDocuments removes registry entries whose artifact is gone
func (h *DocumentHandlerImpl) HandleRepairDocuments(c echo.Context) error {
	removed, err := h.store.Repair()
	if err != nil {
		return FromError(err)
	}
	if removed == nil {
		removed = []*models.StoredDocument{}
	}
	h.log.Info("registry repaired", zap.Int("removed", len(removed)))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"removed": removed,
	})
}

// Request/Response types

type addDocumentRequest struct {
	Name       string `json:"name" validate:"required"`
	SourceType string `json:"sourceType"`
	Data       string `json:"data" validate:"required"` // Base64-encoded content
}

type addLinkRequest struct {
	SourceType string `json:"sourceType" validate:"required"`
	URL        string `json:"url" validate:"required,url"`
}

// Helper functions

// resolveSourceType parses an explicit file-backed source type or infers it
// from the file extension.
func resolveSourceType(explicit, name string) (models.SourceType, error) {
	if explicit != "" {
		t, err := models.ParseSourceType(explicit)
		if err != nil {
			return 0, FromError(err)
		}
		if !t.FileBacked() {
			return 0, NewBadRequestError("Site and Youtube sources are added as links", nil)
		}
		return t, nil
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return models.SourcePdf, nil
	case ".csv":
		return models.SourceCsv, nil
	case ".txt", ".md":
		return models.SourceTxt, nil
	}
	return 0, NewBadRequestError("cannot infer source type from file name; set sourceType", nil)
}
