// handlers_upload.go - Multipart and chunked upload handlers
package api

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/provia/docchat/internal/storage"
	"github.com/provia/docchat/internal/upload"
)

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	store         storage.Store
	uploadManager UploadManager
	maxFileBytes  int64
}

// NewUploadHandler creates a new upload handler instance. maxFileBytes bounds
// a multipart upload; zero disables the check.
func NewUploadHandler(store storage.Store, uploadMgr UploadManager, maxFileBytes int64) UploadHandler {
	return &UploadHandlerImpl{
		store:         store,
		uploadManager: uploadMgr,
		maxFileBytes:  maxFileBytes,
	}
}

// HandleUploadBinary accepts raw binary file upload (multipart/form-data)
func (h *UploadHandlerImpl) HandleUploadBinary(c echo.Context) error {
	// Get file from form
	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no file provided", err)
	}
	if h.maxFileBytes > 0 && file.Size > h.maxFileBytes {
		return NewBadRequestError("file too large", nil)
	}

	sourceType, err := resolveSourceType(c.FormValue("sourceType"), file.Filename)
	if err != nil {
		return err
	}

	// Open uploaded file
	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return NewInternalError("failed to read uploaded file", err)
	}

	doc, err := h.store.Ingest(c.Request().Context(), file.Filename, sourceType, data)
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

// HandleUploadChunk accepts a single chunk of a chunked upload
func (h *UploadHandlerImpl) HandleUploadChunk(c echo.Context) error {
	var req uploadChunkRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	// Decode base64 chunk data
	decoded, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return NewBadRequestError("invalid base64 data", err)
	}

	if err := h.uploadManager.SaveChunk(req.UploadID, req.ChunkIndex, decoded); err != nil {
		return FromError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// HandleCompleteUpload completes a chunked upload and starts async processing
func (h *UploadHandlerImpl) HandleCompleteUpload(c echo.Context) error {
	var req completeUploadRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	sourceType, err := resolveSourceType(req.SourceType, req.Name)
	if err != nil {
		return err
	}

	job, err := h.uploadManager.StartJob(upload.Request{
		UploadID:     req.UploadID,
		FileName:     req.Name,
		SourceType:   sourceType,
		TotalChunks:  req.TotalChunks,
		OriginalSize: req.OriginalSize,
		Encoding:     req.Encoding,
	})
	if err != nil {
		return NewBadRequestError("cannot start upload job", err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// HandleGetUploadJob returns the status of an upload job
func (h *UploadHandlerImpl) HandleGetUploadJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	job, ok := h.uploadManager.GetJob(id)
	if !ok {
		return NewNotFoundError("upload job", id)
	}
	return c.JSON(http.StatusOK, job)
}

// Request/Response types

type uploadChunkRequest struct {
	UploadID   string `json:"uploadId" validate:"required"`
	ChunkIndex int    `json:"chunkIndex" validate:"min=0"`
	Data       string `json:"data" validate:"required"` // Base64-encoded chunk
}

type completeUploadRequest struct {
	UploadID     string `json:"uploadId" validate:"required"`
	Name         string `json:"name" validate:"required"`
	SourceType   string `json:"sourceType"`
	TotalChunks  int    `json:"totalChunks" validate:"min=1"`
	OriginalSize int64  `json:"originalSize" validate:"min=0"`
	Encoding     string `json:"encoding" validate:"omitempty,oneof=gzip"`
}
