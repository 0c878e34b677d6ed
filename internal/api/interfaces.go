// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/provia/docchat/internal/chat"
	"github.com/provia/docchat/internal/session"
	"github.com/provia/docchat/internal/upload"
)

// DocumentHandler handles registry operations
type DocumentHandler interface {
	HandleListDocuments(c echo.Context) error
	HandleGetDocument(c echo.Context) error
	HandleAddDocument(c echo.Context) error
	HandleAddLink(c echo.Context) error
	HandleDeleteDocument(c echo.Context) error
	HandleMissingDocuments(c echo.Context) error
	HandleRepairDocuments(c echo.Context) error
}

// UploadHandler handles multipart and chunked uploads
type UploadHandler interface {
	HandleUploadBinary(c echo.Context) error
	HandleUploadChunk(c echo.Context) error
	HandleCompleteUpload(c echo.Context) error
	HandleGetUploadJob(c echo.Context) error
}

// SessionHandler handles session lifecycle, grounding and conversation
type SessionHandler interface {
	HandleCreateSession(c echo.Context) error
	HandleGetSession(c echo.Context) error
	HandleDeleteSession(c echo.Context) error
	HandleActivate(c echo.Context) error
	HandleIngest(c echo.Context) error
	HandleDeactivate(c echo.Context) error
	HandleReset(c echo.Context) error
	HandleGetPrompt(c echo.Context) error
	HandleGetTranscript(c echo.Context) error
	HandleGetTranscriptMsgpack(c echo.Context) error
	HandleAsk(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// SessionManager defines the interface for session management
// This allows mocking in tests
type SessionManager interface {
	CreateSession() (*session.Context, error)
	GetSession(id string) (*session.Context, bool)
	DeleteSession(id string) error
	DeleteDocument(id string) error
	Count() int
}

// ChatEngine runs one streamed exchange.
type ChatEngine interface {
	Ask(ctx context.Context, sess *session.Context, userMessage string) (*chat.Reply, error)
}

// UploadManager stages chunked uploads and tracks their jobs.
type UploadManager interface {
	SaveChunk(uploadID string, chunkIndex int, data []byte) error
	StartJob(req upload.Request) (*upload.Job, error)
	GetJob(id string) (*upload.Job, bool)
}

var (
	_ SessionManager = (*session.Manager)(nil)
	_ ChatEngine     = (*chat.Engine)(nil)
	_ UploadManager  = (*upload.Manager)(nil)
)
