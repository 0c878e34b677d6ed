// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/storage"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store        storage.Store
	Sessions     SessionManager
	Engine       ChatEngine
	Uploads      UploadManager
	Provider     string
	Model        string
	Version      string
	MaxFileBytes int64
	Log          *zap.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Documents DocumentHandler
	Upload    UploadHandler
	Sessions  SessionHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.Provider, deps.Model, deps.Store, deps.Sessions),
		Documents: NewDocumentHandler(deps.Store, deps.Sessions, deps.Log),
		Upload:    NewUploadHandler(deps.Store, deps.Uploads, deps.MaxFileBytes),
		Sessions:  NewSessionHandler(deps.Sessions, deps.Engine, deps.Log),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Document registry
	docGroup := apiGroup.Group("/documents")
	docGroup.GET("", handlers.Documents.HandleListDocuments)
	docGroup.POST("", handlers.Documents.HandleAddDocument)
	docGroup.GET("/missing", handlers.Documents.HandleMissingDocuments)
	docGroup.POST("/repair", handlers.Documents.HandleRepairDocuments)
	docGroup.POST("/links", handlers.Documents.HandleAddLink)
	docGroup.POST("/upload", handlers.Upload.HandleUploadBinary)
	docGroup.POST("/upload/chunk", handlers.Upload.HandleUploadChunk)
	docGroup.POST("/upload/complete", handlers.Upload.HandleCompleteUpload)
	docGroup.GET("/upload/jobs/:id", handlers.Upload.HandleGetUploadJob)
	docGroup.GET("/:id", handlers.Documents.HandleGetDocument)
	docGroup.DELETE("/:id", handlers.Documents.HandleDeleteDocument)

	// Sessions
	sessGroup := apiGroup.Group("/sessions")
	sessGroup.POST("", handlers.Sessions.HandleCreateSession)
	sessGroup.GET("/:id", handlers.Sessions.HandleGetSession)
	sessGroup.DELETE("/:id", handlers.Sessions.HandleDeleteSession)
	sessGroup.POST("/:id/activate", handlers.Sessions.HandleActivate)
	sessGroup.POST("/:id/ingest", handlers.Sessions.HandleIngest)
	sessGroup.POST("/:id/deactivate", handlers.Sessions.HandleDeactivate)
	sessGroup.POST("/:id/reset", handlers.Sessions.HandleReset)
	sessGroup.GET("/:id/prompt", handlers.Sessions.HandleGetPrompt)
	sessGroup.GET("/:id/transcript", handlers.Sessions.HandleGetTranscript)
	sessGroup.GET("/:id/transcript/msgpack", handlers.Sessions.HandleGetTranscriptMsgpack)
	sessGroup.POST("/:id/ask", handlers.Sessions.HandleAsk)
}

// SetupMiddleware installs the error handler and request validator
func SetupMiddleware(e *echo.Echo, log *zap.Logger) {
	e.HTTPErrorHandler = NewErrorHandler(log)
	e.Validator = NewRequestValidator()
}
