// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/provia/docchat/internal/storage"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version  string
	provider string
	model    string
	store    storage.Store
	sessions SessionManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version, provider, model string, store storage.Store, sessions SessionManager) HealthHandler {
	return &HealthHandlerImpl{
		version:  version,
		provider: provider,
		model:    model,
		store:    store,
		sessions: sessions,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   h.version,
		"provider":  h.provider,
		"model":     h.model,
		"documents": h.store.Count(),
		"sessions":  h.sessions.Count(),
	})
}
