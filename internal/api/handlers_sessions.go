// handlers_sessions.go - Session grounding and conversation handlers
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/extract"
	"github.com/provia/docchat/internal/models"
	"github.com/provia/docchat/internal/session"
)

// SessionHandlerImpl implements the SessionHandler interface
type SessionHandlerImpl struct {
	sessions SessionManager
	engine   ChatEngine
	log      *zap.Logger
}

// NewSessionHandler creates a new session handler instance
func NewSessionHandler(sessions SessionManager, engine ChatEngine, log *zap.Logger) SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandlerImpl{sessions: sessions, engine: engine, log: log.With(zap.String("component", "api"))}
}

// HandleCreateSession starts a new ungrounded session
func (h *SessionHandlerImpl) HandleCreateSession(c echo.Context) error {
	sess, err := h.sessions.CreateSession()
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusCreated, sess.Snapshot())
}

// HandleGetSession returns the session's grounding state
func (h *SessionHandlerImpl) HandleGetSession(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// HandleDeleteSession ends a session
func (h *SessionHandlerImpl) HandleDeleteSession(c echo.Context) error {
	id := c.Param("id")
	if err := h.sessions.DeleteSession(id); err != nil {
		if models.IsNotFound(err) {
			return NewNotFoundError("session", id)
		}
		return FromError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleActivate grounds the session in a stored document
func (h *SessionHandlerImpl) HandleActivate(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}

	var req activateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	if _, err := sess.ActivateDocument(c.Request().Context(), req.DocumentID); err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// HandleIngest grounds the session in a new source. Files are stored in the
// registry first; Site and Youtube URLs stay transient.
func (h *SessionHandlerImpl) HandleIngest(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}

	var req ingestRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	sourceType, err := models.ParseSourceType(req.SourceType)
	if err != nil {
		return FromError(err)
	}
	handle, err := req.handle(sourceType)
	if err != nil {
		return err
	}

	if _, err := sess.ActivateAdHoc(c.Request().Context(), sourceType, handle); err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// HandleDeactivate returns the session to ungrounded mode
func (h *SessionHandlerImpl) HandleDeactivate(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := sess.Deactivate(); err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// HandleReset clears the transcript
func (h *SessionHandlerImpl) HandleReset(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := sess.ResetTranscript(); err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// HandleGetPrompt returns the current grounding prompt
func (h *SessionHandlerImpl) HandleGetPrompt(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"prompt": sess.BuildGroundingPrompt(),
	})
}

// HandleGetTranscript returns the conversation so far
func (h *SessionHandlerImpl) HandleGetTranscript(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transcriptResponse{
		SessionID: sess.ID(),
		Turns:     sess.Transcript(),
	})
}

// HandleGetTranscriptMsgpack returns the transcript in MessagePack format
func (h *SessionHandlerImpl) HandleGetTranscriptMsgpack(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}

	data, err := msgpack.Marshal(transcriptResponse{
		SessionID: sess.ID(),
		Turns:     sess.Transcript(),
	})
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleAsk streams the assistant reply via SSE. Each chunk is sent as a
// "chunk" event; the stream ends with a "done" or "error" event.
func (h *SessionHandlerImpl) HandleAsk(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}

	var req askRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	// Failures before the first chunk are ordinary JSON errors.
	reply, err := h.engine.Ask(c.Request().Context(), sess, req.Message)
	if err != nil {
		return FromError(err)
	}
	defer reply.Close()

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	for reply.Next() {
		h.sendSSEEvent(c, "chunk", chunkEvent{Text: reply.Chunk()})
	}

	if err := reply.Err(); err != nil {
		var ge *models.GenerationError
		partial := errors.As(err, &ge) && ge.Partial
		h.log.Warn("reply ended with error", zap.String("session", sess.ID()), zap.Bool("partial", partial), zap.Error(err))
		h.sendSSEEvent(c, "error", errorEvent{Error: err.Error(), Partial: partial})
		return nil
	}

	h.sendSSEEvent(c, "done", doneEvent{Text: reply.Text()})
	return nil
}

func (h *SessionHandlerImpl) lookup(c echo.Context) (*session.Context, error) {
	id := c.Param("id")
	if id == "" {
		return nil, NewValidationError("id")
	}
	sess, ok := h.sessions.GetSession(id)
	if !ok {
		return nil, NewNotFoundError("session", id)
	}
	return sess, nil
}

func (h *SessionHandlerImpl) sendSSEEvent(c echo.Context, event string, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, jsonData)
	c.Response().Flush()
}

// Request/Response types

type activateRequest struct {
	DocumentID string `json:"documentId" validate:"required"`
}

type ingestRequest struct {
	SourceType string `json:"sourceType" validate:"required"`
	URL        string `json:"url" validate:"omitempty,url"`
	Name       string `json:"name"`
	Data       string `json:"data"` // Base64-encoded content
}

// handle builds the extraction handle for the request's source type.
func (r *ingestRequest) handle(sourceType models.SourceType) (extract.Handle, error) {
	if !sourceType.FileBacked() {
		if r.URL == "" {
			return extract.Handle{}, NewValidationError("url")
		}
		return extract.URL(r.URL), nil
	}

	if r.Name == "" {
		return extract.Handle{}, NewValidationError("name")
	}
	if r.Data == "" {
		return extract.Handle{}, NewValidationError("data")
	}
	decoded, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return extract.Handle{}, NewBadRequestError("invalid base64 data", err)
	}
	return extract.Bytes(r.Name, decoded), nil
}

type askRequest struct {
	Message string `json:"message" validate:"required"`
}

type transcriptResponse struct {
	SessionID string        `json:"sessionId" msgpack:"sessionId"`
	Turns     []models.Turn `json:"turns" msgpack:"turns"`
}

type chunkEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	Text string `json:"text"`
}

type errorEvent struct {
	Error   string `json:"error"`
	Partial bool   `json:"partial"`
}
