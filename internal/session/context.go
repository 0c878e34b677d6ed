package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/extract"
	"github.com/provia/docchat/internal/models"
)

// DocumentStore is the part of the registry a session needs.
type DocumentStore interface {
	Add(originalName string, sourceType models.SourceType, raw []byte) (*models.StoredDocument, error)
	Get(id string) (*models.StoredDocument, error)
	LoadContent(ctx context.Context, id string) (string, error)
	Delete(id string) error
}

// Extractor extracts text from sources that are not kept in the registry.
type Extractor interface {
	Extract(ctx context.Context, sourceType models.SourceType, h extract.Handle) (string, error)
}

// Context owns one conversation: the active grounding document, its text and
// the transcript. Mutations are serialized and rejected with
// models.ErrSessionBusy while a reply is streaming.
type Context struct {
	id        string
	store     DocumentStore
	extractor Extractor
	persona   Persona
	log       *zap.Logger
	now       func() time.Time

	// opMu serializes mutating operations; mu guards the fields below and is
	// never held across store or extractor calls.
	opMu sync.Mutex
	mu   sync.Mutex

	active       *models.StoredDocument
	transient    bool
	grounding    string
	transcript   []models.Turn
	inFlight     bool
	createdAt    time.Time
	lastAccessed time.Time
}

// NewContext creates an ungrounded session with an empty transcript.
func NewContext(id string, store DocumentStore, extractor Extractor, persona Persona, log *zap.Logger) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now()
	return &Context{
		id:           id,
		store:        store,
		extractor:    extractor,
		persona:      persona,
		log:          log.With(zap.String("component", "session"), zap.String("session", id)),
		now:          time.Now,
		createdAt:    now,
		lastAccessed: now,
	}
}

// ID returns the session id.
func (c *Context) ID() string { return c.id }

// beginOp takes the operation lock and fails if a reply is in flight.
// On success the caller must call the returned release func.
func (c *Context) beginOp() (func(), error) {
	c.opMu.Lock()
	c.mu.Lock()
	busy := c.inFlight
	c.lastAccessed = c.now()
	c.mu.Unlock()
	if busy {
		c.opMu.Unlock()
		return nil, models.ErrSessionBusy
	}
	return c.opMu.Unlock, nil
}

// ActivateDocument loads a stored document and makes it the grounding source.
// On failure the previous grounding state is left untouched.
func (c *Context) ActivateDocument(ctx context.Context, id string) (*models.StoredDocument, error) {
	release, err := c.beginOp()
	if err != nil {
		return nil, err
	}
	defer release()

	doc, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	text, err := c.store.LoadContent(ctx, id)
	if err != nil {
		c.log.Warn("activation failed", zap.String("document", id), zap.Error(err))
		return nil, err
	}

	c.swap(doc, text, false)
	c.log.Info("document activated", zap.String("document", id), zap.Stringer("sourceType", doc.SourceType), zap.Int("chars", len(text)))
	return doc, nil
}

// ActivateAdHoc grounds the session in a new source. File-backed sources are
// stored first and then activated; if activation fails the new entry is
// removed again. Site and Youtube sources are extracted directly and never
// enter the registry.
func (c *Context) ActivateAdHoc(ctx context.Context, sourceType models.SourceType, h extract.Handle) (*models.StoredDocument, error) {
	if !sourceType.Valid() {
		return nil, fmt.Errorf("%w: %d", models.ErrUnsupportedSource, uint8(sourceType))
	}

	release, err := c.beginOp()
	if err != nil {
		return nil, err
	}
	defer release()

	if !sourceType.FileBacked() {
		text, err := c.extractor.Extract(ctx, sourceType, h)
		if err != nil {
			c.log.Warn("ad hoc extraction failed", zap.Stringer("sourceType", sourceType), zap.String("handle", h.String()), zap.Error(err))
			return nil, err
		}
		doc := &models.StoredDocument{
			ID:           "adhoc-" + uuid.New().String(),
			OriginalName: h.URL,
			SourceType:   sourceType,
			IngestedAt:   c.now().UTC(),
		}
		c.swap(doc, text, true)
		c.log.Info("transient source activated", zap.String("url", h.URL), zap.Stringer("sourceType", sourceType), zap.Int("chars", len(text)))
		return doc, nil
	}

	name, data, err := fileContent(h)
	if err != nil {
		return nil, &models.ExtractionError{Source: sourceType, Handle: h.String(), Reason: "reading upload", Err: err}
	}

	doc, err := c.store.Add(name, sourceType, data)
	if err != nil {
		return nil, err
	}
	text, err := c.store.LoadContent(ctx, doc.ID)
	if err != nil {
		if delErr := c.store.Delete(doc.ID); delErr != nil {
			c.log.Error("failed to remove document after failed activation", zap.String("document", doc.ID), zap.Error(delErr))
		}
		return nil, err
	}

	c.swap(doc, text, false)
	c.log.Info("document ingested and activated", zap.String("document", doc.ID), zap.String("name", name), zap.Stringer("sourceType", sourceType))
	return doc, nil
}

func fileContent(h extract.Handle) (string, []byte, error) {
	if h.Data != nil {
		return h.Name, h.Data, nil
	}
	if h.Path == "" {
		return "", nil, fmt.Errorf("no file content")
	}
	data, err := os.ReadFile(h.Path)
	if err != nil {
		return "", nil, err
	}
	name := h.Name
	if name == "" {
		name = h.Path
	}
	return name, data, nil
}

func (c *Context) swap(doc *models.StoredDocument, text string, transient bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = doc
	c.grounding = text
	c.transient = transient
}

// Deactivate returns the session to ungrounded mode.
func (c *Context) Deactivate() error {
	release, err := c.beginOp()
	if err != nil {
		return err
	}
	defer release()

	c.swap(nil, "", false)
	c.log.Info("session deactivated")
	return nil
}

// ResetTranscript clears the conversation history.
func (c *Context) ResetTranscript() error {
	release, err := c.beginOp()
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	c.transcript = nil
	c.mu.Unlock()
	c.log.Info("transcript reset")
	return nil
}

// DeleteDocument removes a document from the registry and deactivates the
// session if it was the active one.
func (c *Context) DeleteDocument(id string) error {
	release, err := c.beginOp()
	if err != nil {
		return err
	}
	defer release()

	if err := c.store.Delete(id); err != nil {
		return err
	}
	c.detach(id)
	return nil
}

// detach deactivates the session if id is the active document. It reports
// whether anything changed.
func (c *Context) detach(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.ID != id {
		return false
	}
	c.active = nil
	c.grounding = ""
	c.transient = false
	return true
}

// BuildGroundingPrompt renders the system prompt for the current state.
func (c *Context) BuildGroundingPrompt() string {
	c.mu.Lock()
	doc, text := c.active, c.grounding
	c.mu.Unlock()
	return BuildPrompt(c.persona, doc, text)
}

// Transcript returns a copy of the conversation so far.
func (c *Context) Transcript() []models.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Turn, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// ActiveDocument returns the active document, or nil when ungrounded.
func (c *Context) ActiveDocument() *models.StoredDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	doc := *c.active
	return &doc
}

// Snapshot returns a read-only view of the session state.
func (c *Context) Snapshot() models.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := models.SessionSnapshot{
		ID:             c.id,
		Transient:      c.transient,
		GroundingChars: len(c.grounding),
		TranscriptLen:  len(c.transcript),
		Busy:           c.inFlight,
		CreatedAt:      c.createdAt,
		LastAccessed:   c.lastAccessed,
	}
	if c.active != nil {
		doc := *c.active
		snap.ActiveDocument = &doc
	}
	return snap
}

func (c *Context) touch() {
	c.mu.Lock()
	c.lastAccessed = c.now()
	c.mu.Unlock()
}

func (c *Context) idleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAccessed, c.inFlight
}

// Exchange is one user turn whose reply is being generated. While it is open
// the session rejects mutations.
type Exchange struct {
	SystemPrompt string
	History      []models.Turn
	UserMessage  string

	c    *Context
	once sync.Once
}

// BeginExchange appends the user turn and marks the session busy. The
// returned exchange carries the prompt and the history before this turn.
func (c *Context) BeginExchange(userMessage string) (*Exchange, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return nil, models.ErrSessionBusy
	}

	history := make([]models.Turn, len(c.transcript))
	copy(history, c.transcript)

	c.transcript = append(c.transcript, models.Turn{Role: models.RoleUser, Content: userMessage, At: c.now().UTC()})
	c.inFlight = true
	c.lastAccessed = c.now()

	return &Exchange{
		SystemPrompt: BuildPrompt(c.persona, c.active, c.grounding),
		History:      history,
		UserMessage:  userMessage,
		c:            c,
	}, nil
}

// Commit appends reply as the assistant turn and ends the exchange.
func (e *Exchange) Commit(reply string) {
	e.once.Do(func() {
		c := e.c
		c.mu.Lock()
		defer c.mu.Unlock()
		c.transcript = append(c.transcript, models.Turn{Role: models.RoleAssistant, Content: reply, At: c.now().UTC()})
		c.inFlight = false
		c.lastAccessed = c.now()
	})
}

// Abort ends the exchange without an assistant turn.
func (e *Exchange) Abort() {
	e.once.Do(func() {
		c := e.c
		c.mu.Lock()
		defer c.mu.Unlock()
		c.inFlight = false
		c.lastAccessed = c.now()
	})
}
