package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/provia/docchat/internal/chat"
	"github.com/provia/docchat/internal/config"
	"github.com/provia/docchat/internal/extract"
	"github.com/provia/docchat/internal/models"
	"github.com/provia/docchat/internal/session"
	"github.com/provia/docchat/internal/storage"
	"github.com/provia/docchat/internal/testutil"
	"github.com/provia/docchat/internal/upload"
)

type testEnv struct {
	e         *echo.Echo
	store     *testutil.MockStore
	extractor *testutil.FakeExtractor
	gen       *testutil.FakeGenerator
	sessions  *session.Manager
	uploads   *upload.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     testutil.NewMockStore(),
		extractor: testutil.NewFakeExtractor(),
		gen:       testutil.NewFakeGenerator("Hello", " there"),
	}
	env.sessions = session.NewManager(env.store, env.extractor, session.Persona{Name: "ProV.ia", Organization: "Provion"}, nil)

	uploads, err := upload.NewManager(t.TempDir(), env.store, 0, nil)
	require.NoError(t, err)
	env.uploads = uploads

	env.e = echo.New()
	SetupMiddleware(env.e, nil)
	RegisterRoutes(env.e, NewHandlers(&Dependencies{
		Store:    env.store,
		Sessions: env.sessions,
		Engine:   chat.NewEngine(env.gen, 0, nil),
		Uploads:  env.uploads,
		Provider: "fake",
		Model:    "fake-model",
		Version:  "test",
	}))
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) newSession(t *testing.T) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var snap models.SessionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap.ID
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddDocument("d1", "a.txt", models.SourceTxt, []byte("x"))

	rec := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "fake", body["provider"])
	assert.Equal(t, float64(1), body["documents"])
}

func TestDocumentHandler_HandleAddDocument(t *testing.T) {
	tests := []struct {
		name       string
		request    map[string]string
		wantStatus int
		errCode    string
		wantType   models.SourceType
	}{
		{
			name:       "explicit source type",
			request:    map[string]string{"name": "notes", "sourceType": "Txt", "data": b64("Hello $5")},
			wantStatus: http.StatusCreated,
			wantType:   models.SourceTxt,
		},
		{
			name:       "inferred from extension",
			request:    map[string]string{"name": "table.CSV", "data": b64("a,b\n1,2")},
			wantStatus: http.StatusCreated,
			wantType:   models.SourceCsv,
		},
		{
			name:       "markdown is text",
			request:    map[string]string{"name": "README.md", "data": b64("# hi")},
			wantStatus: http.StatusCreated,
			wantType:   models.SourceTxt,
		},
		{
			name:       "cannot infer",
			request:    map[string]string{"name": "blob.bin", "data": b64("x")},
			wantStatus: http.StatusBadRequest,
			errCode:    "BAD_REQUEST",
		},
		{
			name:       "link type rejected",
			request:    map[string]string{"name": "x", "sourceType": "Site", "data": b64("x")},
			wantStatus: http.StatusBadRequest,
			errCode:    "BAD_REQUEST",
		},
		{
			name:       "unknown source type",
			request:    map[string]string{"name": "x.txt", "sourceType": "Docx", "data": b64("x")},
			wantStatus: http.StatusBadRequest,
			errCode:    "BAD_REQUEST",
		},
		{
			name:       "empty name",
			request:    map[string]string{"name": "", "data": b64("x")},
			wantStatus: http.StatusBadRequest,
			errCode:    "VALIDATION_ERROR",
		},
		{
			name:       "empty data",
			request:    map[string]string{"name": "a.txt", "data": ""},
			wantStatus: http.StatusBadRequest,
			errCode:    "VALIDATION_ERROR",
		},
		{
			name:       "invalid base64",
			request:    map[string]string{"name": "a.txt", "data": "not-valid-base64!!!"},
			wantStatus: http.StatusBadRequest,
			errCode:    "BAD_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(t, http.MethodPost, "/api/documents", tt.request)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.errCode != "" {
				assert.Equal(t, tt.errCode, decodeError(t, rec).Code)
				assert.Equal(t, 0, env.store.Count())
				return
			}
			var doc models.StoredDocument
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
			assert.NotEmpty(t, doc.ID)
			assert.Equal(t, tt.request["name"], doc.OriginalName)
			assert.Equal(t, tt.wantType, doc.SourceType)
		})
	}
}

// newExtractingEnv serves the API over a LocalStore backed by the real
// extraction gateway, so uploads go through the actual extractors.
func newExtractingEnv(t *testing.T) (*echo.Echo, string) {
	t.Helper()
	dir := t.TempDir()
	uploadDir := filepath.Join(dir, "uploaded_files")
	gateway := extract.NewGateway(config.DefaultConfig().Extraction, nil, extract.WithTempDir(t.TempDir()))
	store, err := storage.NewLocalStore(uploadDir, filepath.Join(dir, "registry.json"), gateway, nil)
	require.NoError(t, err)

	uploads, err := upload.NewManager(t.TempDir(), store, 0, nil)
	require.NoError(t, err)

	e := echo.New()
	SetupMiddleware(e, nil)
	RegisterRoutes(e, NewHandlers(&Dependencies{
		Store:    store,
		Sessions: session.NewManager(store, gateway, session.Persona{Name: "ProV.ia", Organization: "Provion"}, nil),
		Engine:   chat.NewEngine(testutil.NewFakeGenerator("ok"), 0, nil),
		Uploads:  uploads,
		Provider: "fake",
		Model:    "fake-model",
		Version:  "test",
	}))
	return e, uploadDir
}

func TestDocumentHandler_RejectsUnextractableFiles(t *testing.T) {
	assertEmpty := func(t *testing.T, e *echo.Echo, uploadDir string) {
		t.Helper()
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())

		entries, err := os.ReadDir(uploadDir)
		require.NoError(t, err)
		assert.Empty(t, entries, "no artifact should be left behind")
	}

	t.Run("base64 body", func(t *testing.T) {
		e, uploadDir := newExtractingEnv(t)
		payload, err := json.Marshal(map[string]string{"name": "broken.pdf", "sourceType": "Pdf", "data": b64("not a pdf at all")})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(payload))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		assert.Equal(t, "EXTRACTION_FAILED", decodeError(t, rec).Code)
		assertEmpty(t, e, uploadDir)
	})

	t.Run("multipart body", func(t *testing.T) {
		e, uploadDir := newExtractingEnv(t)
		body := new(bytes.Buffer)
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "broken.pdf")
		require.NoError(t, err)
		part.Write([]byte("not a pdf at all"))
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
		req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		assert.Equal(t, "EXTRACTION_FAILED", decodeError(t, rec).Code)
		assertEmpty(t, e, uploadDir)
	})
}

func TestDocumentHandler_Registry(t *testing.T) {
	t.Run("list get delete", func(t *testing.T) {
		env := newTestEnv(t)
		for i := 0; i < 3; i++ {
			rec := env.do(t, http.MethodPost, "/api/documents", map[string]string{"name": fmt.Sprintf("f%d.txt", i), "data": b64("x")})
			require.Equal(t, http.StatusCreated, rec.Code)
		}

		rec := env.do(t, http.MethodGet, "/api/documents?limit=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var docs []models.StoredDocument
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
		require.Len(t, docs, 2)

		id := docs[0].ID
		rec = env.do(t, http.MethodGet, "/api/documents/"+id, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodDelete, "/api/documents/"+id, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = env.do(t, http.MethodGet, "/api/documents/"+id, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)

		rec = env.do(t, http.MethodDelete, "/api/documents/"+id, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodGet, "/api/documents", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("invalid limit", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodGet, "/api/documents?limit=abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("storage failure on delete", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.AddDocument("d1", "a.txt", models.SourceTxt, []byte("x"))
		env.store.FailDelete = &models.StorageError{Op: "write registry", Err: testutil.ErrInjected}

		rec := env.do(t, http.MethodDelete, "/api/documents/d1", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "STORAGE_ERROR", decodeError(t, rec).Code)
	})

	t.Run("missing and repair", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.AddDocument("d1", "a.txt", models.SourceTxt, []byte("x"))
		env.store.AddDocument("d2", "b.txt", models.SourceTxt, []byte("y"))
		env.store.RemoveArtifact("d2")

		rec := env.do(t, http.MethodGet, "/api/documents/missing", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":"d2"`)
		assert.NotContains(t, rec.Body.String(), `"id":"d1"`)

		rec = env.do(t, http.MethodPost, "/api/documents/repair", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":"d2"`)
		assert.Equal(t, 1, env.store.Count())
	})
}

func TestDocumentHandler_HandleAddLink(t *testing.T) {
	tests := []struct {
		name       string
		request    map[string]string
		wantStatus int
	}{
		{"site", map[string]string{"sourceType": "Site", "url": "https://example.com/a"}, http.StatusCreated},
		{"youtube", map[string]string{"sourceType": "youtube", "url": "https://youtu.be/dQw4w9WgXcQ"}, http.StatusCreated},
		{"file type", map[string]string{"sourceType": "Pdf", "url": "https://example.com/a.pdf"}, http.StatusBadRequest},
		{"bad url", map[string]string{"sourceType": "Site", "url": "not a url"}, http.StatusBadRequest},
		{"missing type", map[string]string{"url": "https://example.com"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(t, http.MethodPost, "/api/documents/links", tt.request)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestUploadHandler_HandleUploadBinary(t *testing.T) {
	env := newTestEnv(t)

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "prices.csv")
	require.NoError(t, err)
	part.Write([]byte("name,price\nWidget,10\n"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc models.StoredDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, models.SourceCsv, doc.SourceType)
	assert.Equal(t, "prices.csv", doc.OriginalName)

	t.Run("no file", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", strings.NewReader(""))
		rec := httptest.NewRecorder()
		env.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadHandler_Chunked(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/documents/upload/chunk", map[string]interface{}{"uploadId": "up1", "chunkIndex": 0, "data": b64("chunk one ")})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodPost, "/api/documents/upload/chunk", map[string]interface{}{"uploadId": "up1", "chunkIndex": 1, "data": b64("chunk two")})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/documents/upload/complete", map[string]interface{}{
		"uploadId": "up1", "name": "combined.txt", "totalChunks": 2, "originalSize": 19,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	jobID, _ := started["jobId"].(string)
	require.NotEmpty(t, jobID)

	env.uploads.Wait()

	rec = env.do(t, http.MethodGet, "/api/documents/upload/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job upload.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, upload.StatusComplete, job.Status, job.Error)
	require.NotNil(t, job.Document)
	assert.Equal(t, int64(19), job.Document.SizeBytes)

	t.Run("unknown job", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/documents/upload/jobs/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad upload id", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/documents/upload/chunk", map[string]interface{}{"uploadId": "../x", "chunkIndex": 0, "data": b64("x")})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unsupported encoding", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/documents/upload/complete", map[string]interface{}{
			"uploadId": "up2", "name": "a.txt", "totalChunks": 1, "encoding": "br",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
	})
}

func TestSessionHandler_Grounding(t *testing.T) {
	t.Run("activate stored document", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.AddDocument("d1", "notes.txt", models.SourceTxt, []byte("Hello $5"))
		id := env.newSession(t)

		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/activate", map[string]string{"documentId": "d1"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var snap models.SessionSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		require.NotNil(t, snap.ActiveDocument)
		assert.Equal(t, "d1", snap.ActiveDocument.ID)

		rec = env.do(t, http.MethodGet, "/api/sessions/"+id+"/prompt", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var prompt map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prompt))
		assert.Contains(t, prompt["prompt"], "####\nHello $5\n####")

		rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/deactivate", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rec = env.do(t, http.MethodGet, "/api/sessions/"+id+"/prompt", nil)
		assert.NotContains(t, rec.Body.String(), "####")
	})

	t.Run("activate unknown document", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.newSession(t)
		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/activate", map[string]string{"documentId": "nope"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ingest site is transient", func(t *testing.T) {
		env := newTestEnv(t)
		env.extractor.Texts["https://example.com/post"] = "# Post"
		id := env.newSession(t)

		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/ingest", map[string]string{"sourceType": "Site", "url": "https://example.com/post"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var snap models.SessionSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.True(t, snap.Transient)
		assert.Equal(t, 0, env.store.Count())
	})

	t.Run("ingest bot challenge", func(t *testing.T) {
		env := newTestEnv(t)
		env.extractor.Errs["https://example.com/blocked"] = &models.ExtractionError{Source: models.SourceSite, Reason: "bot check", Challenge: true}
		id := env.newSession(t)

		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/ingest", map[string]string{"sourceType": "Site", "url": "https://example.com/blocked"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "BOT_CHALLENGE", decodeError(t, rec).Code)
	})

	t.Run("ingest unreachable site", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.newSession(t)
		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/ingest", map[string]string{"sourceType": "Site", "url": "https://example.com/down"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "EXTRACTION_FAILED", decodeError(t, rec).Code)
	})

	t.Run("ingest file", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.newSession(t)
		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/ingest", map[string]string{"sourceType": "Txt", "name": "notes.txt", "data": b64("Hello $5")})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 1, env.store.Count())
	})

	t.Run("ingest validation", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.newSession(t)
		for _, body := range []map[string]string{
			{"sourceType": "Site"},
			{"sourceType": "Txt", "data": b64("x")},
			{"sourceType": "Txt", "name": "a.txt"},
			{"url": "https://example.com"},
		} {
			rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/ingest", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		env := newTestEnv(t)
		for _, path := range []string{"/api/sessions/nope", "/api/sessions/nope/prompt", "/api/sessions/nope/transcript"} {
			rec := env.do(t, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code, path)
		}
		rec := env.do(t, http.MethodDelete, "/api/sessions/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSessionHandler_HandleAsk(t *testing.T) {
	t.Run("streams chunks and records transcript", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.AddDocument("d1", "notes.txt", models.SourceTxt, []byte("Hello $5"))
		id := env.newSession(t)
		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/activate", map[string]string{"documentId": "d1"})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", map[string]string{"message": "what does it say?"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

		body := rec.Body.String()
		assert.Equal(t, 2, strings.Count(body, "event: chunk\n"))
		assert.Contains(t, body, `data: {"text":"Hello"}`)
		assert.Contains(t, body, "event: done\ndata: {\"text\":\"Hello there\"}")
		assert.Contains(t, env.gen.LastRequest().SystemPrompt, "Hello $5")

		rec = env.do(t, http.MethodGet, "/api/sessions/"+id+"/transcript", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var tr transcriptResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
		require.Len(t, tr.Turns, 2)
		assert.Equal(t, "what does it say?", tr.Turns[0].Content)
		assert.Equal(t, "Hello there", tr.Turns[1].Content)

		rec = env.do(t, http.MethodGet, "/api/sessions/"+id+"/transcript/msgpack", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/msgpack", rec.Header().Get("Content-Type"))
		var packed transcriptResponse
		require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &packed))
		assert.Equal(t, id, packed.SessionID)
		require.Len(t, packed.Turns, 2)
		assert.Equal(t, models.RoleAssistant, packed.Turns[1].Role)

		rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/reset", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var snap models.SessionSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, 0, snap.TranscriptLen)
	})

	t.Run("immediate failure is a JSON error", func(t *testing.T) {
		env := newTestEnv(t)
		env.gen.FailAt = 0
		env.gen.Err = errors.New("rate limited")
		id := env.newSession(t)

		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", map[string]string{"message": "hi"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "GENERATION_FAILED", decodeError(t, rec).Code)

		sess, _ := env.sessions.GetSession(id)
		assert.Len(t, sess.Transcript(), 1)
	})

	t.Run("partial failure ends with error event", func(t *testing.T) {
		env := newTestEnv(t)
		env.gen.FailAt = 1
		env.gen.Err = errors.New("connection reset")
		id := env.newSession(t)

		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", map[string]string{"message": "hi"})
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "event: chunk\n")
		assert.Contains(t, body, "event: error\n")
		assert.Contains(t, body, `"partial":true`)
		assert.NotContains(t, body, "event: done")

		sess, _ := env.sessions.GetSession(id)
		tr := sess.Transcript()
		require.Len(t, tr, 2)
		assert.Equal(t, "Hello", tr[1].Content)
	})

	t.Run("empty message", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.newSession(t)
		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", map[string]string{"message": ""})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
	})

	t.Run("busy session", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.newSession(t)
		sess, _ := env.sessions.GetSession(id)
		ex, err := sess.BeginExchange("pending")
		require.NoError(t, err)
		defer ex.Abort()

		rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/ask", map[string]string{"message": "hi"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/deactivate", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		rec = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		status   int
	}{
		{"not found", &models.NotFoundError{ID: "x"}, "NOT_FOUND", http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("loading: %w", &models.NotFoundError{ID: "x"}), "NOT_FOUND", http.StatusNotFound},
		{"extraction", &models.ExtractionError{Reason: "empty"}, "EXTRACTION_FAILED", http.StatusUnprocessableEntity},
		{"bot challenge", &models.ExtractionError{Reason: "bot", Challenge: true}, "BOT_CHALLENGE", http.StatusUnprocessableEntity},
		{"storage", &models.StorageError{Op: "rename", Err: testutil.ErrInjected}, "STORAGE_ERROR", http.StatusInternalServerError},
		{"generation", &models.GenerationError{Err: testutil.ErrInjected}, "GENERATION_FAILED", http.StatusBadGateway},
		{"busy", models.ErrSessionBusy, "CONFLICT", http.StatusConflict},
		{"unsupported", models.ErrUnsupportedSource, "BAD_REQUEST", http.StatusBadRequest},
		{"too many sessions", session.ErrTooManySessions, "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), "INTERNAL_ERROR", http.StatusInternalServerError},
		{"api error passes through", NewValidationError("x"), "VALIDATION_ERROR", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.status, got.Status)
		})
	}
}
