package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"

	"reviewchat/internal/auth"
	"reviewchat/internal/config"
	"reviewchat/internal/controller"
	"reviewchat/internal/models"
	"reviewchat/internal/service/transcript"
	"reviewchat/internal/storage"
	"reviewchat/internal/worker"
)

type fakeWorkers struct {
	mu          sync.Mutex
	resp        *worker.CycleResponse
	err         error
	stream      []string
	lastReq     worker.CycleRequest
	purged      []int64
	invalidated []int64
}

func (f *fakeWorkers) RunCycle(req worker.CycleRequest) (*worker.CycleResponse, error) {
	f.mu.Lock()
	f.lastReq = req
	resp, err, stream := f.resp, f.err, f.stream
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if req.OnToken != nil {
		for _, chunk := range stream {
			if terr := req.OnToken(chunk); terr != nil {
				return nil, terr
			}
		}
	}
	return resp, nil
}

func (f *fakeWorkers) Purge(sessionID int64) {
	f.mu.Lock()
	f.purged = append(f.purged, sessionID)
	f.mu.Unlock()
}

func (f *fakeWorkers) InvalidateState(sessionID int64) {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, sessionID)
	f.mu.Unlock()
}

type testServer struct {
	router  *gin.Engine
	workers *fakeWorkers
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		BasicConfig: config.BasicConfig{
			DefaultPersona:  "analyze",
			DefaultProvider: "openai",
		},
		Providers: map[string]config.ProviderConfig{
			"openai": {Model: "gpt-4o-mini"},
		},
	}
	transcripts := transcript.NewService(db)
	authService := auth.NewService(db, nil, time.Hour)
	workers := &fakeWorkers{}

	handler := NewHandler(transcripts, authService, workers, cfg, t.TempDir(), time.Hour)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, workers: workers}
}

func (ts *testServer) doJSON(t *testing.T, method, path, sessionKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if sessionKey != "" {
		req.Header.Set("Authorization", "Bearer "+sessionKey)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, want, w.Body.String())
	}
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, w.Body.String())
	}
}

type createdSession struct {
	SessionID  int64  `json:"session_id"`
	SessionKey string `json:"session_key"`
	Title      string `json:"title"`
	Persona    string `json:"persona"`
	Greeting   string `json:"greeting"`
}

func (ts *testServer) createSession(t *testing.T) createdSession {
	t.Helper()
	w := ts.doJSON(t, http.MethodPost, "/api/sessions", "", gin.H{"persona": "analyze"})
	assertStatus(t, w, http.StatusCreated)
	var created createdSession
	decodeJSON(t, w, &created)
	if created.SessionID == 0 || created.SessionKey == "" {
		t.Fatalf("incomplete create response: %+v", created)
	}
	return created
}

func TestCreateSession(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)

	if created.Title != "New Conversation" {
		t.Fatalf("title = %q", created.Title)
	}
	if created.Persona != "analyze" {
		t.Fatalf("persona = %q", created.Persona)
	}
	if created.Greeting != transcript.Greeting {
		t.Fatalf("greeting = %q", created.Greeting)
	}
}

func TestCreateSessionRejectsUnknownPersona(t *testing.T) {
	ts := newTestServer(t)
	w := ts.doJSON(t, http.MethodPost, "/api/sessions", "", gin.H{"persona": "translate"})
	assertStatus(t, w, http.StatusBadRequest)
}

func TestCreateSessionRejectsUnknownProvider(t *testing.T) {
	ts := newTestServer(t)
	w := ts.doJSON(t, http.MethodPost, "/api/sessions", "", gin.H{"provider": "bedrock"})
	assertStatus(t, w, http.StatusBadRequest)
}

func TestSessionRoutesRequireKey(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)

	w := ts.doJSON(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d", created.SessionID), "", nil)
	assertStatus(t, w, http.StatusUnauthorized)

	w = ts.doJSON(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d", created.SessionID), "bogus-key", nil)
	assertStatus(t, w, http.StatusUnauthorized)
}

func TestSessionKeyBoundToItsSession(t *testing.T) {
	ts := newTestServer(t)
	first := ts.createSession(t)
	second := ts.createSession(t)

	w := ts.doJSON(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d", second.SessionID), first.SessionKey, nil)
	assertStatus(t, w, http.StatusForbidden)
}

func TestGetTranscript(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)

	w := ts.doJSON(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d", created.SessionID), created.SessionKey, nil)
	assertStatus(t, w, http.StatusOK)

	var resp struct {
		Session models.Session `json:"session"`
		Turns   []models.Turn  `json:"turns"`
	}
	decodeJSON(t, w, &resp)
	if resp.Session.ID != created.SessionID {
		t.Fatalf("session id = %d", resp.Session.ID)
	}
	if len(resp.Turns) != 1 || resp.Turns[0].Role != models.RoleAssistant {
		t.Fatalf("turns = %+v", resp.Turns)
	}
}

func TestCycleStreamsServerSentEvents(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)
	ts.workers.stream = []string{"Reviewers ", "like it."}
	ts.workers.resp = &worker.CycleResponse{
		Result: &controller.CycleResult{
			UserTurn:      &models.Turn{ID: 2, Role: models.RoleUser, Text: "what do people think?"},
			AssistantTurn: &models.Turn{ID: 3, Role: models.RoleAssistant, Text: "Reviewers like it."},
			Dispatched:    true,
		},
		Title: "Review sentiment",
	}

	w := ts.doJSON(t, http.MethodPost, fmt.Sprintf("/api/sessions/%d/cycle", created.SessionID), created.SessionKey, gin.H{"content": "what do people think?"})
	assertStatus(t, w, http.StatusOK)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"event: ack", "event: stream", "Reviewers ", "like it.", "event: done", "Review sentiment"} {
		if !strings.Contains(body, want) {
			t.Fatalf("response missing %q:\n%s", want, body)
		}
	}

	ts.workers.mu.Lock()
	got := ts.workers.lastReq
	ts.workers.mu.Unlock()
	if got.SessionID != created.SessionID {
		t.Fatalf("cycle session id = %d", got.SessionID)
	}
	if got.Input.RawInput != "what do people think?" {
		t.Fatalf("cycle input = %q", got.Input.RawInput)
	}
}

func TestCycleReportsBusySession(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)
	ts.workers.err = worker.ErrSessionBusy

	w := ts.doJSON(t, http.MethodPost, fmt.Sprintf("/api/sessions/%d/cycle", created.SessionID), created.SessionKey, gin.H{"content": "hi"})
	assertStatus(t, w, http.StatusOK)
	body := w.Body.String()
	if !strings.Contains(body, "event: error") || !strings.Contains(body, "session busy") {
		t.Fatalf("busy cycle body:\n%s", body)
	}
}

func TestCycleFailureEmitsErrorEvent(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)
	ts.workers.err = errors.New("provider unavailable")

	w := ts.doJSON(t, http.MethodPost, fmt.Sprintf("/api/sessions/%d/cycle", created.SessionID), created.SessionKey, gin.H{"content": "hi"})
	assertStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "event: error") {
		t.Fatalf("error cycle body:\n%s", w.Body.String())
	}
}

func TestUploadStoresFileAndInvalidatesState(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "reviews.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("Great battery life. Solid build quality.")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/sessions/%d/uploads", created.SessionID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+created.SessionKey)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assertStatus(t, w, http.StatusCreated)

	var resp struct {
		FileID   int64  `json:"file_id"`
		FileName string `json:"file_name"`
		Mime     string `json:"mime"`
	}
	decodeJSON(t, w, &resp)
	if resp.FileID == 0 || resp.FileName != "reviews.txt" {
		t.Fatalf("upload response = %+v", resp)
	}
	if !strings.HasPrefix(resp.Mime, "text/plain") {
		t.Fatalf("mime = %q", resp.Mime)
	}

	ts.workers.mu.Lock()
	invalidated := ts.workers.invalidated
	ts.workers.mu.Unlock()
	if len(invalidated) != 1 || invalidated[0] != created.SessionID {
		t.Fatalf("invalidated = %v", invalidated)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "app.bin")
	part.Write([]byte{0x7f, 0x45, 0x4c, 0x46, 0x02, 0x01, 0x01, 0x00, 0x00, 0x00})
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/sessions/%d/uploads", created.SessionID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+created.SessionKey)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assertStatus(t, w, http.StatusBadRequest)
}

func TestDeleteSessionRevokesKey(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)

	w := ts.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/sessions/%d", created.SessionID), created.SessionKey, nil)
	assertStatus(t, w, http.StatusNoContent)

	ts.workers.mu.Lock()
	purged := ts.workers.purged
	ts.workers.mu.Unlock()
	if len(purged) != 1 || purged[0] != created.SessionID {
		t.Fatalf("purged = %v", purged)
	}

	// The key died with the session.
	w = ts.doJSON(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d", created.SessionID), created.SessionKey, nil)
	assertStatus(t, w, http.StatusUnauthorized)
}

func TestCookieAuthRequiresCSRFToken(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)

	body, _ := json.Marshal(gin.H{"content": "hi"})
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/sessions/%d/cycle", created.SessionID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "session_key", Value: created.SessionKey})
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assertStatus(t, w, http.StatusForbidden)
}

func TestCookieAuthWithCSRFToken(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)
	ts.workers.resp = &worker.CycleResponse{}

	body, _ := json.Marshal(gin.H{"content": "hi"})
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/sessions/%d/cycle", created.SessionID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "session_key", Value: created.SessionKey})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok-123"})
	req.Header.Set("X-CSRF-Token", "tok-123")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assertStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "event: done") {
		t.Fatalf("cycle body:\n%s", w.Body.String())
	}
}
