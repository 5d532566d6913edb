package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"scentchat/internal/config"
	"scentchat/internal/models"
	"scentchat/internal/service/ai"
	"scentchat/internal/service/assistant"
	"scentchat/internal/storage"
)

type sliceStream struct {
	frags []string
	err   error
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.frags) > 0 {
		frag := s.frags[0]
		s.frags = s.frags[1:]
		return frag, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *sliceStream) Close() {}

type fakeCompleter struct {
	frags []string
	err   error
}

func (f *fakeCompleter) StreamCompletion(ctx context.Context, systemPrompt string, history []models.Message) (ai.FragmentStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sliceStream{frags: append([]string(nil), f.frags...)}, nil
}

type fakeVision struct {
	err error
}

func (f *fakeVision) Analyze(ctx context.Context, image []byte, mimeType string) (models.ImageAnalysis, error) {
	if f.err != nil {
		return models.ImageAnalysis{}, f.err
	}
	return models.ImageAnalysis{
		AnalysisText: "earthy tones, linen shirt",
		ReplyText:    "I've analyzed your image! Earthy tones suit a woody scent.",
	}, nil
}

type testServer struct {
	router     *gin.Engine
	db         *sql.DB
	completion *fakeCompleter
	vision     *fakeVision
	profiles   *storage.ProfileStore
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/health", nil)
	assertStatus(t, rec, http.StatusOK)
	var body map[string]string
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestChatEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)
	srv.completion.frags = []string{"Try ", "a rose ", "chypre."}

	sessionID := startChat(t, srv.router, map[string]any{"owner_id": "u1"})

	rec := postSSE(t, srv.router, map[string]string{"session_id": sessionID, "message": "I love roses"})
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := parseSSE(t, rec.Body.String())
	if len(events) < 2 || events[len(events)-1] != doneMarker {
		t.Fatalf("stream must end with done marker: %q", events)
	}
	if got := strings.Join(events[:len(events)-1], ""); got != "Try a rose chypre." {
		t.Fatalf("unexpected streamed text %q", got)
	}

	hist := doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/history/"+sessionID, nil)
	assertStatus(t, hist, http.StatusOK)
	var histBody struct {
		SessionID string           `json:"session_id"`
		Messages  []models.Message `json:"messages"`
	}
	decodeJSON(t, hist.Body.Bytes(), &histBody)
	if histBody.SessionID != sessionID || len(histBody.Messages) != 2 {
		t.Fatalf("unexpected history %+v", histBody)
	}
	if histBody.Messages[0].Role != models.RoleUser || histBody.Messages[1].Content != "Try a rose chypre." {
		t.Fatalf("unexpected messages %+v", histBody.Messages)
	}

	// the same owner resumes the same session
	if again := startChat(t, srv.router, map[string]any{"owner_id": "u1"}); again != sessionID {
		t.Fatalf("expected resume of %s, got %s", sessionID, again)
	}
	if fresh := startChat(t, srv.router, map[string]any{"owner_id": "u1", "force_new": true}); fresh == sessionID {
		t.Fatalf("force_new reused the session")
	}

	del := doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat/sessions/"+sessionID, nil)
	assertStatus(t, del, http.StatusNoContent)
	del = doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat/sessions/"+sessionID, nil)
	assertStatus(t, del, http.StatusNotFound)
	hist = doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/history/"+sessionID, nil)
	assertStatus(t, hist, http.StatusNotFound)
}

func TestStartChatReturnsGreeting(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/start", nil)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Message   string           `json:"message"`
		SessionID string           `json:"session_id"`
		Messages  []models.Message `json:"messages"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Message != config.DefaultGreeting || body.SessionID == "" {
		t.Fatalf("unexpected start body %+v", body)
	}
	if body.Messages == nil || len(body.Messages) != 0 {
		t.Fatalf("greeting must not be stored: %+v", body.Messages)
	}
}

func TestChatMessageValidation(t *testing.T) {
	srv := newTestServer(t)
	sessionID := startChat(t, srv.router, nil)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"missing session", map[string]string{"message": "hi"}, http.StatusBadRequest},
		{"blank message", map[string]string{"session_id": sessionID, "message": "   "}, http.StatusBadRequest},
		{"unknown session", map[string]string{"session_id": "nope", "message": "hi"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postSSE(t, srv.router, tc.body)
			assertStatus(t, rec, tc.want)
			if strings.Contains(rec.Body.String(), "data:") {
				t.Fatalf("no stream expected, got %q", rec.Body.String())
			}
		})
	}
}

// brokenStore fails every write once failWrites is set.
type brokenStore struct {
	storage.SessionStore
	failWrites bool
}

func (s *brokenStore) Upsert(ctx context.Context, session *models.Session) error {
	if s.failWrites {
		return errors.New("disk full")
	}
	return s.SessionStore.Upsert(ctx, session)
}

func TestChatMessageStoreFailureReturnsJSONError(t *testing.T) {
	store := &brokenStore{}
	srv := newTestServerWithStore(t, func(inner storage.SessionStore) storage.SessionStore {
		store.SessionStore = inner
		return store
	})
	srv.completion.frags = []string{"never sent"}
	sessionID := startChat(t, srv.router, nil)
	store.failWrites = true

	rec := postSSE(t, srv.router, map[string]string{"session_id": sessionID, "message": "hello"})
	assertStatus(t, rec, http.StatusInternalServerError)
	if strings.Contains(rec.Body.String(), "data:") {
		t.Fatalf("no stream expected, got %q", rec.Body.String())
	}
	var body map[string]string
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body["error"] != "internal server error" {
		t.Fatalf("unexpected error body %v", body)
	}
	if ct := rec.Header().Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("stream headers sent for a failed request: %q", ct)
	}
}

func TestChatMessageDeletedSessionIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	sessionID := startChat(t, srv.router, nil)
	del := doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat/sessions/"+sessionID, nil)
	assertStatus(t, del, http.StatusNoContent)

	rec := postSSE(t, srv.router, map[string]string{"session_id": sessionID, "message": "still there?"})
	assertStatus(t, rec, http.StatusNotFound)
	if strings.Contains(rec.Body.String(), doneMarker) {
		t.Fatalf("done marker sent for a missing session: %q", rec.Body.String())
	}
}

func TestChatMessageUpstreamFailureStreamsApology(t *testing.T) {
	srv := newTestServer(t)
	srv.completion.err = ai.ErrUpstreamUnavailable
	sessionID := startChat(t, srv.router, nil)

	rec := postSSE(t, srv.router, map[string]string{"session_id": sessionID, "message": "hello"})
	assertStatus(t, rec, http.StatusOK)
	events := parseSSE(t, rec.Body.String())
	want := []string{config.DefaultApology, doneMarker}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("unexpected events %q", events)
	}
}

func TestChatMessageMultilineFragment(t *testing.T) {
	srv := newTestServer(t)
	srv.completion.frags = []string{"line one\nline two"}
	sessionID := startChat(t, srv.router, nil)

	rec := postSSE(t, srv.router, map[string]string{"session_id": sessionID, "message": "list please"})
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "data: line one\ndata: line two\n\n") {
		t.Fatalf("multi-line fragment not framed per line: %q", rec.Body.String())
	}
	events := parseSSE(t, rec.Body.String())
	if strings.Join(events[:len(events)-1], "") != "line one\nline two" {
		t.Fatalf("unexpected events %q", events)
	}
}

func TestChatImage(t *testing.T) {
	srv := newTestServer(t)
	sessionID := startChat(t, srv.router, nil)
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nfake"))

	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/image", map[string]string{
		"session_id": sessionID,
		"image_data": "data:image/png;base64," + png,
		"message":    "my outfit",
	})
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Message   string                `json:"message"`
		SessionID string                `json:"session_id"`
		Analysis  *models.ImageAnalysis `json:"analysis"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !strings.HasPrefix(body.Message, "I've analyzed your image") || body.SessionID != sessionID {
		t.Fatalf("unexpected image body %+v", body)
	}
	if body.Analysis == nil || body.Analysis.AnalysisText != "earthy tones, linen shirt" {
		t.Fatalf("analysis missing: %+v", body.Analysis)
	}

	srv.vision.err = errors.New("vision down")
	rec = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/image", map[string]string{
		"session_id": sessionID,
		"image_data": png,
	})
	assertStatus(t, rec, http.StatusOK)
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Analysis != nil || body.Message == "" {
		t.Fatalf("expected apology without analysis, got %+v", body)
	}
}

func TestChatImageValidation(t *testing.T) {
	srv := newTestServer(t)
	sessionID := startChat(t, srv.router, nil)

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing image", map[string]string{"session_id": sessionID}, http.StatusBadRequest},
		{"bad base64", map[string]string{"session_id": sessionID, "image_data": "%%%"}, http.StatusBadRequest},
		{"unknown session", map[string]string{"session_id": "nope", "image_data": "aGVsbG8="}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/image", tc.body)
			assertStatus(t, rec, tc.want)
		})
	}
}

func TestGetProfile(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/profile/u1", nil)
	assertStatus(t, rec, http.StatusNotFound)

	frag := models.ProfileFragment{Scent: models.ScentPreferences{Favorites: []string{"vetiver"}}}
	if _, _, err := srv.profiles.Merge(context.Background(), "u1", frag); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	rec = doJSONRequest(t, srv.router, http.MethodGet, "/api/profile/u1", nil)
	assertStatus(t, rec, http.StatusOK)
	var profile models.Profile
	decodeJSON(t, rec.Body.Bytes(), &profile)
	if len(profile.Scent.Favorites) != 1 || profile.Scent.Favorites[0] != "vetiver" {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestDecodeImage(t *testing.T) {
	data, mimeType, err := decodeImage("data:image/jpeg;base64,aGk=")
	if err != nil || string(data) != "hi" || mimeType != "image/jpeg" {
		t.Fatalf("decode data url = %q, %q, %v", data, mimeType, err)
	}
	if _, _, err := decodeImage("data:image/png;base64"); err == nil {
		t.Fatalf("expected malformed data url error")
	}
	if _, _, err := decodeImage(""); !errors.Is(err, assistant.ErrEmptyImage) {
		t.Fatalf("expected empty image error, got %v", err)
	}
}

func startChat(t *testing.T, router *gin.Engine, body any) string {
	t.Helper()
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat/start", body)
	assertStatus(t, rec, http.StatusOK)
	var resp struct {
		SessionID string `json:"session_id"`
	}
	decodeJSON(t, rec.Body.Bytes(), &resp)
	if resp.SessionID == "" {
		t.Fatalf("missing session id in %s", rec.Body.String())
	}
	return resp.SessionID
}

// parseSSE returns the data payload of each event, joining multi-line data with "\n".
func parseSSE(t *testing.T, payload string) []string {
	t.Helper()
	var events []string
	for _, block := range strings.Split(payload, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var lines []string
		for _, line := range strings.Split(block, "\n") {
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				t.Fatalf("unexpected sse line %q", line)
			}
			lines = append(lines, data)
		}
		events = append(events, strings.Join(lines, "\n"))
	}
	return events
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithStore(t, nil)
}

// newTestServerWithStore lets a test decorate the session store.
func newTestServerWithStore(t *testing.T, wrap func(storage.SessionStore) storage.SessionStore) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := &testServer{
		db:         db,
		completion: &fakeCompleter{},
		vision:     &fakeVision{},
		profiles:   storage.NewProfileStore(db, "sqlite3"),
	}
	var sessions storage.SessionStore = storage.NewSQLSessionStore(db, "sqlite3")
	if wrap != nil {
		sessions = wrap(sessions)
	}
	asst := assistant.NewService(config.ChatConfig{}, assistant.Deps{
		Sessions:   sessions,
		Profiles:   srv.profiles,
		Completion: srv.completion,
		Vision:     srv.vision,
	})
	handler := NewHandler(asst, nil)

	srv.router = gin.New()
	handler.RegisterRoutes(srv.router)
	return srv
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, "/api/chat/message", body)
}

func decodeJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
