package api

import (
	"bytes"
	"context"
	"errors"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/forkline/internal/record"
	"github.com/MikeSquared-Agency/forkline/internal/store"
)

const forkedSession = `[
  {"timestamp": 1740900000, "url": "https://api.anthropic.com/v1/messages?beta=true",
   "request_body": {"model": "claude-sonnet", "messages": [{"role": "user", "content": "a"}]}},
  {"timestamp": 1740900001, "url": "https://api.anthropic.com/v1/messages/count_tokens?beta=true",
   "request_body": {"messages": [{"role": "user", "content": "a"}]}},
  {"timestamp": 1740900002, "url": "https://api.anthropic.com/v1/messages?beta=true",
   "request_body": {"messages": [{"role": "user", "content": "a"}, {"role": "assistant", "content": "b"}, {"role": "user", "content": "c"}]}},
  {"timestamp": 1740900003, "url": "https://api.anthropic.com/v1/messages?beta=true",
   "request_body": {"messages": [{"role": "user", "content": "a"}, {"role": "assistant", "content": "b"}, {"role": "user", "content": "d"}]}},
  {"timestamp": "yesterday"}
]`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupServer(t *testing.T, s store.Store) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string, mod time.Time) {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	write("old.json", `[]`, now.Add(-2*time.Hour))
	write("forked.json", forkedSession, now.Add(-time.Hour))
	write("broken.json", `{"not": "an array"}`, now)
	write("notes.txt", "ignored", now)

	return NewServer(8760, dir, s, discardLogger()), dir
}

func do(srv *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, nil)

	w := do(srv, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestListSessions_NewestFirst(t *testing.T) {
	srv, _ := setupServer(t, nil)

	w := do(srv, "/api/v1/sessions")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var names []string
	if err := json.NewDecoder(w.Body).Decode(&names); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := []string{"broken.json", "forked.json", "old.json"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestListSessions_MissingDir(t *testing.T) {
	srv := NewServer(8760, filepath.Join(t.TempDir(), "nope"), nil, discardLogger())

	w := do(srv, "/api/v1/sessions")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestGetSession(t *testing.T) {
	srv, _ := setupServer(t, nil)

	for _, name := range []string{"forked.json", "forked"} {
		w := do(srv, "/api/v1/sessions/"+name)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", name, w.Code)
		}
		if w.Body.String() != forkedSession {
			t.Errorf("%s: expected raw session content", name)
		}
	}

	if w := do(srv, "/api/v1/sessions/missing.json"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetSession_RejectsTraversal(t *testing.T) {
	srv, _ := setupServer(t, nil)

	for _, name := range []string{`..%5Csecret.json`, "..", `a%5Cb.json`} {
		w := do(srv, "/api/v1/sessions/"+name)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", name, w.Code)
		}
	}
}

func TestGetBranches(t *testing.T) {
	srv, _ := setupServer(t, nil)

	w := do(srv, "/api/v1/sessions/forked/branches")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var v forestView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if v.Session != "forked" || v.Total != 5 || v.Eligible != 3 || v.Excluded != 2 || v.Undecodable != 1 {
		t.Errorf("unexpected counts: %+v", v)
	}
	if len(v.Warnings) != 1 {
		t.Errorf("expected 1 warning for the bad record, got %v", v.Warnings)
	}
	if len(v.Branches) != 2 {
		t.Fatalf("expected 2 branches, got %d", len(v.Branches))
	}
	if got := len(v.Branches[0].Calls); got != 2 {
		t.Errorf("expected 2 calls in branch 1, got %d", got)
	}
	if v.Branches[0].Calls[0].Model != "claude-sonnet" {
		t.Errorf("expected model on first call, got %q", v.Branches[0].Calls[0].Model)
	}
	if b := v.Branches[1]; b.ForkedFrom != 1 || b.ForkIndex != 2 || b.Calls[0].Seq != 3 || b.Calls[0].Preview != "d" {
		t.Errorf("unexpected second branch: %+v", b)
	}
	if len(v.Mismatches) != 0 {
		t.Errorf("mismatches are only reported with diagnostics")
	}
}

func TestGetBranches_Diagnostics(t *testing.T) {
	srv, _ := setupServer(t, nil)

	w := do(srv, "/api/v1/sessions/forked/branches?diagnostics=1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var v forestView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(v.Mismatches) != 1 {
		t.Fatalf("expected 1 mismatch, got %d", len(v.Mismatches))
	}
	m := v.Mismatches[0]
	if m.Seq != 3 || m.Branch != 1 || m.Index != 2 || m.Reason != "content mismatch" {
		t.Errorf("unexpected mismatch: %+v", m)
	}
}

func TestGetBranches_Text(t *testing.T) {
	srv, _ := setupServer(t, nil)

	w := do(srv, "/api/v1/sessions/forked/branches?format=text")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("expected text/plain, got %q", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "Branch 2: 1 calls (forked from branch 1 at msg[2])") {
		t.Errorf("unexpected report:\n%s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "(2 excluded, 1 undecodable, 0 parse errors)") {
		t.Errorf("expected undecodable count in report:\n%s", w.Body.String())
	}
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestGetBranches_TextWriteFailureIsLogged(t *testing.T) {
	srv, _ := setupServer(t, nil)
	var logs bytes.Buffer
	srv.logger = slog.New(slog.NewJSONHandler(&logs, nil))

	req := httptest.NewRequest("GET", "/api/v1/sessions/forked/branches?format=text", nil)
	srv.router.ServeHTTP(failingWriter{httptest.NewRecorder()}, req)

	if !strings.Contains(logs.String(), "render report failed") {
		t.Errorf("expected render failure to be logged, got %q", logs.String())
	}
}

func TestGetBranches_Errors(t *testing.T) {
	srv, _ := setupServer(t, nil)

	if w := do(srv, "/api/v1/sessions/broken/branches"); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", w.Code)
	}
	if w := do(srv, "/api/v1/sessions/missing/branches"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetBranches_FromStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "forkline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	sess, err := record.DecodeSession(strings.NewReader(forkedSession))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveCalls(ctx, "live", sess.Records); err != nil {
		t.Fatalf("save calls: %v", err)
	}

	srv, _ := setupServer(t, s)
	w := do(srv, "/api/v1/sessions/live/branches")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var v forestView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if v.Session != "live" || len(v.Branches) != 2 {
		t.Errorf("unexpected forest: %+v", v)
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _ := setupServer(t, nil)

	if w := do(srv, "/nonexistent"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
