package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/forkline/internal/branch"
	"github.com/MikeSquared-Agency/forkline/internal/record"
	"github.com/MikeSquared-Agency/forkline/internal/store"
)

const sessionExt = ".json"

var errInvalidName = errors.New("invalid session name")

// sessionPath maps a session name (with or without the .json extension) to
// its capture file. Names that could escape the sessions directory are
// rejected.
func (s *Server) sessionPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", errInvalidName
	}
	if !strings.HasSuffix(name, sessionExt) {
		name += sessionExt
	}
	return filepath.Join(s.sessionsDir, name), nil
}

// listSessions handles GET /api/v1/sessions. File names are returned newest
// modification first.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeJSON(w, http.StatusOK, []string{})
			return
		}
		s.logger.Error("list sessions failed", "dir", s.sessionsDir, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	type entry struct {
		name string
		mod  int64
	}
	var files []entry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sessionExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, entry{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].mod > files[j].mod
	})

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	writeJSON(w, http.StatusOK, names)
}

// getSession handles GET /api/v1/sessions/{name}. The capture file is served
// as stored.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	path, err := s.sessionPath(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("read session failed", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read session")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// callView is one branch member as returned by the branches endpoint.
type callView struct {
	Seq       int              `json:"seq"`
	Timestamp record.Timestamp `json:"timestamp"`
	Model     string           `json:"model,omitempty"`
	Messages  int              `json:"messages"`
	Preview   string           `json:"preview"`
}

type branchView struct {
	ID         int        `json:"id"`
	ForkedFrom int        `json:"forked_from,omitempty"`
	ForkIndex  int        `json:"fork_index"`
	Calls      []callView `json:"calls"`
}

type forestView struct {
	Session     string            `json:"session"`
	Total       int               `json:"total"`
	Eligible    int               `json:"eligible"`
	Excluded    int               `json:"excluded"`
	Undecodable int               `json:"undecodable,omitempty"`
	ParseErrors int               `json:"parse_errors"`
	Warnings    []string          `json:"warnings,omitempty"`
	Summaries   []branch.Summary  `json:"summaries"`
	Branches    []branchView      `json:"branches"`
	Mismatches  []branch.Mismatch `json:"mismatches,omitempty"`
}

// getBranches handles GET /api/v1/sessions/{name}/branches.
//
// Query parameters:
//
//	diagnostics=1  include an explanation for every rejected candidate
//	format=text    return the plain-text report instead of JSON
func (s *Server) getBranches(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sess, status, err := s.loadSession(r, name)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	diagnostics := r.URL.Query().Get("diagnostics") == "1"
	rep := branch.Reconstruct(sess.Records, s.logger, diagnostics)
	rep.AddUndecodable(len(sess.Warnings))

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := rep.Render(w); err != nil {
			s.logger.Error("render report failed", "session", sess.Name, "error", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, newForestView(sess, rep))
}

// loadSession reads the named capture file, falling back to the store for
// sessions that were captured live.
func (s *Server) loadSession(r *http.Request, name string) (*record.Session, int, error) {
	path, err := s.sessionPath(name)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	sess, err := record.LoadSession(path)
	if err == nil {
		return sess, http.StatusOK, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("load session failed", "path", path, "error", err)
		return nil, http.StatusUnprocessableEntity, errors.New("session file is not a call record array")
	}

	if s.store != nil {
		session := record.SessionName(path)
		calls, err := s.store.ListCalls(r.Context(), session)
		if err == nil {
			return &record.Session{Name: session, Records: calls}, http.StatusOK, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("list calls failed", "session", session, "error", err)
			return nil, http.StatusInternalServerError, errors.New("failed to load session")
		}
	}
	return nil, http.StatusNotFound, errors.New("session not found")
}

func newForestView(sess *record.Session, rep *branch.Report) forestView {
	v := forestView{
		Session:     sess.Name,
		Total:       rep.Total,
		Eligible:    rep.Eligible,
		Excluded:    rep.Excluded,
		Undecodable: rep.Undecodable,
		ParseErrors: rep.ParseErrors,
		Summaries:   rep.Summaries(),
		Branches:    make([]branchView, 0, len(rep.Branches)),
		Mismatches:  rep.Mismatches,
	}
	for _, w := range sess.Warnings {
		v.Warnings = append(v.Warnings, w.Error())
	}
	for _, b := range rep.Branches {
		bv := branchView{
			ID:         b.ID,
			ForkedFrom: b.ForkedFrom,
			ForkIndex:  b.ForkIndex,
			Calls:      make([]callView, 0, len(b.Calls)),
		}
		for _, c := range b.Calls {
			msgs := c.Messages()
			cv := callView{
				Seq:       c.Seq,
				Timestamp: c.Timestamp,
				Messages:  len(msgs),
				Preview:   msgs[len(msgs)-1].Content.Preview(80),
			}
			if c.Request != nil {
				cv.Model = c.Request.Model
			}
			bv.Calls = append(bv.Calls, cv)
		}
		v.Branches = append(v.Branches, bv)
	}
	return v
}
