package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultStatePath is where batch progress is kept between runs.
const DefaultStatePath = "~/.forkline/batch-state.json"

// FileState is what the batch runner remembers about one session file.
type FileState struct {
	ModTime  time.Time `json:"mod_time"`
	Branches int       `json:"branches"`
}

// State tracks progress for resumable batch runs. A file is skipped when it
// was processed before and has not been modified since.
type State struct {
	StartedAt       time.Time            `json:"started_at"`
	LastProcessedAt time.Time            `json:"last_processed_at"`
	Files           map[string]FileState `json:"files"`
	Errors          []string             `json:"errors"`

	path string // not serialized
}

// LoadState loads the batch state from path, or creates a new one.
func LoadState(path string) (*State, error) {
	p := expandHome(path)

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{
				StartedAt: time.Now().UTC(),
				Files:     make(map[string]FileState),
				path:      p,
			}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if s.Files == nil {
		s.Files = make(map[string]FileState)
	}
	s.path = p
	return &s, nil
}

// Save persists the state to disk.
func (s *State) Save() error {
	s.LastProcessedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	return os.WriteFile(s.path, data, 0o644)
}

// IsProcessed reports whether path was processed at its current modification time.
func (s *State) IsProcessed(path string, modTime time.Time) bool {
	f, ok := s.Files[path]
	return ok && f.ModTime.Equal(modTime)
}

// MarkProcessed records a file as processed.
func (s *State) MarkProcessed(path string, modTime time.Time, branches int) {
	if s.Files == nil {
		s.Files = make(map[string]FileState)
	}
	s.Files[path] = FileState{ModTime: modTime, Branches: branches}
}

// AddError records a processing error.
func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
