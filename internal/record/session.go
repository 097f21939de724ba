package record

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Session is the decoded content of one capture file.
type Session struct {
	Name    string
	Records []CallRecord

	// Warnings holds per-record decode failures. A bad record never prevents
	// the rest of the file from loading.
	Warnings []error
}

// DecodeSession reads a JSON array of call records. Records are numbered in
// file order via Seq.
func DecodeSession(r io.Reader) (*Session, error) {
	var raws []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raws); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}

	s := &Session{Records: make([]CallRecord, 0, len(raws))}
	for i, raw := range raws {
		var rec CallRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.Warnings = append(s.Warnings, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		rec.Seq = i
		s.Records = append(s.Records, rec)
	}
	return s, nil
}

// LoadSession opens and decodes a capture file. The session is named after
// the file's base name without extension.
func LoadSession(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	s, err := DecodeSession(f)
	if err != nil {
		return nil, err
	}
	s.Name = SessionName(path)
	return s, nil
}

// SessionName derives a session name from a capture file path.
func SessionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
