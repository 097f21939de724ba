// Package stream reconstructs the text of a server-sent-event response body
// and decodes captured response bodies into their record form.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/forkline/internal/record"
)

var (
	// ErrNotEventStream means the body is not an event stream this package
	// can read; callers fall back to decoding it as a JSON document.
	ErrNotEventStream = errors.New("not an event stream")

	// ErrNoText means the stream parsed but carried no text deltas.
	ErrNoText = errors.New("stream parsed, no text content")
)

const (
	eventStreamType = "text/event-stream"
	dataPrefix      = "data:"
	doneSentinel    = "[DONE]"

	eventBlockDelta = "content_block_delta"
	deltaText       = "text_delta"
)

type event struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// IsEventStream reports whether contentType declares an event stream.
func IsEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), eventStreamType)
}

// Reconstruct concatenates the text deltas of an event-stream body in arrival
// order. Frames that fail to decode are skipped.
func Reconstruct(body []byte, contentType string) (string, error) {
	if !IsEventStream(contentType) || !utf8.Valid(body) {
		return "", ErrNotEventStream
	}

	var sb strings.Builder
	for _, raw := range bytes.Split(body, []byte("\n")) {
		line := string(bytes.TrimSuffix(raw, []byte("\r")))
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimPrefix(line, dataPrefix), " ")
		if payload == doneSentinel {
			continue
		}

		var evt event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue // malformed frames are expected
		}
		if evt.Type == eventBlockDelta && evt.Delta.Type == deltaText {
			sb.WriteString(evt.Delta.Text)
		}
	}

	if sb.Len() == 0 {
		return "", ErrNoText
	}
	return sb.String(), nil
}

// DecodeResponse turns a captured response body into its record form: text
// reconstructed from an event stream, a marker for a stream without text, the
// structured JSON document, or a parse-error marker.
func DecodeResponse(body []byte, contentType string) record.ResponseBody {
	if len(bytes.TrimSpace(body)) == 0 {
		return record.ResponseBody{}
	}

	text, err := Reconstruct(body, contentType)
	switch {
	case err == nil:
		return record.ResponseBody{Kind: record.ResponseReconstructed, Reconstructed: text}
	case errors.Is(err, ErrNoText):
		return record.ResponseBody{Kind: record.ResponseMarker, Marker: record.NoTextMarker}
	}

	var doc json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return record.ResponseBody{Kind: record.ResponseMarker, Marker: record.ParseErrorMarker(err)}
	}
	return record.ResponseBody{Kind: record.ResponseStructured, Structured: doc}
}
