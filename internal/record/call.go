package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Markers written in place of a body that could not be decoded.
const (
	parseErrorPrefix = "<Error parsing JSON"
	NoTextMarker     = "<SSE Stream (parsed but no text content found)>"
)

// ParseErrorMarker formats the marker stored for an undecodable body.
func ParseErrorMarker(err error) string {
	return fmt.Sprintf("%s: %v>", parseErrorPrefix, err)
}

// IsParseErrorMarker reports whether s is a parse-failure marker.
func IsParseErrorMarker(s string) bool {
	return strings.HasPrefix(s, parseErrorPrefix)
}

// Timestamp is a capture time. It decodes from epoch seconds (as written by
// the capture hook) or from an RFC 3339 string, and encodes as epoch seconds.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = parsed
		return nil
	}
	var secs float64
	if err := json.Unmarshal(trimmed, &secs); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	secs := float64(t.Unix()) + float64(t.Nanosecond())/1e9
	return json.Marshal(secs)
}

// RequestBody is the decoded request a caller sent to the endpoint.
// When the body could not be parsed, Marker holds the parse-error marker and
// every other field is empty.
type RequestBody struct {
	Model    string
	Messages []Message
	System   *Content
	Metadata map[string]any
	Marker   string

	Raw json.RawMessage
}

func (r *RequestBody) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*r = RequestBody{}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &r.Marker)
	}

	var wire struct {
		Model    string         `json:"model"`
		Messages []Message      `json:"messages"`
		System   *Content       `json:"system"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return fmt.Errorf("request body: %w", err)
	}
	r.Model = wire.Model
	r.Messages = wire.Messages
	r.System = wire.System
	r.Metadata = wire.Metadata
	r.Raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

func (r RequestBody) MarshalJSON() ([]byte, error) {
	if r.Marker != "" {
		return json.Marshal(r.Marker)
	}
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	out := map[string]any{"messages": r.Messages}
	if r.Messages == nil {
		out["messages"] = []Message{}
	}
	if r.Model != "" {
		out["model"] = r.Model
	}
	if r.System != nil {
		out["system"] = r.System
	}
	if r.Metadata != nil {
		out["metadata"] = r.Metadata
	}
	return json.Marshal(out)
}

// ResponseKind tags the variant held by a ResponseBody.
type ResponseKind int

const (
	ResponseNone ResponseKind = iota
	ResponseStructured
	ResponseReconstructed
	ResponseMarker
)

// ResponseBody is a structured JSON response, text reconstructed from an
// event stream, or a marker string.
type ResponseBody struct {
	Kind          ResponseKind
	Structured    json.RawMessage
	Reconstructed string
	Marker        string
}

// ParseFailed reports whether the body is a parse-failure marker.
func (b ResponseBody) ParseFailed() bool {
	return b.Kind == ResponseMarker && IsParseErrorMarker(b.Marker)
}

func (b *ResponseBody) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*b = ResponseBody{}
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return nil
	case trimmed[0] == '"':
		b.Kind = ResponseMarker
		return json.Unmarshal(trimmed, &b.Marker)
	case trimmed[0] == '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return fmt.Errorf("response body: %w", err)
		}
		if raw, ok := wrapper["reconstructed_text"]; ok && len(wrapper) == 1 {
			if err := json.Unmarshal(raw, &b.Reconstructed); err == nil {
				b.Kind = ResponseReconstructed
				return nil
			}
		}
	}
	b.Kind = ResponseStructured
	b.Structured = append(json.RawMessage(nil), trimmed...)
	return nil
}

func (b ResponseBody) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case ResponseStructured:
		if len(b.Structured) == 0 {
			return []byte("null"), nil
		}
		return b.Structured, nil
	case ResponseReconstructed:
		return json.Marshal(map[string]string{"reconstructed_text": b.Reconstructed})
	case ResponseMarker:
		return json.Marshal(b.Marker)
	default:
		return []byte("null"), nil
	}
}

// CallRecord is one captured request/response pair. It is immutable once
// captured; the core only reads it.
type CallRecord struct {
	Timestamp       Timestamp         `json:"timestamp"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"request_headers"`
	ResponseHeaders map[string]string `json:"response_headers"`
	Request         *RequestBody      `json:"request_body"`
	Response        ResponseBody      `json:"response_body"`

	// Seq is the capture order within a session. Not part of the wire format.
	Seq int `json:"-"`
}

// Messages returns the request's message history, or nil.
func (c CallRecord) Messages() []Message {
	if c.Request == nil {
		return nil
	}
	return c.Request.Messages
}

// Metadata returns the request's metadata mapping, or nil.
func (c CallRecord) Metadata() map[string]any {
	if c.Request == nil {
		return nil
	}
	return c.Request.Metadata
}

// XHeaders returns the request headers with an "x-" prefix, sorted by name.
func (c CallRecord) XHeaders() []string {
	var out []string
	for k, v := range c.RequestHeaders {
		if strings.HasPrefix(strings.ToLower(k), "x-") {
			out = append(out, k+": "+v)
		}
	}
	sort.Strings(out)
	return out
}
