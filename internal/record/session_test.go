package record

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleSession = `[
  {
    "timestamp": 1740900000.25,
    "url": "https://api.anthropic.com/v1/messages?beta=true",
    "request_headers": {"x-stainless-lang": "js", "content-type": "application/json"},
    "response_headers": {"content-type": "text/event-stream"},
    "request_body": {
      "model": "claude-sonnet",
      "system": [{"type": "text", "text": "You are a CLI.", "cache_control": {"type": "ephemeral"}}],
      "metadata": {"user_id": "user_abc"},
      "messages": [
        {"role": "user", "content": [{"type": "text", "text": "hello", "cache_control": {"type": "ephemeral"}}]}
      ]
    },
    "response_body": {"reconstructed_text": "Hi there"}
  },
  {
    "timestamp": "2025-03-02T07:20:01Z",
    "url": "https://api.anthropic.com/v1/messages/count_tokens?beta=true",
    "request_headers": {},
    "response_headers": {},
    "request_body": "<Error parsing JSON: unexpected end>",
    "response_body": {"input_tokens": 12}
  },
  {"timestamp": {"bad": true}, "url": "x"},
  {
    "timestamp": 1740900002,
    "url": "https://api.anthropic.com/v1/messages?beta=true",
    "request_headers": {},
    "response_headers": {},
    "request_body": null,
    "response_body": "<SSE Stream (parsed but no text content found)>"
  }
]`

func TestDecodeSession(t *testing.T) {
	s, err := DecodeSession(strings.NewReader(sampleSession))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(s.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(s.Records))
	}
	if len(s.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d: %v", len(s.Warnings), s.Warnings)
	}
	if !strings.Contains(s.Warnings[0].Error(), "record 2") {
		t.Errorf("warning should name the record index, got %q", s.Warnings[0])
	}

	first := s.Records[0]
	if first.Seq != 0 {
		t.Errorf("seq = %d, want 0", first.Seq)
	}
	want := time.Unix(1740900000, 250000000).UTC()
	if !first.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", first.Timestamp.Time, want)
	}
	if first.Request.Model != "claude-sonnet" {
		t.Errorf("model = %q", first.Request.Model)
	}
	if first.Request.System == nil || !first.Request.System.IsBlocks || len(first.Request.System.Blocks) != 1 {
		t.Fatalf("expected one system block, got %+v", first.Request.System)
	}
	msgs := first.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	blk := msgs[0].Content.Blocks[0]
	if blk.Kind != KindText || blk.Text != "hello" || !blk.HasAnnotation() {
		t.Errorf("unexpected block: %+v", blk)
	}
	if first.Response.Kind != ResponseReconstructed || first.Response.Reconstructed != "Hi there" {
		t.Errorf("unexpected response: %+v", first.Response)
	}
	if got := first.XHeaders(); len(got) != 1 || got[0] != "x-stainless-lang: js" {
		t.Errorf("unexpected x- headers: %v", got)
	}

	probe := s.Records[1]
	if probe.Seq != 1 {
		t.Errorf("seq = %d, want 1", probe.Seq)
	}
	if probe.Request == nil || !IsParseErrorMarker(probe.Request.Marker) {
		t.Errorf("expected request marker, got %+v", probe.Request)
	}
	if probe.Response.Kind != ResponseStructured {
		t.Errorf("expected structured response, got %v", probe.Response.Kind)
	}
	if probe.Timestamp.Year() != 2025 {
		t.Errorf("expected RFC 3339 timestamp to parse, got %v", probe.Timestamp.Time)
	}

	last := s.Records[2]
	if last.Seq != 3 {
		t.Errorf("seq = %d, want 3 (file position)", last.Seq)
	}
	if last.Request != nil {
		t.Errorf("expected nil request body")
	}
	if last.Response.Kind != ResponseMarker || last.Response.ParseFailed() {
		t.Errorf("expected non-failure marker, got %+v", last.Response)
	}
}

func TestDecodeSession_NotAnArray(t *testing.T) {
	if _, err := DecodeSession(strings.NewReader(`{"calls": []}`)); err == nil {
		t.Fatal("expected error for non-array session")
	}
}

func TestCallRecord_ReencodesCapturedForm(t *testing.T) {
	s, err := DecodeSession(strings.NewReader(sampleSession))
	if err != nil {
		t.Fatal(err)
	}

	out, err := json.Marshal(s.Records[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back map[string]any
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	body := back["request_body"].(map[string]any)
	msg := body["messages"].([]any)[0].(map[string]any)
	block := msg["content"].([]any)[0].(map[string]any)
	if _, ok := block["cache_control"]; !ok {
		t.Error("annotation should survive re-encoding")
	}
	if back["response_body"].(map[string]any)["reconstructed_text"] != "Hi there" {
		t.Errorf("unexpected response_body: %v", back["response_body"])
	}
	if back["timestamp"].(float64) != 1740900000.25 {
		t.Errorf("unexpected timestamp: %v", back["timestamp"])
	}
}

func TestContent_Tolerant(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"a"}, 42, {"type":"image","source":{"data":"..."}}]}`), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Content.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(m.Content.Blocks))
	}
	if m.Content.Blocks[1].Kind != KindUnknown || m.Content.Blocks[2].Kind != KindUnknown {
		t.Errorf("expected opaque blocks, got %v and %v", m.Content.Blocks[1].Kind, m.Content.Blocks[2].Kind)
	}
	if got := m.Content.Preview(0); got != "a[][image]" {
		t.Errorf("preview = %q", got)
	}
}

func TestContent_PreviewTruncates(t *testing.T) {
	c := StringContent("héllo wörld")
	if got := c.Preview(5); got != "héllo" {
		t.Errorf("preview = %q, want %q", got, "héllo")
	}
	b := BlockContent(TextBlock("x"), ContentBlock{Type: "tool_use", Kind: KindToolUse, Name: "Bash"})
	if got := b.Preview(0); got != "x[tool_use Bash]" {
		t.Errorf("preview = %q", got)
	}
}

func TestLoadSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	if err := os.WriteFile(path, []byte(sampleSession), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSession(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "mcp" {
		t.Errorf("name = %q, want mcp", s.Name)
	}

	if _, err := LoadSession(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
