// Package record defines the captured call-record data model shared by the
// normalizer, the stream reconstructor and the branch engine.
package record

import (
	"bytes"
	"encoding/json"
)

// BlockKind is the closed set of content block variants the core understands.
type BlockKind int

const (
	KindUnknown BlockKind = iota
	KindText
	KindToolUse
	KindToolResult
)

func (k BlockKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindToolUse:
		return "tool_use"
	case KindToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}

func kindOf(typ string) BlockKind {
	switch typ {
	case "text":
		return KindText
	case "tool_use":
		return KindToolUse
	case "tool_result":
		return KindToolResult
	default:
		return KindUnknown
	}
}

// ContentBlock is one typed unit of message content.
//
// Only the fields belonging to Kind are populated. Raw keeps the block exactly
// as captured (cache_control included) so that reporting can reproduce it;
// blocks of unknown kind are carried through Raw untouched.
type ContentBlock struct {
	Type string
	Kind BlockKind

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Result    *Content
	IsError   bool

	// CacheControl is the ephemeral annotation, if any.
	CacheControl json.RawMessage

	Raw json.RawMessage
}

// TextBlock builds a plain text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Kind: KindText, Text: text}
}

// HasAnnotation reports whether the block carries a cache_control marker.
func (b ContentBlock) HasAnnotation() bool {
	return len(b.CacheControl) > 0 && !bytes.Equal(bytes.TrimSpace(b.CacheControl), []byte("null"))
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	*b = ContentBlock{Raw: append(json.RawMessage(nil), data...)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// Not an object: keep it as an opaque block.
		return nil
	}
	if raw, ok := fields["type"]; ok {
		// A non-string type leaves the block opaque rather than failing.
		_ = json.Unmarshal(raw, &b.Type)
	}
	b.Kind = kindOf(b.Type)
	if cc, ok := fields["cache_control"]; ok {
		b.CacheControl = cc
	}

	switch b.Kind {
	case KindText:
		if err := json.Unmarshal(fields["text"], &b.Text); err != nil && fields["text"] != nil {
			b.Kind = KindUnknown
		}
	case KindToolUse:
		_ = json.Unmarshal(fields["id"], &b.ID)
		_ = json.Unmarshal(fields["name"], &b.Name)
		b.Input = fields["input"]
	case KindToolResult:
		_ = json.Unmarshal(fields["tool_use_id"], &b.ToolUseID)
		_ = json.Unmarshal(fields["is_error"], &b.IsError)
		if raw, ok := fields["content"]; ok {
			var c Content
			if err := json.Unmarshal(raw, &c); err == nil {
				b.Result = &c
			}
		}
	}
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}

	out := map[string]any{"type": b.Type}
	switch b.Kind {
	case KindText:
		out["text"] = b.Text
	case KindToolUse:
		out["id"] = b.ID
		out["name"] = b.Name
		if len(b.Input) > 0 {
			out["input"] = b.Input
		}
	case KindToolResult:
		out["tool_use_id"] = b.ToolUseID
		if b.Result != nil {
			out["content"] = b.Result
		}
		if b.IsError {
			out["is_error"] = true
		}
	}
	if len(b.CacheControl) > 0 {
		out["cache_control"] = b.CacheControl
	}
	return json.Marshal(out)
}
