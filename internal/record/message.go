package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Roles seen in captured message histories.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content is either a single text string or an ordered list of blocks.
type Content struct {
	Text   string
	Blocks []ContentBlock

	// IsBlocks distinguishes an empty block list from an empty string.
	IsBlocks bool
}

// StringContent wraps a plain string.
func StringContent(s string) Content {
	return Content{Text: s}
}

// BlockContent wraps a list of blocks.
func BlockContent(blocks ...ContentBlock) Content {
	return Content{Blocks: blocks, IsBlocks: true}
}

// Preview returns a flat text rendering of the content, truncated to n runes.
func (c Content) Preview(n int) string {
	s := c.Text
	if c.IsBlocks {
		var buf bytes.Buffer
		for _, b := range c.Blocks {
			switch b.Kind {
			case KindText:
				buf.WriteString(b.Text)
			case KindToolUse:
				fmt.Fprintf(&buf, "[tool_use %s]", b.Name)
			case KindToolResult:
				buf.WriteString("[tool_result]")
			default:
				fmt.Fprintf(&buf, "[%s]", b.Type)
			}
		}
		s = buf.String()
	}
	r := []rune(s)
	if n > 0 && len(r) > n {
		return string(r[:n])
	}
	return s
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*c = Content{}
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &c.Text)
	}
	if trimmed[0] != '[' {
		c.Blocks = []ContentBlock{{Kind: KindUnknown, Raw: append(json.RawMessage(nil), trimmed...)}}
		c.IsBlocks = true
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		return err
	}
	c.Blocks = blocks
	c.IsBlocks = true
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsBlocks {
		if c.Blocks == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// Message is one entry of a request's message history.
type Message struct {
	Role    string
	Content Content

	// CacheControl is a message-level ephemeral annotation, if any.
	CacheControl json.RawMessage

	Raw json.RawMessage
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role         string          `json:"role"`
		Content      Content         `json:"content"`
		CacheControl json.RawMessage `json:"cache_control"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("message: %w", err)
	}
	*m = Message{
		Role:         wire.Role,
		Content:      wire.Content,
		CacheControl: wire.CacheControl,
		Raw:          append(json.RawMessage(nil), data...),
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	out := map[string]any{
		"role":    m.Role,
		"content": m.Content,
	}
	if len(m.CacheControl) > 0 {
		out["cache_control"] = m.CacheControl
	}
	return json.Marshal(out)
}
