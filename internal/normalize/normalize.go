// Package normalize builds the comparison view of captured messages: role and
// content only, with cache_control annotations removed at every level.
package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/forkline/internal/record"
)

// Mismatch reasons.
const (
	ReasonRoleMismatch    = "role mismatch"
	ReasonContentMismatch = "content mismatch"
	ReasonShorter         = "shorter than tip"
)

const annotationKey = "cache_control"

// Block is the comparable form of a content block: its type plus a canonical
// encoding of its payload with annotations stripped.
type Block struct {
	Type    string
	Payload string
}

// Comparable is the comparison view of a message. The source message is left
// untouched.
type Comparable struct {
	Role     string
	Text     string
	Blocks   []Block
	IsBlocks bool
}

// Message returns the comparison view of m.
func Message(m record.Message) Comparable {
	c := Comparable{Role: m.Role}
	if !m.Content.IsBlocks {
		c.Text = m.Content.Text
		return c
	}
	c.IsBlocks = true
	c.Blocks = make([]Block, len(m.Content.Blocks))
	for i, b := range m.Content.Blocks {
		c.Blocks[i] = block(b)
	}
	return c
}

// Messages returns the comparison view of every message in ms.
func Messages(ms []record.Message) []Comparable {
	out := make([]Comparable, len(ms))
	for i, m := range ms {
		out[i] = Message(m)
	}
	return out
}

// blocks returns c's content as a block sequence, coercing a plain string into
// a single text block.
func (c Comparable) blocks() []Block {
	if c.IsBlocks {
		return c.Blocks
	}
	return []Block{textBlock(c.Text)}
}

// Equal compares two messages by role and semantic content. The reason is
// empty when they are equal.
func Equal(a, b Comparable) (bool, string) {
	if a.Role != b.Role {
		return false, ReasonRoleMismatch
	}
	if !a.IsBlocks && !b.IsBlocks {
		if a.Text != b.Text {
			return false, ReasonContentMismatch
		}
		return true, ""
	}
	if BlockDifference(a, b) >= 0 {
		return false, ReasonContentMismatch
	}
	return true, ""
}

// BlockDifference returns the index of the first block at which a and b
// differ, or -1 when their contents are equal. When one sequence is a strict
// prefix of the other, the index is the length of the shorter one.
func BlockDifference(a, b Comparable) int {
	ab, bb := a.blocks(), b.blocks()
	n := min(len(ab), len(bb))
	for i := 0; i < n; i++ {
		if ab[i] != bb[i] {
			return i
		}
	}
	if len(ab) != len(bb) {
		return n
	}
	return -1
}

// PrefixOf checks that every message in prefix equals the message at the same
// position in seq. On failure it returns the first differing index and why;
// that index is also the length of the common prefix.
func PrefixOf(prefix, seq []Comparable) (idx int, reason string, ok bool) {
	n := min(len(prefix), len(seq))
	for i := 0; i < n; i++ {
		if eq, why := Equal(prefix[i], seq[i]); !eq {
			return i, why, false
		}
	}
	if len(seq) < len(prefix) {
		return len(seq), ReasonShorter, false
	}
	return len(prefix), "", true
}

func textBlock(text string) Block {
	payload, _ := json.Marshal(map[string]any{"text": text})
	return Block{Type: "text", Payload: string(payload)}
}

func block(b record.ContentBlock) Block {
	raw := b.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(b)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Block{Type: b.Type, Payload: string(bytes.TrimSpace(raw))}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		payload, _ := json.Marshal(v)
		return Block{Type: b.Type, Payload: string(payload)}
	}
	delete(obj, "type")
	strip(obj)
	canonicalNumbers(obj)

	payload, err := json.Marshal(obj)
	if err != nil {
		return Block{Type: b.Type, Payload: string(bytes.TrimSpace(raw))}
	}
	return Block{Type: b.Type, Payload: string(payload)}
}

// strip removes annotations from v and from any nested block lists.
func strip(v any) {
	switch t := v.(type) {
	case map[string]any:
		delete(t, annotationKey)
		if nested, ok := t["content"]; ok {
			strip(nested)
		}
	case []any:
		for _, item := range t {
			strip(item)
		}
	}
}

// canonicalNumbers rewrites every number in v so that numerically equal
// literals encode the same way: 1, 1.0 and 1e0 all become 1.
func canonicalNumbers(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			if n, ok := item.(json.Number); ok {
				t[k] = canonicalNumber(n)
				continue
			}
			canonicalNumbers(item)
		}
	case []any:
		for i, item := range t {
			if n, ok := item.(json.Number); ok {
				t[i] = canonicalNumber(n)
				continue
			}
			canonicalNumbers(item)
		}
	}
}

func canonicalNumber(n json.Number) json.Number {
	lit := string(n)
	if !strings.ContainsAny(lit, ".eE") {
		i, ok := new(big.Int).SetString(lit, 10)
		if !ok {
			return n
		}
		return json.Number(i.String())
	}

	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(f, 0) {
		return n
	}
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) {
		return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}
