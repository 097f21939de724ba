package branch

import (
	"fmt"
	"io"
	"strings"

	"github.com/MikeSquared-Agency/forkline/internal/record"
)

const previewLen = 30

// Report is the outcome of one Ingest call.
type Report struct {
	// Branches is a copy of the forest as it stood when the call returned.
	Branches []*Branch `json:"branches"`

	Total       int `json:"total"`
	Eligible    int `json:"eligible"`
	Excluded    int `json:"excluded"`
	ParseErrors int `json:"parse_errors"`

	// Undecodable counts records dropped before reconstruction because they
	// failed to decode. They are included in Total and Excluded.
	Undecodable int `json:"undecodable,omitempty"`

	// Created lists the IDs of branches started during this call.
	Created []int `json:"created,omitempty"`

	// Mismatches explains every rejected candidate. Diagnostics only.
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Summary describes one branch for reporting.
type Summary struct {
	Branch      int `json:"branch"`
	Length      int `json:"length"`
	TipMessages int `json:"tip_messages"`
	ForkedFrom  int `json:"forked_from,omitempty"`
	ForkIndex   int `json:"fork_index"`
}

// Mismatch explains why a record did not extend a candidate branch.
type Mismatch struct {
	Seq         int              `json:"seq"`
	Timestamp   record.Timestamp `json:"timestamp"`
	Branch      int              `json:"branch"`
	TipMessages int              `json:"tip_messages"`
	Messages    int              `json:"messages"`

	// Index is the first message position that differs.
	Index  int    `json:"index"`
	Reason string `json:"reason"`

	// Block is the first differing block within the message at Index, or -1.
	Block int `json:"block"`

	TipMessage    *record.Message `json:"tip_message,omitempty"`
	RecordMessage *record.Message `json:"record_message,omitempty"`
}

// Summaries returns one summary per branch, in creation order.
func (r *Report) Summaries() []Summary {
	out := make([]Summary, len(r.Branches))
	for i, b := range r.Branches {
		out[i] = Summary{
			Branch:      b.ID,
			Length:      b.Len(),
			TipMessages: b.TipMessages(),
			ForkedFrom:  b.ForkedFrom,
			ForkIndex:   b.ForkIndex,
		}
	}
	return out
}

// AddUndecodable records n capture records that never reached the engine.
func (r *Report) AddUndecodable(n int) {
	r.Undecodable += n
	r.Total += n
	r.Excluded += n
}

// String returns the one-line outcome of the run.
func (r *Report) String() string {
	return fmt.Sprintf("%d branches, %d records excluded, %d parse errors",
		len(r.Branches), r.Excluded, r.ParseErrors)
}

// Render writes a human-readable view of the forest to w.
func (r *Report) Render(w io.Writer) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Loaded %d chat calls (%d excluded", r.Eligible, r.Excluded)
	if r.Undecodable > 0 {
		fmt.Fprintf(&sb, ", %d undecodable", r.Undecodable)
	}
	fmt.Fprintf(&sb, ", %d parse errors).\n", r.ParseErrors)
	for _, b := range r.Branches {
		fmt.Fprintf(&sb, "\nBranch %d: %d calls", b.ID, b.Len())
		if b.ForkedFrom > 0 {
			fmt.Fprintf(&sb, " (forked from branch %d at msg[%d])", b.ForkedFrom, b.ForkIndex)
		}
		sb.WriteString("\n")
		for j, c := range b.Calls {
			msgs := c.Messages()
			preview := "Empty"
			if len(msgs) > 0 {
				preview = msgs[len(msgs)-1].Content.Preview(previewLen)
			}
			preview = strings.ReplaceAll(preview, "\n", " ")
			fmt.Fprintf(&sb, "  - Call %d: %d msgs -> %s...\n", j+1, len(msgs), preview)
		}
	}

	if len(r.Mismatches) > 0 {
		sb.WriteString("\nRejected candidates:\n")
		for _, m := range r.Mismatches {
			fmt.Fprintf(&sb, "  - call #%d vs branch %d tip (%d msgs): msg[%d] %s", m.Seq, m.Branch, m.TipMessages, m.Index, m.Reason)
			if m.Block >= 0 {
				fmt.Fprintf(&sb, " (block %d)", m.Block)
			}
			sb.WriteString("\n")
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
