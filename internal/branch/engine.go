// Package branch reconstructs the branching structure of a conversation from
// stateless request snapshots. Each snapshot resends the whole history, so a
// snapshot continues a branch when the branch tip's history is a prefix of it.
package branch

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/MikeSquared-Agency/forkline/internal/normalize"
	"github.com/MikeSquared-Agency/forkline/internal/record"
)

const (
	messagesEndpoint  = "/v1/messages"
	countTokensSuffix = "count_tokens?beta=true"
)

// Eligible reports whether rec is a chat-completion request with a message
// history worth branching on. Token-count preflight probes are excluded.
func Eligible(rec record.CallRecord) bool {
	if !strings.Contains(rec.URL, messagesEndpoint) {
		return false
	}
	if strings.HasSuffix(rec.URL, countTokensSuffix) {
		return false
	}
	if rec.Request == nil || rec.Request.Marker != "" {
		return false
	}
	return len(rec.Request.Messages) > 0
}

// Branch is a chain of call records where each record's history extends the
// previous one's.
type Branch struct {
	// ID is the 1-based creation order. It never changes.
	ID    int                 `json:"id"`
	Calls []record.CallRecord `json:"calls"`

	// ForkedFrom is the branch that was newest when this one started, and
	// ForkIndex the number of leading messages the two share. ForkedFrom is
	// zero for the first branch.
	ForkedFrom int `json:"forked_from,omitempty"`
	ForkIndex  int `json:"fork_index"`

	tip []normalize.Comparable
}

// Tip returns the last record of the branch.
func (b *Branch) Tip() record.CallRecord {
	return b.Calls[len(b.Calls)-1]
}

// Len returns the number of records in the branch.
func (b *Branch) Len() int {
	return len(b.Calls)
}

// TipMessages returns the message count of the tip.
func (b *Branch) TipMessages() int {
	return len(b.tip)
}

// MessageCounts returns the message count of every record, in order.
func (b *Branch) MessageCounts() []int {
	out := make([]int, len(b.Calls))
	for i, c := range b.Calls {
		out[i] = len(c.Messages())
	}
	return out
}

// Engine owns a forest of branches for one reconstruction run. It is not safe
// for concurrent use.
type Engine struct {
	branches    []*Branch
	diagnostics bool
	logger      *slog.Logger
}

// New creates an engine with an empty forest. With diagnostics on, every
// rejected candidate is explained in the report and logged at debug level.
func New(logger *slog.Logger, diagnostics bool) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{diagnostics: diagnostics, logger: logger}
}

// Reconstruct runs a fresh engine over records.
func Reconstruct(records []record.CallRecord, logger *slog.Logger, diagnostics bool) *Report {
	return New(logger, diagnostics).Ingest(records)
}

// Branches returns the forest in creation order.
func (e *Engine) Branches() []*Branch {
	return e.branches
}

// Ingest filters records, orders them by timestamp (capture order breaks
// ties) and assigns each to the newest branch whose tip it extends, starting
// a new branch when none matches. Records are folded into the engine's
// existing forest, so later calls must carry later records.
func (e *Engine) Ingest(records []record.CallRecord) *Report {
	rep := &Report{Total: len(records)}

	eligible := make([]record.CallRecord, 0, len(records))
	for _, rec := range records {
		if rec.Response.ParseFailed() {
			rep.ParseErrors++
		}
		if !Eligible(rec) {
			rep.Excluded++
			continue
		}
		eligible = append(eligible, rec)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Timestamp.Before(eligible[j].Timestamp.Time)
	})
	rep.Eligible = len(eligible)

	for _, rec := range eligible {
		e.assign(rec, rep)
	}

	rep.Branches = e.snapshot()
	e.logger.Debug("reconstruction complete",
		"records", rep.Total,
		"eligible", rep.Eligible,
		"excluded", rep.Excluded,
		"parse_errors", rep.ParseErrors,
		"branches", len(rep.Branches),
	)
	return rep
}

// snapshot copies the forest so a returned report is unaffected by later
// Ingest calls.
func (e *Engine) snapshot() []*Branch {
	out := make([]*Branch, len(e.branches))
	for i, b := range e.branches {
		cp := *b
		cp.Calls = b.Calls[:len(b.Calls):len(b.Calls)]
		out[i] = &cp
	}
	return out
}

func (e *Engine) assign(rec record.CallRecord, rep *Report) {
	view := normalize.Messages(rec.Messages())

	forkIndex := 0
	for i := len(e.branches) - 1; i >= 0; i-- {
		b := e.branches[i]
		idx, reason, ok := normalize.PrefixOf(b.tip, view)
		if ok {
			b.Calls = append(b.Calls, rec)
			b.tip = view
			return
		}
		if i == len(e.branches)-1 {
			forkIndex = idx
		}
		if e.diagnostics {
			rep.Mismatches = append(rep.Mismatches, e.explain(rec, b, idx, reason, view))
		}
	}

	b := &Branch{
		ID:    len(e.branches) + 1,
		Calls: []record.CallRecord{rec},
		tip:   view,
	}
	if len(e.branches) > 0 {
		b.ForkedFrom = e.branches[len(e.branches)-1].ID
		b.ForkIndex = forkIndex
	}
	e.branches = append(e.branches, b)
	rep.Created = append(rep.Created, b.ID)
	e.logger.Debug("new branch",
		"branch", b.ID,
		"messages", len(view),
		"forked_from", b.ForkedFrom,
		"fork_index", b.ForkIndex,
	)
}

func (e *Engine) explain(rec record.CallRecord, b *Branch, idx int, reason string, view []normalize.Comparable) Mismatch {
	m := Mismatch{
		Seq:         rec.Seq,
		Timestamp:   rec.Timestamp,
		Branch:      b.ID,
		TipMessages: len(b.tip),
		Messages:    len(view),
		Index:       idx,
		Reason:      reason,
		Block:       -1,
	}
	if reason != normalize.ReasonShorter {
		tipMsg := b.Tip().Messages()[idx]
		recMsg := rec.Messages()[idx]
		m.TipMessage = &tipMsg
		m.RecordMessage = &recMsg
		if reason == normalize.ReasonContentMismatch {
			m.Block = normalize.BlockDifference(b.tip[idx], view[idx])
		}
	}
	e.logger.Debug("branch rejected",
		"seq", m.Seq,
		"branch", m.Branch,
		"index", m.Index,
		"block", m.Block,
		"reason", m.Reason,
	)
	return m
}
