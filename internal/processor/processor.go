// Package processor is forkline's live pipeline. Captured calls arrive over
// NATS, are persisted and folded into a per-session forest; when a session
// closes its forest is rebuilt from every call, stored and announced.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/forkline/internal/branch"
	"github.com/MikeSquared-Agency/forkline/internal/capture"
	"github.com/MikeSquared-Agency/forkline/internal/hermes"
	"github.com/MikeSquared-Agency/forkline/internal/record"
	"github.com/MikeSquared-Agency/forkline/internal/slack"
	"github.com/MikeSquared-Agency/forkline/internal/store"
)

// Publisher sends events to the bus. *hermes.Client satisfies it.
type Publisher interface {
	Publish(subject string, data any) error
}

// Poster posts a formatted summary and threaded replies under it.
// *slack.Poster satisfies it.
type Poster interface {
	PostSummary(ctx context.Context, text string) (string, error)
	PostThread(ctx context.Context, threadTS, text string) error
}

// Processor orchestrates forkline's live reconstruction pipeline.
type Processor struct {
	store       store.Store
	hermes      Publisher
	slack       Poster
	logger      *slog.Logger
	diagnostics bool

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// liveSession holds the calls of one open capture session. The engine sees
// calls in arrival order so that divergence is reported as it happens.
type liveSession struct {
	calls   []record.CallRecord
	engine  *branch.Engine
	nextSeq int
}

// New creates a processor. s, h and sl may be nil.
func New(s store.Store, h Publisher, sl Poster, diagnostics bool, logger *slog.Logger) *Processor {
	return &Processor{
		store:       s,
		hermes:      h,
		slack:       sl,
		logger:      logger,
		diagnostics: diagnostics,
		sessions:    make(map[string]*liveSession),
	}
}

// HandleCall is the NATS handler for forkline.capture.call.
func (p *Processor) HandleCall(subject string, data []byte) {
	var evt hermes.CallEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Error("failed to parse call event", "error", err)
		return
	}
	if err := p.ingest(context.Background(), evt); err != nil {
		p.logger.Error("call ingest failed", "session", evt.Session, "error", err)
	}
}

// HandleSessionClosed is the NATS handler for forkline.capture.session.closed.
func (p *Processor) HandleSessionClosed(subject string, data []byte) {
	var evt hermes.SessionClosedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Error("failed to parse session closed event", "error", err)
		return
	}
	if _, err := p.Close(context.Background(), evt.Session); err != nil {
		p.logger.Error("session reconstruction failed", "session", evt.Session, "error", err)
	}
}

func (p *Processor) ingest(ctx context.Context, evt hermes.CallEvent) error {
	if evt.Session == "" {
		return errors.New("call event without session")
	}
	rec, ok := capture.Build(evt.Exchange())
	if !ok {
		p.logger.Debug("exchange not captured", "session", evt.Session, "method", evt.Method, "url", evt.URL)
		return nil
	}

	p.mu.Lock()
	ls, err := p.session(ctx, evt.Session)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	rec.Seq = ls.nextSeq
	ls.nextSeq++
	ls.calls = append(ls.calls, rec)
	rep := ls.engine.Ingest([]record.CallRecord{rec})
	diverged := divergedEvents(evt.Session, rep, rec)
	p.mu.Unlock()

	p.logger.Info("call captured",
		"session", evt.Session,
		"seq", rec.Seq,
		"messages", len(rec.Messages()),
		"eligible", rep.Eligible == 1,
	)

	if p.store != nil {
		if _, err := p.store.SaveCalls(ctx, evt.Session, []record.CallRecord{rec}); err != nil {
			return fmt.Errorf("save call: %w", err)
		}
	}

	for _, d := range diverged {
		p.logger.Info("branch diverged",
			"session", d.Session,
			"branch", d.Branch,
			"forked_from", d.ForkedFrom,
			"fork_index", d.ForkIndex,
		)
		p.publish(hermes.SubjectBranchDiverged, d)
	}
	return nil
}

// session returns the open session called name, resuming it from the store
// when forkline restarted mid-session. Callers hold p.mu.
func (p *Processor) session(ctx context.Context, name string) (*liveSession, error) {
	if ls, ok := p.sessions[name]; ok {
		return ls, nil
	}

	ls := &liveSession{engine: branch.New(p.logger, false)}
	if p.store != nil {
		calls, err := p.store.ListCalls(ctx, name)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("resume session: %w", err)
		default:
			ls.calls = calls
			ls.nextSeq = calls[len(calls)-1].Seq + 1
			ls.engine.Ingest(calls)
			p.logger.Info("session resumed from store", "session", name, "calls", len(calls))
		}
	}
	p.sessions[name] = ls
	return ls, nil
}

// Close reconstructs the forest of session from all of its calls, persists
// it, publishes the result and posts a summary. The session is forgotten
// afterwards.
func (p *Processor) Close(ctx context.Context, session string) (*branch.Report, error) {
	p.mu.Lock()
	var calls []record.CallRecord
	if ls, ok := p.sessions[session]; ok {
		calls = ls.calls
		delete(p.sessions, session)
	}
	p.mu.Unlock()

	if len(calls) == 0 && p.store != nil {
		stored, err := p.store.ListCalls(ctx, session)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("list calls: %w", err)
		}
		calls = stored
	}
	if len(calls) == 0 {
		p.logger.Warn("closed session has no calls", "session", session)
		return nil, nil
	}

	rep := branch.Reconstruct(calls, p.logger, p.diagnostics)
	p.logger.Info("session reconstructed",
		"session", session,
		"calls", rep.Total,
		"branches", len(rep.Branches),
		"excluded", rep.Excluded,
		"parse_errors", rep.ParseErrors,
	)

	runID := uuid.Nil
	if p.store != nil {
		id, err := p.store.SaveForest(ctx, session, rep)
		if err != nil {
			p.logger.Error("persist forest failed", "session", session, "error", err)
		} else {
			runID = id
		}
	}

	evt := hermes.ReconstructedEvent{
		Session:     session,
		Eligible:    rep.Eligible,
		Excluded:    rep.Excluded,
		ParseErrors: rep.ParseErrors,
		Branches:    rep.Summaries(),
	}
	if runID != uuid.Nil {
		evt.ReconstructionID = runID.String()
	}
	p.publish(hermes.SubjectSessionReconstructed, evt)

	if p.slack != nil {
		ts, err := p.slack.PostSummary(ctx, slack.FormatForest(session, rep))
		if err != nil {
			p.logger.Error("slack post failed", "session", session, "error", err)
		} else if ts != "" && len(rep.Branches) > 0 {
			var detail strings.Builder
			if err := rep.Render(&detail); err == nil {
				if err := p.slack.PostThread(ctx, ts, "```\n"+detail.String()+"```"); err != nil {
					p.logger.Warn("slack thread failed", "session", session, "error", err)
				}
			}
		}
	}
	return rep, nil
}

// Open returns the names of sessions with buffered calls.
func (p *Processor) Open() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sessions))
	for name := range p.sessions {
		out = append(out, name)
	}
	return out
}

func (p *Processor) publish(subject string, data any) {
	if p.hermes == nil {
		return
	}
	if err := p.hermes.Publish(subject, data); err != nil {
		p.logger.Error("publish failed", "subject", subject, "error", err)
	}
}

func divergedEvents(session string, rep *branch.Report, rec record.CallRecord) []hermes.DivergedEvent {
	var out []hermes.DivergedEvent
	for _, id := range rep.Created {
		b := rep.Branches[id-1]
		if b.ForkedFrom == 0 {
			continue
		}
		out = append(out, hermes.DivergedEvent{
			Session:    session,
			Branch:     b.ID,
			ForkedFrom: b.ForkedFrom,
			ForkIndex:  b.ForkIndex,
			Seq:        rec.Seq,
			Timestamp:  rec.Timestamp,
		})
	}
	return out
}
