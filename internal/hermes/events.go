package hermes

import (
	"github.com/MikeSquared-Agency/forkline/internal/branch"
	"github.com/MikeSquared-Agency/forkline/internal/capture"
	"github.com/MikeSquared-Agency/forkline/internal/record"
)

// NATS subjects.
const (
	// SubjectCall carries one captured exchange from the proxy.
	SubjectCall = "forkline.capture.call"
	// SubjectSessionClosed tells forkline a capture session has ended.
	SubjectSessionClosed = "forkline.capture.session.closed"
	// SubjectBranchDiverged is published once per new branch that forks off an
	// existing one.
	SubjectBranchDiverged = "forkline.branch.diverged"
	// SubjectSessionReconstructed is published when a session's forest is built.
	SubjectSessionReconstructed = "forkline.session.reconstructed"
)

// CallEvent is a captured exchange as published by the capture proxy. Bodies
// are carried as raw text so that unparseable payloads survive the trip.
type CallEvent struct {
	Session         string            `json:"session"`
	Timestamp       record.Timestamp  `json:"timestamp"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"request_headers"`
	ResponseHeaders map[string]string `json:"response_headers"`
	RequestBody     string            `json:"request_body"`
	ResponseBody    string            `json:"response_body"`
}

// Exchange converts the event into the capture boundary's input.
func (e CallEvent) Exchange() capture.Exchange {
	return capture.Exchange{
		Timestamp:       e.Timestamp.Time,
		Method:          e.Method,
		URL:             e.URL,
		RequestHeaders:  e.RequestHeaders,
		ResponseHeaders: e.ResponseHeaders,
		RequestBody:     []byte(e.RequestBody),
		ResponseBody:    []byte(e.ResponseBody),
	}
}

// SessionClosedEvent ends a capture session.
type SessionClosedEvent struct {
	Session string `json:"session"`
}

// DivergedEvent reports a branch that forked off an existing one.
type DivergedEvent struct {
	Session    string           `json:"session"`
	Branch     int              `json:"branch"`
	ForkedFrom int              `json:"forked_from"`
	ForkIndex  int              `json:"fork_index"`
	Seq        int              `json:"seq"`
	Timestamp  record.Timestamp `json:"timestamp"`
}

// ReconstructedEvent summarises a session's forest.
type ReconstructedEvent struct {
	Session          string           `json:"session"`
	ReconstructionID string           `json:"reconstruction_id,omitempty"`
	Eligible         int              `json:"eligible"`
	Excluded         int              `json:"excluded"`
	ParseErrors      int              `json:"parse_errors"`
	Branches         []branch.Summary `json:"branches"`
}
