package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/forkline/internal/record"
)

const fixtureSession = `[
  {"timestamp": 100, "url": "https://api.anthropic.com/v1/messages?beta=true",
   "request_body": {"model": "claude-sonnet", "messages": [{"role": "user", "content": "hi"}]},
   "response_body": {"reconstructed_text": "hello"}},
  {"timestamp": 101, "url": "https://api.anthropic.com/v1/messages/count_tokens?beta=true",
   "request_body": {"messages": [{"role": "user", "content": "hi"}]},
   "response_body": {"input_tokens": 3}},
  {"timestamp": 102, "url": "https://api.anthropic.com/v1/messages?beta=true",
   "request_body": {"model": "claude-sonnet", "messages": [
     {"role": "user", "content": "hi"},
     {"role": "assistant", "content": [{"type": "text", "text": "hello"}]},
     {"role": "user", "content": [{"type": "text", "text": "more", "cache_control": {"type": "ephemeral"}}]}]},
   "response_body": "<Error parsing JSON: invalid character>"},
  {"timestamp": 103, "url": "https://api.anthropic.com/v1/messages?beta=true",
   "request_body": {"model": "claude-sonnet", "messages": [{"role": "user", "content": "edited"}]},
   "response_body": null}
]`

func fixtureCalls(t *testing.T) []record.CallRecord {
	t.Helper()
	s, err := record.DecodeSession(strings.NewReader(fixtureSession))
	require.NoError(t, err)
	require.Empty(t, s.Warnings)
	return s.Records
}
