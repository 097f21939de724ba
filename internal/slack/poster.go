package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/forkline/internal/branch"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PostSummary posts text as a standalone message and returns its timestamp,
// which can be used as a thread parent.
func (p *Poster) PostSummary(ctx context.Context, text string) (string, error) {
	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("posted summary to slack", "ts", ts)
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

// FormatForest renders a reconstruction report as a Slack message.
func FormatForest(session string, rep *branch.Report) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Session:* %s\n", session)
	fmt.Fprintf(&sb, "*Calls:* %d eligible, %d excluded, %d parse errors\n\n", rep.Eligible, rep.Excluded, rep.ParseErrors)

	if len(rep.Branches) == 0 {
		sb.WriteString("_No chat calls to reconstruct in this session._")
		return sb.String()
	}

	fmt.Fprintf(&sb, "*Branches: %d*\n", len(rep.Branches))
	for _, s := range rep.Summaries() {
		fmt.Fprintf(&sb, "%d. %d calls, %d msgs at tip", s.Branch, s.Length, s.TipMessages)
		if s.ForkedFrom > 0 {
			fmt.Fprintf(&sb, " (forked from %d at msg[%d])", s.ForkedFrom, s.ForkIndex)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
