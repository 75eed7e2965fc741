// Package slack sends incident escalations to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aria/internal/incident"
	"github.com/linnemanlabs/aria/internal/triage"
)

const (
	maxDetailLen = 3000
	httpTimeout  = 10 * time.Second
)

// Notifier sends escalated incidents to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts an incident record to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, rec *triage.Record) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(rec)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack escalation sent", "incident_id", rec.ID)
	return nil
}

func buildMessage(r *triage.Record) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			detailBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(r *triage.Record) map[string]any {
	emoji := severityEmoji(r.Status, r.Severity())
	title := "Incident Escalated"
	if r.Status == triage.StatusFailed {
		title = "Incident Assessment Failed"
	}
	subject := r.Report.Title
	if subject == "" {
		subject = fmt.Sprintf("%s on %s", r.Report.Category, r.Report.Asset)
	}
	// Slack caps plain_text headers at 150 characters.
	text := truncate(fmt.Sprintf("%s %s: %s", emoji, title, subject), 150)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *triage.Record) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Category:* %s", r.Report.Category),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Asset:* %s", r.Report.Asset),
		},
	}
	if a := r.Assessment; a != nil {
		fields = append(fields,
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Severity:* %s", a.Severity),
			},
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Action:* %s", a.Action),
			},
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Score:* %d", a.Score),
			},
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Confidence:* %.0f%%", a.Confidence*100),
			},
		)
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func detailBlock(r *triage.Record) map[string]any {
	var b strings.Builder
	b.WriteString("*Description*\n")
	if r.Report.Description == "" {
		b.WriteString("_No description._")
	} else {
		b.WriteString(r.Report.Description)
	}

	if a := r.Assessment; a != nil {
		if len(a.Findings) > 0 {
			b.WriteString("\n\n*Findings*\n")
			for _, f := range a.Findings {
				fmt.Fprintf(&b, "• %s (%+d)\n", f.Description, f.Points)
			}
		}
		if len(a.Playbook) > 0 {
			b.WriteString("\n*Next steps*\n")
			for i, step := range a.Playbook {
				fmt.Fprintf(&b, "%d. %s\n", i+1, step)
			}
		}
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "\n\n*Error:* %s", r.Error)
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(b.String(), maxDetailLen),
		},
	}
}

func contextBlock(r *triage.Record) map[string]any {
	ts := r.CompletedAt
	if ts.IsZero() {
		ts = r.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("aria • incident %s • %s", r.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(status triage.Status, severity incident.Severity) string {
	if status == triage.StatusFailed {
		return "\U0001f534" // red circle
	}
	switch severity {
	case incident.SeverityCritical:
		return "\U0001f534" // red circle
	case incident.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case incident.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate shortens s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
