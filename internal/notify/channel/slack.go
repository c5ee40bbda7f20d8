package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caasxyz/notification/common/trace"
	"github.com/caasxyz/notification/internal/notify/errs"
)

// Slack delivers to Slack incoming webhooks, either as plain text or as a
// small block kit layout when a subject is present.
type Slack struct {
	client *http.Client
}

// NewSlack creates the Slack adapter.
func NewSlack(client *http.Client) *Slack {
	return &Slack{client: client}
}

func (s *Slack) Type() Type { return TypeSlack }

// Send posts the message to the configured incoming webhook.
func (s *Slack) Send(ctx context.Context, rawConfig json.RawMessage, msg Message) (string, error) {
	var cfg SlackConfig
	if err := decodeConfig(rawConfig, slackConfigSchema, &cfg); err != nil {
		return "", errs.Channel(fmt.Sprintf("slack config: %v", err), false, err)
	}

	body, err := json.Marshal(s.buildPayload(cfg, msg))
	if err != nil {
		return "", errs.Channel(fmt.Sprintf("marshal payload: %v", err), false, err)
	}

	status, respBody, err := postJSON(ctx, s.client, cfg.WebhookURL, body, nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		if retryableStatus(status) {
			return "", statusError(TypeSlack, status, respBody)
		}
		// Incoming webhooks answer application errors ("invalid_payload",
		// "channel_not_found", ...) with a 4xx and a bare error string.
		// None of them clear on retry.
		return "", errs.Channel(
			fmt.Sprintf("slack webhook rejected message: %s", Truncate(string(respBody), 200)),
			false, nil)
	}
	if trimmed := strings.TrimSpace(string(respBody)); trimmed != "" && trimmed != "ok" {
		return "", errs.Channel(fmt.Sprintf("slack webhook returned %q", trimmed), false, nil)
	}

	return trace.NewMessageID(string(TypeSlack)), nil
}

// buildPayload chooses between the plain-text shape and blocks. Blocks are
// used when a subject is present or use_blocks is set; attachments are
// appended when use_attachments is set.
func (s *Slack) buildPayload(cfg SlackConfig, msg Message) map[string]any {
	text := EscapeSlackMrkdwn(msg.Content)

	payload := map[string]any{}
	if cfg.Channel != "" {
		payload["channel"] = cfg.Channel
	}
	if cfg.Username != "" {
		payload["username"] = cfg.Username
	}
	if cfg.IconEmoji != "" {
		payload["icon_emoji"] = cfg.IconEmoji
	}
	if cfg.ThreadTS != "" {
		payload["thread_ts"] = cfg.ThreadTS
	}

	if msg.Subject != "" || cfg.UseBlocks {
		header := msg.Subject
		if header == "" {
			header = "Notification"
		}
		payload["text"] = header
		payload["blocks"] = []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{"type": "plain_text", "text": header, "emoji": true},
			},
			map[string]any{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text},
			},
			map[string]any{
				"type": "context",
				"elements": []any{
					map[string]any{
						"type": "mrkdwn",
						"text": "Sent at " + time.Now().UTC().Format(time.RFC3339),
					},
				},
			},
		}
	} else {
		payload["text"] = text
	}

	if cfg.UseAttachments {
		color := cfg.Color
		if color == "" {
			color = "#36a64f"
		}
		payload["attachments"] = []any{
			map[string]any{
				"color":   color,
				"pretext": msg.Subject,
				"text":    text,
				"ts":      time.Now().Unix(),
			},
		}
	}

	return payload
}
