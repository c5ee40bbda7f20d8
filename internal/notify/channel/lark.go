package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/common/crypto"
	"github.com/caasxyz/notification/common/trace"
	"github.com/caasxyz/notification/internal/notify/errs"
)

// Lark delivers to Lark/Feishu incoming-webhook bots. When the bot has a
// signing secret configured, each request carries a timestamp and the
// signature Lark verifies against its own 5-minute window.
type Lark struct {
	client *http.Client
	clock  clock.Clock
}

// LarkOption configures the Lark adapter.
type LarkOption func(*Lark)

// WithLarkClock overrides the signing timestamp source (tests).
func WithLarkClock(clk clock.Clock) LarkOption {
	return func(l *Lark) { l.clock = clk }
}

// NewLark creates the Lark adapter.
func NewLark(client *http.Client, opts ...LarkOption) *Lark {
	l := &Lark{client: client, clock: clock.System{}}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Lark) Type() Type { return TypeLark }

type larkResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Send posts the message body for the configured msg_type (default text).
func (l *Lark) Send(ctx context.Context, rawConfig json.RawMessage, msg Message) (string, error) {
	var cfg LarkConfig
	if err := decodeConfig(rawConfig, larkConfigSchema, &cfg); err != nil {
		return "", errs.Channel(fmt.Sprintf("lark config: %v", err), false, err)
	}

	msgType := cfg.MsgType
	if msgType == "" {
		msgType = "text"
	}

	payload := l.buildPayload(msgType, msg)

	if cfg.Secret != "" {
		ts := strconv.FormatInt(l.clock.Now().Unix(), 10)
		payload["timestamp"] = ts
		payload["sign"] = crypto.LarkSign(ts, cfg.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Channel(fmt.Sprintf("marshal payload: %v", err), false, err)
	}

	status, respBody, err := postJSON(ctx, l.client, cfg.WebhookURL, body, nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", statusError(TypeLark, status, respBody)
	}

	var resp larkResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", errs.Channel(fmt.Sprintf("lark: unparseable response: %v", err), true, err)
	}
	if resp.Code != 0 {
		// An application-level code on an HTTP 200 may clear on retry
		// (rate limiting, transient bot state); permanent failures arrive
		// as authoritative 4xx statuses handled above.
		return "", errs.Channel(fmt.Sprintf("lark API error %d: %s", resp.Code, resp.Msg), true, nil)
	}

	return trace.NewMessageID(string(TypeLark)), nil
}

// buildPayload assembles the per-msg_type message body.
func (l *Lark) buildPayload(msgType string, msg Message) map[string]any {
	switch msgType {
	case "interactive":
		title := msg.Subject
		if title == "" {
			title = "Notification"
		}
		return map[string]any{
			"msg_type": "interactive",
			"card": map[string]any{
				"header": map[string]any{
					"title": map[string]any{"tag": "plain_text", "content": title},
				},
				"elements": []any{
					map[string]any{
						"tag":  "div",
						"text": map[string]any{"tag": "lark_md", "content": msg.Content},
					},
				},
			},
		}
	case "markdown":
		return map[string]any{
			"msg_type": "interactive",
			"card": map[string]any{
				"elements": []any{
					map[string]any{"tag": "markdown", "content": EscapeLarkMarkdown(msg.Content)},
				},
			},
		}
	default:
		text := msg.Content
		if msg.Subject != "" {
			text = msg.Subject + "\n" + text
		}
		return map[string]any{
			"msg_type": "text",
			"content":  map[string]any{"text": text},
		}
	}
}
