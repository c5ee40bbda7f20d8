package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/caasxyz/notification/common/trace"
	"github.com/caasxyz/notification/internal/notify/errs"
)

// Webhook delivers to arbitrary caller-configured HTTP endpoints with a
// fixed JSON envelope.
type Webhook struct {
	client *http.Client
	// allowPrivate permits endpoints resolving to loopback/private
	// addresses. Off in production; tests point at httptest servers.
	allowPrivate bool
}

// WebhookOption configures the webhook adapter.
type WebhookOption func(*Webhook)

// WithPrivateNetworks allows webhook endpoints on loopback and private
// address space. Intended for tests and local development.
func WithPrivateNetworks() WebhookOption {
	return func(w *Webhook) { w.allowPrivate = true }
}

// NewWebhook creates the webhook adapter.
func NewWebhook(client *http.Client, opts ...WebhookOption) *Webhook {
	w := &Webhook{client: client}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Type() Type { return TypeWebhook }

// webhookEnvelope is the fixed payload shape posted to the endpoint.
type webhookEnvelope struct {
	Content   string          `json:"content"`
	Subject   string          `json:"subject,omitempty"`
	Timestamp string          `json:"timestamp"`
	Metadata  webhookMetadata `json:"metadata"`
}

type webhookMetadata struct {
	Channel string `json:"channel"`
	Version string `json:"version"`
}

// Send posts the message to the configured endpoint.
func (w *Webhook) Send(ctx context.Context, rawConfig json.RawMessage, msg Message) (string, error) {
	var cfg WebhookConfig
	if err := decodeConfig(rawConfig, webhookConfigSchema, &cfg); err != nil {
		return "", errs.Channel(fmt.Sprintf("webhook config: %v", err), false, err)
	}
	if err := w.checkEndpoint(cfg.WebhookURL); err != nil {
		return "", errs.Channel(err.Error(), false, err)
	}

	content := Truncate(msg.Content, WebhookMaxContent)
	body, err := json.Marshal(webhookEnvelope{
		Content:   content,
		Subject:   msg.Subject,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata:  webhookMetadata{Channel: "webhook", Version: "1.0"},
	})
	if err != nil {
		return "", errs.Channel(fmt.Sprintf("marshal payload: %v", err), false, err)
	}

	status, respBody, err := postJSON(ctx, w.client, cfg.WebhookURL, body, cfg.Headers)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", statusError(TypeWebhook, status, respBody)
	}

	return trace.NewMessageID(string(TypeWebhook)), nil
}

// checkEndpoint rejects non-HTTP schemes and, unless allowPrivate is set,
// endpoints whose host is a loopback or private-range IP literal.
func (w *Webhook) checkEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook_url must be http or https")
	}
	if w.allowPrivate {
		return nil
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("webhook_url targets a private address")
		}
	}
	return nil
}
