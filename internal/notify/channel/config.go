package channel

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Channel configuration blobs are heterogeneous: one shape per channel tag.
// Each blob is validated against its channel's JSON Schema at the adapter
// boundary, immediately after decryption, so an adapter never sees a blob
// missing its required fields.

var webhookConfigSchema = jsonschema.MustCompileString("webhook-config.json", `{
	"type": "object",
	"required": ["webhook_url"],
	"properties": {
		"webhook_url": {"type": "string", "pattern": "^https?://"},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`)

var telegramConfigSchema = jsonschema.MustCompileString("telegram-config.json", `{
	"type": "object",
	"required": ["bot_token", "chat_id"],
	"properties": {
		"bot_token": {"type": "string", "minLength": 1},
		"chat_id": {"type": "string", "minLength": 1},
		"parse_mode": {"enum": ["Markdown", "MarkdownV2", "HTML"]},
		"disable_web_page_preview": {"type": "boolean"},
		"disable_notification": {"type": "boolean"}
	}
}`)

var larkConfigSchema = jsonschema.MustCompileString("lark-config.json", `{
	"type": "object",
	"required": ["webhook_url"],
	"properties": {
		"webhook_url": {"type": "string", "pattern": "^https?://"},
		"secret": {"type": "string"},
		"msg_type": {"enum": ["text", "interactive", "markdown"]}
	}
}`)

var slackConfigSchema = jsonschema.MustCompileString("slack-config.json", `{
	"type": "object",
	"required": ["webhook_url"],
	"properties": {
		"webhook_url": {"type": "string", "pattern": "^https?://"},
		"channel": {"type": "string", "pattern": "^[#@].+"},
		"username": {"type": "string"},
		"icon_emoji": {"type": "string"},
		"use_blocks": {"type": "boolean"},
		"use_attachments": {"type": "boolean"},
		"color": {"type": "string"},
		"thread_ts": {"type": "string"}
	}
}`)

// WebhookConfig is the decrypted blob for the generic webhook channel.
type WebhookConfig struct {
	WebhookURL string            `json:"webhook_url"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// TelegramConfig is the decrypted blob for the Telegram channel.
type TelegramConfig struct {
	BotToken              string `json:"bot_token"`
	ChatID                string `json:"chat_id"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview *bool  `json:"disable_web_page_preview,omitempty"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
}

// LarkConfig is the decrypted blob for the Lark/Feishu channel.
type LarkConfig struct {
	WebhookURL string `json:"webhook_url"`
	Secret     string `json:"secret,omitempty"`
	MsgType    string `json:"msg_type,omitempty"`
}

// SlackConfig is the decrypted blob for the Slack incoming-webhook channel.
type SlackConfig struct {
	WebhookURL     string `json:"webhook_url"`
	Channel        string `json:"channel,omitempty"`
	Username       string `json:"username,omitempty"`
	IconEmoji      string `json:"icon_emoji,omitempty"`
	UseBlocks      bool   `json:"use_blocks,omitempty"`
	UseAttachments bool   `json:"use_attachments,omitempty"`
	Color          string `json:"color,omitempty"`
	ThreadTS       string `json:"thread_ts,omitempty"`
}

// decodeConfig validates raw against schema and decodes it into out.
func decodeConfig(raw json.RawMessage, schema *jsonschema.Schema, out any) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("config failed validation: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
