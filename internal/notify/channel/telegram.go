package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/caasxyz/notification/common/redact"
	"github.com/caasxyz/notification/common/trace"
	"github.com/caasxyz/notification/internal/notify/errs"
)

// telegramAPIBase is the production Bot API endpoint; tests override it.
const telegramAPIBase = "https://api.telegram.org"

// Telegram delivers via the Bot API sendMessage method.
type Telegram struct {
	client  *http.Client
	apiBase string
}

// TelegramOption configures the Telegram adapter.
type TelegramOption func(*Telegram)

// WithTelegramAPIBase overrides the Bot API base URL (tests).
func WithTelegramAPIBase(base string) TelegramOption {
	return func(t *Telegram) { t.apiBase = strings.TrimRight(base, "/") }
}

// NewTelegram creates the Telegram adapter.
func NewTelegram(client *http.Client, opts ...TelegramOption) *Telegram {
	t := &Telegram{client: client, apiBase: telegramAPIBase}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Telegram) Type() Type { return TypeTelegram }

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
	DisableNotification   bool   `json:"disable_notification"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send posts the message to the Bot API. Text is escaped per the configured
// parse mode (default MarkdownV2) and capped at Telegram's 4096-char limit.
func (t *Telegram) Send(ctx context.Context, rawConfig json.RawMessage, msg Message) (string, error) {
	var cfg TelegramConfig
	if err := decodeConfig(rawConfig, telegramConfigSchema, &cfg); err != nil {
		return "", errs.Channel(fmt.Sprintf("telegram config: %v", err), false, err)
	}

	parseMode := cfg.ParseMode
	if parseMode == "" {
		parseMode = "MarkdownV2"
	}
	disablePreview := true
	if cfg.DisableWebPagePreview != nil {
		disablePreview = *cfg.DisableWebPagePreview
	}

	text := t.composeText(msg, parseMode)

	body, err := json.Marshal(telegramRequest{
		ChatID:                cfg.ChatID,
		Text:                  text,
		ParseMode:             parseMode,
		DisableWebPagePreview: disablePreview,
		DisableNotification:   cfg.DisableNotification,
	})
	if err != nil {
		return "", errs.Channel(fmt.Sprintf("marshal payload: %v", err), false, err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, cfg.BotToken)
	status, respBody, err := postJSON(ctx, t.client, url, body, nil)
	if err != nil {
		// Transport errors quote the request URL, which embeds the token.
		var ce *errs.Error
		if errors.As(err, &ce) {
			return "", errs.Channel(redact.String(ce.Message, cfg.BotToken), ce.Retryable, nil)
		}
		return "", err
	}

	var resp telegramResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		if status < 200 || status >= 300 {
			return "", statusError(TypeTelegram, status, respBody)
		}
		return "", errs.Channel(fmt.Sprintf("telegram: unparseable response: %v", err), true, err)
	}

	if !resp.OK {
		// Telegram's error_code mirrors HTTP semantics: 400/401/403/404 are
		// permanent, everything else (420 flood wait, 429, 5xx) may clear.
		retryable := true
		switch resp.ErrorCode {
		case 400, 401, 403, 404:
			retryable = false
		}
		return "", errs.Channel(
			fmt.Sprintf("telegram API error %d: %s", resp.ErrorCode, resp.Description),
			retryable, nil)
	}

	return trace.NewMessageID(string(TypeTelegram)), nil
}

// composeText joins subject and content, escapes per parse mode, and
// enforces the 4096-char cap.
func (t *Telegram) composeText(msg Message, parseMode string) string {
	var escape func(string) string
	switch parseMode {
	case "HTML":
		escape = EscapeTelegramHTML
	case "Markdown":
		escape = EscapeTelegramMarkdown
	default:
		escape = EscapeTelegramMarkdownV2
	}

	text := escape(msg.Content)
	if msg.Subject != "" {
		subject := escape(msg.Subject)
		if parseMode == "HTML" {
			text = "<b>" + subject + "</b>\n\n" + text
		} else {
			text = "*" + subject + "*\n\n" + text
		}
	}
	cut := Truncate(text, TelegramMaxContent)
	if parseMode != "HTML" && len(cut) < len(text) {
		// Truncation can split an escape pair, leaving a lone trailing
		// backslash the Markdown parsers reject.
		trimmed := strings.TrimRight(cut, `\`)
		if (len(cut)-len(trimmed))%2 == 1 {
			cut = cut[:len(cut)-1]
		}
	}
	return cut
}
