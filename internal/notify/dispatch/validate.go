package dispatch

import (
	"fmt"
	"regexp"

	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/errs"
)

const (
	maxUserIDLength         = 64
	maxIdempotencyKeyLength = 128
	maxVariableCount        = 50
)

var userIDRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Validate rejects malformed requests before any side effect. Errors carry
// field-level codes so the API layer can map them to 400 responses.
func Validate(req *Request) error {
	if req.UserID == "" {
		return errs.Validation(errs.CodeInvalidUserID, "user_id is required")
	}
	if len(req.UserID) > maxUserIDLength || !userIDRe.MatchString(req.UserID) {
		return errs.Validation(errs.CodeInvalidUserID, "user_id must be at most 64 characters of [A-Za-z0-9_.-]")
	}

	if len(req.Channels) == 0 {
		return errs.Validation(errs.CodeInvalidChannels, "channels must not be empty")
	}
	seen := make(map[channel.Type]bool, len(req.Channels))
	for _, ch := range req.Channels {
		if _, ok := channel.ParseType(string(ch)); !ok {
			return errs.Validation(errs.CodeInvalidChannelType,
				fmt.Sprintf("unsupported channel type %q", ch))
		}
		if seen[ch] {
			return errs.Validation(errs.CodeInvalidChannels,
				fmt.Sprintf("duplicate channel %q", ch))
		}
		seen[ch] = true
	}

	hasTemplate := req.TemplateKey != ""
	hasCustom := req.CustomContent != nil
	if hasTemplate == hasCustom {
		return errs.Validation(errs.CodeMissingContent,
			"exactly one of template_key and custom_content is required")
	}

	if hasCustom && req.CustomContent.Content == "" {
		return errs.Validation(errs.CodeMissingContent, "custom_content.content must not be empty")
	}

	if len(req.Variables) > maxVariableCount {
		return errs.Validation(errs.CodeInvalidRequest,
			fmt.Sprintf("too many template variables (max %d)", maxVariableCount))
	}

	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return errs.Validation(errs.CodeInvalidRequest,
			fmt.Sprintf("idempotency_key must be at most %d characters", maxIdempotencyKeyLength))
	}

	// Threat scan on every caller-supplied text field.
	if hasCustom {
		if err := channel.ScanThreats(req.CustomContent.Subject); err != nil {
			return errs.Security(err.Error())
		}
		if err := channel.ScanThreats(req.CustomContent.Content); err != nil {
			return errs.Security(err.Error())
		}
	}
	for name, value := range req.Variables {
		if err := channel.ScanThreats(value); err != nil {
			return errs.Security(fmt.Sprintf("variable %q: %s", name, err))
		}
	}

	return nil
}
