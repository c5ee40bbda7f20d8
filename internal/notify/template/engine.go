// Package template resolves named templates and renders channel-specific
// content by single-pass variable substitution. Placeholders use the form
// {{name}} where name matches [A-Za-z_][A-Za-z0-9_]*; there is no recursion,
// no conditionals, and no partials.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/errs"
	"github.com/caasxyz/notification/internal/notify/store"
)

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Source is the subset of the store the engine reads.
type Source interface {
	GetTemplateHeader(ctx context.Context, templateKey string) (*store.TemplateHeader, error)
	GetTemplateContent(ctx context.Context, templateKey, channelType string) (*store.TemplateContent, error)
}

// Rendered is the output of a successful resolution.
type Rendered struct {
	Subject     string
	Content     string
	ContentType string
}

// Engine resolves and renders templates.
type Engine struct {
	src Source
}

// New creates an Engine over src.
func New(src Source) *Engine {
	return &Engine{src: src}
}

// CheckActive verifies that an active header exists for templateKey. The
// dispatcher runs this request-level gate before fanning out, so a missing
// or inactive template rejects the whole request without writing log rows.
func (e *Engine) CheckActive(ctx context.Context, templateKey string) error {
	header, err := e.src.GetTemplateHeader(ctx, templateKey)
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound(errs.CodeTemplateNotFound, fmt.Sprintf("template %q not found", templateKey))
	}
	if err != nil {
		return errs.Infrastructure("load template header", err)
	}
	if !header.IsActive {
		return errs.NotFound(errs.CodeTemplateNotFound, fmt.Sprintf("template %q is inactive", templateKey))
	}
	return nil
}

// Resolve loads the template for (templateKey, ch), validates that every
// placeholder has a binding in vars, and renders. Missing or inactive
// headers fail with TEMPLATE_NOT_FOUND; a missing content row fails with
// NO_CONTENT_FOR_CHANNEL; unbound placeholders fail with
// MISSING_TEMPLATE_VARIABLES listing every absent name.
func (e *Engine) Resolve(ctx context.Context, templateKey string, ch channel.Type, vars map[string]string) (*Rendered, error) {
	header, err := e.src.GetTemplateHeader(ctx, templateKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.NotFound(errs.CodeTemplateNotFound, fmt.Sprintf("template %q not found", templateKey))
	}
	if err != nil {
		return nil, errs.Infrastructure("load template header", err)
	}
	if !header.IsActive {
		return nil, errs.NotFound(errs.CodeTemplateNotFound, fmt.Sprintf("template %q is inactive", templateKey))
	}

	content, err := e.src.GetTemplateContent(ctx, templateKey, string(ch))
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.NotFound(errs.CodeNoContentForChannel,
			fmt.Sprintf("template %q has no content for channel %q", templateKey, ch))
	}
	if err != nil {
		return nil, errs.Infrastructure("load template content", err)
	}

	required := Placeholders(content.SubjectTemplate + "\n" + content.ContentTemplate)
	var missing []string
	for _, name := range required {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		e := errs.Validation(errs.CodeMissingTemplateVariables,
			"missing template variables: "+strings.Join(missing, ", "))
		e.Details = missing
		return nil, e
	}

	// Variable values are sanitized before substitution; channel-specific
	// escaping happens later at the adapter.
	clean := make(map[string]string, len(vars))
	for name, value := range vars {
		v, err := channel.Sanitize(value)
		if err != nil {
			return nil, errs.Validation(errs.CodeInvalidRequest,
				fmt.Sprintf("variable %q: %v", name, err))
		}
		clean[name] = v
	}

	return &Rendered{
		Subject:     Render(content.SubjectTemplate, clean),
		Content:     Render(content.ContentTemplate, clean),
		ContentType: content.ContentType,
	}, nil
}

// Placeholders returns the sorted, deduplicated placeholder names found in s.
func Placeholders(s string) []string {
	seen := make(map[string]struct{})
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		seen[m[1]] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render substitutes every bound placeholder in tpl in a single pass.
// Unbound placeholders are left verbatim; Resolve rejects those up front,
// but Render stays total for direct callers.
func Render(tpl string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
