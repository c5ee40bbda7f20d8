// Package channel implements the delivery adapters: one per wire protocol
// (webhook, telegram, lark, slack). Each adapter builds its protocol-specific
// payload, applies channel escaping and signing, POSTs with a bounded
// timeout, and normalizes the third-party response into a channel error
// carrying a retryability flag.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Type names the wire protocol of a delivery adapter. The enum is closed.
type Type string

const (
	TypeWebhook  Type = "webhook"
	TypeTelegram Type = "telegram"
	TypeLark     Type = "lark"
	TypeSlack    Type = "slack"
)

// Types lists every supported channel.
var Types = []Type{TypeWebhook, TypeTelegram, TypeLark, TypeSlack}

// ParseType validates a caller-supplied channel name.
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case TypeWebhook, TypeTelegram, TypeLark, TypeSlack:
		return Type(s), true
	}
	return "", false
}

// Content types a template content row may declare.
const (
	ContentText     = "text"
	ContentMarkdown = "markdown"
	ContentHTML     = "html"
	ContentJSON     = "json"
)

// Message is the rendered payload handed to an adapter. Subject may be
// empty; Content is never empty. Both are sanitized before the adapter
// applies channel-specific escaping.
type Message struct {
	Subject     string
	Content     string
	ContentType string
}

// Adapter delivers one message over one wire protocol. rawConfig is the
// decrypted per-user configuration blob; the adapter decodes and validates
// it against the channel's schema. The returned error, when non-nil, is an
// *errs.Error of kind channel whose Retryable flag drives the retry state
// machine.
type Adapter interface {
	Type() Type
	Send(ctx context.Context, rawConfig json.RawMessage, msg Message) (messageID string, err error)
}

// SendTimeout bounds every outbound adapter POST. Timeouts classify as
// retryable.
const SendTimeout = 30 * time.Second

// Registry holds one adapter per channel type.
type Registry struct {
	adapters map[Type]Adapter
}

// NewRegistry builds a registry from the given adapters. Registering two
// adapters for the same type is a programming error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[Type]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Type()]; dup {
			return nil, fmt.Errorf("duplicate adapter for channel %q", a.Type())
		}
		r.adapters[a.Type()] = a
	}
	return r, nil
}

// DefaultRegistry wires the four production adapters over a shared HTTP
// client with the standard send timeout.
func DefaultRegistry() *Registry {
	client := &http.Client{Timeout: SendTimeout}
	r, _ := NewRegistry(
		NewWebhook(client),
		NewTelegram(client),
		NewLark(client),
		NewSlack(client),
	)
	return r
}

// Get returns the adapter for t.
func (r *Registry) Get(t Type) (Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}
