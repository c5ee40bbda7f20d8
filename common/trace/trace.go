// Package trace provides request-correlation IDs and context propagation.
//
// Every accepted send request is assigned one request ID; all per-channel
// attempt rows of that request carry it, and request-scoped log lines include
// it so operators can reconstruct a fan-out from the attempt log alone.
package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// requestKey is the unexported context key used to store the request ID.
type requestKey struct{}

// NewRequestID generates a unique request-correlation ID.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// NewMessageID generates an opaque per-channel message ID returned to
// callers. Uniqueness within a process is sufficient; the ID is not
// cryptographic.
func NewMessageID(channel string) string {
	return fmt.Sprintf("%s_%d_%s", channel, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// WithRequestID returns a child context carrying the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey{}, id)
}

// FromContext extracts the request ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestKey{}).(string); ok {
		return v
	}
	return ""
}

// Logger attrs helper: WithRequest returns the id from ctx or generates one,
// storing it back into the context.
func WithRequest(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewRequestID()
	return WithRequestID(ctx, id), id
}
