// Package dispatch orchestrates one send request: idempotency resolution,
// configuration lookup, template rendering, parallel channel fan-out,
// attempt-log persistence, and retry scheduling.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/common/retry"
	"github.com/caasxyz/notification/common/trace"
	"github.com/caasxyz/notification/internal/notify/cache"
	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/errs"
	"github.com/caasxyz/notification/internal/notify/queue"
	"github.com/caasxyz/notification/internal/notify/store"
	"github.com/caasxyz/notification/internal/notify/template"
)

// CustomContent is the inline subject/content alternative to a template.
type CustomContent struct {
	Subject string `json:"subject,omitempty"`
	Content string `json:"content"`
}

// Request is a validated send request.
type Request struct {
	UserID         string
	Channels       []channel.Type
	TemplateKey    string
	Variables      map[string]string
	CustomContent  *CustomContent
	IdempotencyKey string
}

// Result is the per-channel outcome returned to the caller. Field names
// match the public API contract.
type Result struct {
	ChannelType string `json:"channelType"`
	Success     bool   `json:"success"`
	MessageID   string `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
	LogID       int64  `json:"logId"`
}

// Response is the outcome of one Dispatch call.
type Response struct {
	RequestID string
	Results   []Result
	// Replayed is true when the result set came from the idempotency index
	// and no new dispatch side-effects were produced.
	Replayed bool
}

// Dispatcher runs the send pipeline.
type Dispatcher struct {
	store     *store.Store
	configs   *cache.ConfigCache
	templates *template.Engine
	registry  *channel.Registry
	queue     queue.Queue
	idem      *IdempotencyManager
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a Dispatcher. A nil clk defaults to the system clock.
func New(st *store.Store, configs *cache.ConfigCache, templates *template.Engine,
	registry *channel.Registry, q queue.Queue, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	return &Dispatcher{
		store:     st,
		configs:   configs,
		templates: templates,
		registry:  registry,
		queue:     q,
		idem:      NewIdempotencyManager(st, clk),
		clock:     clk,
		logger:    slog.Default(),
	}
}

// Dispatch runs the pipeline for req. The returned Results preserve the
// index positions of req.Channels. Request-level failures (validation,
// template not found, infrastructure) return an error and write no log
// rows; once fan-out begins, per-channel failures are recorded in the
// attempt log and reported in Results with the overall call succeeding.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	// Idempotency replay: a hit returns the stored result set unchanged.
	if req.IdempotencyKey != "" {
		if requestID, results, hit, err := d.idem.Check(ctx, req.UserID, req.IdempotencyKey); err != nil {
			return nil, err
		} else if hit {
			d.logger.Info("idempotent replay",
				"user_id", req.UserID, "idempotency_key", req.IdempotencyKey, "request_id", requestID)
			return &Response{RequestID: requestID, Results: results, Replayed: true}, nil
		}
	}

	// Request-level template gate: missing or inactive headers reject the
	// whole request before any row is written.
	if req.TemplateKey != "" {
		if err := d.templates.CheckActive(ctx, req.TemplateKey); err != nil {
			return nil, err
		}
	}

	ctx, requestID := trace.WithRequest(ctx)
	log := d.logger.With("request_id", requestID, "user_id", req.UserID)
	log.Info("dispatching", "channels", len(req.Channels))

	// Channel tasks are siblings: the parent returns only after all
	// children terminate, and one child's failure never cancels another.
	results := make([]Result, len(req.Channels))
	var wg sync.WaitGroup
	for i, ch := range req.Channels {
		wg.Add(1)
		go func(i int, ch channel.Type) {
			defer wg.Done()
			results[i] = d.dispatchChannel(ctx, log, requestID, req, ch)
		}(i, ch)
	}
	wg.Wait()

	if req.IdempotencyKey != "" {
		if err := d.idem.Store(ctx, req.UserID, req.IdempotencyKey, RequestHash(req), requestID, results); err != nil {
			// The dispatch itself succeeded; losing the replay record only
			// weakens dedup for this key.
			log.Warn("failed to store idempotency record", "err", err)
		}
	}

	return &Response{RequestID: requestID, Results: results}, nil
}

// dispatchChannel runs steps a–g of the per-channel pipeline and always
// leaves exactly one attempt row behind.
func (d *Dispatcher) dispatchChannel(ctx context.Context, log *slog.Logger, requestID string, req *Request, ch channel.Type) Result {
	result := Result{ChannelType: string(ch)}

	fail := func(rendered *template.Rendered, err error) Result {
		row := &store.AttemptLog{
			MessageID:   trace.NewMessageID(string(ch)),
			RequestID:   requestID,
			UserID:      req.UserID,
			ChannelType: string(ch),
			TemplateKey: req.TemplateKey,
			Status:      store.StatusFailed,
			Error:       err.Error(),
		}
		if rendered != nil {
			row.Subject = rendered.Subject
			row.Content = rendered.Content
		}
		if insErr := d.store.InsertAttempt(ctx, row); insErr != nil {
			log.Error("failed to record failed attempt", "channel", ch, "err", insErr)
		}
		result.LogID = row.ID
		result.Error = err.Error()
		return result
	}

	// a. Configuration.
	entry, err := d.configs.Get(ctx, req.UserID, ch)
	if errors.Is(err, store.ErrNotFound) {
		return fail(nil, errs.NotFound(errs.CodeConfigNotFound,
			fmt.Sprintf("no %s configuration for user %s", ch, req.UserID)))
	}
	if err != nil {
		return fail(nil, errs.Infrastructure("load channel config", err))
	}
	if !entry.IsActive {
		return fail(nil, errs.NotFound(errs.CodeConfigNotFound,
			fmt.Sprintf("%s configuration for user %s is inactive", ch, req.UserID)))
	}

	// b. Content.
	rendered, err := d.renderFor(ctx, req, ch)
	if err != nil {
		return fail(nil, err)
	}

	// c. Pending row before the adapter call.
	row := &store.AttemptLog{
		MessageID:   trace.NewMessageID(string(ch)),
		RequestID:   requestID,
		UserID:      req.UserID,
		ChannelType: string(ch),
		TemplateKey: req.TemplateKey,
		Subject:     rendered.Subject,
		Content:     rendered.Content,
		Status:      store.StatusPending,
	}
	if err := d.store.InsertAttempt(ctx, row); err != nil {
		result.Error = errs.Infrastructure("insert attempt", err).Error()
		return result
	}
	result.LogID = row.ID

	// d. Adapter.
	adapter, ok := d.registry.Get(ch)
	if !ok {
		err := errs.Internal(fmt.Sprintf("no adapter registered for %s", ch), nil)
		d.markFailed(ctx, log, row.ID, err)
		result.Error = err.Error()
		return result
	}

	messageID, err := adapter.Send(ctx, entry.Raw, channel.Message{
		Subject:     rendered.Subject,
		Content:     rendered.Content,
		ContentType: rendered.ContentType,
	})

	// e–g. Outcome.
	if err == nil {
		if err := d.store.MarkSent(ctx, row.ID, d.clock.Now()); err != nil {
			log.Error("failed to mark attempt sent", "log_id", row.ID, "err", err)
		}
		result.Success = true
		result.MessageID = messageID
		log.Info("channel dispatched", "channel", ch, "log_id", row.ID)
		return result
	}

	result.Error = err.Error()
	if errs.IsRetryable(err) {
		d.scheduleRetry(ctx, log, row.ID, err)
	} else {
		d.markFailed(ctx, log, row.ID, err)
	}
	log.Warn("channel dispatch failed",
		"channel", ch, "log_id", row.ID, "retryable", errs.IsRetryable(err), "err", err)
	return result
}

// renderFor produces the sanitized subject and content for one channel.
func (d *Dispatcher) renderFor(ctx context.Context, req *Request, ch channel.Type) (*template.Rendered, error) {
	if req.TemplateKey != "" {
		return d.templates.Resolve(ctx, req.TemplateKey, ch, req.Variables)
	}

	subject, err := channel.Sanitize(req.CustomContent.Subject)
	if err != nil {
		return nil, errs.Validation(errs.CodeInvalidRequest, err.Error())
	}
	content, err := channel.Sanitize(req.CustomContent.Content)
	if err != nil {
		return nil, errs.Validation(errs.CodeInvalidRequest, err.Error())
	}
	return &template.Rendered{Subject: subject, Content: content, ContentType: channel.ContentText}, nil
}

// scheduleRetry moves the row to retry_scheduled and publishes the queue
// message. Both must land: if the publish cannot be made to stick, the row
// is failed instead so no retry_scheduled row exists without a live message.
func (d *Dispatcher) scheduleRetry(ctx context.Context, log *slog.Logger, logID int64, cause error) {
	if err := d.store.MarkRetryScheduled(ctx, logID, cause.Error(), 0); err != nil {
		log.Error("failed to mark retry_scheduled", "log_id", logID, "err", err)
		return
	}

	delay := queue.NextDelay(0)
	now := d.clock.Now()
	payload, err := queue.RetryMessage{
		LogID:             logID,
		RetryCount:        0,
		Type:              queue.RetryMessageType,
		ScheduledAt:       now.Unix(),
		ExpectedProcessAt: now.Add(delay).Unix(),
	}.Encode()
	if err != nil {
		log.Error("failed to encode retry message", "log_id", logID, "err", err)
		return
	}

	publish := func() error { return d.queue.Publish(ctx, queue.Retry, payload, delay) }
	if err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond}, publish); err != nil {
		log.Error("failed to publish retry message, failing attempt", "log_id", logID, "err", err)
		if mErr := d.store.MarkFailed(ctx, logID, fmt.Sprintf("%v (retry publish failed: %v)", cause, err), 0); mErr != nil {
			log.Error("failed to mark attempt failed", "log_id", logID, "err", mErr)
		}
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, log *slog.Logger, logID int64, cause error) {
	if err := d.store.MarkFailed(ctx, logID, cause.Error(), 0); err != nil {
		log.Error("failed to mark attempt failed", "log_id", logID, "err", err)
	}
}

// RequestHash is the canonical digest stored with an idempotency record so
// operators can spot key reuse across differing bodies.
func RequestHash(req *Request) string {
	canonical, _ := json.Marshal(struct {
		UserID      string            `json:"user_id"`
		Channels    []channel.Type    `json:"channels"`
		TemplateKey string            `json:"template_key,omitempty"`
		Variables   map[string]string `json:"variables,omitempty"`
		Custom      *CustomContent    `json:"custom_content,omitempty"`
	}{req.UserID, req.Channels, req.TemplateKey, req.Variables, req.CustomContent})
	return fmt.Sprintf("%x", sha256Sum(canonical))
}
