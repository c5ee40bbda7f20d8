// Package worker holds the background consumers and scheduled jobs: the
// retry consumer, the dead-letter consumer, the retry trigger scan, and the
// log/idempotency cleanup.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/internal/notify/cache"
	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/errs"
	"github.com/caasxyz/notification/internal/notify/queue"
	"github.com/caasxyz/notification/internal/notify/store"
)

const (
	// DefaultPollInterval is the idle sleep between queue polls.
	DefaultPollInterval = time.Second
	// DefaultLease is how long a received message stays invisible while one
	// consumer works on it. Generously above the adapter send timeout.
	DefaultLease = 2 * time.Minute
)

// Retrier consumes the retry queue and re-sends failed attempts. Rendered
// content is re-sent verbatim from the persisted row; templates are not
// re-resolved, so an edit between attempts does not change what a retry
// delivers.
type Retrier struct {
	store    *store.Store
	configs  *cache.ConfigCache
	registry *channel.Registry
	queue    queue.Queue
	clock    clock.Clock
	logger   *slog.Logger

	pollInterval time.Duration
	lease        time.Duration
}

// RetrierOption configures the Retrier.
type RetrierOption func(*Retrier)

// WithPollInterval overrides the idle poll interval.
func WithPollInterval(d time.Duration) RetrierOption {
	return func(r *Retrier) { r.pollInterval = d }
}

// WithClock overrides the time source (tests).
func WithClock(clk clock.Clock) RetrierOption {
	return func(r *Retrier) { r.clock = clk }
}

// NewRetrier creates the retry consumer.
func NewRetrier(st *store.Store, configs *cache.ConfigCache, registry *channel.Registry,
	q queue.Queue, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		store:        st,
		configs:      configs,
		registry:     registry,
		queue:        q,
		clock:        clock.System{},
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		lease:        DefaultLease,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run polls the retry queue until ctx is done.
func (r *Retrier) Run(ctx context.Context) {
	r.logger.Info("retry consumer started", "poll_interval", r.pollInterval)
	for {
		worked, err := r.ProcessOne(ctx)
		if err != nil {
			r.logger.Error("retry consumer error", "err", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			r.logger.Info("retry consumer stopped")
			return
		case <-time.After(r.pollInterval):
		}
	}
}

// ProcessOne receives and handles a single retry message. It reports
// whether a message was available. Processing errors never leave the
// message acked and the row untouched: either both advance or the lease
// expires and the message redelivers.
func (r *Retrier) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := r.queue.Receive(ctx, queue.Retry, r.lease)
	if err != nil {
		return false, fmt.Errorf("receive retry message: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	retryMsg, err := queue.DecodeRetryMessage(msg.Payload)
	if err != nil {
		// Unparseable payloads can never succeed; move them aside.
		r.logger.Error("malformed retry message", "queue_id", msg.ID, "err", err)
		r.deadLetter(ctx, msg.Payload)
		return true, r.queue.Ack(ctx, msg.ID)
	}

	if err := r.process(ctx, retryMsg); err != nil {
		return true, err
	}
	return true, r.queue.Ack(ctx, msg.ID)
}

func (r *Retrier) process(ctx context.Context, msg queue.RetryMessage) error {
	log := r.logger.With("log_id", msg.LogID, "retry_count", msg.RetryCount)

	row, err := r.store.GetAttempt(ctx, msg.LogID)
	if errors.Is(err, store.ErrNotFound) {
		// Row purged or never written; nothing to retry.
		log.Warn("retry message for missing attempt")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load attempt %d: %w", msg.LogID, err)
	}
	if store.IsTerminalStatus(row.Status) {
		log.Info("attempt already terminal, dropping retry", "status", row.Status)
		return nil
	}

	if err := r.store.MarkRetrying(ctx, msg.LogID); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			log.Info("attempt changed state concurrently, dropping retry")
			return nil
		}
		return fmt.Errorf("mark retrying: %w", err)
	}

	sendErr := r.resend(ctx, row)
	if sendErr == nil {
		if err := r.store.MarkSent(ctx, msg.LogID, r.clock.Now()); err != nil {
			log.Error("failed to mark retried attempt sent", "err", err)
		}
		log.Info("retry delivered")
		return nil
	}

	nextCount := msg.RetryCount + 1
	if errs.IsRetryable(sendErr) {
		if nextCount < queue.MaxRetryCount {
			return r.scheduleNext(ctx, log, msg.LogID, nextCount, sendErr)
		}
		// Budget exhausted; only this path forwards to the dead-letter queue.
		if err := r.store.MarkFailed(ctx, msg.LogID, sendErr.Error(), nextCount); err != nil {
			log.Error("failed to mark attempt failed", "err", err)
		}
		r.publishDeadLetter(ctx, log, msg.LogID, nextCount)
		log.Warn("retry exhausted", "err", sendErr)
		return nil
	}

	// The failure turned permanent mid-retry; fail the row without dead-lettering.
	if err := r.store.MarkFailed(ctx, msg.LogID, sendErr.Error(), nextCount); err != nil {
		log.Error("failed to mark attempt failed", "err", err)
	}
	log.Warn("retry failed permanently", "err", sendErr)
	return nil
}

// resend replays the persisted rendered content through the adapter.
func (r *Retrier) resend(ctx context.Context, row *store.AttemptLog) error {
	ch, ok := channel.ParseType(row.ChannelType)
	if !ok {
		return errs.Channel(fmt.Sprintf("unknown channel type %q", row.ChannelType), false, nil)
	}

	entry, err := r.configs.Get(ctx, row.UserID, ch)
	if errors.Is(err, store.ErrNotFound) {
		return errs.Channel("channel configuration removed since first attempt", false, err)
	}
	if err != nil {
		return errs.Infrastructure("load channel config", err)
	}
	if !entry.IsActive {
		return errs.Channel("channel configuration deactivated since first attempt", false, nil)
	}

	adapter, ok := r.registry.Get(ch)
	if !ok {
		return errs.Channel(fmt.Sprintf("no adapter for channel %q", ch), false, nil)
	}

	_, err = adapter.Send(ctx, entry.Raw, channel.Message{
		Subject:     row.Subject,
		Content:     row.Content,
		ContentType: channel.ContentText,
	})
	return err
}

func (r *Retrier) scheduleNext(ctx context.Context, log *slog.Logger, logID int64, retryCount int, cause error) error {
	if err := r.store.MarkRetryScheduled(ctx, logID, cause.Error(), retryCount); err != nil {
		return fmt.Errorf("mark retry_scheduled: %w", err)
	}

	delay := queue.NextDelay(retryCount)
	now := r.clock.Now()
	payload, err := queue.RetryMessage{
		LogID:             logID,
		RetryCount:        retryCount,
		Type:              queue.RetryMessageType,
		ScheduledAt:       now.Unix(),
		ExpectedProcessAt: now.Add(delay).Unix(),
	}.Encode()
	if err != nil {
		return fmt.Errorf("encode retry message: %w", err)
	}

	if err := r.queue.Publish(ctx, queue.Retry, payload, delay); err != nil {
		log.Error("failed to publish next retry, failing attempt", "err", err)
		if mErr := r.store.MarkFailed(ctx, logID,
			fmt.Sprintf("%v (retry publish failed: %v)", cause, err), retryCount); mErr != nil {
			log.Error("failed to mark attempt failed", "err", mErr)
		}
		return nil
	}
	log.Info("next retry scheduled", "delay", delay, "next_retry_count", retryCount)
	return nil
}

func (r *Retrier) publishDeadLetter(ctx context.Context, log *slog.Logger, logID int64, retryCount int) {
	now := r.clock.Now()
	payload, err := queue.RetryMessage{
		LogID:       logID,
		RetryCount:  retryCount,
		Type:        queue.RetryMessageType,
		ScheduledAt: now.Unix(),
	}.Encode()
	if err != nil {
		log.Error("failed to encode dead-letter message", "err", err)
		return
	}
	if err := r.queue.Publish(ctx, queue.DeadLetter, payload, 0); err != nil {
		log.Error("failed to publish dead-letter message", "err", err)
	}
}

func (r *Retrier) deadLetter(ctx context.Context, payload []byte) {
	raw, _ := json.Marshal(map[string]string{"malformed": string(payload)})
	if err := r.queue.Publish(ctx, queue.DeadLetter, raw, 0); err != nil {
		r.logger.Error("failed to dead-letter malformed payload", "err", err)
	}
}
