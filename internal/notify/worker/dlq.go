package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caasxyz/notification/internal/notify/queue"
	"github.com/caasxyz/notification/internal/notify/store"
)

// DeadLetterConsumer drains the dead-letter queue. Messages land here when
// retries are exhausted; the consumer's job is to make the terminal state
// durable and loud, not to attempt delivery again.
type DeadLetterConsumer struct {
	store  *store.Store
	queue  queue.Queue
	logger *slog.Logger

	pollInterval time.Duration
	lease        time.Duration
}

// NewDeadLetterConsumer creates the consumer.
func NewDeadLetterConsumer(st *store.Store, q queue.Queue) *DeadLetterConsumer {
	return &DeadLetterConsumer{
		store:        st,
		queue:        q,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		lease:        DefaultLease,
	}
}

// Run polls the dead-letter queue until ctx is done.
func (c *DeadLetterConsumer) Run(ctx context.Context) {
	c.logger.Info("dead-letter consumer started")
	for {
		worked, err := c.ProcessOne(ctx)
		if err != nil {
			c.logger.Error("dead-letter consumer error", "err", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			c.logger.Info("dead-letter consumer stopped")
			return
		case <-time.After(c.pollInterval):
		}
	}
}

// ProcessOne handles a single dead-letter message: log at error level for
// alerting, force the attempt row to failed if something left it
// non-terminal, and ack.
func (c *DeadLetterConsumer) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := c.queue.Receive(ctx, queue.DeadLetter, c.lease)
	if err != nil {
		return false, fmt.Errorf("receive dead-letter message: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	retryMsg, err := queue.DecodeRetryMessage(msg.Payload)
	if err != nil || retryMsg.LogID == 0 {
		c.logger.Error("dead letter with unusable payload", "payload", string(msg.Payload))
		return true, c.queue.Ack(ctx, msg.ID)
	}

	c.logger.Error("notification dead-lettered",
		"log_id", retryMsg.LogID, "retry_count", retryMsg.RetryCount)

	row, err := c.store.GetAttempt(ctx, retryMsg.LogID)
	if err == nil && !store.IsTerminalStatus(row.Status) {
		if err := c.store.MarkFailed(ctx, retryMsg.LogID, "dead-lettered", retryMsg.RetryCount); err != nil &&
			!errors.Is(err, store.ErrStaleTransition) {
			c.logger.Error("failed to fail dead-lettered attempt", "log_id", retryMsg.LogID, "err", err)
		}
	}

	return true, c.queue.Ack(ctx, msg.ID)
}
