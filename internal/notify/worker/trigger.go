package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/internal/notify/queue"
	"github.com/caasxyz/notification/internal/notify/store"
)

// triggerBatch bounds one trigger scan so a large backlog is drained over
// several calls instead of one unbounded publish burst.
const triggerBatch = 100

// Trigger re-publishes retry messages for attempts stuck in
// retry_scheduled. A row gets stuck when its queue message was lost (queue
// wiped, publish raced a crash); the scan finds rows whose expected process
// time has passed and puts a fresh message on the queue. Exposed on the
// admin API and safe to call repeatedly: MarkRetrying still dedupes if an
// old message surfaces later.
type Trigger struct {
	store  *store.Store
	queue  queue.Queue
	clock  clock.Clock
	logger *slog.Logger
}

// NewTrigger creates the trigger. A nil clk defaults to the system clock.
func NewTrigger(st *store.Store, q queue.Queue, clk clock.Clock) *Trigger {
	if clk == nil {
		clk = clock.System{}
	}
	return &Trigger{store: st, queue: q, clock: clk, logger: slog.Default()}
}

// Scan re-publishes up to triggerBatch overdue retries and reports how many
// messages it published. A row is overdue when its retry_scheduled update
// is older than the longest retry interval, which over-approximates every
// row's expected process time.
func (t *Trigger) Scan(ctx context.Context) (int, error) {
	maxInterval := queue.RetryIntervals[len(queue.RetryIntervals)-1]
	cutoff := t.clock.Now().Add(-maxInterval)

	rows, err := t.store.ListRetryScheduledBefore(ctx, cutoff, triggerBatch)
	if err != nil {
		return 0, fmt.Errorf("list overdue retries: %w", err)
	}

	published := 0
	for _, row := range rows {
		payload, err := queue.RetryMessage{
			LogID:             row.ID,
			RetryCount:        row.RetryCount,
			Type:              queue.RetryMessageType,
			ScheduledAt:       t.clock.Now().Unix(),
			ExpectedProcessAt: t.clock.Now().Unix(),
		}.Encode()
		if err != nil {
			return published, fmt.Errorf("encode retry message for %d: %w", row.ID, err)
		}
		if err := t.queue.Publish(ctx, queue.Retry, payload, 0); err != nil {
			return published, fmt.Errorf("republish retry for %d: %w", row.ID, err)
		}
		published++
	}

	if published > 0 {
		t.logger.Info("retry trigger republished overdue attempts", "count", published)
	}
	return published, nil
}
