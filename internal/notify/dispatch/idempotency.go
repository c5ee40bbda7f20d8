package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/internal/notify/errs"
	"github.com/caasxyz/notification/internal/notify/store"
)

// IdempotencyTTL bounds how long a key deduplicates. Requests with the same
// key after expiry dispatch again.
const IdempotencyTTL = 24 * time.Hour

// IdempotencyManager resolves and records (user, key) replay entries.
type IdempotencyManager struct {
	store *store.Store
	clock clock.Clock
}

func NewIdempotencyManager(st *store.Store, clk clock.Clock) *IdempotencyManager {
	if clk == nil {
		clk = clock.System{}
	}
	return &IdempotencyManager{store: st, clock: clk}
}

// replayRecord is the JSON blob stored per (user, key): the original
// request-correlation id alongside its result set, so a replayed response is
// indistinguishable from the first.
type replayRecord struct {
	RequestID string   `json:"request_id"`
	Results   []Result `json:"results"`
}

// Check returns the stored request id and result set for an unexpired
// (user, key), with hit=false when no record exists.
func (m *IdempotencyManager) Check(ctx context.Context, userID, key string) (string, []Result, bool, error) {
	rec, err := m.store.GetIdempotency(ctx, userID, key, m.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, errs.Infrastructure("idempotency lookup", err)
	}

	var replay replayRecord
	if err := json.Unmarshal([]byte(rec.Results), &replay); err != nil {
		return "", nil, false, errs.Internal("corrupt idempotency record", err)
	}
	return replay.RequestID, replay.Results, true, nil
}

// Store records the outcome of a first dispatch. Losing the insert race to a
// concurrent request with the same key is not an error.
func (m *IdempotencyManager) Store(ctx context.Context, userID, key, requestHash, requestID string, results []Result) error {
	encoded, err := json.Marshal(replayRecord{RequestID: requestID, Results: results})
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	now := m.clock.Now()
	err = m.store.InsertIdempotency(ctx, &store.IdempotencyRecord{
		UserID:         userID,
		IdempotencyKey: key,
		RequestHash:    requestHash,
		Results:        string(encoded),
		ExpiresAt:      now.Add(IdempotencyTTL),
		CreatedAt:      now,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		return nil
	}
	return err
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
