// Package queue provides the durable retry and dead-letter queues.
//
// Semantics are at-least-once: messages are leased with a visibility
// timeout; a consumer must Ack or Retry each received message, and an
// unacked lease expires so the message becomes visible again. Exactly-once
// is NOT provided — the retry consumer tolerates redelivery by gating all
// mutations on the attempt row's status.
//
// The implementation stores messages in the gateway's SQLite file, sharing
// the store's single-writer connection.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names used by the gateway.
const (
	Retry      = "retry"
	DeadLetter = "dead_letter"
)

// RetryMessageType tags every retry/DLQ payload.
const RetryMessageType = "retry_notification"

// RetryIntervals is the fixed retry schedule. MaxRetryCount additional
// attempts follow the initial send, so a message is tried three times in
// total before it lands on the dead-letter queue.
var RetryIntervals = []time.Duration{10 * time.Second, 30 * time.Second}

// MaxRetryCount is the number of additional attempts after the initial send.
const MaxRetryCount = 2

// NextDelay returns the delay before the attempt that follows retryCount
// completed retries.
func NextDelay(retryCount int) time.Duration {
	if retryCount >= len(RetryIntervals) {
		return RetryIntervals[len(RetryIntervals)-1]
	}
	return RetryIntervals[retryCount]
}

// RetryMessage is the JSON payload carried on both queues.
type RetryMessage struct {
	LogID             int64  `json:"logId"`
	RetryCount        int    `json:"retryCount"`
	Type              string `json:"type"`
	ScheduledAt       int64  `json:"scheduledAt"`
	ExpectedProcessAt int64  `json:"expectedProcessAt"`
}

// Encode serializes m for publishing.
func (m RetryMessage) Encode() ([]byte, error) {
	m.Type = RetryMessageType
	return json.Marshal(m)
}

// DecodeRetryMessage parses a queue payload.
func DecodeRetryMessage(payload []byte) (RetryMessage, error) {
	var m RetryMessage
	err := json.Unmarshal(payload, &m)
	return m, err
}

// Message is a leased queue message. Attempts counts deliveries including
// this one.
type Message struct {
	ID       int64
	Queue    string
	Payload  []byte
	Attempts int
}

// Queue is the durable delay-queue contract the dispatcher and the retry
// consumer depend on.
type Queue interface {
	// Publish enqueues payload on the named queue, visible after delay.
	Publish(ctx context.Context, queue string, payload []byte, delay time.Duration) error
	// Receive leases the next visible message, or returns nil when the
	// queue is empty. The lease expires after leaseFor.
	Receive(ctx context.Context, queue string, leaseFor time.Duration) (*Message, error)
	// Ack removes a message permanently.
	Ack(ctx context.Context, id int64) error
	// Retry releases a message back to the queue, visible after delay.
	Retry(ctx context.Context, id int64, delay time.Duration) error
}
