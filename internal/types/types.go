// Package types defines the domain types shared across the notification
// queue subsystem: the job envelope, persisted records, and the contracts
// implemented by the storage backends and the delivery function.
package types

import (
	"context"
	"time"
)

// EnvelopeVersion is the current serialization version of JobEnvelope.
// Backends persist envelopes as JSON so that any backend (or language) can
// read them back without coupling to in-memory producer types.
const EnvelopeVersion = 1

// TaskStatus categorizes a job chain in the merged notification timeline.
type TaskStatus string

const (
	// StatusQueued means the job sits in the immediate queue awaiting a worker.
	StatusQueued TaskStatus = "queued"

	// StatusRetrying means the job failed at least once and has a scheduled
	// retry with a future ETA.
	StatusRetrying TaskStatus = "retrying"

	// StatusDelivered is terminal: the notification was sent successfully.
	StatusDelivered TaskStatus = "delivered"

	// StatusFailed is terminal: the retry budget is exhausted and the job is
	// held in the dead-letter store for manual inspection.
	StatusFailed TaskStatus = "failed"
)

// NotificationPayload is the fully-rendered unit of work handed to the queue
// by the change-detection pipeline. The queue never re-renders or re-resolves
// templating; the payload is opaque to it.
type NotificationPayload struct {
	WatchUUID        string            `json:"watch_uuid"`
	WatchURL         string            `json:"watch_url"`
	NotificationURLs []string          `json:"notification_urls"`
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	Format           string            `json:"format,omitempty"`
	SnapshotRef      string            `json:"snapshot_ref,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// JobEnvelope is the typed, versioned message envelope persisted by every
// storage backend. Attempt is the 0-indexed delivery attempt the envelope
// represents; ETA is set only for delayed (retry-scheduled) jobs.
type JobEnvelope struct {
	Version    int                 `json:"version"`
	TaskID     string              `json:"task_id"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	ETA        *time.Time          `json:"eta,omitempty"`
	Attempt    int                 `json:"attempt"`
	Payload    NotificationPayload `json:"payload"`
}

// TaskResult is the persisted outcome of a completed (success or failure)
// job. Failed results with no pending retry form the dead-letter set.
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
	Payload     NotificationPayload `json:"payload"`
	DeliveryLog []string   `json:"delivery_log,omitempty"`
}

// RetryAttemptRecord is an append-only history entry written each time a
// delivery attempt fails and a retry is scheduled. It snapshots the payload
// as it existed at that attempt, since destination URLs may be corrected
// between attempts.
type RetryAttemptRecord struct {
	TaskID      string              `json:"task_id"`
	Attempt     int                 `json:"attempt"`
	Timestamp   time.Time           `json:"timestamp"`
	Payload     NotificationPayload `json:"payload"`
	DeliveryLog []string            `json:"delivery_log,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// TaskMetadata is side-channel information keyed by task ID that is not
// expressible in the queue's native message format, primarily the
// first-enqueue timestamp used to reconstruct display timelines.
type TaskMetadata struct {
	TaskID       string              `json:"task_id"`
	Timestamp    time.Time           `json:"timestamp"`
	Payload      NotificationPayload `json:"payload"`
	DeliveryLogs []string            `json:"delivery_logs,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// DeliveredRecord is an append-only audit entry created on every successful
// delivery.
type DeliveredRecord struct {
	TaskID           string    `json:"task_id"`
	Timestamp        time.Time `json:"timestamp"`
	WatchUUID        string    `json:"watch_uuid"`
	WatchURL         string    `json:"watch_url"`
	NotificationURLs []string  `json:"notification_urls"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	DeliveryLog      []string  `json:"delivery_log,omitempty"`
}

// FailedNotification is the operator-facing view of a dead-lettered job:
// the last error, the last known payload, and the full attempt chain.
type FailedNotification struct {
	TaskID        string               `json:"task_id"`
	Error         string               `json:"error"`
	FailedAt      time.Time            `json:"failed_at"`
	EnqueuedAt    time.Time            `json:"enqueued_at"`
	Payload       NotificationPayload  `json:"payload"`
	RetryAttempts []RetryAttemptRecord `json:"retry_attempts"`
}

// NotificationEvent is one entry in the merged timeline returned to the UI
// layer: delivered, queued, retrying, and failed jobs tagged by status and
// sorted newest-first by their most relevant timestamp.
type NotificationEvent struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	WatchUUID string     `json:"watch_uuid,omitempty"`
	WatchURL  string     `json:"watch_url,omitempty"`
	Title     string     `json:"title,omitempty"`
	Body      string     `json:"body,omitempty"`
	Error     string     `json:"error,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	ETA       *time.Time `json:"eta,omitempty"`
}

// ClearCounts reports how many records each category lost during a
// clear-all operation.
type ClearCounts struct {
	Queued        int `json:"queued"`
	Scheduled     int `json:"scheduled"`
	Results       int `json:"results"`
	Metadata      int `json:"metadata"`
	RetryAttempts int `json:"retry_attempts"`
}

// Total returns the sum across all categories.
func (c ClearCounts) Total() int {
	return c.Queued + c.Scheduled + c.Results + c.Metadata + c.RetryAttempts
}

// RetryAllCounts reports the outcome of a bulk dead-letter re-queue.
type RetryAllCounts struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// DeliveryResult carries the human-readable trace produced by the delivery
// function. Success or failure is conveyed by the error return of Deliver.
type DeliveryResult struct {
	Log []string
}

// Deliverer is the external collaborator contract for sending one rendered
// notification to its destination URL(s). Implementations must not retry
// internally; all retry logic lives in the backoff policy.
type Deliverer interface {
	Deliver(ctx context.Context, p NotificationPayload) (DeliveryResult, error)
}

// Logger defines the structured logging interface used throughout the
// subsystem.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
