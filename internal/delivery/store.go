package delivery

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores for a missing attempt, webhook or key
	ErrNotFound = errors.New("delivery: not found")
	// ErrStorage marks failures of the storage collaborator after a dispatch
	ErrStorage = errors.New("delivery: storage failure")
)

// AttemptStore applies the state changes an invocation makes.
// Each call is a single-record atomic operation.
type AttemptStore interface {
	SigningKey(ctx context.Context, ref string) (string, error)
	DeleteAttempt(ctx context.Context, id string) error
	// RescheduleAttempt sets attempts and retry_after and clears the lock
	RescheduleAttempt(ctx context.Context, id string, attempts int, retryAfter time.Time) error
	TouchWebhook(ctx context.Context, id string, at time.Time) error
}

// LogWriter appends audit entries to a server's log
type LogWriter interface {
	AppendLog(ctx context.Context, entry LogEntry) error
}

// LogReader lists a server's audit log newest first
type LogReader interface {
	ListLogs(ctx context.Context, serverID string, page, perPage int) (LogPage, error)
}

// Loader resolves the records a queued job refers to
type Loader interface {
	LoadAttempt(ctx context.Context, id string) (Attempt, error)
	LoadWebhook(ctx context.Context, id string) (Webhook, error)
}

// DeadLetterPublisher receives exhausted deliveries
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}
