package delivery

import (
	"math"
	"time"

	"github.com/austindbirch/mailhook/internal/formatter"
)

// Webhook is the destination configuration for a server's deliveries.
// Only LastUsedAt is ever written by this package.
type Webhook struct {
	ID            string          `json:"id"`
	ServerID      string          `json:"server_id"`
	URL           string          `json:"url"`
	OutputStyle   formatter.Style `json:"output_style"`
	SigningKeyRef string          `json:"signing_key_ref"`
	LastUsedAt    time.Time       `json:"last_used_at,omitzero"`
}

// Attempt is one pending delivery of one event to one webhook.
// ID is stable across retries; Attempts counts completed dispatches.
type Attempt struct {
	ID         string         `json:"id"`
	WebhookID  string         `json:"webhook_id"`
	ServerID   string         `json:"server_id"`
	Event      string         `json:"event"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
	Attempts   int            `json:"attempts"`
	Locked     bool           `json:"locked"`
	RetryAfter time.Time      `json:"retry_after,omitzero"`
}

// Number returns the 1-based number of the dispatch about to happen
func (a Attempt) Number() int {
	return a.Attempts + 1
}

// LogEntry is the audit record written for every dispatch
type LogEntry struct {
	ID         string         `json:"id"`
	ServerID   string         `json:"server_id"`
	WebhookID  string         `json:"webhook_id"`
	Event      string         `json:"event"`
	URL        string         `json:"url"`
	StatusCode int            `json:"status_code"`
	Body       string         `json:"body"`
	DeliveryID string         `json:"uuid"`
	Attempt    int            `json:"attempt"`
	WillRetry  bool           `json:"will_retry"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
}

// LogPage is one page of a server's audit log, newest first
type LogPage struct {
	Total   int64      `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
	Records []LogEntry `json:"records"`
}

const (
	DefaultPerPage = 30
	MaxPerPage     = 100
)

// NormalizePage clamps 1-based paging arguments and returns the row offset.
// page is capped so the offset plus one page always fits in an int.
func NormalizePage(page, perPage int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if maxPage := math.MaxInt/perPage - 1; page > maxPage {
		page = maxPage
	}
	return page, perPage, (page - 1) * perPage
}

// State is where an invocation left the attempt
type State string

const (
	StateSucceeded      State = "succeeded"
	StateRetryScheduled State = "retry_scheduled"
	StateExhausted      State = "exhausted"
	StateConfigError    State = "config_error"
)

// Outcome summarises one Deliver call
type Outcome struct {
	State         State     `json:"state"`
	AttemptNumber int       `json:"attempt"`
	StatusCode    int       `json:"status_code"`
	RetryAfter    time.Time `json:"retry_after,omitzero"`
}
