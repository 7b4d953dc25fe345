package delivery

import "time"

const DLQType = "webhook.dlq"

// DeadLetter is the envelope published when a delivery runs out of attempts
type DeadLetter struct {
	Type       string  `json:"type"`    // "webhook.dlq"
	Version    string  `json:"version"` // schema version
	At         string  `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string  `json:"reason"`  // human/debug text
	Attempt    int     `json:"attempt"` // final attempt number
	HTTPStatus int     `json:"http_status,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	Webhook    Webhook `json:"webhook"`
	Delivery   Attempt `json:"delivery"` // snapshot as it was before the final dispatch
}

func NewDeadLetter(wh Webhook, a Attempt, attempt, httpStatus int, lastErr, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         at.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Webhook:    wh,
		Delivery:   a,
	}
}
