package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/austindbirch/mailhook/internal/tracing"
)

// Job tells a worker that the scheduler has locked an attempt and it is due
type Job struct {
	AttemptID    string            `json:"attempt_id"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

var errNoAttemptID = errors.New("job has no attempt_id")

// NewJob builds a job carrying the trace context of ctx
func NewJob(ctx context.Context, attemptID string) Job {
	return Job{AttemptID: attemptID, TraceHeaders: tracing.InjectMap(ctx)}
}

func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

func DecodeJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if j.AttemptID == "" {
		return Job{}, errNoAttemptID
	}
	return j, nil
}
