package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/mailhook/internal/dispatch"
	"github.com/austindbirch/mailhook/internal/formatter"
	"github.com/austindbirch/mailhook/internal/logging"
	"github.com/austindbirch/mailhook/internal/metrics"
	"github.com/austindbirch/mailhook/internal/retry"
	"github.com/austindbirch/mailhook/internal/signer"
	"github.com/austindbirch/mailhook/internal/tracing"
)

type Options struct {
	Store       AttemptStore
	Logs        LogWriter
	Sender      dispatch.Sender
	Policy      retry.Policy
	Headers     signer.HeaderNames
	DeadLetters DeadLetterPublisher // optional
	Logger      *logging.Logger
	Now         func() time.Time
	NewID       func() string
}

// Service runs the delivery lifecycle for one locked attempt at a time.
// It is safe for concurrent use on distinct attempts.
type Service struct {
	store   AttemptStore
	logs    LogWriter
	sender  dispatch.Sender
	policy  retry.Policy
	headers signer.HeaderNames
	dlq     DeadLetterPublisher
	logger  *logging.Logger
	now     func() time.Time
	newID   func() string
}

func NewService(opts Options) *Service {
	s := &Service{
		store:   opts.Store,
		logs:    opts.Logs,
		sender:  opts.Sender,
		policy:  opts.Policy,
		headers: opts.Headers,
		dlq:     opts.DeadLetters,
		logger:  opts.Logger,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	defaults := retry.Default()
	if s.policy.MaxAttempts == 0 {
		s.policy.MaxAttempts = defaults.MaxAttempts
	}
	if s.policy.Step == 0 {
		s.policy.Step = defaults.Step
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// IsConfigError reports whether err leaves the attempt untouched pending operator action
func IsConfigError(err error) bool {
	return errors.Is(err, formatter.ErrUnsupportedEvent) || errors.Is(err, signer.ErrMissingKey)
}

// Deliver formats, signs and sends a, then records the result.
//
// A configuration error (unsupported event for the style, missing signing
// key) is returned before any request is made; a is not modified and stays
// locked. Every other outcome is reflected in the store and the audit log and
// is not an error. A non-nil error wrapping ErrStorage means the outcome was
// decided but persisting it failed part way.
func (s *Service) Deliver(ctx context.Context, wh Webhook, a *Attempt) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.deliver",
		attribute.String("delivery_id", a.ID),
		attribute.String("webhook_id", wh.ID),
		attribute.String("server_id", wh.ServerID),
		attribute.String("event", a.Event),
		attribute.String("output_style", string(wh.OutputStyle)),
		attribute.Int("attempts", a.Attempts),
	)
	defer span.End()

	log := s.logger.WithContext(ctx).
		WithServer(wh.ServerID).
		WithWebhook(wh.ID).
		WithDelivery(a.ID).
		WithEvent(a.Event)

	req, err := s.prepare(ctx, wh, a)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		if IsConfigError(err) {
			metrics.RecordConfigError()
			log.WithError(err).Error("delivery halted by configuration error")
			return Outcome{State: StateConfigError, AttemptNumber: a.Number()}, err
		}
		log.WithError(err).Error("delivery could not be prepared")
		return Outcome{}, err
	}

	headers := http.Header{}
	req.sig.Apply(headers, s.headers)

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	res := s.sender.Send(ctx, wh.URL, req.body, headers)

	attemptNumber := a.Number()
	now := s.now()
	succeeded := res.Err == nil && retry.IsSuccess(res.StatusCode)
	terminal := succeeded || s.policy.Exhausted(attemptNumber)

	span.SetAttributes(
		attribute.Int("attempt", attemptNumber),
		attribute.Int("http.status_code", res.StatusCode),
	)
	metrics.RecordHTTPResponse(res.StatusCode)

	var errs []error
	entry := LogEntry{
		ID:         s.newID(),
		ServerID:   wh.ServerID,
		WebhookID:  wh.ID,
		Event:      a.Event,
		URL:        wh.URL,
		StatusCode: res.StatusCode,
		Body:       res.Body,
		DeliveryID: a.ID,
		Attempt:    attemptNumber,
		WillRetry:  !terminal,
		Timestamp:  now,
		Payload:    req.payload,
	}
	if err := s.logs.AppendLog(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("append log: %w", err))
	}

	out := Outcome{AttemptNumber: attemptNumber, StatusCode: res.StatusCode}
	log = log.WithFields(map[string]any{
		"attempt":     attemptNumber,
		"status_code": res.StatusCode,
		"latency_ms":  res.Latency.Milliseconds(),
	})

	switch {
	case succeeded:
		out.State = StateSucceeded
		tracing.AddSpanEvent(ctx, "delivery.success")
		if err := s.store.TouchWebhook(ctx, wh.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("touch webhook: %w", err))
		}
		if err := s.store.DeleteAttempt(ctx, a.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete attempt: %w", err))
		}
		log.Info("webhook delivered")

	case terminal:
		out.State = StateExhausted
		tracing.AddSpanEvent(ctx, "delivery.exhausted")
		if err := s.store.DeleteAttempt(ctx, a.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete attempt: %w", err))
		}
		metrics.RecordExhausted()
		snapshot := *a
		snapshot.Payload = req.payload
		s.publishDeadLetter(ctx, wh, snapshot, res, attemptNumber, now)
		log.WithField("reason", dispatch.ClassifyReason(res.Err, res.StatusCode)).Warn("webhook delivery exhausted")

	default:
		out.State = StateRetryScheduled
		out.RetryAfter = now.Add(s.policy.NextDelay(attemptNumber))
		reason := dispatch.ClassifyReason(res.Err, res.StatusCode)
		tracing.AddSpanEvent(ctx, "delivery.reschedule",
			attribute.String("reason", reason),
			attribute.String("retry_after", out.RetryAfter.Format(time.RFC3339)),
		)
		if err := s.store.RescheduleAttempt(ctx, a.ID, attemptNumber, out.RetryAfter); err != nil {
			errs = append(errs, fmt.Errorf("reschedule attempt: %w", err))
		} else {
			a.Attempts = attemptNumber
			a.RetryAfter = out.RetryAfter
			a.Locked = false
		}
		metrics.RecordRetry(reason)
		log.WithField("reason", reason).WithField("retry_after", out.RetryAfter).Info("webhook delivery rescheduled")
	}

	metrics.RecordDelivery(string(out.State), res.Latency)
	span.SetAttributes(attribute.String("delivery.state", string(out.State)))

	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrStorage, errors.Join(errs...))
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("delivery outcome not fully persisted")
		return out, err
	}
	return out, nil
}

// prepared is what one dispatch sends, plus the string-keyed payload that the
// audit log and dead letter record
type prepared struct {
	body    []byte
	sig     signer.Signature
	payload map[string]any
}

// prepare builds the exact bytes to send and their signature
func (s *Service) prepare(ctx context.Context, wh Webhook, a *Attempt) (prepared, error) {
	tracing.AddSpanEvent(ctx, "payload.format")
	payload := formatter.Normalize(a.Payload)
	formatted, err := formatter.Format(wh.OutputStyle, a.Event, payload, a.CreatedAt, a.ID)
	if err != nil {
		return prepared{}, err
	}

	key, err := s.store.SigningKey(ctx, wh.SigningKeyRef)
	if errors.Is(err, ErrNotFound) || (err == nil && key == "") {
		return prepared{}, fmt.Errorf("webhook %s key %q: %w", wh.ID, wh.SigningKeyRef, signer.ErrMissingKey)
	}
	if err != nil {
		return prepared{}, fmt.Errorf("load signing key: %w", err)
	}

	body, err := dispatch.Encode(formatted)
	if err != nil {
		return prepared{}, err
	}

	tracing.AddSpanEvent(ctx, "payload.sign")
	sig, err := signer.Sign(body, key)
	if err != nil {
		return prepared{}, err
	}
	return prepared{body: body, sig: sig, payload: payload}, nil
}

func (s *Service) publishDeadLetter(ctx context.Context, wh Webhook, a Attempt, res dispatch.Result, attemptNumber int, now time.Time) {
	if s.dlq == nil {
		return
	}
	lastErr := ""
	if res.Err != nil {
		lastErr = res.Err.Error()
	}
	dl := NewDeadLetter(wh, a, attemptNumber, res.StatusCode, lastErr,
		fmt.Sprintf("max attempts reached (%d)", attemptNumber), now)
	if err := s.dlq.PublishDeadLetter(ctx, dl); err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithDelivery(a.ID).WithError(err).Error("dlq publish failed")
		return
	}
	metrics.RecordDLQPublished()
	tracing.AddSpanEvent(ctx, "delivery.dlq_published")
}
