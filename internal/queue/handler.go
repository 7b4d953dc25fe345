// Package queue moves delivery jobs between the scheduler and the workers
// over NSQ and keeps the queue metrics current.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/austindbirch/mailhook/internal/delivery"
	"github.com/austindbirch/mailhook/internal/logging"
	"github.com/austindbirch/mailhook/internal/tracing"
)

// DefaultRequeueDelay is used when a job fails for reasons unrelated to the endpoint
const DefaultRequeueDelay = 5 * time.Second

// Deliverer is implemented by *delivery.Service
type Deliverer interface {
	Deliver(ctx context.Context, wh delivery.Webhook, a *delivery.Attempt) (delivery.Outcome, error)
}

type HandlerOptions struct {
	Loader    delivery.Loader
	Deliverer Deliverer
	// MaxRPS caps outbound dispatches per second across the handler; 0 is unlimited
	MaxRPS       float64
	RequeueDelay time.Duration
	Logger       *logging.Logger
}

// Handler consumes jobs and runs one delivery per message
type Handler struct {
	loader       delivery.Loader
	deliverer    Deliverer
	limiter      *rate.Limiter
	requeueDelay time.Duration
	logger       *logging.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		loader:       opts.Loader,
		deliverer:    opts.Deliverer,
		limiter:      rate.NewLimiter(rate.Inf, 0),
		requeueDelay: opts.RequeueDelay,
		logger:       opts.Logger,
	}
	if opts.MaxRPS > 0 {
		burst := int(opts.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), burst)
	}
	if h.requeueDelay <= 0 {
		h.requeueDelay = DefaultRequeueDelay
	}
	if h.logger == nil {
		h.logger = logging.Default()
	}
	return h
}

// HandleMessage implements nsq.Handler
func (h *Handler) HandleMessage(m *nsq.Message) error {
	return h.Handle(context.Background(), m)
}

// Handle always responds to m itself. The retry schedule lives in the
// attempt row, so NSQ requeues only cover failures to reach the store.
func (h *Handler) Handle(ctx context.Context, m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	job, err := DecodeJob(m.Body)
	if err != nil {
		h.logger.Plain().WithError(err).Error("bad job payload")
		m.Finish()
		return nil
	}

	ctx = tracing.ExtractMap(ctx, job.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.job",
		attribute.String("delivery_id", job.AttemptID),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()
	log := h.logger.WithContext(ctx).WithDelivery(job.AttemptID)

	a, err := h.loader.LoadAttempt(ctx, job.AttemptID)
	if errors.Is(err, delivery.ErrNotFound) {
		log.Debug("attempt already gone, dropping job")
		m.Finish()
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("load attempt failed")
		m.Requeue(h.requeueDelay)
		return nil
	}
	if !a.Locked {
		// duplicate message; the attempt was released by an earlier run
		log.Debug("attempt not locked, dropping job")
		m.Finish()
		return nil
	}

	wh, err := h.loader.LoadWebhook(ctx, a.WebhookID)
	if errors.Is(err, delivery.ErrNotFound) {
		log.WithWebhook(a.WebhookID).Warn("webhook missing for attempt")
		m.Finish()
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("load webhook failed")
		m.Requeue(h.requeueDelay)
		return nil
	}

	if err := h.limiter.Wait(ctx); err != nil {
		m.Requeue(h.requeueDelay)
		return nil
	}

	out, err := h.deliverer.Deliver(ctx, wh, &a)
	switch {
	case err == nil:
		log.WithFields(map[string]any{
			"state":       out.State,
			"attempt":     out.AttemptNumber,
			"status_code": out.StatusCode,
		}).Info("job done")
		m.Finish()
	case delivery.IsConfigError(err), errors.Is(err, delivery.ErrStorage):
		// the attempt row decides what happens next; nothing to gain from a redelivery
		m.Finish()
	default:
		log.WithError(err).Warn("delivery not attempted, requeueing job")
		m.Requeue(h.requeueDelay)
	}
	return nil
}
