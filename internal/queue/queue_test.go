package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/mailhook/internal/delivery"
	"github.com/austindbirch/mailhook/internal/dispatch"
	"github.com/austindbirch/mailhook/internal/formatter"
	"github.com/austindbirch/mailhook/internal/logging"
	"github.com/austindbirch/mailhook/internal/metrics"
	"github.com/austindbirch/mailhook/internal/signer"
	"github.com/austindbirch/mailhook/internal/store/memory"
)

type delegate struct {
	finished int
	requeued int
	delay    time.Duration
}

func (d *delegate) OnFinish(*nsq.Message) { d.finished++ }
func (d *delegate) OnRequeue(_ *nsq.Message, delay time.Duration, _ bool) {
	d.requeued++
	d.delay = delay
}
func (d *delegate) OnTouch(*nsq.Message) {}

func newMessage(t *testing.T, body []byte) (*nsq.Message, *delegate) {
	t.Helper()
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	d := &delegate{}
	m.Delegate = d
	return m, d
}

func jobBody(t *testing.T, attemptID string) []byte {
	t.Helper()
	b, err := NewJob(context.Background(), attemptID).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return b
}

type fakeDeliverer struct {
	calls int
	err   error
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ delivery.Webhook, a *delivery.Attempt) (delivery.Outcome, error) {
	f.calls++
	return delivery.Outcome{State: delivery.StateSucceeded, AttemptNumber: a.Number(), StatusCode: 200}, f.err
}

type brokenLoader struct{}

func (brokenLoader) LoadAttempt(context.Context, string) (delivery.Attempt, error) {
	return delivery.Attempt{}, errors.New("too many connections")
}
func (brokenLoader) LoadWebhook(context.Context, string) (delivery.Webhook, error) {
	return delivery.Webhook{}, errors.New("too many connections")
}

func quietLogger() *logging.Logger {
	l := logging.New("queue-test")
	l.SetOutput(&discard{})
	return l
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }

func seeded(locked bool) *memory.Store {
	s := memory.New()
	s.PutWebhook(delivery.Webhook{ID: "wh-1", ServerID: "srv-1", URL: "http://127.0.0.1:1", OutputStyle: formatter.StylePostal, SigningKeyRef: "key-1"})
	s.PutAttempt(delivery.Attempt{ID: "req-1", WebhookID: "wh-1", ServerID: "srv-1", Event: "MessageSent", Locked: locked})
	s.PutKey("key-1", "secret")
	return s
}

func TestDecodeJob(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"valid", `{"attempt_id":"req-1"}`, "req-1", false},
		{"with trace headers", `{"attempt_id":"req-2","trace_headers":{"traceparent":"00-x"}}`, "req-2", false},
		{"missing id", `{"trace_headers":{}}`, "", true},
		{"garbage", `not json`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeJob([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeJob() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got.AttemptID != tt.want {
				t.Errorf("DecodeJob() = %q, want %q", got.AttemptID, tt.want)
			}
		})
	}
}

func TestHandlerOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		loader       delivery.Loader
		body         []byte
		deliverErr   error
		wantCalls    int
		wantFinish   int
		wantRequeued int
	}{
		{name: "delivered", loader: seeded(true), wantCalls: 1, wantFinish: 1},
		{name: "bad payload", loader: seeded(true), body: []byte("{"), wantFinish: 1},
		{name: "attempt gone", loader: memory.New(), wantFinish: 1},
		{name: "attempt not locked", loader: seeded(false), wantFinish: 1},
		{name: "store unavailable", loader: brokenLoader{}, wantRequeued: 1},
		{
			name: "config error", loader: seeded(true), wantCalls: 1, wantFinish: 1,
			deliverErr: fmt.Errorf("key-1: %w", signer.ErrMissingKey),
		},
		{
			name: "storage error after dispatch", loader: seeded(true), wantCalls: 1, wantFinish: 1,
			deliverErr: fmt.Errorf("%w: disk full", delivery.ErrStorage),
		},
		{
			name: "key lookup failed", loader: seeded(true), wantCalls: 1, wantRequeued: 1,
			deliverErr: errors.New("signing key: timeout"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == nil {
				body = jobBody(t, "req-1")
			}
			m, d := newMessage(t, body)
			fd := &fakeDeliverer{err: tt.deliverErr}
			h := NewHandler(HandlerOptions{Loader: tt.loader, Deliverer: fd, RequeueDelay: time.Second, Logger: quietLogger()})

			if err := h.HandleMessage(m); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
			if fd.calls != tt.wantCalls {
				t.Errorf("Deliver calls = %d, want %d", fd.calls, tt.wantCalls)
			}
			if d.finished != tt.wantFinish || d.requeued != tt.wantRequeued {
				t.Errorf("finished/requeued = %d/%d, want %d/%d", d.finished, d.requeued, tt.wantFinish, tt.wantRequeued)
			}
			if tt.wantRequeued > 0 && d.delay != time.Second {
				t.Errorf("requeue delay = %v, want 1s", d.delay)
			}
		})
	}
}

func TestHandlerRateLimitCancelled(t *testing.T) {
	m, d := newMessage(t, jobBody(t, "req-1"))
	fd := &fakeDeliverer{}
	h := NewHandler(HandlerOptions{Loader: seeded(true), Deliverer: fd, MaxRPS: 1, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = h.Handle(ctx, m)

	if fd.calls != 0 {
		t.Errorf("Deliver called %d times with a cancelled context", fd.calls)
	}
	if d.requeued != 1 || d.delay != DefaultRequeueDelay {
		t.Errorf("requeued = %d (delay %v), want 1 (%v)", d.requeued, d.delay, DefaultRequeueDelay)
	}
}

func TestHandlerEndToEnd(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Signature-256") == "" {
			t.Errorf("request missing signature header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := seeded(true)
	store.PutWebhook(delivery.Webhook{ID: "wh-1", ServerID: "srv-1", URL: srv.URL, OutputStyle: formatter.StylePostal, SigningKeyRef: "key-1"})

	svc := delivery.NewService(delivery.Options{
		Store:   store,
		Logs:    store,
		Sender:  dispatch.New(dispatch.Config{Timeout: 2 * time.Second}),
		Headers: signer.DefaultHeaderNames(),
		Logger:  quietLogger(),
	})
	h := NewHandler(HandlerOptions{Loader: store, Deliverer: svc, Logger: quietLogger()})

	m, d := newMessage(t, jobBody(t, "req-1"))
	_ = h.HandleMessage(m)

	if hits.Load() != 1 || d.finished != 1 {
		t.Fatalf("hits = %d, finished = %d, want 1, 1", hits.Load(), d.finished)
	}
	if _, err := store.LoadAttempt(context.Background(), "req-1"); !errors.Is(err, delivery.ErrNotFound) {
		t.Errorf("attempt still stored after success: %v", err)
	}
	page, _ := store.ListLogs(context.Background(), "srv-1", 1, 10)
	if page.Total != 1 || page.Records[0].StatusCode != 200 {
		t.Errorf("log page = %+v", page)
	}

	// a redelivered message for the finished attempt is dropped
	m2, d2 := newMessage(t, jobBody(t, "req-1"))
	_ = h.HandleMessage(m2)
	if hits.Load() != 1 || d2.finished != 1 {
		t.Errorf("duplicate job: hits = %d, finished = %d", hits.Load(), d2.finished)
	}
}

type fakeProducer struct {
	topic string
	body  []byte
	err   error
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.topic, p.body = topic, body
	return p.err
}

func TestPublisher(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, "webhook_requests", "webhook_requests_dlq")
	ctx := context.Background()

	if err := p.Enqueue(ctx, "req-9"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if prod.topic != "webhook_requests" {
		t.Errorf("topic = %q", prod.topic)
	}
	if job, err := DecodeJob(prod.body); err != nil || job.AttemptID != "req-9" {
		t.Errorf("published job = %+v, %v", job, err)
	}

	dl := delivery.DeadLetter{Type: delivery.DLQType, Version: "v1", Reason: "max attempts reached (6)"}
	if err := p.PublishDeadLetter(ctx, dl); err != nil {
		t.Fatalf("PublishDeadLetter() error = %v", err)
	}
	if prod.topic != "webhook_requests_dlq" {
		t.Errorf("dlq topic = %q", prod.topic)
	}
	var got delivery.DeadLetter
	if err := json.Unmarshal(prod.body, &got); err != nil || got.Reason != dl.Reason {
		t.Errorf("dlq body = %s, %v", prod.body, err)
	}

	prod.err = errors.New("nsqd gone")
	if err := p.Enqueue(ctx, "req-10"); err == nil {
		t.Error("Enqueue() error = nil, want publish failure")
	}
}

func TestStatsURL(t *testing.T) {
	tests := map[string]string{
		"nsqd:4150":      "http://nsqd:4151/stats?format=json",
		"127.0.0.1:4150": "http://127.0.0.1:4151/stats?format=json",
		"nsqd":           "http://nsqd:4151/stats?format=json",
	}
	for in, want := range tests {
		if got := StatsURL(in); got != want {
			t.Errorf("StatsURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMonitorPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "json" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		_, _ = w.Write([]byte(`{"version":"1.3.0","topics":[
			{"topic_name":"webhook_requests","channels":[
				{"channel_name":"workers","depth":42,"in_flight_count":3},
				{"channel_name":"audit","depth":7,"in_flight_count":0}]},
			{"topic_name":"other","channels":[{"channel_name":"workers","depth":999}]}]}`))
	}))
	defer srv.Close()

	mon := &Monitor{StatsURL: srv.URL + "/stats?format=json", Topic: "webhook_requests", Channel: "workers"}
	backlog, err := mon.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if backlog != 42 {
		t.Errorf("Poll() = %d, want 42", backlog)
	}
	if got := testutil.ToFloat64(metrics.QueueBacklog); got != 42 {
		t.Errorf("backlog gauge = %v, want 42", got)
	}
	if got := testutil.ToFloat64(metrics.NSQChannelInflight.WithLabelValues("webhook_requests", "workers")); got != 3 {
		t.Errorf("inflight gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.NSQChannelDepth.WithLabelValues("webhook_requests", "audit")); got != 7 {
		t.Errorf("audit depth = %v, want 7", got)
	}
}

func TestMonitorPollErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			_, _ = w.Write([]byte("<html>"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	for _, path := range []string{"/stats", "/broken"} {
		mon := &Monitor{StatsURL: srv.URL + path, Topic: "webhook_requests", Channel: "workers"}
		if _, err := mon.Poll(context.Background()); err == nil {
			t.Errorf("Poll(%s) error = nil, want failure", path)
		}
	}
}

func TestMonitorRunStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		(&Monitor{StatsURL: "http://127.0.0.1:1", Interval: time.Millisecond, Logger: quietLogger()}).Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
