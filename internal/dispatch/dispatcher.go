package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/mailhook/internal/tracing"
)

// StatusTransportError stands in for the HTTP status when no response was received
const StatusTransportError = 0

// DefaultResponseLimit caps how much of a response body is read and kept
const DefaultResponseLimit int64 = 64 * 1024

// Result is the outcome of a single POST
type Result struct {
	StatusCode int
	Body       string
	Err        error
	Latency    time.Duration
}

// Delivered reports whether the endpoint answered 2xx
func (r Result) Delivered() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Sender is what the orchestrator needs from a dispatcher
type Sender interface {
	Send(ctx context.Context, url string, body []byte, headers http.Header) Result
}

type Config struct {
	Client        *http.Client
	Timeout       time.Duration
	UserAgent     string
	ResponseLimit int64
}

// Dispatcher performs one synchronous webhook POST per Send
type Dispatcher struct {
	client        *http.Client
	userAgent     string
	responseLimit int64
}

func New(cfg Config) *Dispatcher {
	client := cfg.Client
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}
	limit := cfg.ResponseLimit
	if limit <= 0 {
		limit = DefaultResponseLimit
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "mailhook/1.0"
	}
	return &Dispatcher{client: client, userAgent: ua, responseLimit: limit}
}

// Encode serializes a formatted body once. The returned bytes are what gets
// signed and sent; HTML characters are left unescaped.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Send POSTs body to url. Network failures, timeouts and unreadable responses
// come back with StatusTransportError and the error text as Body.
func (d *Dispatcher) Send(ctx context.Context, url string, body []byte, headers http.Header) Result {
	ctx, span := tracing.StartSpan(ctx, "dispatch.send",
		attribute.String("http.url", url),
		attribute.Int("http.request_content_length", len(body)),
	)
	defer span.End()

	start := time.Now()
	res := d.send(ctx, url, body, headers)
	res.Latency = time.Since(start)

	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.Int64("http.latency_ms", res.Latency.Milliseconds()),
	)
	if res.Err != nil {
		tracing.SetSpanError(ctx, res.Err)
	}
	return res
}

func (d *Dispatcher) send(ctx context.Context, url string, body []byte, headers http.Header) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return transportError(err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, d.responseLimit))
	if err != nil {
		return transportError(fmt.Errorf("read response: %w", err))
	}
	return Result{StatusCode: resp.StatusCode, Body: string(b)}
}

func transportError(err error) Result {
	return Result{StatusCode: StatusTransportError, Body: err.Error(), Err: err}
}
