package main

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/mailhook/internal/config"
	"github.com/austindbirch/mailhook/internal/logging"
	"github.com/austindbirch/mailhook/internal/signer"
)

// receiver accepts webhooks, checks their signature and fails the first N on purpose
type receiver struct {
	mu       sync.Mutex
	reqCount int

	failFirstN int
	secret     string
	delay      time.Duration
	headers    signer.HeaderNames
	logger     *logging.Logger
}

func newReceiver(cfg config.Config, logger *logging.Logger) *receiver {
	return &receiver{
		failFirstN: cfg.FakeReceiver.FailFirstN,
		secret:     cfg.FakeReceiver.EndpointSecret,
		delay:      time.Duration(cfg.FakeReceiver.ResponseDelayMS) * time.Millisecond,
		headers: signer.HeaderNames{
			Signature:    cfg.Webhook.SignatureHeader,
			Signature256: cfg.Webhook.Signature256Header,
			KeyID:        cfg.Webhook.KeyIDHeader,
		},
		logger: logger,
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", rc.handleHook)
	return mux
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("mailhook-fake-receiver")
	rc := newReceiver(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": rc.failFirstN,
		"verify":       rc.secret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	rc.mu.Lock()
	rc.reqCount++
	n := rc.reqCount
	rc.mu.Unlock()

	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.secret != "" {
		if ok, msg := verifySignature(rc.secret, b, r.Header, rc.headers); !ok {
			rc.logger.Plain().WithField("reason", msg).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	if n <= rc.failFirstN {
		rc.logger.Plain().WithFields(map[string]any{
			"request": n,
			"body":    truncate(string(b), 160),
		}).Infof("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rc.logger.Plain().WithFields(map[string]any{
		"request": n,
		"body":    truncate(string(b), 160),
	}).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// verifySignature checks the key id first so a rotated secret is reported as such
func verifySignature(secret string, body []byte, h http.Header, names signer.HeaderNames) (bool, string) {
	def := signer.DefaultHeaderNames()
	if names.Signature256 == "" {
		names.Signature256 = def.Signature256
	}
	if names.KeyID == "" {
		names.KeyID = def.KeyID
	}

	sig := h.Get(names.Signature256)
	kid := h.Get(names.KeyID)
	if sig == "" || kid == "" {
		return false, "missing headers"
	}
	if kid != signer.KeyID(secret) {
		return false, "unknown key id"
	}
	if !signer.Verify(body, secret, sig) {
		return false, "sig mismatch"
	}
	return true, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
