package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/mailhook/internal/auth"
	"github.com/austindbirch/mailhook/internal/config"
	"github.com/austindbirch/mailhook/internal/health"
	"github.com/austindbirch/mailhook/internal/logging"
	"github.com/austindbirch/mailhook/internal/metrics"
	"github.com/austindbirch/mailhook/internal/retry"
	"github.com/austindbirch/mailhook/internal/store/memory"
)

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func TestPolicyFrom(t *testing.T) {
	tests := []struct {
		name string
		wh   config.Webhook
		want retry.Policy
	}{
		{"defaults", config.Webhook{}, retry.Default()},
		{"overrides", config.Webhook{MaxAttempts: 3, RetryStep: 10 * time.Second}, retry.Policy{MaxAttempts: 3, Step: 10 * time.Second}},
		{"negative ignored", config.Webhook{MaxAttempts: -1}, retry.Default()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policyFrom(config.Config{Webhook: tt.wh}); got != tt.want {
				t.Errorf("policyFrom() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHeaderNames(t *testing.T) {
	cfg := config.Config{Webhook: config.Webhook{
		SignatureHeader: "X-Postal-Signature", Signature256Header: "X-Postal-Signature-256", KeyIDHeader: "X-Postal-Signature-KID",
	}}
	got := headerNames(cfg)
	if got.Signature != "X-Postal-Signature" || got.Signature256 != "X-Postal-Signature-256" || got.KeyID != "X-Postal-Signature-KID" {
		t.Errorf("headerNames() = %+v", got)
	}
}

func TestConsumerConfig(t *testing.T) {
	for in, want := range map[int]int{0: 1, 1: 1, 8: 8} {
		if got := consumerConfig(in).MaxInFlight; got != want {
			t.Errorf("consumerConfig(%d).MaxInFlight = %d, want %d", in, got, want)
		}
	}
}

func TestNewMux(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	validator, err := auth.NewJWTValidator(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), "mailhook", "mailhook-api")
	if err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	deps := map[string]health.Pinger{"database": okPinger{}}
	logger := logging.New("worker-test")

	tests := []struct {
		name      string
		validator *auth.JWTValidator
		path      string
		want      int
	}{
		{"health open", validator, "/healthz", http.StatusOK},
		{"metrics open", validator, "/metrics", http.StatusOK},
		{"api needs a token", validator, "/v1/webhook-requests", http.StatusUnauthorized},
		{"api unmounted without key", nil, "/v1/webhook-requests", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMux(reg, deps, memory.New(), tt.validator, logger)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}
}
