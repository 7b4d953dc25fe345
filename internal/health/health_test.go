package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

type pinger struct {
	err   error
	delay time.Duration
}

func (p pinger) Ping(ctx context.Context) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name     string
		deps     map[string]Pinger
		wantCode int
		want     Status
	}{
		{
			name:     "no dependencies",
			wantCode: http.StatusOK,
			want:     Status{OK: true, Message: "ok"},
		},
		{
			name:     "all healthy",
			deps:     map[string]Pinger{"database": pinger{}, "redis": pinger{}},
			wantCode: http.StatusOK,
			want:     Status{OK: true, Message: "ok", Checks: map[string]bool{"database": true, "redis": true}},
		},
		{
			name:     "database down",
			deps:     map[string]Pinger{"database": pinger{err: errors.New("refused")}, "redis": pinger{}},
			wantCode: http.StatusServiceUnavailable,
			want:     Status{OK: false, Message: "database ping failed", Checks: map[string]bool{"database": false, "redis": true}},
		},
		{
			name:     "slow dependency times out",
			deps:     map[string]Pinger{"redis": pinger{delay: 5 * time.Second}},
			wantCode: http.StatusServiceUnavailable,
			want:     Status{OK: false, Message: "redis ping failed", Checks: map[string]bool{"redis": false}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HTTPHandler(tt.deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var got Status
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("body = %+v, want %+v", got, tt.want)
			}
		})
	}
}
