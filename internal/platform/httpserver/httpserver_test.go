package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWrapSetsRequestIDHeader(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Wrap(logger, "rangekeeper", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got == "" {
		t.Fatalf("expected X-Request-Id response header")
	}
}

func TestWrapRecoversPanic(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(logger, "rangekeeper", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
}

func TestReadyzWithChecks(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{name: "ok", status: http.StatusOK, body: `"status":"ready"`},
		{name: "store down", err: errors.New("connection refused"), status: http.StatusServiceUnavailable, body: `"status":"not_ready"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := ReadyzWithChecks("rangekeeper", ReadinessCheck{
				Name:  "store",
				Check: func(context.Context) error { return tc.err },
			})
			req := httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("status=%d, want %d", rec.Code, tc.status)
			}
			if !strings.Contains(rec.Body.String(), tc.body) {
				t.Fatalf("body=%s", rec.Body.String())
			}
		})
	}
}

func TestReadyzRunsChecksConcurrently(t *testing.T) {
	release := make(chan struct{})
	blocking := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	handler := ReadyzWithChecks("rangekeeper",
		ReadinessCheck{Name: "store", Check: blocking},
		ReadinessCheck{Name: "reports", Check: func(context.Context) error {
			close(release)
			return nil
		}},
	)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"name":"reports"`) {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_WRITE_TIMEOUT", "2m")
	cfg, err := ConfigFromEnv("rangekeeper")
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Addr != ":9090" || cfg.WriteTimeout.Minutes() != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("HTTP_SHUTDOWN_TIMEOUT", "0s")
	if _, err := ConfigFromEnv("rangekeeper"); err == nil {
		t.Fatalf("expected error for zero shutdown timeout")
	}
}
