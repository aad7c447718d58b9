// Package httpserver runs the API listener and supplies the middleware and
// probe handlers shared by every route.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/rangekeeper/internal/platform/env"
	"github.com/animus-labs/rangekeeper/internal/platform/requestid"
)

const probeTimeout = 5 * time.Second

type Config struct {
	Service         string
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func ConfigFromEnv(service string) (Config, error) {
	cfg := Config{Service: service, Addr: env.String("HTTP_ADDR", ":8080")}
	var err error
	if cfg.ReadTimeout, err = env.Duration("HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.WriteTimeout, err = env.Duration("HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = env.Duration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Service) == "":
		return errors.New("service is required")
	case strings.TrimSpace(c.Addr) == "":
		return errors.New("HTTP_ADDR is required")
	case c.ReadTimeout <= 0:
		return errors.New("HTTP_READ_TIMEOUT must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("HTTP_WRITE_TIMEOUT must be positive")
	case c.ShutdownTimeout <= 0:
		return errors.New("HTTP_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// Wrap installs panic recovery, request logging and request ids, outermost
// first.
func Wrap(logger *slog.Logger, service string, next http.Handler) http.Handler {
	fallback := func() string { return fmt.Sprintf("%s-%d", service, time.Now().UnixNano()) }
	return recoverPanics(logger, logRequests(logger, requestid.Middleware(fallback, next)))
}

// Run serves handler until ctx ends, then drains within ShutdownTimeout.
func Run(ctx context.Context, logger *slog.Logger, cfg Config, handler http.Handler) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * cfg.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "service", cfg.Service, "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("http server stopped", "service", cfg.Service)
	return nil
}

func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"service": service, "status": "ok"})
	}
}

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ReadyzWithChecks runs every check concurrently under one probe timeout and
// answers 503 if any fails.
func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		results := make([]checkResult, len(checks))
		var wg sync.WaitGroup
		for i, check := range checks {
			wg.Go(func() {
				start := time.Now()
				result := checkResult{Name: check.Name, Status: "ok"}
				if err := check.Check(ctx); err != nil {
					result.Status, result.Error = "fail", err.Error()
				}
				result.DurationMs = time.Since(start).Milliseconds()
				results[i] = result
			})
		}
		wg.Wait()

		status, state := http.StatusOK, "ready"
		for _, result := range results {
			if result.Status != "ok" {
				status, state = http.StatusServiceUnavailable, "not_ready"
				break
			}
		}
		writeJSON(w, status, map[string]any{
			"service": service,
			"status":  state,
			"checks":  results,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// logRequests logs probes at debug so they do not drown the execution log.
func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		level := slog.LevelInfo
		switch {
		case sw.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
			level = slog.LevelDebug
		}
		requestID := r.Header.Get(requestid.Header)
		logger.LogAttrs(r.Context(), level, "http request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func recoverPanics(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			requestID := r.Header.Get(requestid.Header)
			logger.Error("panic recovered", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "panic", v)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":      "internal_error",
				"request_id": requestID,
			})
		}()
		next.ServeHTTP(w, r)
	})
}
