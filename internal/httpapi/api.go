// Package httpapi exposes the orchestrator to operators and to dispatched
// workloads over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/orchestrator"
	"github.com/animus-labs/rangekeeper/internal/platform/auth"
	"github.com/animus-labs/rangekeeper/internal/platform/httpserver"
)

// Service is the orchestrator surface the API drives.
type Service interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResult, error)
	RetryAdmission(ctx context.Context, id string) (orchestrator.SubmitResult, error)
	SignalCompletion(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Execution, error)
	List(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error)
	History(ctx context.Context, id string) ([]domain.Transition, error)
}

type Options struct {
	Service       string
	Logger        *slog.Logger
	Executions    Service
	Authenticator auth.Authenticator
	Readiness     []httpserver.ReadinessCheck
}

type api struct {
	logger *slog.Logger
	svc    Service
}

// NewHandler returns the full handler: health probes, authenticated routes
// and the request-id, logging and recover middleware.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &api{logger: logger, svc: opts.Executions}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(opts.Service))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(opts.Service, opts.Readiness...))
	a.register(mux)

	protected := auth.Middleware{
		Logger:        logger,
		Authenticator: opts.Authenticator,
		Authorize:     Authorize,
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(mux)
	return httpserver.Wrap(logger, opts.Service, protected)
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/executions", a.handleSubmit)
	mux.HandleFunc("GET /v1/executions", a.handleList)
	mux.HandleFunc("GET /v1/executions/{execution_id}", a.handleGet)
	mux.HandleFunc("POST /v1/executions/{execution_id}/admit", a.handleAdmit)
	mux.HandleFunc("POST /v1/executions/{execution_id}/complete", a.handleComplete)
	mux.HandleFunc("GET /v1/executions/{execution_id}/history", a.handleHistory)
}

// Authorize limits a workload run token to signaling completion of its own
// execution. Operators go through the role table; forcing completion needs admin.
func Authorize(r *http.Request, identity auth.Identity) error {
	if identity.IsWorkload() {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/executions/"+identity.ExecutionID+"/complete" {
			return nil
		}
		return auth.ErrForbidden
	}
	return auth.RoleAuthorizer()(r, identity)
}

type submitRequest struct {
	WorkloadName string            `json:"workload_name"`
	Duration     string            `json:"duration,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

type submitResponse struct {
	Execution         executionView `json:"execution"`
	Admitted          bool          `json:"admitted"`
	RetryAfterSeconds int64         `json:"retry_after_seconds,omitempty"`
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		a.writeError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}

	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	var duration time.Duration
	if raw := strings.TrimSpace(req.Duration); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			a.writeError(w, r, http.StatusBadRequest, "validation_error", "duration must be a positive Go duration such as 30m")
			return
		}
		duration = d
	}

	result, err := a.svc.Submit(r.Context(), orchestrator.SubmitRequest{
		WorkloadName: req.WorkloadName,
		Duration:     duration,
		Tags:         req.Tags,
		RequestedBy:  identity.Actor(),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeSubmitResult(w, result)
}

// handleAdmit lets only the original requester or an admin retry admission.
func (a *api) handleAdmit(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		a.writeError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}
	id := r.PathValue("execution_id")
	execution, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if execution.RequestedBy != identity.Actor() && !auth.HasAtLeast(identity.Roles, auth.RoleAdmin) {
		a.writeError(w, r, http.StatusForbidden, "forbidden", "only the requester or an admin may retry admission")
		return
	}

	result, err := a.svc.RetryAdmission(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeSubmitResult(w, result)
}

// writeSubmitResult answers 202 for an admitted execution and 429 with
// Retry-After for one left queued.
func (a *api) writeSubmitResult(w http.ResponseWriter, result orchestrator.SubmitResult) {
	resp := submitResponse{Execution: newExecutionView(result.Execution), Admitted: result.Admitted}
	if result.Admitted {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	resp.RetryAfterSeconds = retryAfterSeconds(result.RetryAfter)
	w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	writeJSON(w, http.StatusTooManyRequests, resp)
}

func (a *api) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("execution_id")
	if err := a.svc.SignalCompletion(r.Context(), id); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "signaled": true})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	execution, err := a.svc.Get(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionView(execution))
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ExecutionFilter{
		RequestedBy:  strings.TrimSpace(q.Get("requested_by")),
		WorkloadName: strings.TrimSpace(q.Get("workload")),
		Limit:        clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		filter.Status = domain.NormalizeStatus(raw)
		if filter.Status == "" {
			a.writeError(w, r, http.StatusBadRequest, "validation_error", "unknown status "+strconv.Quote(raw))
			return
		}
	}

	executions, err := a.svc.List(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	out := make([]executionView, 0, len(executions))
	for _, e := range executions {
		out = append(out, newExecutionView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("execution_id")
	history, err := a.svc.History(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "transitions": history})
}

type executionView struct {
	ExecutionID   string                 `json:"execution_id"`
	WorkloadName  string                 `json:"workload_name"`
	WorkloadClass string                 `json:"workload_class,omitempty"`
	WorkloadRef   string                 `json:"workload_ref,omitempty"`
	RequestedBy   string                 `json:"requested_by"`
	Status        domain.ExecutionStatus `json:"status"`
	Duration      string                 `json:"duration"`
	Tags          map[string]string      `json:"tags,omitempty"`
	ResourceTag   string                 `json:"resource_tag"`
	DispatchID    string                 `json:"dispatch_id,omitempty"`
	Deadlines     map[string]time.Time   `json:"deadlines,omitempty"`
	Error         *domain.ExecutionError `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func newExecutionView(e domain.Execution) executionView {
	view := executionView{
		ExecutionID:   e.ID,
		WorkloadName:  e.WorkloadName,
		WorkloadClass: e.WorkloadClass,
		WorkloadRef:   e.WorkloadRef,
		RequestedBy:   e.RequestedBy,
		Status:        e.Status,
		Duration:      e.Duration.String(),
		Tags:          e.Tags,
		ResourceTag:   e.ResourceTag,
		DispatchID:    e.DispatchID,
		Error:         e.Error,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	deadlines := map[string]time.Time{}
	for status, at := range map[domain.ExecutionStatus]time.Time{
		domain.StatusQueued:       e.Deadlines.Queued,
		domain.StatusProvisioning: e.Deadlines.Provisioning,
		domain.StatusOperating:    e.Deadlines.Operating,
		domain.StatusTearingDown:  e.Deadlines.TearingDown,
	} {
		if !at.IsZero() {
			deadlines[string(status)] = at
		}
	}
	if len(deadlines) > 0 {
		view.Deadlines = deadlines
	}
	return view
}

func (a *api) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var throttled *domain.ThrottledError
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.writeError(w, r, http.StatusNotFound, "not_found", "")
	case errors.Is(err, domain.ErrExecutionNotActive):
		a.writeError(w, r, http.StatusConflict, "execution_not_active", err.Error())
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(throttled.RetryAfter), 10))
		a.writeError(w, r, http.StatusTooManyRequests, "throttled", err.Error())
	case errors.Is(err, domain.ErrTransient):
		a.logger.Warn("control plane unavailable", "path", r.URL.Path, "error", err)
		a.writeError(w, r, http.StatusServiceUnavailable, "control_plane_unavailable", "")
	case errors.Is(err, context.Canceled):
		a.writeError(w, r, http.StatusServiceUnavailable, "shutting_down", "")
	default:
		a.logger.Error("request failed", "path", r.URL.Path, "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

// retryAfterSeconds rounds up so a client never retries early.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Seconds()))
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
