// Package orchestrator is the execution coordinator. It owns the phase state
// machine and drives every admitted execution through provisioning,
// operation and teardown on its own goroutine. All status writes go through
// the tracker's compare-and-set transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/rangekeeper/internal/admission"
	"github.com/animus-labs/rangekeeper/internal/credentials"
	"github.com/animus-labs/rangekeeper/internal/dispatch"
	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/env"
	"github.com/animus-labs/rangekeeper/internal/reconcile"
	"github.com/animus-labs/rangekeeper/internal/retry"
	"github.com/animus-labs/rangekeeper/internal/tracker"
)

type Admitter interface {
	TryAdmit(ctx context.Context, scopes []domain.ScopeKey) (admission.Decision, error)
}

type CredentialIssuer interface {
	Issue(ctx context.Context, executionID string, scope []string) (credentials.Issued, error)
	RevokeForExecution(ctx context.Context, executionID string) error
}

type Dispatcher interface {
	// DispatchID is the deterministic unit name for an execution.
	DispatchID(executionID string) string
	Verify(workload domain.WorkloadSpec) error
	Submit(ctx context.Context, sub dispatch.Submission) (string, error)
	Status(ctx context.Context, dispatchID string) (domain.DispatchStatus, error)
	Delete(ctx context.Context, dispatchID string) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, tag string) (reconcile.Result, error)
}

type ScenarioRepository interface {
	Resolve(name string) (domain.WorkloadSpec, error)
}

// EventSink must not block.
type EventSink interface {
	Publish(executionID string, level slog.Level, message string)
}

type ReportStore interface {
	StoreReport(ctx context.Context, report domain.Report) error
}

type Config struct {
	DefaultDuration  time.Duration
	MaxDuration      time.Duration
	QueueTTL         time.Duration
	ProvisionTimeout time.Duration
	TeardownTimeout  time.Duration
	// RevokeTimeout bounds credential revocation separately from teardown.
	RevokeTimeout       time.Duration
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	// ClassScopes maps a workload class to the credential permissions it receives.
	ClassScopes  map[string][]string
	DefaultScope []string
}

func DefaultConfig() Config {
	return Config{
		DefaultDuration:     15 * time.Minute,
		MaxDuration:         4 * time.Hour,
		QueueTTL:            30 * time.Minute,
		ProvisionTimeout:    10 * time.Minute,
		TeardownTimeout:     30 * time.Minute,
		RevokeTimeout:       2 * time.Minute,
		PollInterval:        5 * time.Second,
		MaintenanceInterval: 30 * time.Second,
	}
}

// ConfigFromEnv reads the timing settings. Scopes come from the policy file.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"EXECUTION_DEFAULT_DURATION", &cfg.DefaultDuration},
		{"EXECUTION_MAX_DURATION", &cfg.MaxDuration},
		{"QUEUE_TTL", &cfg.QueueTTL},
		{"PROVISION_TIMEOUT", &cfg.ProvisionTimeout},
		{"TEARDOWN_TIMEOUT", &cfg.TeardownTimeout},
		{"REVOKE_TIMEOUT", &cfg.RevokeTimeout},
		{"DISPATCH_POLL_INTERVAL", &cfg.PollInterval},
		{"MAINTENANCE_INTERVAL", &cfg.MaintenanceInterval},
	}
	for _, d := range durations {
		v, err := env.Duration(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.DefaultDuration <= 0:
		return errors.New("EXECUTION_DEFAULT_DURATION must be positive")
	case c.MaxDuration < c.DefaultDuration:
		return errors.New("EXECUTION_MAX_DURATION must be >= EXECUTION_DEFAULT_DURATION")
	case c.QueueTTL <= 0:
		return errors.New("QUEUE_TTL must be positive")
	case c.ProvisionTimeout <= 0:
		return errors.New("PROVISION_TIMEOUT must be positive")
	case c.TeardownTimeout <= 0:
		return errors.New("TEARDOWN_TIMEOUT must be positive")
	case c.RevokeTimeout <= 0:
		return errors.New("REVOKE_TIMEOUT must be positive")
	case c.PollInterval <= 0:
		return errors.New("DISPATCH_POLL_INTERVAL must be positive")
	case c.MaintenanceInterval <= 0:
		return errors.New("MAINTENANCE_INTERVAL must be positive")
	}
	return nil
}

type Deps struct {
	Tracker     *tracker.Tracker
	Admission   Admitter
	Credentials CredentialIssuer
	Dispatcher  Dispatcher
	Reconciler  Reconciler
	Scenarios   ScenarioRepository
	Events      EventSink
	Reports     ReportStore
	// Calls governs retries of individual dispatcher and store calls.
	Calls  retry.Policy
	Logger *slog.Logger
}

type Coordinator struct {
	tracker     *tracker.Tracker
	admission   Admitter
	credentials CredentialIssuer
	dispatcher  Dispatcher
	reconciler  Reconciler
	scenarios   ScenarioRepository
	events      EventSink
	reports     ReportStore
	calls       retry.Policy
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*run
}

func New(deps Deps, cfg Config) (*Coordinator, error) {
	switch {
	case deps.Tracker == nil:
		return nil, errors.New("tracker is required")
	case deps.Admission == nil:
		return nil, errors.New("admission controller is required")
	case deps.Credentials == nil:
		return nil, errors.New("credential manager is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Reconciler == nil:
		return nil, errors.New("reconciler is required")
	case deps.Scenarios == nil:
		return nil, errors.New("scenario repository is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.Calls.Validate(); err != nil {
		return nil, fmt.Errorf("call retry policy: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	events := deps.Events
	if events == nil {
		events = nopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		tracker:     deps.Tracker,
		admission:   deps.Admission,
		credentials: deps.Credentials,
		dispatcher:  deps.Dispatcher,
		reconciler:  deps.Reconciler,
		scenarios:   deps.Scenarios,
		events:      events,
		reports:     deps.Reports,
		calls:       deps.Calls,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		active:      map[string]*run{},
	}, nil
}

type SubmitRequest struct {
	WorkloadName string
	Duration     time.Duration
	Tags         map[string]string
	RequestedBy  string
}

// SubmitResult reports the stored execution and the admission outcome.
// RetryAfter is set only when Admitted is false.
type SubmitResult struct {
	Execution  domain.Execution
	Admitted   bool
	RetryAfter time.Duration
}

// Submit validates the request, records the execution as queued and runs
// admission. A denied execution stays queued until RetryAdmission admits it
// or its queue deadline passes.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	name := strings.TrimSpace(req.WorkloadName)
	if name == "" {
		return SubmitResult{}, domain.Validationf("workload name is required")
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		return SubmitResult{}, domain.Validationf("requested_by is required")
	}
	if err := validateTags(req.Tags); err != nil {
		return SubmitResult{}, err
	}
	workload, err := c.scenarios.Resolve(name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return SubmitResult{}, domain.Validationf("unknown workload %q", name)
		}
		return SubmitResult{}, err
	}
	duration, err := c.resolveDuration(workload, req.Duration)
	if err != nil {
		return SubmitResult{}, err
	}

	now := c.now().UTC()
	execution, err := c.tracker.Create(ctx, domain.Execution{
		ID:            uuid.NewString(),
		WorkloadName:  workload.Name,
		WorkloadClass: workload.Class,
		WorkloadRef:   workload.Ref,
		RequestedBy:   strings.TrimSpace(req.RequestedBy),
		Duration:      duration,
		Tags:          req.Tags,
		ResourceTag:   "rk-" + uuid.NewString(),
		Deadlines:     domain.PhaseDeadlines{Queued: now.Add(c.cfg.QueueTTL)},
		CreatedAt:     now,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	c.events.Publish(execution.ID, slog.LevelInfo, "execution queued")
	return c.admit(ctx, execution, workload)
}

// RetryAdmission re-runs admission for a queued execution.
func (c *Coordinator) RetryAdmission(ctx context.Context, id string) (SubmitResult, error) {
	execution, err := c.Get(ctx, id)
	if err != nil {
		return SubmitResult{}, err
	}
	if execution.Status != domain.StatusQueued {
		return SubmitResult{Execution: execution}, fmt.Errorf("%w: execution %s is %s", domain.ErrExecutionNotActive, execution.ID, execution.Status)
	}
	workload, err := c.scenarios.Resolve(execution.WorkloadName)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("resolve workload %s: %w", execution.WorkloadName, err)
	}
	return c.admit(ctx, execution, workload)
}

func (c *Coordinator) admit(ctx context.Context, execution domain.Execution, workload domain.WorkloadSpec) (SubmitResult, error) {
	decision, err := c.admission.TryAdmit(ctx, admission.ScopesFor(execution.WorkloadClass, execution.RequestedBy))
	if err != nil {
		return SubmitResult{Execution: execution}, err
	}
	if !decision.Admitted {
		c.events.Publish(execution.ID, slog.LevelInfo, fmt.Sprintf("admission denied on %s, retry after %s", decision.Scope, decision.RetryAfter))
		return SubmitResult{Execution: execution, RetryAfter: decision.RetryAfter}, nil
	}

	deadlines := execution.Deadlines
	deadlines.Provisioning = c.now().UTC().Add(c.cfg.ProvisionTimeout)
	next, err := c.advance(ctx, execution, domain.StatusProvisioning, domain.TransitionFields{
		Reason:    "admitted",
		Deadlines: &deadlines,
	})
	if err != nil {
		return SubmitResult{Execution: execution}, err
	}
	c.launch(next, &workload)
	return SubmitResult{Execution: next, Admitted: true}, nil
}

// SignalCompletion records a workload's voluntary completion. Executions
// already tearing down or finished accept the signal as a no-op.
func (c *Coordinator) SignalCompletion(ctx context.Context, id string) error {
	execution, err := c.tracker.Get(ctx, id)
	if err != nil {
		return err
	}
	switch execution.Status {
	case domain.StatusProvisioning, domain.StatusOperating:
	case domain.StatusQueued:
		return fmt.Errorf("%w: execution %s has not been admitted", domain.ErrExecutionNotActive, execution.ID)
	default:
		return nil
	}
	r := c.lookup(execution.ID)
	if r == nil {
		c.adopt(execution)
		r = c.lookup(execution.ID)
	}
	if r != nil {
		r.signal()
	}
	c.events.Publish(execution.ID, slog.LevelInfo, "workload signaled completion")
	return nil
}

// Get returns the execution, first failing it if it sat queued past its deadline.
func (c *Coordinator) Get(ctx context.Context, id string) (domain.Execution, error) {
	execution, err := c.tracker.Get(ctx, id)
	if err != nil {
		return domain.Execution{}, err
	}
	if c.queueExpired(execution) {
		return c.expireQueued(ctx, execution)
	}
	return execution, nil
}

func (c *Coordinator) List(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	return c.tracker.List(ctx, filter)
}

func (c *Coordinator) History(ctx context.Context, id string) ([]domain.Transition, error) {
	if _, err := c.tracker.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.tracker.History(ctx, id)
}

// Wait blocks until every running execution driver has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown stops every driver. Interrupted executions keep their stored
// status and are resumed by Recover on the next start.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) resolveDuration(workload domain.WorkloadSpec, requested time.Duration) (time.Duration, error) {
	if requested < 0 {
		return 0, domain.Validationf("duration must be positive")
	}
	ceiling := c.cfg.MaxDuration
	if workload.MaxDuration > 0 && workload.MaxDuration < ceiling {
		ceiling = workload.MaxDuration
	}
	duration := requested
	if duration == 0 {
		duration = workload.DefaultDuration
	}
	if duration == 0 {
		duration = c.cfg.DefaultDuration
	}
	if duration > ceiling {
		return 0, domain.Validationf("duration %s exceeds the %s limit for %s", duration, ceiling, workload.Name)
	}
	return duration, nil
}

func (c *Coordinator) scopeFor(class string) []string {
	if scope, ok := c.cfg.ClassScopes[class]; ok {
		return scope
	}
	return c.cfg.DefaultScope
}

var tagKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-/]{0,62}$`)

const maxTags = 32

func validateTags(tags map[string]string) error {
	if len(tags) > maxTags {
		return domain.Validationf("at most %d tags are allowed", maxTags)
	}
	for k, v := range tags {
		if !tagKeyPattern.MatchString(k) {
			return domain.Validationf("tag key %q is malformed", k)
		}
		if len(v) > 256 {
			return domain.Validationf("tag %q value exceeds 256 bytes", k)
		}
	}
	return nil
}

type nopSink struct{}

func (nopSink) Publish(string, slog.Level, string) {}
