package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/rangekeeper/internal/admission"
	"github.com/animus-labs/rangekeeper/internal/credentials"
	"github.com/animus-labs/rangekeeper/internal/dispatch"
	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/controlplane"
	"github.com/animus-labs/rangekeeper/internal/reconcile"
	"github.com/animus-labs/rangekeeper/internal/repo/memory"
	"github.com/animus-labs/rangekeeper/internal/retry"
	"github.com/animus-labs/rangekeeper/internal/tracker"
)

const trustedImage = "registry.ranges.internal/recon@sha256:cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"

type fakeScenarios map[string]domain.WorkloadSpec

func (f fakeScenarios) Resolve(name string) (domain.WorkloadSpec, error) {
	w, ok := f[name]
	if !ok {
		return domain.WorkloadSpec{}, fmt.Errorf("%w: scenario %q", domain.ErrNotFound, name)
	}
	return w, nil
}

type fakeProvider struct {
	mu      sync.Mutex
	deleted map[string]int
}

func (p *fakeProvider) CreateIdentity(_ context.Context, name string, _ map[string]string) (controlplane.Identity, error) {
	return controlplane.Identity{PrincipalID: name + "-principal", Secret: "secret"}, nil
}

func (p *fakeProvider) AssignScope(context.Context, string, []string) error { return nil }

func (p *fakeProvider) DeleteIdentity(ctx context.Context, principalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted[principalID]++
	return nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	images  dispatch.ImagePolicy
	status  domain.DispatchStatus
	submits int
	deletes int
	// submitErr and statusErr, when set, are returned by every call.
	submitErr error
	statusErr error
}

func (d *fakeDispatcher) DispatchID(executionID string) string { return dispatch.Name(executionID) }

func (d *fakeDispatcher) Verify(workload domain.WorkloadSpec) error {
	_, err := d.images.Verify(workload.Image)
	return err
}

func (d *fakeDispatcher) Submit(_ context.Context, sub dispatch.Submission) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits++
	if d.submitErr != nil {
		return "", d.submitErr
	}
	return dispatch.Name(sub.ExecutionID), nil
}

func (d *fakeDispatcher) Status(context.Context, string) (domain.DispatchStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.statusErr != nil {
		return "", d.statusErr
	}
	return d.status, nil
}

func (d *fakeDispatcher) Delete(context.Context, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes++
	return nil
}

func (d *fakeDispatcher) setStatus(status domain.DispatchStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

func (d *fakeDispatcher) submitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

type fakeResources struct {
	mu        sync.Mutex
	resources []domain.ResourceRecord
	stuck     bool
	// hang makes listing block until the caller's context ends.
	hang  bool
	lists int
}

func (f *fakeResources) ListResourcesByTag(ctx context.Context, tag string) ([]domain.ResourceRecord, error) {
	f.mu.Lock()
	if f.hang {
		f.lists++
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer f.mu.Unlock()
	f.lists++
	out := []domain.ResourceRecord{}
	for _, r := range f.resources {
		if r.Tag == tag || r.Tag == "*" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeResources) DeleteResource(_ context.Context, resource domain.ResourceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stuck {
		return errors.New("delete refused")
	}
	for i, r := range f.resources {
		if r.ID == resource.ID {
			f.resources = append(f.resources[:i], f.resources[i+1:]...)
			break
		}
	}
	return nil
}

type fakeReports struct {
	mu      sync.Mutex
	reports []domain.Report
}

func (f *fakeReports) StoreReport(_ context.Context, report domain.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) Publish(executionID string, _ slog.Level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, executionID+": "+message)
}

type harness struct {
	coord      *Coordinator
	store      *memory.Store
	tracker    *tracker.Tracker
	dispatcher *fakeDispatcher
	resources  *fakeResources
	provider   *fakeProvider
	reports    *fakeReports
}

func newHarness(t *testing.T, capacity int, opts ...func(*Config)) *harness {
	t.Helper()
	store := memory.New()
	calls := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	h := &harness{
		store:      store,
		tracker:    tracker.New(store.Executions(), nil),
		dispatcher: &fakeDispatcher{images: dispatch.ImagePolicy{AllowedRegistries: []string{"registry.ranges.internal"}}, status: domain.DispatchRunning},
		resources:  &fakeResources{},
		provider:   &fakeProvider{deleted: map[string]int{}},
		reports:    &fakeReports{},
	}
	controller := admission.New(store.Counters(), admission.Policy{
		Defaults: map[domain.ScopeType]admission.Limit{
			domain.ScopeGlobal: {Capacity: capacity, Window: time.Hour},
		},
	}, admission.Config{MaxAttempts: 200, ContentionRetryAfter: time.Second}, nil)
	manager := credentials.NewManager(store.Credentials(), h.provider, credentials.Config{
		MaxLifetime:    time.Hour,
		SweepInterval:  time.Minute,
		SweepBatch:     10,
		RunTokenSecret: "run-secret",
	}, calls, nil)
	reconciler := reconcile.New(h.resources, reconcile.Config{
		Cycles:      retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Parallelism: 2,
	}, calls, nil)

	cfg := DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	cfg.ClassScopes = map[string][]string{"standard": {"compute:write"}}
	for _, opt := range opts {
		opt(&cfg)
	}
	coord, err := New(Deps{
		Tracker:     h.tracker,
		Admission:   controller,
		Credentials: manager,
		Dispatcher:  h.dispatcher,
		Reconciler:  reconciler,
		Scenarios: fakeScenarios{
			"recon":     {Name: "recon", Class: "standard", Image: trustedImage},
			"short":     {Name: "short", Class: "standard", Image: trustedImage, MaxDuration: time.Minute},
			"untrusted": {Name: "untrusted", Class: "standard", Image: "docker.io/library/alpine:latest"},
		},
		Events:  &recordingSink{},
		Reports: h.reports,
		Calls:   calls,
	}, cfg)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	h.coord = coord
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitForStatus(t *testing.T, id string, want ...domain.ExecutionStatus) domain.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		execution, err := h.tracker.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() err=%v", err)
		}
		for _, s := range want {
			if execution.Status == s {
				return execution
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s stuck in %s, want %v", id, execution.Status, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) assertRevoked(t *testing.T, id string) {
	t.Helper()
	creds, err := h.store.Credentials().ListCredentialsForExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("ListCredentialsForExecution() err=%v", err)
	}
	if len(creds) == 0 {
		t.Fatalf("no credential issued for %s", id)
	}
	for _, c := range creds {
		if c.RevokedAt == nil {
			t.Fatalf("credential %s still live", c.ID)
		}
		if n := h.provider.deleted[c.PrincipalID]; n != 1 {
			t.Fatalf("identity %s deleted %d times", c.PrincipalID, n)
		}
	}
}

func submit(t *testing.T, h *harness, name string) SubmitResult {
	t.Helper()
	res, err := h.coord.Submit(context.Background(), SubmitRequest{WorkloadName: name, RequestedBy: "analyst@ranges"})
	if err != nil {
		t.Fatalf("Submit(%s) err=%v", name, err)
	}
	return res
}

func TestConcurrentSubmissionsRespectGlobalCapacity(t *testing.T) {
	h := newHarness(t, 3)

	var wg sync.WaitGroup
	results := make([]SubmitResult, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.coord.Submit(context.Background(), SubmitRequest{WorkloadName: "recon", RequestedBy: fmt.Sprintf("user-%d", i)})
		}(i)
	}
	wg.Wait()

	admitted, denied := 0, 0
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("Submit() err=%v", errs[i])
		}
		if res.Admitted {
			admitted++
			continue
		}
		denied++
		if res.RetryAfter <= 0 {
			t.Fatalf("denied without retry_after: %+v", res)
		}
		if res.Execution.Status != domain.StatusQueued {
			t.Fatalf("denied execution status=%s", res.Execution.Status)
		}
	}
	if admitted != 3 || denied != 2 {
		t.Fatalf("admitted=%d denied=%d, want 3/2", admitted, denied)
	}
}

func TestWorkloadCrashTearsDownAndRevokes(t *testing.T) {
	h := newHarness(t, 10)
	res := submit(t, h, "recon")
	id := res.Execution.ID

	h.waitForStatus(t, id, domain.StatusOperating)
	h.dispatcher.setStatus(domain.DispatchFailed)
	h.coord.Wait()

	final := h.waitForStatus(t, id, domain.StatusCompleted, domain.StatusFailed)
	if final.Status != domain.StatusFailed || final.Error == nil || final.Error.Code != domain.CodeWorkloadFailed {
		t.Fatalf("final=%s error=%+v", final.Status, final.Error)
	}
	history, err := h.coord.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History() err=%v", err)
	}
	want := []domain.ExecutionStatus{domain.StatusProvisioning, domain.StatusOperating, domain.StatusTearingDown, domain.StatusFailed}
	if len(history) != len(want) {
		t.Fatalf("history=%+v", history)
	}
	for i, tr := range history {
		if tr.To != want[i] {
			t.Fatalf("history[%d].To=%s, want %s", i, tr.To, want[i])
		}
	}
	h.assertRevoked(t, id)
	if len(h.reports.reports) != 1 {
		t.Fatalf("reports=%d, want 1", len(h.reports.reports))
	}
}

func (h *harness) assertHistory(t *testing.T, id string, want ...domain.ExecutionStatus) {
	t.Helper()
	history, err := h.coord.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History() err=%v", err)
	}
	if len(history) != len(want) {
		t.Fatalf("history=%+v, want %v", history, want)
	}
	for i, tr := range history {
		if tr.To != want[i] {
			t.Fatalf("history[%d].To=%s, want %s", i, tr.To, want[i])
		}
	}
}

func TestRevokeOutlivesTeardownDeadline(t *testing.T) {
	h := newHarness(t, 10, func(cfg *Config) { cfg.TeardownTimeout = 50 * time.Millisecond })
	res := submit(t, h, "recon")
	id := res.Execution.ID

	h.waitForStatus(t, id, domain.StatusOperating)
	h.resources.mu.Lock()
	h.resources.hang = true
	h.resources.mu.Unlock()
	h.dispatcher.setStatus(domain.DispatchFailed)
	h.coord.Wait()

	final := h.waitForStatus(t, id, domain.StatusCompleted, domain.StatusFailed)
	if final.Status != domain.StatusFailed || final.Error == nil || final.Error.Code != domain.CodeWorkloadFailed {
		t.Fatalf("final=%s error=%+v", final.Status, final.Error)
	}
	if !strings.Contains(final.Error.Message, context.DeadlineExceeded.Error()) {
		t.Fatalf("reconcile timeout missing from error: %q", final.Error.Message)
	}
	if strings.Contains(final.Error.Message, domain.ErrCredentialRevocation.Error()) {
		t.Fatalf("revocation failed after teardown deadline: %q", final.Error.Message)
	}
	h.assertRevoked(t, id)
}

func TestProvisioningFailureTearsDownAndRevokes(t *testing.T) {
	unavailable := &domain.TransientError{Op: "control plane", Err: errors.New("503 service unavailable")}
	cases := []struct {
		name  string
		opt   func(*Config)
		setup func(*fakeDispatcher)
		code  string
	}{
		{
			name:  "submit fails",
			setup: func(d *fakeDispatcher) { d.submitErr = unavailable },
			code:  domain.CodeTransientExhausted,
		},
		{
			name:  "status retries exhausted",
			setup: func(d *fakeDispatcher) { d.statusErr = unavailable },
			code:  domain.CodeTransientExhausted,
		},
		{
			name:  "workload never starts",
			opt:   func(cfg *Config) { cfg.ProvisionTimeout = 30 * time.Millisecond },
			setup: func(d *fakeDispatcher) { d.status = domain.DispatchPending },
			code:  domain.CodeDeadlineExceeded,
		},
		{
			name:  "dispatch vanishes",
			setup: func(d *fakeDispatcher) { d.status = domain.DispatchNotFound },
			code:  domain.CodeWorkloadFailed,
		},
		{
			name:  "workload fails to start",
			setup: func(d *fakeDispatcher) { d.status = domain.DispatchFailed },
			code:  domain.CodeWorkloadFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var opts []func(*Config)
			if tc.opt != nil {
				opts = append(opts, tc.opt)
			}
			h := newHarness(t, 10, opts...)
			tc.setup(h.dispatcher)
			res := submit(t, h, "recon")
			h.coord.Wait()

			final := h.waitForStatus(t, res.Execution.ID, domain.StatusCompleted, domain.StatusFailed)
			if final.Status != domain.StatusFailed || final.Error == nil || final.Error.Code != tc.code {
				t.Fatalf("final=%s error=%+v, want code %s", final.Status, final.Error, tc.code)
			}
			h.assertHistory(t, res.Execution.ID, domain.StatusProvisioning, domain.StatusTearingDown, domain.StatusFailed)
			h.assertRevoked(t, res.Execution.ID)
		})
	}
}

func TestUntrustedImageNeverDispatches(t *testing.T) {
	h := newHarness(t, 10)
	res := submit(t, h, "untrusted")
	h.coord.Wait()

	final := h.waitForStatus(t, res.Execution.ID, domain.StatusFailed, domain.StatusCompleted)
	if final.Status != domain.StatusFailed || final.Error == nil || final.Error.Code != domain.CodeUntrustedImage {
		t.Fatalf("final=%s error=%+v", final.Status, final.Error)
	}
	if n := h.dispatcher.submitCount(); n != 0 {
		t.Fatalf("Dispatcher.Submit called %d times", n)
	}
	h.assertRevoked(t, res.Execution.ID)
}

func TestLeftoverResourcesReconciledBeforeCompletion(t *testing.T) {
	h := newHarness(t, 10)
	res := submit(t, h, "recon")
	id := res.Execution.ID
	tag := res.Execution.ResourceTag

	h.resources.mu.Lock()
	h.resources.resources = []domain.ResourceRecord{
		{ID: "vm-1", Type: "vm", Kind: domain.ResourceLeaf, Tag: tag},
		{ID: "net-1", Type: "network", Kind: domain.ResourceContainer, Tag: tag},
		{ID: "rg-1", Type: "resource_group", Kind: domain.ResourceGroup, Tag: tag},
	}
	h.resources.mu.Unlock()

	h.waitForStatus(t, id, domain.StatusOperating)
	if err := h.coord.SignalCompletion(context.Background(), id); err != nil {
		t.Fatalf("SignalCompletion() err=%v", err)
	}
	h.coord.Wait()

	final := h.waitForStatus(t, id, domain.StatusCompleted, domain.StatusFailed)
	if final.Status != domain.StatusCompleted || final.Error != nil {
		t.Fatalf("final=%s error=%+v", final.Status, final.Error)
	}
	if len(h.resources.resources) != 0 {
		t.Fatalf("resources left: %+v", h.resources.resources)
	}
	h.assertRevoked(t, id)
	report := h.reports.reports[0]
	if report.ResourcesDeleted != 3 || report.ResourcesRemaining != 0 || !report.CredentialRevoked {
		t.Fatalf("report=%+v", report)
	}

	if err := h.coord.SignalCompletion(context.Background(), id); err != nil {
		t.Fatalf("late SignalCompletion() err=%v", err)
	}
}

func TestIncompleteReconciliationFailsWithRemainingCount(t *testing.T) {
	h := newHarness(t, 10)
	h.resources.stuck = true
	h.resources.resources = []domain.ResourceRecord{{ID: "disk-1", Type: "disk", Kind: domain.ResourceLeaf, Tag: "*"}}
	res := submit(t, h, "recon")

	h.waitForStatus(t, res.Execution.ID, domain.StatusOperating)
	h.dispatcher.setStatus(domain.DispatchSucceeded)
	h.coord.Wait()

	final := h.waitForStatus(t, res.Execution.ID, domain.StatusFailed, domain.StatusCompleted)
	if final.Status != domain.StatusFailed || final.Error == nil {
		t.Fatalf("final=%s", final.Status)
	}
	if final.Error.Code != domain.CodeReconciliationIncomplete || final.Error.RemainingResources != 1 {
		t.Fatalf("error=%+v", final.Error)
	}
	h.assertRevoked(t, res.Execution.ID)
}

func TestTimeBoxEndsOperating(t *testing.T) {
	h := newHarness(t, 10)
	res, err := h.coord.Submit(context.Background(), SubmitRequest{WorkloadName: "recon", RequestedBy: "analyst", Duration: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	h.coord.Wait()
	final := h.waitForStatus(t, res.Execution.ID, domain.StatusCompleted, domain.StatusFailed)
	if final.Status != domain.StatusCompleted {
		t.Fatalf("final=%s error=%+v", final.Status, final.Error)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, 10)
	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "unknown workload", req: SubmitRequest{WorkloadName: "nope", RequestedBy: "a"}},
		{name: "missing workload", req: SubmitRequest{RequestedBy: "a"}},
		{name: "missing requester", req: SubmitRequest{WorkloadName: "recon"}},
		{name: "duration over workload max", req: SubmitRequest{WorkloadName: "short", RequestedBy: "a", Duration: time.Hour}},
		{name: "negative duration", req: SubmitRequest{WorkloadName: "recon", RequestedBy: "a", Duration: -time.Second}},
		{name: "malformed tag", req: SubmitRequest{WorkloadName: "recon", RequestedBy: "a", Tags: map[string]string{"bad key!": "x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.coord.Submit(context.Background(), tc.req); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Submit() err=%v, want validation error", err)
			}
		})
	}
	executions, _ := h.coord.List(context.Background(), domain.ExecutionFilter{})
	if len(executions) != 0 {
		t.Fatalf("rejected submissions were stored: %d", len(executions))
	}
}

func TestQueuedExecutionExpiresAndRetryAdmission(t *testing.T) {
	h := newHarness(t, 0)
	res := submit(t, h, "recon")
	if res.Admitted {
		t.Fatalf("expected deny at zero capacity")
	}
	id := res.Execution.ID

	retried, err := h.coord.RetryAdmission(context.Background(), id)
	if err != nil || retried.Admitted {
		t.Fatalf("RetryAdmission()=%+v err=%v", retried, err)
	}
	if err := h.coord.SignalCompletion(context.Background(), id); !errors.Is(err, domain.ErrExecutionNotActive) {
		t.Fatalf("SignalCompletion(queued) err=%v", err)
	}

	future := time.Now().Add(time.Hour)
	h.coord.now = func() time.Time { return future }
	expired, err := h.coord.ExpireQueued(context.Background())
	if err != nil || expired != 1 {
		t.Fatalf("ExpireQueued()=%d err=%v", expired, err)
	}
	got, err := h.coord.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got.Status != domain.StatusFailed || got.Error == nil || got.Error.Code != domain.CodeThrottled {
		t.Fatalf("expired execution=%s error=%+v", got.Status, got.Error)
	}
	if _, err := h.coord.RetryAdmission(context.Background(), id); !errors.Is(err, domain.ErrExecutionNotActive) {
		t.Fatalf("RetryAdmission(failed) err=%v", err)
	}
}

func TestRecoverResumesOperatingExecution(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	created, err := h.tracker.Create(ctx, domain.Execution{
		ID:           "exec-orphan",
		WorkloadName: "recon",
		RequestedBy:  "analyst",
		Duration:     time.Hour,
		ResourceTag:  "rk-orphan",
	})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	prov, err := h.tracker.Transition(ctx, created.ID, domain.StatusQueued, domain.StatusProvisioning, domain.TransitionFields{})
	if err != nil {
		t.Fatalf("Transition() err=%v", err)
	}
	if _, err := h.tracker.Transition(ctx, prov.ID, domain.StatusProvisioning, domain.StatusOperating, domain.TransitionFields{DispatchID: dispatch.Name(prov.ID)}); err != nil {
		t.Fatalf("Transition() err=%v", err)
	}
	h.dispatcher.setStatus(domain.DispatchSucceeded)

	resumed, err := h.coord.Recover(ctx)
	if err != nil || resumed != 1 {
		t.Fatalf("Recover()=%d err=%v", resumed, err)
	}
	h.coord.Wait()
	final := h.waitForStatus(t, created.ID, domain.StatusCompleted, domain.StatusFailed)
	if final.Status != domain.StatusCompleted {
		t.Fatalf("final=%s error=%+v", final.Status, final.Error)
	}
}

func TestRecoverTearsDownInterruptedProvisioning(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	created, err := h.tracker.Create(ctx, domain.Execution{
		ID:           "exec-interrupted",
		WorkloadName: "recon",
		RequestedBy:  "analyst",
		Duration:     time.Hour,
		ResourceTag:  "rk-interrupted",
	})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if _, err := h.tracker.Transition(ctx, created.ID, domain.StatusQueued, domain.StatusProvisioning, domain.TransitionFields{}); err != nil {
		t.Fatalf("Transition() err=%v", err)
	}

	if _, err := h.coord.Recover(ctx); err != nil {
		t.Fatalf("Recover() err=%v", err)
	}
	h.coord.Wait()
	final := h.waitForStatus(t, created.ID, domain.StatusFailed, domain.StatusCompleted)
	if final.Status != domain.StatusFailed || final.Error.Code != domain.CodeInterrupted {
		t.Fatalf("final=%s error=%+v", final.Status, final.Error)
	}
	if h.dispatcher.deletes == 0 {
		t.Fatalf("expected the deterministic dispatch to be deleted")
	}
}

func TestAdvanceTreatsLostConfirmationAsSuccess(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	created, err := h.tracker.Create(ctx, domain.Execution{
		ID: "exec-cas", WorkloadName: "recon", RequestedBy: "a", Duration: time.Hour, ResourceTag: "rk-cas",
	})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if _, err := h.tracker.Transition(ctx, created.ID, domain.StatusQueued, domain.StatusProvisioning, domain.TransitionFields{}); err != nil {
		t.Fatalf("Transition() err=%v", err)
	}

	got, err := h.coord.advance(ctx, created, domain.StatusProvisioning, domain.TransitionFields{})
	if err != nil || got.Status != domain.StatusProvisioning {
		t.Fatalf("advance() status=%s err=%v", got.Status, err)
	}
	if _, err := h.coord.advance(ctx, created, domain.StatusFailed, domain.TransitionFields{}); !errors.Is(err, errSuperseded) {
		t.Fatalf("advance() err=%v, want superseded", err)
	}
	history, _ := h.tracker.History(ctx, created.ID)
	if len(history) != 1 {
		t.Fatalf("history=%d entries, want 1", len(history))
	}
}

func TestConfigFromEnvRevokeTimeout(t *testing.T) {
	t.Setenv("REVOKE_TIMEOUT", "45s")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.RevokeTimeout != 45*time.Second {
		t.Fatalf("RevokeTimeout=%s, want 45s", cfg.RevokeTimeout)
	}

	t.Setenv("REVOKE_TIMEOUT", "0s")
	if _, err := ConfigFromEnv(); err == nil || !strings.Contains(err.Error(), "REVOKE_TIMEOUT") {
		t.Fatalf("ConfigFromEnv() err=%v, want REVOKE_TIMEOUT rejection", err)
	}
}
