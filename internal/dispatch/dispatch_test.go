package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/rangekeeper/internal/credentials"
	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/k8s"
)

type fakeJobClient struct {
	mu      sync.Mutex
	jobs    map[string]k8s.Job
	secrets map[string]k8s.Secret
	creates int
	getErr  error
}

func newFakeJobClient() *fakeJobClient {
	return &fakeJobClient{jobs: map[string]k8s.Job{}, secrets: map[string]k8s.Secret{}}
}

func (f *fakeJobClient) CreateJob(_ context.Context, _ string, job k8s.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if _, ok := f.jobs[job.Metadata.Name]; ok {
		return fmt.Errorf("create job: %w", k8s.ErrAlreadyExists)
	}
	f.jobs[job.Metadata.Name] = job
	return nil
}

func (f *fakeJobClient) GetJob(_ context.Context, _ string, name string) (k8s.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return k8s.Job{}, f.getErr
	}
	job, ok := f.jobs[name]
	if !ok {
		return k8s.Job{}, fmt.Errorf("get job: %w", k8s.ErrNotFound)
	}
	return job, nil
}

func (f *fakeJobClient) DeleteJob(_ context.Context, _ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[name]; !ok {
		return fmt.Errorf("delete job: %w", k8s.ErrNotFound)
	}
	delete(f.jobs, name)
	return nil
}

func (f *fakeJobClient) CreateSecret(_ context.Context, _ string, secret k8s.Secret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[secret.Metadata.Name]; ok {
		return fmt.Errorf("create secret: %w", k8s.ErrAlreadyExists)
	}
	f.secrets[secret.Metadata.Name] = secret
	return nil
}

func (f *fakeJobClient) DeleteSecret(_ context.Context, _ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[name]; !ok {
		return fmt.Errorf("delete secret: %w", k8s.ErrNotFound)
	}
	delete(f.secrets, name)
	return nil
}

func (f *fakeJobClient) setStatus(name string, status k8s.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[name]
	job.Status = status
	f.jobs[name] = job
}

func newTestDispatcher(t *testing.T, client JobClient) *KubernetesDispatcher {
	t.Helper()
	d, err := NewKubernetesDispatcher(client, Config{
		Namespace: "ranges",
		JobTTL:    5 * time.Minute,
		Images:    ImagePolicy{AllowedRegistries: []string{"registry.ranges.internal"}},
		Bounds:    DefaultResourceBounds(),
	}, nil)
	if err != nil {
		t.Fatalf("NewKubernetesDispatcher() err=%v", err)
	}
	return d
}

func testSubmission() Submission {
	return Submission{
		ExecutionID: "exec-1",
		ResourceTag: "rk-tag-1",
		Workload: domain.WorkloadSpec{
			Name:  "recon",
			Class: "standard",
			Image: "registry.ranges.internal/recon:v2@" + digestA,
			Env:   map[string]string{"TARGET": "range-a", "RK_RUN_TOKEN": "spoofed"},
		},
		Credential: credentials.Issued{
			Credential: domain.Credential{PrincipalID: "principal-1", ExpiresAt: time.Date(2026, 5, 1, 21, 0, 0, 0, time.UTC)},
			Secret:     "s3cr3t",
			RunToken:   "rk_run_v1.payload.sig",
		},
		Duration: 90*time.Second + 500*time.Millisecond,
	}
}

func TestNameIsDeterministic(t *testing.T) {
	a, b := Name("exec-1"), Name("exec-1")
	if a != b {
		t.Fatalf("Name() not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "rk-") || len(a) != 19 {
		t.Fatalf("Name()=%q", a)
	}
	if Name("exec-2") == a {
		t.Fatalf("distinct executions share a name")
	}
}

func TestSubmitBuildsIsolatedJob(t *testing.T) {
	client := newFakeJobClient()
	d := newTestDispatcher(t, client)

	id, err := d.Submit(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if id != Name("exec-1") {
		t.Fatalf("dispatch id=%q", id)
	}

	secret, ok := client.secrets[id]
	if !ok {
		t.Fatalf("credential secret not created")
	}
	if secret.StringData[EnvCredentialSecret] != "s3cr3t" || secret.StringData[EnvRunToken] != "rk_run_v1.payload.sig" {
		t.Fatalf("secret data=%v", secret.StringData)
	}

	job := client.jobs[id]
	container := job.Spec.Template.Spec.Containers[0]
	if container.Image != "registry.ranges.internal/recon@"+digestA {
		t.Fatalf("image=%q", container.Image)
	}
	if container.Resources.Limits["cpu"] != "500m" || container.Resources.Limits["memory"] != "512Mi" {
		t.Fatalf("limits=%v", container.Resources.Limits)
	}
	if len(container.EnvFrom) != 1 || container.EnvFrom[0].SecretRef.Name != id {
		t.Fatalf("envFrom=%+v", container.EnvFrom)
	}
	for _, v := range container.Env {
		if v.Name == EnvRunToken {
			t.Fatalf("workload env overrode a reserved key")
		}
	}
	if job.Spec.ActiveDeadlineSeconds == nil || *job.Spec.ActiveDeadlineSeconds != 91 {
		t.Fatalf("activeDeadlineSeconds=%v", job.Spec.ActiveDeadlineSeconds)
	}
	if job.Metadata.Labels["rangekeeper/resource-tag"] != "rk-tag-1" {
		t.Fatalf("labels=%v", job.Metadata.Labels)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	client := newFakeJobClient()
	d := newTestDispatcher(t, client)

	first, err := d.Submit(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	second, err := d.Submit(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("second Submit() err=%v", err)
	}
	if first != second || len(client.jobs) != 1 {
		t.Fatalf("resubmission created a duplicate: %q %q jobs=%d", first, second, len(client.jobs))
	}
}

func TestSubmitRejectsUntrustedImageBeforeCreating(t *testing.T) {
	client := newFakeJobClient()
	d := newTestDispatcher(t, client)
	sub := testSubmission()
	sub.Workload.Image = "registry.ranges.internal/recon:latest"

	if _, err := d.Submit(context.Background(), sub); !errors.Is(err, domain.ErrUntrustedImage) {
		t.Fatalf("Submit() err=%v, want untrusted image", err)
	}
	if client.creates != 0 || len(client.secrets) != 0 {
		t.Fatalf("untrusted image reached the cluster")
	}
}

func TestStatusMapsJobConditions(t *testing.T) {
	client := newFakeJobClient()
	d := newTestDispatcher(t, client)
	ctx := context.Background()

	if got, err := d.Status(ctx, "rk-missing"); err != nil || got != domain.DispatchNotFound {
		t.Fatalf("Status(missing)=%q err=%v", got, err)
	}

	id, err := d.Submit(ctx, testSubmission())
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	steps := []struct {
		status k8s.JobStatus
		want   domain.DispatchStatus
	}{
		{status: k8s.JobStatus{}, want: domain.DispatchPending},
		{status: k8s.JobStatus{Active: 1}, want: domain.DispatchRunning},
		{status: k8s.JobStatus{Conditions: []k8s.JobCondition{{Type: "Failed", Status: "True", Reason: "DeadlineExceeded"}}}, want: domain.DispatchFailed},
		{status: k8s.JobStatus{Conditions: []k8s.JobCondition{{Type: "Complete", Status: "True"}}}, want: domain.DispatchSucceeded},
	}
	for _, step := range steps {
		client.setStatus(id, step.status)
		got, err := d.Status(ctx, id)
		if err != nil || got != step.want {
			t.Fatalf("Status()=%q err=%v, want %q", got, err, step.want)
		}
	}

	client.getErr = &domain.TransientError{Op: "get job", Err: errors.New("503")}
	if _, err := d.Status(ctx, id); !domain.IsRetryable(err) {
		t.Fatalf("expected transient error to stay retryable, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	client := newFakeJobClient()
	d := newTestDispatcher(t, client)
	ctx := context.Background()
	id, err := d.Submit(ctx, testSubmission())
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if err := d.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	if err := d.Delete(ctx, id); err != nil {
		t.Fatalf("second Delete() err=%v", err)
	}
	if len(client.jobs) != 0 || len(client.secrets) != 0 {
		t.Fatalf("objects left behind")
	}
}

func TestVerifyRejectsOversizedRequest(t *testing.T) {
	d := newTestDispatcher(t, newFakeJobClient())
	workload := testSubmission().Workload
	workload.Memory = "64Gi"
	if err := d.Verify(workload); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Verify() err=%v, want validation error", err)
	}
}
