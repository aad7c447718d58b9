// Package dispatch runs each workload as an isolated Kubernetes Job. The
// credential bundle is mounted from a Secret with the same deterministic
// name as the Job, so resubmitting an execution never creates a second unit.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/rangekeeper/internal/credentials"
	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/env"
	"github.com/animus-labs/rangekeeper/internal/platform/k8s"
)

const (
	EnvExecutionID      = "RK_EXECUTION_ID"
	EnvResourceTag      = "RK_RESOURCE_TAG"
	EnvWorkload         = "RK_WORKLOAD"
	EnvDeadline         = "RK_DEADLINE"
	EnvPrincipalID      = "RK_PRINCIPAL_ID"
	EnvCredentialSecret = "RK_CREDENTIAL_SECRET"
	EnvCredentialExpiry = "RK_CREDENTIAL_EXPIRES_AT"
	EnvRunToken         = "RK_RUN_TOKEN"
	EnvCallbackURL      = "RK_CALLBACK_URL"
)

// JobClient is the Kubernetes surface the dispatcher needs.
type JobClient interface {
	CreateJob(ctx context.Context, namespace string, job k8s.Job) error
	GetJob(ctx context.Context, namespace string, name string) (k8s.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error
	CreateSecret(ctx context.Context, namespace string, secret k8s.Secret) error
	DeleteSecret(ctx context.Context, namespace string, name string) error
}

type Config struct {
	Namespace      string
	ServiceAccount string
	JobTTL         time.Duration
	CallbackURL    string
	Images         ImagePolicy
	Bounds         ResourceBounds
}

// ConfigFromEnv reads the runtime settings. Images and Bounds come from the
// policy file and are filled in by the caller.
func ConfigFromEnv() (Config, error) {
	ttl, err := env.Duration("DISPATCH_JOB_TTL", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Namespace:      strings.TrimSpace(env.String("DISPATCH_NAMESPACE", "")),
		ServiceAccount: strings.TrimSpace(env.String("DISPATCH_SERVICE_ACCOUNT", "")),
		JobTTL:         ttl,
		CallbackURL:    strings.TrimSpace(env.String("DISPATCH_CALLBACK_URL", "")),
		Bounds:         DefaultResourceBounds(),
	}, nil
}

func (c Config) Validate() error {
	if c.JobTTL < 0 {
		return errors.New("DISPATCH_JOB_TTL must be non-negative")
	}
	if err := c.Images.Validate(); err != nil {
		return err
	}
	return c.Bounds.Validate()
}

// Submission is everything needed to build one isolated unit.
type Submission struct {
	ExecutionID string
	ResourceTag string
	Workload    domain.WorkloadSpec
	Credential  credentials.Issued
	Duration    time.Duration
}

type KubernetesDispatcher struct {
	client JobClient
	cfg    Config
	logger *slog.Logger
}

func NewKubernetesDispatcher(client JobClient, cfg Config, logger *slog.Logger) (*KubernetesDispatcher, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &KubernetesDispatcher{client: client, cfg: cfg, logger: logger}, nil
}

// Name derives the dispatch name from an execution id.
func Name(executionID string) string {
	sum := sha256.Sum256([]byte(executionID))
	return "rk-" + hex.EncodeToString(sum[:])[:16]
}

func (d *KubernetesDispatcher) DispatchID(executionID string) string {
	return Name(executionID)
}

// Verify checks the image and resource requests without side effects.
func (d *KubernetesDispatcher) Verify(workload domain.WorkloadSpec) error {
	if _, err := d.cfg.Images.Verify(workload.Image); err != nil {
		return err
	}
	_, err := d.cfg.Bounds.Resolve(workload)
	return err
}

// Submit creates the credential Secret and the Job. Both creates tolerate
// AlreadyExists, so a repeated Submit returns the same dispatch id.
func (d *KubernetesDispatcher) Submit(ctx context.Context, sub Submission) (string, error) {
	if strings.TrimSpace(sub.ExecutionID) == "" {
		return "", domain.Validationf("execution id is required")
	}
	image, err := d.cfg.Images.Verify(sub.Workload.Image)
	if err != nil {
		return "", err
	}
	resources, err := d.cfg.Bounds.Resolve(sub.Workload)
	if err != nil {
		return "", err
	}

	name := Name(sub.ExecutionID)
	labels := map[string]string{
		"app.kubernetes.io/name":      "rangekeeper",
		"app.kubernetes.io/component": "workload",
		"rangekeeper/execution-id":    sub.ExecutionID,
		"rangekeeper/resource-tag":    sub.ResourceTag,
	}

	secret := k8s.Secret{
		Metadata: k8s.ObjectMeta{Name: name, Labels: labels},
		StringData: map[string]string{
			EnvPrincipalID:      sub.Credential.Credential.PrincipalID,
			EnvCredentialSecret: sub.Credential.Secret,
			EnvCredentialExpiry: sub.Credential.Credential.ExpiresAt.UTC().Format(time.RFC3339),
			EnvRunToken:         sub.Credential.RunToken,
		},
	}
	if err := d.client.CreateSecret(ctx, d.cfg.Namespace, secret); err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return "", fmt.Errorf("submit %s: %w", name, err)
	}

	job := d.buildJob(name, labels, image, resources, sub)
	if err := d.client.CreateJob(ctx, d.cfg.Namespace, job); err != nil {
		if errors.Is(err, k8s.ErrAlreadyExists) {
			d.logger.Info("dispatch already exists", "execution_id", sub.ExecutionID, "dispatch_id", name)
			return name, nil
		}
		return "", fmt.Errorf("submit %s: %w", name, err)
	}
	d.logger.Info("workload dispatched",
		"execution_id", sub.ExecutionID,
		"dispatch_id", name,
		"image", image.String(),
		"cpu", resources.CPU,
		"memory", resources.Memory,
	)
	return name, nil
}

func (d *KubernetesDispatcher) buildJob(name string, labels map[string]string, image ImageRef, resources Resources, sub Submission) k8s.Job {
	vars := []k8s.EnvVar{
		{Name: EnvExecutionID, Value: sub.ExecutionID},
		{Name: EnvResourceTag, Value: sub.ResourceTag},
		{Name: EnvWorkload, Value: sub.Workload.Name},
		{Name: EnvDeadline, Value: sub.Duration.String()},
	}
	if d.cfg.CallbackURL != "" {
		vars = append(vars, k8s.EnvVar{Name: EnvCallbackURL, Value: d.cfg.CallbackURL})
	}
	keys := make([]string, 0, len(sub.Workload.Env))
	for k := range sub.Workload.Env {
		key := strings.TrimSpace(k)
		if key == "" || isReservedEnvKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		vars = append(vars, k8s.EnvVar{Name: key, Value: sub.Workload.Env[key]})
	}

	limits := map[string]string{"cpu": resources.CPU, "memory": resources.Memory}
	yes, no := true, false
	container := k8s.Container{
		Name:      "workload",
		Image:     image.String(),
		Command:   sub.Workload.Command,
		Args:      sub.Workload.Args,
		Env:       vars,
		EnvFrom:   []k8s.EnvFromSource{{SecretRef: &k8s.SecretReference{Name: name}}},
		Resources: k8s.ResourceRequirements{Limits: limits, Requests: limits},
		SecurityContext: &k8s.SecurityContext{
			RunAsNonRoot:             &yes,
			AllowPrivilegeEscalation: &no,
			ReadOnlyRootFilesystem:   &yes,
		},
	}

	podSpec := k8s.PodSpec{
		RestartPolicy:                "Never",
		AutomountServiceAccountToken: &no,
		Containers:                   []k8s.Container{container},
	}
	if d.cfg.ServiceAccount != "" {
		podSpec.ServiceAccountName = d.cfg.ServiceAccount
	}

	backoff := int32(0)
	spec := k8s.JobSpec{
		BackoffLimit: &backoff,
		Template: k8s.PodTemplateSpec{
			Metadata: k8s.ObjectMeta{Labels: labels},
			Spec:     podSpec,
		},
	}
	if sub.Duration > 0 {
		seconds := int64(math.Ceil(sub.Duration.Seconds()))
		spec.ActiveDeadlineSeconds = &seconds
	}
	if d.cfg.JobTTL > 0 {
		ttl := int32(d.cfg.JobTTL / time.Second)
		spec.TTLSecondsAfterFinished = &ttl
	}
	return k8s.Job{
		Metadata: k8s.ObjectMeta{Name: name, Labels: labels},
		Spec:     spec,
	}
}

func (d *KubernetesDispatcher) Status(ctx context.Context, dispatchID string) (domain.DispatchStatus, error) {
	job, err := d.client.GetJob(ctx, d.cfg.Namespace, dispatchID)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return domain.DispatchNotFound, nil
		}
		return "", fmt.Errorf("status %s: %w", dispatchID, err)
	}
	if cond, ok := job.Status.FindCondition("Failed"); ok && strings.EqualFold(cond.Status, "True") {
		return domain.DispatchFailed, nil
	}
	if cond, ok := job.Status.FindCondition("Complete"); ok && strings.EqualFold(cond.Status, "True") {
		return domain.DispatchSucceeded, nil
	}
	if job.Status.Active > 0 {
		return domain.DispatchRunning, nil
	}
	return domain.DispatchPending, nil
}

// Delete removes the Job and its Secret. Missing objects count as deleted.
func (d *KubernetesDispatcher) Delete(ctx context.Context, dispatchID string) error {
	var errs []error
	if err := d.client.DeleteJob(ctx, d.cfg.Namespace, dispatchID); err != nil && !errors.Is(err, k8s.ErrNotFound) {
		errs = append(errs, fmt.Errorf("delete job %s: %w", dispatchID, err))
	}
	if err := d.client.DeleteSecret(ctx, d.cfg.Namespace, dispatchID); err != nil && !errors.Is(err, k8s.ErrNotFound) {
		errs = append(errs, fmt.Errorf("delete secret %s: %w", dispatchID, err))
	}
	return errors.Join(errs...)
}

func isReservedEnvKey(key string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(key)), "RK_")
}
