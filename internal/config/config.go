// Package config assembles the process configuration: environment settings
// for every component plus the YAML policy file.
package config

import (
	"fmt"
	"strings"

	"github.com/animus-labs/rangekeeper/internal/admission"
	"github.com/animus-labs/rangekeeper/internal/credentials"
	"github.com/animus-labs/rangekeeper/internal/dispatch"
	"github.com/animus-labs/rangekeeper/internal/orchestrator"
	"github.com/animus-labs/rangekeeper/internal/platform/auth"
	"github.com/animus-labs/rangekeeper/internal/platform/controlplane"
	"github.com/animus-labs/rangekeeper/internal/platform/env"
	"github.com/animus-labs/rangekeeper/internal/platform/httpserver"
	"github.com/animus-labs/rangekeeper/internal/platform/logging"
	"github.com/animus-labs/rangekeeper/internal/platform/objectstore"
	"github.com/animus-labs/rangekeeper/internal/platform/postgres"
	"github.com/animus-labs/rangekeeper/internal/platform/sqlitepool"
	"github.com/animus-labs/rangekeeper/internal/reconcile"
	"github.com/animus-labs/rangekeeper/internal/retry"
)

const ServiceName = "rangekeeper"

type StoreKind string

const (
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
	StoreMemory   StoreKind = "memory"
)

func ParseStoreKind(raw string) (StoreKind, error) {
	switch kind := StoreKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case StorePostgres, StoreSQLite, StoreMemory:
		return kind, nil
	default:
		return "", fmt.Errorf("store must be one of: postgres, sqlite, memory (got %q)", raw)
	}
}

// Config is read once at startup. Component sections that depend on the
// selected store or on an enabled integration are only loaded when needed.
type Config struct {
	Store        StoreKind
	PolicyPath   string
	ScenarioDir  string
	EventBuffer  int
	Logging      logging.Config
	HTTP         httpserver.Config
	Auth         auth.Config
	Postgres     postgres.Config
	SQLite       sqlitepool.Config
	ObjectStore  objectstore.Config
	ControlPlane controlplane.Config
	Dispatch     dispatch.Config
	Credentials  credentials.Config
	Reconcile    reconcile.Config
	Admission    admission.Config
	Orchestrator orchestrator.Config
	// Calls is the retry policy for individual control-plane and store calls.
	Calls  retry.Policy
	Policy Policy
}

// Overrides carries command-line values that win over the environment.
type Overrides struct {
	Store       string
	PolicyPath  string
	ScenarioDir string
	Addr        string
}

func Load(o Overrides) (Config, error) {
	var cfg Config
	var err error

	storeRaw := env.String("STORE", string(StorePostgres))
	if o.Store != "" {
		storeRaw = o.Store
	}
	if cfg.Store, err = ParseStoreKind(storeRaw); err != nil {
		return Config{}, err
	}
	cfg.PolicyPath = firstNonEmpty(o.PolicyPath, env.String("POLICY_FILE", "/etc/rangekeeper/policy.yaml"))
	cfg.ScenarioDir = firstNonEmpty(o.ScenarioDir, env.String("SCENARIO_DIR", "/etc/rangekeeper/scenarios"))
	if cfg.EventBuffer, err = env.Int("EVENT_BUFFER", 1024); err != nil {
		return Config{}, err
	}

	if cfg.Logging, err = logging.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("logging: %w", err)
	}
	if cfg.HTTP, err = httpserver.ConfigFromEnv(ServiceName); err != nil {
		return Config{}, fmt.Errorf("http: %w", err)
	}
	if o.Addr != "" {
		cfg.HTTP.Addr = o.Addr
	}
	if cfg.Auth, err = auth.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("auth: %w", err)
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.Postgres, err = postgres.ConfigFromEnv(); err != nil {
			return Config{}, fmt.Errorf("postgres: %w", err)
		}
	case StoreSQLite:
		if cfg.SQLite, err = sqlitepool.ConfigFromEnv(); err != nil {
			return Config{}, fmt.Errorf("sqlite: %w", err)
		}
	}
	if cfg.ObjectStore, err = objectstore.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("object store: %w", err)
	}
	if cfg.ControlPlane, err = controlplane.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("control plane: %w", err)
	}
	if cfg.Dispatch, err = dispatch.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("dispatch: %w", err)
	}
	if cfg.Credentials, err = credentials.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("credentials: %w", err)
	}
	if cfg.Reconcile, err = reconcile.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("reconcile: %w", err)
	}
	if cfg.Admission, err = admissionFromEnv(); err != nil {
		return Config{}, fmt.Errorf("admission: %w", err)
	}
	if cfg.Orchestrator, err = orchestrator.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("orchestrator: %w", err)
	}
	if cfg.Calls, err = retry.PolicyFromEnv("CONTROL_PLANE_RETRY_"); err != nil {
		return Config{}, err
	}

	if cfg.Policy, err = LoadPolicy(cfg.PolicyPath); err != nil {
		return Config{}, err
	}
	cfg.applyPolicy()
	if err := cfg.Dispatch.Validate(); err != nil {
		return Config{}, fmt.Errorf("dispatch: %w", err)
	}
	if err := cfg.Orchestrator.Validate(); err != nil {
		return Config{}, fmt.Errorf("orchestrator: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyPolicy() {
	c.Dispatch.Images = c.Policy.Images
	c.Dispatch.Bounds = c.Policy.Resources
	c.Orchestrator.ClassScopes = c.Policy.Credentials.ClassScopes
	c.Orchestrator.DefaultScope = c.Policy.Credentials.DefaultScope
}

func admissionFromEnv() (admission.Config, error) {
	def := admission.DefaultConfig()
	attempts, err := env.Int("ADMISSION_MAX_ATTEMPTS", def.MaxAttempts)
	if err != nil {
		return admission.Config{}, err
	}
	failOpen, err := env.Bool("ADMISSION_FAIL_OPEN", def.FailOpen)
	if err != nil {
		return admission.Config{}, err
	}
	retryAfter, err := env.Duration("ADMISSION_CONTENTION_RETRY_AFTER", def.ContentionRetryAfter)
	if err != nil {
		return admission.Config{}, err
	}
	if attempts < 1 {
		return admission.Config{}, fmt.Errorf("ADMISSION_MAX_ATTEMPTS must be >= 1")
	}
	if retryAfter <= 0 {
		return admission.Config{}, fmt.Errorf("ADMISSION_CONTENTION_RETRY_AFTER must be positive")
	}
	return admission.Config{MaxAttempts: attempts, FailOpen: failOpen, ContentionRetryAfter: retryAfter}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
