package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/animus-labs/rangekeeper/internal/admission"
	"github.com/animus-labs/rangekeeper/internal/config"
	"github.com/animus-labs/rangekeeper/internal/credentials"
	"github.com/animus-labs/rangekeeper/internal/dispatch"
	"github.com/animus-labs/rangekeeper/internal/eventsink"
	"github.com/animus-labs/rangekeeper/internal/httpapi"
	"github.com/animus-labs/rangekeeper/internal/orchestrator"
	"github.com/animus-labs/rangekeeper/internal/platform/auth"
	"github.com/animus-labs/rangekeeper/internal/platform/controlplane"
	"github.com/animus-labs/rangekeeper/internal/platform/env"
	"github.com/animus-labs/rangekeeper/internal/platform/httpserver"
	"github.com/animus-labs/rangekeeper/internal/platform/k8s"
	"github.com/animus-labs/rangekeeper/internal/platform/logging"
	"github.com/animus-labs/rangekeeper/internal/platform/objectstore"
	"github.com/animus-labs/rangekeeper/internal/platform/postgres"
	"github.com/animus-labs/rangekeeper/internal/reconcile"
	"github.com/animus-labs/rangekeeper/internal/repo"
	"github.com/animus-labs/rangekeeper/internal/repo/memory"
	pgrepo "github.com/animus-labs/rangekeeper/internal/repo/postgres"
	sqliterepo "github.com/animus-labs/rangekeeper/internal/repo/sqlite"
	"github.com/animus-labs/rangekeeper/internal/reports"
	"github.com/animus-labs/rangekeeper/internal/scenario"
	"github.com/animus-labs/rangekeeper/internal/tracker"
)

func main() {
	var overrides config.Overrides
	flags := pflag.NewFlagSet("rangekeeper", pflag.ExitOnError)
	flags.StringVar(&overrides.PolicyPath, "policy", "", "policy file (default $POLICY_FILE)")
	flags.StringVar(&overrides.ScenarioDir, "scenarios", "", "scenario directory (default $SCENARIO_DIR)")
	flags.StringVar(&overrides.Addr, "addr", "", "HTTP listen address (default $HTTP_ADDR)")
	flags.StringVar(&overrides.Store, "store", "", "state store: postgres, sqlite or memory (default $STORE)")
	_ = flags.Parse(os.Args[1:])

	os.Exit(run(overrides))
}

func run(overrides config.Overrides) int {
	cfg, err := config.Load(overrides)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid configuration", "error", err)
		return 2
	}
	logger := logging.New(os.Stdout, cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store unavailable", "store", cfg.Store, "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	scenarios, err := scenario.NewRepository(cfg.ScenarioDir)
	if err != nil {
		logger.Error("scenario repository unavailable", "error", err)
		return 2
	}

	controlPlane, err := controlplane.New(ctx, cfg.ControlPlane)
	if err != nil {
		logger.Error("control plane client init failed", "error", err)
		return 2
	}

	k8sClient, err := newKubernetesClient()
	if err != nil {
		logger.Error("k8s client init failed", "error", err)
		return 2
	}
	if cfg.Dispatch.Namespace == "" {
		cfg.Dispatch.Namespace = k8sClient.Namespace()
	}
	dispatcher, err := dispatch.NewKubernetesDispatcher(k8sClient, cfg.Dispatch, logger)
	if err != nil {
		logger.Error("dispatcher init failed", "error", err)
		return 2
	}

	reportStore, checks, err := newReportStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("report store unavailable", "error", err)
		return 1
	}
	checks = append([]httpserver.ReadinessCheck{{
		Name: string(cfg.Store),
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return store.Ping(checkCtx)
		},
	}}, checks...)

	authenticator, err := newAuthenticator(ctx, cfg.Auth)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		return 2
	}

	events := eventsink.New(logger.With("component", "events"), cfg.EventBuffer)
	credentialManager := credentials.NewManager(store.Credentials(), controlPlane, cfg.Credentials, cfg.Calls, logger)
	coordinator, err := orchestrator.New(orchestrator.Deps{
		Tracker:     tracker.New(store.Executions(), logger),
		Admission:   admission.New(store.Counters(), cfg.Policy.AdmissionPolicy(), cfg.Admission, logger),
		Credentials: credentialManager,
		Dispatcher:  dispatcher,
		Reconciler:  reconcile.New(controlPlane, cfg.Reconcile, cfg.Calls, logger),
		Scenarios:   scenarios,
		Events:      events,
		Reports:     reportStore,
		Calls:       cfg.Calls,
		Logger:      logger,
	}, cfg.Orchestrator)
	if err != nil {
		logger.Error("coordinator init failed", "error", err)
		return 2
	}

	var loops sync.WaitGroup
	loops.Go(func() { events.Run(ctx) })
	loops.Go(func() { credentialManager.Run(ctx) })
	loops.Go(func() { coordinator.Run(ctx) })

	if recovered, err := coordinator.Recover(ctx); err != nil {
		logger.Error("startup recovery failed", "error", err)
	} else if recovered > 0 {
		logger.Info("resumed interrupted executions", "count", recovered)
	}

	handler := httpapi.NewHandler(httpapi.Options{
		Service:       config.ServiceName,
		Logger:        logger,
		Executions:    coordinator,
		Authenticator: authenticator,
		Readiness:     checks,
	})

	exitCode := 0
	if err := httpserver.Run(ctx, logger, cfg.HTTP, handler); err != nil {
		logger.Error("http server stopped", "error", err)
		exitCode = 1
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", "error", err)
	}
	loops.Wait()
	return exitCode
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repo.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store := pgrepo.New(db)
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := store.Migrate(migrateCtx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store, nil
	case config.StoreSQLite:
		sqliteCfg := cfg.SQLite
		sqliteCfg.Logger = logger
		store, err := sqliterepo.Open(sqliteCfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}

// newKubernetesClient prefers an explicit API server and falls back to the
// in-cluster service account.
func newKubernetesClient() (*k8s.Client, error) {
	apiURL := strings.TrimSpace(env.String("K8S_API_URL", ""))
	if apiURL == "" {
		return k8s.NewInClusterClient()
	}
	return k8s.NewClient(apiURL, env.String("K8S_TOKEN", ""), env.String("K8S_NAMESPACE", "default"), nil)
}

func newReportStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (orchestrator.ReportStore, []httpserver.ReadinessCheck, error) {
	if !cfg.ObjectStore.Enabled() {
		logger.Info("object store not configured, reports go to the log")
		return reports.NewLogStore(logger), nil, nil
	}
	client, err := objectstore.NewMinIOClient(cfg.ObjectStore)
	if err != nil {
		return nil, nil, err
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBucket(startupCtx, client, cfg.ObjectStore); err != nil {
		return nil, nil, err
	}
	store, err := reports.NewMinioStore(client, cfg.ObjectStore.BucketReports)
	if err != nil {
		return nil, nil, err
	}
	check := httpserver.ReadinessCheck{
		Name: "minio",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return objectstore.CheckBucket(checkCtx, client, cfg.ObjectStore)
		},
	}
	return store, []httpserver.ReadinessCheck{check}, nil
}

// newAuthenticator layers run-token verification over the operator
// authenticator selected by AUTH_MODE.
func newAuthenticator(ctx context.Context, cfg auth.Config) (auth.Authenticator, error) {
	var operators auth.Authenticator
	switch cfg.Mode {
	case auth.ModeOIDC:
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		operators = oidcAuth
	case auth.ModeDev:
		operators = auth.NewDevAuthenticator(cfg)
	case auth.ModeDisabled:
		operators = auth.NewDevAuthenticator(auth.Config{DevSubject: "anonymous", DevRoles: []string{auth.RoleAdmin}})
	default:
		return nil, errors.New("unsupported auth mode")
	}
	return auth.RunTokenAuthenticator{Secret: cfg.RunTokenSecret, Next: operators}, nil
}
