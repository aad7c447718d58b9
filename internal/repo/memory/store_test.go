package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/repo"
)

func newExecution(id string) domain.Execution {
	return domain.Execution{
		ID:           id,
		WorkloadName: "iam-escalation",
		RequestedBy:  "alice",
		Status:       domain.StatusQueued,
		Duration:     time.Minute,
		ResourceTag:  "rk-" + id,
		CreatedAt:    time.Unix(1700000000, 0).UTC(),
	}
}

func TestTransitionStaleFromReturnsConflict(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore()
	if err := store.CreateExecution(ctx, newExecution("exec-1")); err != nil {
		t.Fatalf("CreateExecution() err=%v", err)
	}
	if _, err := store.TransitionExecution(ctx, "exec-1", domain.StatusQueued, domain.StatusProvisioning, domain.TransitionFields{Reason: "admitted"}); err != nil {
		t.Fatalf("TransitionExecution() err=%v", err)
	}
	_, err := store.TransitionExecution(ctx, "exec-1", domain.StatusQueued, domain.StatusProvisioning, domain.TransitionFields{})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict on stale from, got %v", err)
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() err=%v", err)
	}
	if got.Status != domain.StatusProvisioning {
		t.Fatalf("status=%s, want provisioning", got.Status)
	}
	history, err := store.ListTransitions(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListTransitions() err=%v", err)
	}
	if len(history) != 1 || history[0].Reason != "admitted" || history[0].Seq != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestTransitionRacersOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore()
	if err := store.CreateExecution(ctx, newExecution("exec-1")); err != nil {
		t.Fatalf("CreateExecution() err=%v", err)
	}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TransitionExecution(ctx, "exec-1", domain.StatusQueued, domain.StatusProvisioning, domain.TransitionFields{}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins=%d, want 1", wins.Load())
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore()
	_ = store.CreateExecution(ctx, newExecution("exec-1"))
	if _, err := store.TransitionExecution(ctx, "exec-1", domain.StatusQueued, domain.StatusCompleted, domain.TransitionFields{}); err == nil {
		t.Fatalf("expected error for invalid edge")
	}
}

func TestApplyCountersAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewCounterStore()
	global := domain.ScopeKey{Type: domain.ScopeGlobal, Key: "default"}
	class := domain.ScopeKey{Type: domain.ScopeWorkloadClass, Key: "heavy"}

	err := store.ApplyCounters(ctx, []repo.CounterUpdate{
		{Counter: domain.RateLimitCounter{Scope: global, Count: 1, Capacity: 3}},
	})
	if err != nil {
		t.Fatalf("ApplyCounters() err=%v", err)
	}

	err = store.ApplyCounters(ctx, []repo.CounterUpdate{
		{Counter: domain.RateLimitCounter{Scope: class, Count: 1, Capacity: 1}},
		{Counter: domain.RateLimitCounter{Scope: global, Count: 2, Capacity: 3}, ExpectedVersion: 7},
	})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.GetCounter(ctx, class); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("class counter must not be written on conflict, err=%v", err)
	}
	got, err := store.GetCounter(ctx, global)
	if err != nil {
		t.Fatalf("GetCounter() err=%v", err)
	}
	if got.Version != 1 || got.Count != 1 {
		t.Fatalf("unexpected counter: %+v", got)
	}
}

func TestCredentialStoreOneLivePerExecution(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()
	now := time.Unix(1700000000, 0).UTC()
	cred := domain.Credential{ID: "cred-1", ExecutionID: "exec-1", PrincipalID: "p-1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := store.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential() err=%v", err)
	}
	second := cred
	second.ID = "cred-2"
	if err := store.CreateCredential(ctx, second); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	changed, err := store.MarkRevoked(ctx, "cred-1", now.Add(time.Minute))
	if err != nil || !changed {
		t.Fatalf("MarkRevoked() changed=%v err=%v", changed, err)
	}
	changed, err = store.MarkRevoked(ctx, "cred-1", now.Add(2*time.Minute))
	if err != nil || changed {
		t.Fatalf("second MarkRevoked() changed=%v err=%v", changed, err)
	}
	if _, err := store.GetLiveCredentialForExecution(ctx, "exec-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no live credential, got %v", err)
	}
	if err := store.CreateCredential(ctx, second); err != nil {
		t.Fatalf("CreateCredential() after revoke err=%v", err)
	}
}

func TestListExpiredUnrevoked(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()
	now := time.Unix(1700000000, 0).UTC()
	_ = store.CreateCredential(ctx, domain.Credential{ID: "old", ExecutionID: "e1", PrincipalID: "p", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})
	_ = store.CreateCredential(ctx, domain.Credential{ID: "fresh", ExecutionID: "e2", PrincipalID: "p", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})

	expired, err := store.ListExpiredUnrevoked(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredUnrevoked() err=%v", err)
	}
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
}

func TestListOrphanedUnrevoked(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Unix(1700000000, 0).UTC()
	for _, id := range []string{"done", "running"} {
		if err := store.Executions().CreateExecution(ctx, newExecution(id)); err != nil {
			t.Fatalf("CreateExecution(%s) err=%v", id, err)
		}
		if err := store.Credentials().CreateCredential(ctx, domain.Credential{
			ID: "cred-" + id, ExecutionID: id, PrincipalID: "p-" + id, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
		}); err != nil {
			t.Fatalf("CreateCredential(%s) err=%v", id, err)
		}
	}
	if _, err := store.Executions().TransitionExecution(ctx, "done", domain.StatusQueued, domain.StatusFailed, domain.TransitionFields{Reason: "expired"}); err != nil {
		t.Fatalf("TransitionExecution() err=%v", err)
	}

	orphaned, err := store.Credentials().ListOrphanedUnrevoked(ctx, 10)
	if err != nil {
		t.Fatalf("ListOrphanedUnrevoked() err=%v", err)
	}
	if len(orphaned) != 1 || orphaned[0].ID != "cred-done" {
		t.Fatalf("unexpected orphaned set: %+v", orphaned)
	}

	if _, err := store.Credentials().MarkRevoked(ctx, "cred-done", now); err != nil {
		t.Fatalf("MarkRevoked() err=%v", err)
	}
	if orphaned, _ := store.Credentials().ListOrphanedUnrevoked(ctx, 10); len(orphaned) != 0 {
		t.Fatalf("revoked credential still listed: %+v", orphaned)
	}
}
