// Package memory implements the repositories in process memory. Writes are
// serialized by one mutex per store, so compare-and-set semantics match the
// SQL backends. Used by tests and by the memory store driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/repo"
)

type Store struct {
	executions  *ExecutionStore
	counters    *CounterStore
	credentials *CredentialStore
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	executions := NewExecutionStore()
	credentials := NewCredentialStore()
	credentials.executions = executions
	return &Store{
		executions:  executions,
		counters:    NewCounterStore(),
		credentials: credentials,
	}
}

func (s *Store) Executions() repo.ExecutionRepository   { return s.executions }
func (s *Store) Counters() repo.CounterRepository       { return s.counters }
func (s *Store) Credentials() repo.CredentialRepository { return s.credentials }
func (s *Store) Ping(context.Context) error             { return nil }
func (s *Store) Close() error                           { return nil }

type ExecutionStore struct {
	mu          sync.RWMutex
	executions  map[string]domain.Execution
	transitions map[string][]domain.Transition
}

var _ repo.ExecutionRepository = (*ExecutionStore)(nil)

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		executions:  map[string]domain.Execution{},
		transitions: map[string][]domain.Transition{},
	}
}

func (s *ExecutionStore) CreateExecution(_ context.Context, execution domain.Execution) error {
	if err := execution.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; exists {
		return fmt.Errorf("%w: execution %q", repo.ErrAlreadyExists, execution.ID)
	}
	stored := execution.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.executions[execution.ID] = stored
	return nil
}

func (s *ExecutionStore) GetExecution(_ context.Context, id string) (domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[strings.TrimSpace(id)]
	if !ok {
		return domain.Execution{}, repo.ErrNotFound
	}
	return execution.Clone(), nil
}

func (s *ExecutionStore) terminal(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	return ok && execution.Status.IsTerminal()
}

func (s *ExecutionStore) ListExecutions(_ context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	s.mu.RLock()
	out := make([]domain.Execution, 0, len(s.executions))
	for _, execution := range s.executions {
		if filter.Matches(execution) {
			out = append(out, execution.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *ExecutionStore) TransitionExecution(_ context.Context, id string, from, to domain.ExecutionStatus, fields domain.TransitionFields) (domain.Execution, error) {
	if !domain.CanTransition(from, to) {
		return domain.Execution{}, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.executions[id]
	if !ok {
		return domain.Execution{}, repo.ErrNotFound
	}
	if current.Status != from {
		return domain.Execution{}, fmt.Errorf("%w: execution %q is %s, expected %s", repo.ErrConflict, id, current.Status, from)
	}

	at := fields.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	next := current.Clone()
	next.Status = to
	next.UpdatedAt = at
	if fields.Error != nil {
		errCopy := *fields.Error
		next.Error = &errCopy
	}
	if fields.DispatchID != "" {
		next.DispatchID = fields.DispatchID
	}
	if fields.CredentialID != "" {
		next.CredentialID = fields.CredentialID
	}
	if fields.Deadlines != nil {
		next.Deadlines = *fields.Deadlines
	}
	s.executions[id] = next

	history := s.transitions[id]
	entry := domain.Transition{
		ExecutionID: id,
		Seq:         int64(len(history) + 1),
		From:        from,
		To:          to,
		At:          at,
		Reason:      fields.Reason,
	}
	if fields.Error != nil {
		errCopy := *fields.Error
		entry.Error = &errCopy
	}
	s.transitions[id] = append(history, entry)
	return next.Clone(), nil
}

func (s *ExecutionStore) ListTransitions(_ context.Context, id string) ([]domain.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.executions[id]; !ok {
		return nil, repo.ErrNotFound
	}
	history := s.transitions[id]
	out := make([]domain.Transition, len(history))
	copy(out, history)
	return out, nil
}

type CounterStore struct {
	mu       sync.Mutex
	counters map[domain.ScopeKey]domain.RateLimitCounter
}

var _ repo.CounterRepository = (*CounterStore)(nil)

func NewCounterStore() *CounterStore {
	return &CounterStore{counters: map[domain.ScopeKey]domain.RateLimitCounter{}}
}

func (s *CounterStore) GetCounter(_ context.Context, scope domain.ScopeKey) (domain.RateLimitCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[scope]
	if !ok {
		return domain.RateLimitCounter{}, repo.ErrNotFound
	}
	return counter, nil
}

func (s *CounterStore) ApplyCounters(_ context.Context, updates []repo.CounterUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, update := range updates {
		current, exists := s.counters[update.Counter.Scope]
		switch {
		case update.ExpectedVersion == 0 && exists:
			return fmt.Errorf("%w: counter %s already exists", repo.ErrConflict, update.Counter.Scope)
		case update.ExpectedVersion != 0 && (!exists || current.Version != update.ExpectedVersion):
			return fmt.Errorf("%w: counter %s version changed", repo.ErrConflict, update.Counter.Scope)
		}
	}
	for _, update := range updates {
		next := update.Counter
		next.Version = update.ExpectedVersion + 1
		s.counters[next.Scope] = next
	}
	return nil
}

type CredentialStore struct {
	mu          sync.RWMutex
	credentials map[string]domain.Credential
	// executions resolves ListOrphanedUnrevoked; nil when the store stands alone.
	executions *ExecutionStore
}

var _ repo.CredentialRepository = (*CredentialStore)(nil)

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{credentials: map[string]domain.Credential{}}
}

func (s *CredentialStore) CreateCredential(_ context.Context, credential domain.Credential) error {
	if err := credential.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[credential.ID]; exists {
		return fmt.Errorf("%w: credential %q", repo.ErrAlreadyExists, credential.ID)
	}
	for _, existing := range s.credentials {
		if existing.ExecutionID == credential.ExecutionID && !existing.Revoked() {
			return fmt.Errorf("%w: execution %q already holds a live credential", repo.ErrAlreadyExists, credential.ExecutionID)
		}
	}
	s.credentials[credential.ID] = credential.Clone()
	return nil
}

func (s *CredentialStore) GetCredential(_ context.Context, id string) (domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, ok := s.credentials[id]
	if !ok {
		return domain.Credential{}, repo.ErrNotFound
	}
	return credential.Clone(), nil
}

func (s *CredentialStore) GetLiveCredentialForExecution(_ context.Context, executionID string) (domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, credential := range s.credentials {
		if credential.ExecutionID == executionID && !credential.Revoked() {
			return credential.Clone(), nil
		}
	}
	return domain.Credential{}, repo.ErrNotFound
}

func (s *CredentialStore) ListCredentialsForExecution(_ context.Context, executionID string) ([]domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Credential, 0, 1)
	for _, credential := range s.credentials {
		if credential.ExecutionID == executionID {
			out = append(out, credential.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *CredentialStore) MarkRevoked(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if credential.Revoked() {
		return false, nil
	}
	revokedAt := at.UTC()
	credential.RevokedAt = &revokedAt
	s.credentials[id] = credential
	return true, nil
}

func (s *CredentialStore) ListOrphanedUnrevoked(_ context.Context, limit int) ([]domain.Credential, error) {
	out := make([]domain.Credential, 0)
	if s.executions == nil {
		return out, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, credential := range s.credentials {
		if !credential.Revoked() && s.executions.terminal(credential.ExecutionID) {
			out = append(out, credential.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *CredentialStore) ListExpiredUnrevoked(_ context.Context, now time.Time, limit int) ([]domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Credential, 0)
	for _, credential := range s.credentials {
		if !credential.Revoked() && !now.Before(credential.ExpiresAt) {
			out = append(out, credential.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
