// Package registry provides the model registry: the authoritative store of
// every trained Model and the lifecycle state machine that governs which
// one, if any, is Active for a given type at any moment.
//
// The in-memory implementation enforces the registry invariants directly
// under a single registry-wide lock; the Postgres implementation (store.go) enforces them
// with row locking inside a transaction, serializing writes through sql.Tx
// rather than application-level mutexes when a durable backend is in play.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maliev/predictionservice/internal/model"
)

// Sentinel errors for the registry invariants (§3 Invariants M1-M3).
var (
	// ErrMultipleActive would be violated by promoting a second Active model
	// of the same type without first deprecating the current one (M1).
	ErrMultipleActive = errors.New("invariant violation: multiple active models for type")

	// ErrDuplicateVersion is returned when Save is given a (Type, Version)
	// pair that already exists in the registry (M2).
	ErrDuplicateVersion = errors.New("invariant violation: duplicate type+version")

	// ErrVersionNotMonotonic is returned when Save is given a version that
	// does not strictly exceed every existing version of that type (M3).
	ErrVersionNotMonotonic = errors.New("invariant violation: version must exceed all prior versions")

	// ErrNotFound is returned when a lookup finds no matching model.
	ErrNotFound = errors.New("model not found")

	// ErrInvalidTransition is returned when Transition is asked to move a
	// model between two states that are not adjacent in the lifecycle (§3).
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Registry is the read/write interface to the model registry. Implementations
// must enforce invariants M1 (single Active per type), M2 (unique
// type+version), and M3 (strict version monotonicity per type).
type Registry interface {
	// Save persists a new Model, rejecting it if M2 or M3 would be violated.
	Save(ctx context.Context, m *model.Model) error

	// GetActive returns the current Active model for t, or ErrNotFound if
	// none exists.
	GetActive(ctx context.Context, t model.Type) (*model.Model, error)

	// GetByID returns the model with the given ID, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.Model, error)

	// GetByVersion returns the model of type t at the given version, or
	// ErrNotFound.
	GetByVersion(ctx context.Context, t model.Type, v model.Version) (*model.Model, error)

	// ListVersions returns every model of type t, ordered oldest-first.
	ListVersions(ctx context.Context, t model.Type) ([]*model.Model, error)

	// Transition moves the model with the given ID to newStatus, enforcing
	// the lifecycle state machine and M1 (deprecating any prior Active model
	// of the same type when promoting a new one to Active).
	Transition(ctx context.Context, id string, newStatus model.Status) (*model.Model, error)

	// RecordRollback stamps a model that was just re-promoted via a rollback
	// with the reason it was rolled back to and the version it replaced, so
	// the fact survives past the in-memory return value of Transition.
	RecordRollback(ctx context.Context, id, reason, fromVersion string) error
}

// validTransitions enumerates the lifecycle state machine's adjacency (§3):
// Draft -> Testing -> Active -> Deprecated -> Archived, plus Testing -> Draft
// and the rollback edge Deprecated -> Active (re-promoting an older version).
var validTransitions = map[model.Status][]model.Status{
	model.StatusDraft:      {model.StatusTesting},
	model.StatusTesting:    {model.StatusActive, model.StatusDraft},
	model.StatusActive:     {model.StatusDeprecated},
	model.StatusDeprecated: {model.StatusArchived, model.StatusActive}, // rollback re-promotes
	model.StatusArchived:   {},
}

func isValidTransition(from, to model.Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// InMemory is a process-local Registry implementation; one RWMutex guards
// every model type, so writes are serialized across the whole registry.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[string]*model.Model
	byType map[model.Type][]*model.Model // ordered by insertion (== version order, enforced by M3)
}

// NewInMemory constructs an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[string]*model.Model),
		byType: make(map[model.Type][]*model.Model),
	}
}

func (r *InMemory) Save(_ context.Context, m *model.Model) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: model must have an ID", ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.byType[m.Type]

	for _, other := range existing {
		if other.Version.Compare(m.Version) == 0 {
			return fmt.Errorf("%w: %s %s", ErrDuplicateVersion, m.Type, m.Version)
		}

		if m.Version.Less(other.Version) || m.Version.Compare(other.Version) == 0 {
			return fmt.Errorf("%w: %s %s is not newer than existing %s",
				ErrVersionNotMonotonic, m.Type, m.Version, other.Version)
		}
	}

	cp := *m
	r.byID[cp.ID] = &cp
	r.byType[m.Type] = append(r.byType[m.Type], &cp)

	return nil
}

func (r *InMemory) GetActive(_ context.Context, t model.Type) (*model.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.byType[t] {
		if m.Status == model.StatusActive {
			cp := *m

			return &cp, nil
		}
	}

	return nil, fmt.Errorf("%w: no active model for type %s", ErrNotFound, t)
}

func (r *InMemory) GetByID(_ context.Context, id string) (*model.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	cp := *m

	return &cp, nil
}

func (r *InMemory) GetByVersion(_ context.Context, t model.Type, v model.Version) (*model.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.byType[t] {
		if m.Version.Compare(v) == 0 {
			cp := *m

			return &cp, nil
		}
	}

	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, t, v)
}

func (r *InMemory) ListVersions(_ context.Context, t model.Type) ([]*model.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Model, 0, len(r.byType[t]))

	for _, m := range r.byType[t] {
		cp := *m
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version.Less(out[j].Version) })

	return out, nil
}

func (r *InMemory) Transition(_ context.Context, id string, newStatus model.Status) (*model.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	if !isValidTransition(target.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, target.Status, newStatus)
	}

	now := time.Now()

	if newStatus == model.StatusActive {
		for _, other := range r.byType[target.Type] {
			if other.ID != target.ID && other.Status == model.StatusActive {
				if !isValidTransition(other.Status, model.StatusDeprecated) {
					return nil, fmt.Errorf("%w: cannot deprecate current active %s to promote %s",
						ErrMultipleActive, other.ID, target.ID)
				}

				other.Status = model.StatusDeprecated
				other.DeprecatedAt = &now
			}
		}
	}

	target.Status = newStatus

	switch newStatus {
	case model.StatusActive:
		target.DeployedAt = &now
	case model.StatusDeprecated:
		target.DeprecatedAt = &now
	}

	cp := *target

	return &cp, nil
}

func (r *InMemory) RecordRollback(_ context.Context, id, reason, fromVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	target.RollbackReason = reason
	target.RolledBackFrom = fromVersion

	return nil
}

// SetCanaryPercent records the traffic percentage a just-deployed model
// should receive (§6 "POST /models/{id}/deploy ... with canary percent").
// It is not part of the Registry interface: callers that need canary
// rollout duck-type against it, so backends that never support partial
// cutover (tests, simplified mocks) need not implement it.
func (r *InMemory) SetCanaryPercent(_ context.Context, id string, percent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	target.CanaryPercent = percent

	return nil
}
