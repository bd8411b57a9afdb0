// Package store persists enrollment records. The store is the engine's single
// source of truth and synchronization point: status updates are
// compare-and-swap on the previously read status, and at most one non-terminal
// enrollment may exist per requester instance code.
package store

import (
	"context"
	"sort"
	"sync"

	"fedhub/internal/federation/models"
	id "fedhub/pkg/domain"
	"fedhub/pkg/platform/sentinel"
	"fedhub/pkg/requestcontext"
)

// Memory is a mutex-guarded store for tests and single-node deployments.
// It intentionally favors clarity over performance; enrollment traffic is
// human-paced.
type Memory struct {
	mu   sync.RWMutex
	byID map[id.EnrollmentID]*models.Enrollment
}

// NewMemory constructs an empty in-memory enrollment store.
func NewMemory() *Memory {
	return &Memory{byID: make(map[id.EnrollmentID]*models.Enrollment)}
}

// Create inserts a new enrollment. The uniqueness check and the insert happen
// under one lock, closing the duplicate-request race window.
func (s *Memory) Create(_ context.Context, enrollment *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.RequesterInstanceCode == enrollment.RequesterInstanceCode && !existing.Status.IsTerminal() {
			return sentinel.ErrDuplicate
		}
	}
	s.byID[enrollment.EnrollmentID] = clone(enrollment)
	return nil
}

// FindByEnrollmentID returns the enrollment or sentinel.ErrNotFound.
func (s *Memory) FindByEnrollmentID(_ context.Context, enrollmentID id.EnrollmentID) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.byID[enrollmentID]; ok {
		return clone(e), nil
	}
	return nil, sentinel.ErrNotFound
}

// FindActiveByRequester returns the requester's non-terminal enrollment, if
// any. sentinel.ErrNotFound means the requester is free to enroll.
func (s *Memory) FindActiveByRequester(_ context.Context, code id.InstanceCode) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.byID {
		if e.RequesterInstanceCode == code && !e.Status.IsTerminal() {
			return clone(e), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// UpdateStatus transitions the enrollment from expected to next, appending the
// history entry. Returns sentinel.ErrConflict when the stored status no longer
// matches expected (a concurrent caller won the race) and sentinel.ErrNotFound
// for unknown IDs.
func (s *Memory) UpdateStatus(ctx context.Context, enrollmentID id.EnrollmentID, expected, next models.Status, actor, reason string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[enrollmentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if e.Status != expected {
		return nil, sentinel.ErrConflict
	}
	e.ApplyTransition(next, requestcontext.Now(ctx), actor, reason)
	return clone(e), nil
}

// SetApproverCredentials stores the approver-side bundle. Status preconditions
// are the engine's responsibility; the store only persists.
func (s *Memory) SetApproverCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle) (*models.Enrollment, error) {
	b := *bundle
	return s.setCredentials(ctx, enrollmentID, func(e *models.Enrollment) {
		e.ApproverCredentials = &b
	})
}

// SetRequesterCredentials stores the requester-side bundle.
func (s *Memory) SetRequesterCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle) (*models.Enrollment, error) {
	b := *bundle
	return s.setCredentials(ctx, enrollmentID, func(e *models.Enrollment) {
		e.RequesterCredentials = &b
	})
}

func (s *Memory) setCredentials(ctx context.Context, enrollmentID id.EnrollmentID, apply func(*models.Enrollment)) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[enrollmentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	apply(e)
	e.UpdatedAt = requestcontext.Now(ctx)
	return clone(e), nil
}

// ListPending returns enrollments awaiting administrator action, oldest first.
func (s *Memory) ListPending(ctx context.Context) ([]*models.Enrollment, error) {
	return s.list(ctx, models.ListFilter{}, pendingOnly)
}

// List returns enrollments matching the filter, oldest first.
func (s *Memory) List(ctx context.Context, filter models.ListFilter) ([]*models.Enrollment, error) {
	return s.list(ctx, filter)
}

func (s *Memory) list(_ context.Context, filter models.ListFilter, extra ...func(*models.Enrollment) bool) ([]*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Enrollment
next:
	for _, e := range s.byID {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.RequesterCode != "" && e.RequesterInstanceCode != filter.RequesterCode {
			continue
		}
		for _, keep := range extra {
			if !keep(e) {
				continue next
			}
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountByStatus returns the population per status.
func (s *Memory) CountByStatus(_ context.Context) (map[models.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Status]int)
	for _, e := range s.byID {
		counts[e.Status]++
	}
	return counts, nil
}

func pendingOnly(e *models.Enrollment) bool {
	return e.Status == models.StatusPendingVerification || e.Status == models.StatusFingerprintVerified
}

// clone deep-copies an enrollment so callers never alias store-owned state.
func clone(e *models.Enrollment) *models.Enrollment {
	copied := *e
	copied.StatusHistory = append([]models.StatusChange(nil), e.StatusHistory...)
	copied.RequesterCapabilities = append([]string(nil), e.RequesterCapabilities...)
	if e.ApproverCredentials != nil {
		b := *e.ApproverCredentials
		copied.ApproverCredentials = &b
	}
	if e.RequesterCredentials != nil {
		b := *e.RequesterCredentials
		copied.RequesterCredentials = &b
	}
	return &copied
}
