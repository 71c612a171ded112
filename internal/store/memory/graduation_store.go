package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// GraduationStore is an in-memory domain.GraduationStore.
type GraduationStore struct {
	mu          sync.RWMutex
	events      map[string]domain.GraduationEvent
	byToken     map[string]string
	transitions []domain.GraduationTransition
	nextID      int64
	now         func() time.Time
}

// NewGraduationStore creates an empty GraduationStore.
func NewGraduationStore() *GraduationStore {
	return &GraduationStore{
		events:  make(map[string]domain.GraduationEvent),
		byToken: make(map[string]string),
		now:     time.Now,
	}
}

// CreateIfAbsent stores ev unless the token already has an event.
func (s *GraduationStore) CreateIfAbsent(_ context.Context, ev domain.GraduationEvent) (domain.GraduationEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byToken[ev.TokenID]; ok {
		return s.events[id], false, nil
	}
	if _, ok := s.events[ev.ID]; ok {
		return domain.GraduationEvent{}, false, domain.ErrAlreadyExists
	}
	now := s.now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	s.events[ev.ID] = ev
	s.byToken[ev.TokenID] = ev.ID
	return ev, true, nil
}

func (s *GraduationStore) GetByID(_ context.Context, id string) (domain.GraduationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return domain.GraduationEvent{}, domain.ErrNotFound
	}
	return ev, nil
}

func (s *GraduationStore) GetByToken(_ context.Context, tokenID string) (domain.GraduationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[tokenID]
	if !ok {
		return domain.GraduationEvent{}, domain.ErrNotFound
	}
	return s.events[id], nil
}

// ListByStatus returns events in any of statuses, oldest update first.
func (s *GraduationStore) ListByStatus(_ context.Context, statuses []domain.GraduationStatus, opts domain.ListOpts) ([]domain.GraduationEvent, error) {
	want := make(map[domain.GraduationStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.RLock()
	var out []domain.GraduationEvent
	for _, ev := range s.events {
		if want[ev.Status] {
			out = append(out, ev)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return paginate(out, opts), nil
}

// Transition replaces the stored event with ev at status to, provided the
// stored status is still from.
func (s *GraduationStore) Transition(_ context.Context, ev domain.GraduationEvent, from, to domain.GraduationStatus, detail string) (domain.GraduationEvent, error) {
	if !domain.CanTransition(from, to) {
		return domain.GraduationEvent{}, fmt.Errorf("%w: graduation %s -> %s", domain.ErrInvariantViolation, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.events[ev.ID]
	if !ok {
		return domain.GraduationEvent{}, domain.ErrNotFound
	}
	if cur.Status != from {
		return cur, domain.ErrStaleStatus
	}

	now := s.now().UTC()
	ev.Status = to
	ev.TokenID = cur.TokenID
	ev.CreatedAt = cur.CreatedAt
	ev.UpdatedAt = now
	if to == domain.GraduationCompleted {
		ev.CompletedAt = &now
	}
	s.events[ev.ID] = ev

	s.nextID++
	s.transitions = append(s.transitions, domain.GraduationTransition{
		ID:        s.nextID,
		EventID:   ev.ID,
		TokenID:   ev.TokenID,
		From:      from,
		To:        to,
		Detail:    detail,
		CreatedAt: now,
	})
	return ev, nil
}

func (s *GraduationStore) RecordDeployTx(_ context.Context, eventID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.events[eventID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != domain.GraduationContractDeploying {
		return domain.ErrStaleStatus
	}
	cur.DeployTxHash = txHash
	cur.UpdatedAt = s.now().UTC()
	s.events[eventID] = cur
	return nil
}

// ListTransitions returns the event's transition log in write order.
func (s *GraduationStore) ListTransitions(_ context.Context, eventID string) ([]domain.GraduationTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.GraduationTransition
	for _, t := range s.transitions {
		if t.EventID == eventID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *GraduationStore) ListTransitionsBefore(_ context.Context, before time.Time) ([]domain.GraduationTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.GraduationTransition
	for _, t := range s.transitions {
		if t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ domain.GraduationStore = (*GraduationStore)(nil)
