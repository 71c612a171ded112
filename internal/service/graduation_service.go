package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// GraduationRunner drives a token's graduation.
type GraduationRunner interface {
	Trigger(ctx context.Context, tokenID, eventID string, force bool) (domain.GraduationEvent, error)
}

// GraduationView is a graduation event with its full transition history.
type GraduationView struct {
	Event       domain.GraduationEvent        `json:"event"`
	Transitions []domain.GraduationTransition `json:"transitions"`
}

// GraduationService exposes graduation status and operator triggers.
type GraduationService struct {
	events  domain.GraduationStore
	machine GraduationRunner
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewGraduationService creates a GraduationService. audit may be nil.
func NewGraduationService(events domain.GraduationStore, machine GraduationRunner, audit domain.AuditStore, logger *slog.Logger) *GraduationService {
	return &GraduationService{
		events:  events,
		machine: machine,
		audit:   audit,
		logger:  logger.With(slog.String("component", "graduation_service")),
	}
}

// GetGraduation returns the token's graduation event and its transitions,
// oldest first. It returns domain.ErrNotFound if the token has not crossed.
func (s *GraduationService) GetGraduation(ctx context.Context, tokenID string) (GraduationView, error) {
	ev, err := s.events.GetByToken(ctx, tokenID)
	if err != nil {
		return GraduationView{}, fmt.Errorf("graduation_service: get graduation %s: %w", tokenID, err)
	}
	log, err := s.events.ListTransitions(ctx, ev.ID)
	if err != nil {
		return GraduationView{}, fmt.Errorf("graduation_service: list transitions %s: %w", ev.ID, err)
	}
	if log == nil {
		log = []domain.GraduationTransition{}
	}
	return GraduationView{Event: ev, Transitions: log}, nil
}

// TriggerGraduation runs the graduation synchronously. force allows one retry
// out of a failure status.
func (s *GraduationService) TriggerGraduation(ctx context.Context, tokenID, eventID string, force bool) (domain.GraduationEvent, error) {
	if force && s.audit != nil {
		if err := s.audit.Log(ctx, "graduation.forced_retry", map[string]any{
			"token_id": tokenID,
			"event_id": eventID,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return s.machine.Trigger(ctx, tokenID, eventID, force)
}
