package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/promptpad/internal/domain"
	"github.com/alanyoungcy/promptpad/internal/service"
)

// GraduationService is the subset of service.GraduationService the handler needs.
type GraduationService interface {
	GetGraduation(ctx context.Context, tokenID string) (service.GraduationView, error)
	TriggerGraduation(ctx context.Context, tokenID, eventID string, force bool) (domain.GraduationEvent, error)
}

// GraduationHandler serves graduation status and operator triggers.
type GraduationHandler struct {
	graduations GraduationService
	logger      *slog.Logger
}

func NewGraduationHandler(graduations GraduationService, logger *slog.Logger) *GraduationHandler {
	return &GraduationHandler{graduations: graduations, logger: logger.With(slog.String("handler", "graduation"))}
}

type triggerBody struct {
	EventID string `json:"event_id"`
	Force   bool   `json:"force"`
}

// stepFailureBody reports a failed chain step together with the event as stored.
type stepFailureBody struct {
	Error string                  `json:"error"`
	Step  domain.GraduationStatus `json:"step"`
	Event domain.GraduationEvent  `json:"event"`
}

// Trigger drives the token's graduation and returns the resulting event.
// POST /api/tokens/{id}/graduation
func (h *GraduationHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var body triggerBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
			writeServiceError(w, r, h.logger, "trigger graduation", err)
			return
		}
	}

	// A client that hangs up must not strand a run mid-step.
	ctx := context.WithoutCancel(r.Context())
	ev, err := h.graduations.TriggerGraduation(ctx, r.PathValue("id"), body.EventID, body.Force)
	var step *domain.StepFailure
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ev)
	case errors.As(err, &step):
		writeJSON(w, http.StatusBadGateway, stepFailureBody{
			Error: step.Err.Error(),
			Step:  step.Step,
			Event: ev,
		})
	default:
		writeServiceError(w, r, h.logger, "trigger graduation", err)
	}
}

// GET /api/tokens/{id}/graduation
func (h *GraduationHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.graduations.GetGraduation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get graduation", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
