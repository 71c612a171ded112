package graduation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/promptpad/internal/curve"
	"github.com/alanyoungcy/promptpad/internal/domain"
)

// resumable are the statuses a crashed or interrupted run can be left in.
// The failure statuses are excluded; they need an operator retry.
var resumable = []domain.GraduationStatus{
	domain.GraduationInitiated,
	domain.GraduationContractDeploying,
	domain.GraduationContractDeployed,
	domain.GraduationLiquidityCreating,
	domain.GraduationLiquidityCreated,
}

const (
	streamBatch     = 50
	sweepPageSize   = 200
	defaultPoll     = time.Second
	defaultSweep    = 5 * time.Minute
	defaultDedupTTL = 2 * time.Minute
)

// Worker consumes the graduation stream and periodically sweeps for
// graduations that stalled.
type Worker struct {
	machine *Machine
	events  domain.GraduationStore
	curves  domain.CurveStore
	bus     domain.SignalBus
	stream  string
	dedup   *Dedup
	logger  *slog.Logger

	pollInterval  time.Duration
	sweepInterval time.Duration
}

// NewWorker creates a Worker. bus may be nil, in which case only the sweep
// runs.
func NewWorker(
	machine *Machine,
	events domain.GraduationStore,
	curves domain.CurveStore,
	bus domain.SignalBus,
	stream string,
	pollInterval time.Duration,
	logger *slog.Logger,
) *Worker {
	if stream == "" {
		stream = domain.StreamGraduation
	}
	if pollInterval <= 0 {
		pollInterval = defaultPoll
	}
	return &Worker{
		machine:       machine,
		events:        events,
		curves:        curves,
		bus:           bus,
		stream:        stream,
		dedup:         NewDedup(defaultDedupTTL),
		logger:        logger.With(slog.String("component", "graduation_worker")),
		pollInterval:  pollInterval,
		sweepInterval: defaultSweep,
	}
}

// Run sweeps once, then consumes the stream until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("graduation worker started", slog.String("stream", w.stream))
	defer w.logger.Info("graduation worker stopped")

	w.Recover(ctx)

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.sweepInterval)
	defer sweep.Stop()

	lastID := "0-0"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-poll.C:
			if w.bus == nil {
				continue
			}
			msgs, err := w.bus.StreamRead(ctx, w.stream, lastID, streamBatch)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("graduation stream read failed", slog.String("error", err.Error()))
				}
				continue
			}
			for _, msg := range msgs {
				lastID = msg.ID
				w.handle(ctx, msg.Payload)
			}

		case <-sweep.C:
			w.dedup.Cleanup()
			w.Recover(ctx)
		}
	}
}

func (w *Worker) handle(ctx context.Context, payload []byte) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil || job.TokenID == "" {
		w.logger.Warn("dropping malformed graduation job", slog.String("payload", string(payload)))
		return
	}
	key := job.EventID
	if key == "" {
		key = job.TokenID
	}
	if w.dedup.IsDuplicate(key) {
		w.logger.Debug("graduation job deduplicated", slog.String("key", key))
		return
	}
	if err := w.run(ctx, job.TokenID, job.EventID); err != nil {
		var step *domain.StepFailure
		if !errors.As(err, &step) {
			// Not attempted or interrupted; a redelivery must get through.
			w.dedup.Forget(key)
		}
	}
}

// Recover re-triggers every graduation left in a resumable status, and every
// token whose raise crossed the threshold without an event on record. It
// returns the number of runs started.
func (w *Worker) Recover(ctx context.Context) int {
	started := 0

	for offset := 0; ; offset += sweepPageSize {
		evs, err := w.events.ListByStatus(ctx, resumable, domain.ListOpts{Limit: sweepPageSize, Offset: offset})
		if err != nil {
			w.logger.Error("graduation sweep failed", slog.String("error", err.Error()))
			return started
		}
		for _, ev := range evs {
			w.run(ctx, ev.TokenID, ev.ID)
			started++
		}
		if len(evs) < sweepPageSize {
			break
		}
	}

	for offset := 0; ; offset += sweepPageSize {
		cfgs, err := w.curves.ListTokens(ctx, domain.ListOpts{Limit: sweepPageSize, Offset: offset})
		if err != nil {
			w.logger.Error("graduation token sweep failed", slog.String("error", err.Error()))
			return started
		}
		for _, cfg := range cfgs {
			if w.orphaned(ctx, cfg) {
				w.run(ctx, cfg.TokenID, "")
				started++
			}
		}
		if len(cfgs) < sweepPageSize {
			break
		}
	}

	if started > 0 {
		w.logger.Info("graduation sweep resumed runs", slog.Int("count", started))
	}
	return started
}

func (w *Worker) orphaned(ctx context.Context, cfg domain.CurveConfig) bool {
	state, err := w.curves.GetState(ctx, cfg.TokenID)
	if err != nil || state.Graduated || !curve.New(cfg).IsGraduated(state.PromptRaised) {
		return false
	}
	_, err = w.events.GetByToken(ctx, cfg.TokenID)
	return errors.Is(err, domain.ErrNotFound)
}

// run triggers one graduation and logs the outcome. The error is returned
// for callers that track delivery.
func (w *Worker) run(ctx context.Context, tokenID, eventID string) error {
	ev, err := w.machine.Trigger(ctx, tokenID, eventID, false)
	if err == nil {
		return nil
	}
	var step *domain.StepFailure
	if errors.As(err, &step) {
		w.logger.Warn("graduation step failed; waiting for operator retry",
			slog.String("token_id", tokenID),
			slog.String("event_id", ev.ID),
			slog.String("status", string(ev.Status)),
		)
		return err
	}
	if ctx.Err() == nil {
		w.logger.Error("graduation run failed",
			slog.String("token_id", tokenID),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}
	return err
}
