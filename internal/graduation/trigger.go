package graduation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// Job is the payload carried on the graduation stream.
type Job struct {
	TokenID string `json:"token_id"`
	EventID string `json:"event_id"`
}

// StreamTrigger hands graduation jobs to worker processes through a durable
// stream on the signal bus.
type StreamTrigger struct {
	bus    domain.SignalBus
	stream string
}

// NewStreamTrigger creates a StreamTrigger writing to stream, or to
// stream:graduation when stream is empty.
func NewStreamTrigger(bus domain.SignalBus, stream string) *StreamTrigger {
	if stream == "" {
		stream = domain.StreamGraduation
	}
	return &StreamTrigger{bus: bus, stream: stream}
}

func (t *StreamTrigger) Enqueue(ctx context.Context, tokenID, eventID string) error {
	payload, err := json.Marshal(Job{TokenID: tokenID, EventID: eventID})
	if err != nil {
		return fmt.Errorf("graduation: encode job: %w", err)
	}
	if err := t.bus.StreamAppend(ctx, t.stream, payload); err != nil {
		return fmt.Errorf("graduation: enqueue %s: %w", tokenID, err)
	}
	return nil
}

// LocalTrigger runs each graduation on its own goroutine in this process.
// Used when no signal bus is configured.
type LocalTrigger struct {
	ctx     context.Context
	machine *Machine
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewLocalTrigger creates a LocalTrigger whose runs are bound to ctx rather
// than to the enqueuing request.
func NewLocalTrigger(ctx context.Context, machine *Machine, logger *slog.Logger) *LocalTrigger {
	return &LocalTrigger{
		ctx:     ctx,
		machine: machine,
		logger:  logger.With(slog.String("component", "graduation_trigger")),
	}
}

func (t *LocalTrigger) Enqueue(_ context.Context, tokenID, eventID string) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ev, err := t.machine.Trigger(t.ctx, tokenID, eventID, false)
		if err != nil {
			t.logger.Error("graduation run failed",
				slog.String("token_id", tokenID),
				slog.String("event_id", eventID),
				slog.String("status", string(ev.Status)),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Wait blocks until every enqueued run has returned.
func (t *LocalTrigger) Wait() {
	t.wg.Wait()
}
