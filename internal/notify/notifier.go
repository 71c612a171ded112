// Package notify delivers operator alerts to chat channels. Graduation
// outcomes are the main producer; events can be filtered by name so a
// channel only hears about what it is configured for.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Event names emitted by the graduation machine.
const (
	EventGraduationCompleted       = "graduation.completed"
	EventGraduationFailed          = "graduation.failed"
	EventGraduationLiquidityFailed = "graduation.liquidity_failed"
	EventArchiveCompleted          = "archive.completed"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Message is a rendered alert.
type Message struct {
	Event string
	Title string
	Body  string
}

// Severity classifies an event by its name suffix.
func (m Message) Severity() string {
	switch {
	case strings.HasSuffix(m.Event, "failed"):
		return "error"
	case strings.HasSuffix(m.Event, "completed"):
		return "success"
	default:
		return "info"
	}
}

// Notifier fans a message out to every sender. When events is non-empty only
// the listed event names are delivered.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers to every sender and joins their errors. A failing sender
// does not stop delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	msg := Message{Event: event, Title: title, Body: message}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}
