package domain

import (
	"context"
	"time"
)

// CurveStateCache keeps the last committed curve state for poll-heavy readers.
type CurveStateCache interface {
	Set(ctx context.Context, state CurveState) error
	Get(ctx context.Context, tokenID string) (CurveState, error)
	Invalidate(ctx context.Context, tokenID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Channel names used on the signal bus.
const (
	ChannelTradePrefix      = "ch:trade:"
	ChannelGraduationPrefix = "ch:graduation:"
	StreamGraduation        = "stream:graduation"
)
