package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeMutation is the full set of writes one curve trade produces. Stores
// persist State, the trader balance delta, the fee distribution and Record as
// a single atomic unit.
type TradeMutation struct {
	Prev         CurveState
	State        CurveState
	BalanceDelta float64
	Record       TradeRecord
}

// ApplyTradeFunc computes a mutation from a locked snapshot. It runs while the
// store holds the token's serialization lock; returning an error aborts the
// operation without writing anything.
type ApplyTradeFunc func(cfg CurveConfig, state CurveState, balance float64) (TradeMutation, error)

// CurveStore holds write-once curve configs and serialized curve state.
type CurveStore interface {
	CreateToken(ctx context.Context, cfg CurveConfig) error
	GetConfig(ctx context.Context, tokenID string) (CurveConfig, error)
	GetState(ctx context.Context, tokenID string) (CurveState, error)
	GetBalance(ctx context.Context, tokenID, trader string) (float64, error)
	ListTokens(ctx context.Context, opts ListOpts) ([]CurveConfig, error)
	// ApplyTrade serializes fn against all other trades on tokenID and
	// commits its mutation atomically.
	ApplyTrade(ctx context.Context, tokenID, trader string, fn ApplyTradeFunc) (TradeMutation, error)
	// MarkGraduated permanently disables curve trading for tokenID.
	MarkGraduated(ctx context.Context, tokenID string) error
}

// TradeStore persists trade records. Curve trades are written inside
// CurveStore.ApplyTrade; Insert is used for DEX-routed trades.
type TradeStore interface {
	Insert(ctx context.Context, rec TradeRecord) error
	ListByToken(ctx context.Context, tokenID string, opts ListOpts) ([]TradeRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
}

// GraduationStore persists graduation events and their transition log.
type GraduationStore interface {
	// CreateIfAbsent inserts ev unless the token already has an event, in
	// which case the existing one is returned with created=false.
	CreateIfAbsent(ctx context.Context, ev GraduationEvent) (stored GraduationEvent, created bool, err error)
	GetByID(ctx context.Context, id string) (GraduationEvent, error)
	GetByToken(ctx context.Context, tokenID string) (GraduationEvent, error)
	ListByStatus(ctx context.Context, statuses []GraduationStatus, opts ListOpts) ([]GraduationEvent, error)
	// Transition writes ev with status to, provided the stored status is
	// still from, and appends a transition log row in the same unit.
	Transition(ctx context.Context, ev GraduationEvent, from, to GraduationStatus, detail string) (GraduationEvent, error)
	// RecordDeployTx saves a broadcast deployment hash on an event that is
	// still contract_deploying. Otherwise it returns ErrStaleStatus.
	RecordDeployTx(ctx context.Context, eventID, txHash string) error
	ListTransitions(ctx context.Context, eventID string) ([]GraduationTransition, error)
	ListTransitionsBefore(ctx context.Context, before time.Time) ([]GraduationTransition, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
