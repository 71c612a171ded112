// Package memory implements the domain stores in process memory. It backs
// local development runs and tests; per-token mutexes give the same
// serialization guarantee the Postgres store gets from row locks.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

type balanceKey struct {
	tokenID string
	trader  string
}

// CurveStore is an in-memory domain.CurveStore.
type CurveStore struct {
	mu       sync.RWMutex
	configs  map[string]domain.CurveConfig
	states   map[string]domain.CurveState
	balances map[balanceKey]float64
	locks    map[string]*sync.Mutex
	trades   *TradeStore
}

// NewCurveStore creates a CurveStore that appends executed trades to trades.
func NewCurveStore(trades *TradeStore) *CurveStore {
	return &CurveStore{
		configs:  make(map[string]domain.CurveConfig),
		states:   make(map[string]domain.CurveState),
		balances: make(map[balanceKey]float64),
		locks:    make(map[string]*sync.Mutex),
		trades:   trades,
	}
}

// CreateToken stores cfg and a zero state. Returns ErrAlreadyExists if the
// token id is taken.
func (s *CurveStore) CreateToken(_ context.Context, cfg domain.CurveConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.TokenID]; exists {
		return domain.ErrAlreadyExists
	}
	s.configs[cfg.TokenID] = cfg
	s.states[cfg.TokenID] = domain.CurveState{TokenID: cfg.TokenID, UpdatedAt: cfg.CreatedAt}
	s.locks[cfg.TokenID] = &sync.Mutex{}
	return nil
}

func (s *CurveStore) GetConfig(_ context.Context, tokenID string) (domain.CurveConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[tokenID]
	if !ok {
		return domain.CurveConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (s *CurveStore) GetState(_ context.Context, tokenID string) (domain.CurveState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[tokenID]
	if !ok {
		return domain.CurveState{}, domain.ErrNotFound
	}
	return st, nil
}

// GetBalance returns the trader's token balance, zero if they never traded.
func (s *CurveStore) GetBalance(_ context.Context, tokenID, trader string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.configs[tokenID]; !ok {
		return 0, domain.ErrNotFound
	}
	return s.balances[balanceKey{tokenID, trader}], nil
}

// ListTokens returns configs newest first.
func (s *CurveStore) ListTokens(_ context.Context, opts domain.ListOpts) ([]domain.CurveConfig, error) {
	s.mu.RLock()
	out := make([]domain.CurveConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, opts), nil
}

// ApplyTrade holds the token's mutex while fn runs and the result is
// committed, so concurrent trades on one token are applied one at a time.
func (s *CurveStore) ApplyTrade(ctx context.Context, tokenID, trader string, fn domain.ApplyTradeFunc) (domain.TradeMutation, error) {
	lock, err := s.tokenLock(tokenID)
	if err != nil {
		return domain.TradeMutation{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.TradeMutation{}, err
	}

	s.mu.RLock()
	cfg := s.configs[tokenID]
	state := s.states[tokenID]
	balance := s.balances[balanceKey{tokenID, trader}]
	s.mu.RUnlock()

	mut, err := fn(cfg, state, balance)
	if err != nil {
		return domain.TradeMutation{}, err
	}

	if s.trades != nil {
		if err := s.trades.Insert(ctx, mut.Record); err != nil {
			return domain.TradeMutation{}, err
		}
	}

	s.mu.Lock()
	s.states[tokenID] = mut.State
	s.balances[balanceKey{tokenID, trader}] = balance + mut.BalanceDelta
	s.mu.Unlock()
	return mut, nil
}

// MarkGraduated sets the graduated flag under the token's trade lock.
func (s *CurveStore) MarkGraduated(_ context.Context, tokenID string) error {
	lock, err := s.tokenLock(tokenID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[tokenID]
	st.Graduated = true
	st.ThresholdCrossed = true
	s.states[tokenID] = st
	return nil
}

func (s *CurveStore) tokenLock(tokenID string) (*sync.Mutex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lock, ok := s.locks[tokenID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return lock, nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

var _ domain.CurveStore = (*CurveStore)(nil)
