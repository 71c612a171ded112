package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// TradeStore is an in-memory domain.TradeStore.
type TradeStore struct {
	mu      sync.RWMutex
	records []domain.TradeRecord
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{}
}

func (s *TradeStore) Insert(_ context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ID == rec.ID {
			return domain.ErrAlreadyExists
		}
	}
	s.records = append(s.records, rec)
	return nil
}

// ListByToken returns the token's trades newest first, filtered by opts.
func (s *TradeStore) ListByToken(_ context.Context, tokenID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	s.mu.RLock()
	var out []domain.TradeRecord
	for _, r := range s.records {
		if r.TokenID != tokenID {
			continue
		}
		if opts.Since != nil && r.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, opts), nil
}

// ListBefore returns every trade created strictly before the cutoff, oldest first.
func (s *TradeStore) ListBefore(_ context.Context, before time.Time) ([]domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TradeRecord
	for _, r := range s.records {
		if r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
