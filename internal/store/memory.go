package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/valuestor/trader/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and dry runs. Not suitable for production (no persistence, no expiry).
type MemoryStore struct {
	mu         sync.RWMutex
	profiles   map[string]*model.ValueProfile
	positions  map[string]map[string]*model.Position // holder -> token
	executions map[string]*model.TradeExecution
	decisions  map[string][]model.TradeDecision // holder -> oldest first
	analyses   map[string]*model.TokenAnalysis
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:   make(map[string]*model.ValueProfile),
		positions:  make(map[string]map[string]*model.Position),
		executions: make(map[string]*model.TradeExecution),
		decisions:  make(map[string][]model.TradeDecision),
		analyses:   make(map[string]*model.TokenAnalysis),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) ListActiveProfiles(_ context.Context) ([]model.ValueProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ValueProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	// Deterministic order for callers and tests.
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *MemoryStore) GetProfile(_ context.Context, address string) (*model.ValueProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[address]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", address, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) SaveProfile(_ context.Context, p *model.ValueProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *p
	s.profiles[p.Address] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, holder, token string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[holder][token]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", holder, token, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, holder string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0, len(s.positions[holder]))
	for _, p := range s.positions[holder] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byToken, ok := s.positions[p.Holder]
	if !ok {
		byToken = make(map[string]*model.Position)
		s.positions[p.Holder] = byToken
	}
	copy := *p
	byToken[p.Token] = &copy
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, holder, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions[holder], token)
	if len(s.positions[holder]) == 0 {
		delete(s.positions, holder)
	}
	return nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, e *model.TradeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *e
	s.executions[e.ID] = &copy
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*model.TradeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) SaveDecision(_ context.Context, d *model.TradeDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.decisions[d.Holder] = append(s.decisions[d.Holder], *d)
	return nil
}

func (s *MemoryStore) ListDecisions(_ context.Context, holder string, limit int) ([]model.TradeDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.decisions[holder]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.TradeDecision, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) SaveAnalysis(_ context.Context, a *model.TokenAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *a
	s.analyses[a.Token] = &copy
	return nil
}

func (s *MemoryStore) GetAnalysis(_ context.Context, token string) (*model.TokenAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.analyses[token]
	if !ok {
		return nil, fmt.Errorf("analysis %s: %w", token, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

var _ Store = (*MemoryStore)(nil)
