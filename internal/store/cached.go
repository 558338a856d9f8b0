package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valuestor/trader/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Cache keys live under "cache:" so a CachedStore and a RedisStore can share
// one Redis without colliding.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return err
	}
	return s.rdb.Ping(ctx).Err()
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveProfile(ctx context.Context, p *model.ValueProfile) error {
	if err := s.primary.SaveProfile(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, cacheKey(profileKey(p.Address)))
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, cacheKey(positionKey(p.Holder, p.Token)))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, holder, token string) error {
	if err := s.primary.DeletePosition(ctx, holder, token); err != nil {
		return err
	}
	s.rdb.Del(ctx, cacheKey(positionKey(holder, token)))
	return nil
}

func (s *CachedStore) SaveExecution(ctx context.Context, e *model.TradeExecution) error {
	if err := s.primary.SaveExecution(ctx, e); err != nil {
		return err
	}
	// Status changes over an execution's life; next read re-populates.
	s.rdb.Del(ctx, cacheKey(executionKey(e.ID)))
	return nil
}

func (s *CachedStore) SaveAnalysis(ctx context.Context, a *model.TokenAnalysis) error {
	if err := s.primary.SaveAnalysis(ctx, a); err != nil {
		return err
	}
	s.cache(ctx, cacheKey(analysisKey(a.Token)), a)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProfile(ctx context.Context, address string) (*model.ValueProfile, error) {
	key := cacheKey(profileKey(address))
	var p model.ValueProfile
	if s.lookup(ctx, key, &p) {
		return &p, nil
	}

	got, err := s.primary.GetProfile(ctx, address)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, got)
	return got, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, holder, token string) (*model.Position, error) {
	key := cacheKey(positionKey(holder, token))
	var p model.Position
	if s.lookup(ctx, key, &p) {
		return &p, nil
	}

	got, err := s.primary.GetPosition(ctx, holder, token)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, got)
	return got, nil
}

func (s *CachedStore) GetExecution(ctx context.Context, id string) (*model.TradeExecution, error) {
	key := cacheKey(executionKey(id))
	var e model.TradeExecution
	if s.lookup(ctx, key, &e) {
		return &e, nil
	}

	got, err := s.primary.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, got)
	return got, nil
}

func (s *CachedStore) GetAnalysis(ctx context.Context, token string) (*model.TokenAnalysis, error) {
	key := cacheKey(analysisKey(token))
	var a model.TokenAnalysis
	if s.lookup(ctx, key, &a) {
		return &a, nil
	}

	got, err := s.primary.GetAnalysis(ctx, token)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListActiveProfiles(ctx context.Context) ([]model.ValueProfile, error) {
	return s.primary.ListActiveProfiles(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, holder string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, holder)
}

func (s *CachedStore) SaveDecision(ctx context.Context, d *model.TradeDecision) error {
	return s.primary.SaveDecision(ctx, d)
}

func (s *CachedStore) ListDecisions(ctx context.Context, holder string, limit int) ([]model.TradeDecision, error) {
	return s.primary.ListDecisions(ctx, holder, limit)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, key, data, s.ttl)
}

func cacheKey(key string) string { return "cache:" + key }

var _ Store = (*CachedStore)(nil)
