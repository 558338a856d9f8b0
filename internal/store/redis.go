package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valuestor/trader/internal/metrics"
	"github.com/valuestor/trader/internal/model"
)

// maxDecisions bounds each holder's decision audit list.
const maxDecisions = 500

// RedisStore implements Store directly on Redis. Records are JSON documents
// under per-entity keys; sets index active profiles and each holder's
// positions so listings never scan the keyspace.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisStore creates a Redis-backed store. Executions and analyses expire
// after retention; zero keeps them forever.
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, retention: retention}
}

// OpenRedis parses a redis:// URL and returns a client.
func OpenRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// --- Profiles ---

func (s *RedisStore) ListActiveProfiles(ctx context.Context) ([]model.ValueProfile, error) {
	addrs, err := s.rdb.SMembers(ctx, activeProfilesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active profiles: %w", err)
	}
	if len(addrs) == 0 {
		return []model.ValueProfile{}, nil
	}
	sort.Strings(addrs)

	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = profileKey(a)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load active profiles: %w", err)
	}

	out := make([]model.ValueProfile, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // index points at a deleted profile
		}
		var p model.ValueProfile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			metrics.CorruptRecordsTotal.WithLabelValues("profile").Inc()
			continue // one unreadable holder must not hide the rest
		}
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *RedisStore) GetProfile(ctx context.Context, address string) (*model.ValueProfile, error) {
	var p model.ValueProfile
	if err := s.getJSON(ctx, profileKey(address), &p); err != nil {
		return nil, fmt.Errorf("get profile %s: %w", address, err)
	}
	return &p, nil
}

func (s *RedisStore) SaveProfile(ctx context.Context, p *model.ValueProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, profileKey(p.Address), data, 0)
		if p.IsActive {
			pipe.SAdd(ctx, activeProfilesKey, p.Address)
		} else {
			pipe.SRem(ctx, activeProfilesKey, p.Address)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.Address, err)
	}
	return nil
}

// --- Positions ---

func (s *RedisStore) GetPosition(ctx context.Context, holder, token string) (*model.Position, error) {
	var p model.Position
	if err := s.getJSON(ctx, positionKey(holder, token), &p); err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", holder, token, err)
	}
	return &p, nil
}

func (s *RedisStore) ListPositions(ctx context.Context, holder string) ([]model.Position, error) {
	tokens, err := s.rdb.SMembers(ctx, holderPositionsKey(holder)).Result()
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", holder, err)
	}
	if len(tokens) == 0 {
		return []model.Position{}, nil
	}
	sort.Strings(tokens)

	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = positionKey(holder, t)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load positions %s: %w", holder, err)
	}

	out := make([]model.Position, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p model.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode position %s/%s: %w", holder, tokens[i], err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisStore) SavePosition(ctx context.Context, p *model.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, positionKey(p.Holder, p.Token), data, 0)
		pipe.SAdd(ctx, holderPositionsKey(p.Holder), p.Token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.Holder, p.Token, err)
	}
	return nil
}

func (s *RedisStore) DeletePosition(ctx context.Context, holder, token string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, positionKey(holder, token))
		pipe.SRem(ctx, holderPositionsKey(holder), token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", holder, token, err)
	}
	return nil
}

// --- Executions ---

func (s *RedisStore) SaveExecution(ctx context.Context, e *model.TradeExecution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, executionKey(e.ID), data, s.retention).Err(); err != nil {
		return fmt.Errorf("save execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*model.TradeExecution, error) {
	var e model.TradeExecution
	if err := s.getJSON(ctx, executionKey(id), &e); err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return &e, nil
}

// --- Decisions ---

func (s *RedisStore) SaveDecision(ctx context.Context, d *model.TradeDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, decisionsKey(d.Holder), data)
		pipe.LTrim(ctx, decisionsKey(d.Holder), 0, maxDecisions-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save decision %s/%s: %w", d.Holder, d.Token, err)
	}
	return nil
}

func (s *RedisStore) ListDecisions(ctx context.Context, holder string, limit int) ([]model.TradeDecision, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := s.rdb.LRange(ctx, decisionsKey(holder), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list decisions %s: %w", holder, err)
	}

	out := make([]model.TradeDecision, 0, len(raws))
	for _, raw := range raws {
		var d model.TradeDecision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode decision %s: %w", holder, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// --- Analyses ---

func (s *RedisStore) SaveAnalysis(ctx context.Context, a *model.TokenAnalysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, analysisKey(a.Token), data, s.retention).Err(); err != nil {
		return fmt.Errorf("save analysis %s: %w", a.Token, err)
	}
	return nil
}

func (s *RedisStore) GetAnalysis(ctx context.Context, token string) (*model.TokenAnalysis, error) {
	var a model.TokenAnalysis
	if err := s.getJSON(ctx, analysisKey(token), &a); err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", token, err)
	}
	return &a, nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

var _ Store = (*RedisStore)(nil)

// --- Key helpers ---

const activeProfilesKey = "valuestors:active"

func profileKey(address string) string { return fmt.Sprintf("valuestor:%s", address) }
func positionKey(holder, token string) string { return fmt.Sprintf("position:%s:%s", holder, token) }
func holderPositionsKey(holder string) string { return fmt.Sprintf("positions:%s", holder) }
func executionKey(id string) string { return fmt.Sprintf("trade:%s", id) }
func decisionsKey(holder string) string { return fmt.Sprintf("decisions:%s", holder) }
func analysisKey(token string) string { return fmt.Sprintf("analysis:%s", token) }
