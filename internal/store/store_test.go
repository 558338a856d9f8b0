package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuestor/trader/internal/metrics"
	"github.com/valuestor/trader/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func profile(addr string, active bool) *model.ValueProfile {
	return &model.ValueProfile{
		ID:      "id-" + addr,
		Address: addr,
		Values: model.Values{
			RiskTolerance:         model.RiskModerate,
			MaxInvestmentPerToken: dec("0.5"),
			Themes:                []string{"climate"},
			AutoTrade:             true,
		},
		IsActive:  active,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func position(holder, token, amount string) *model.Position {
	return &model.Position{
		Holder:          holder,
		Token:           token,
		Amount:          dec(amount),
		AverageBuyPrice: dec("0.0001"),
		TotalInvested:   dec("0.1"),
		FirstBuyAt:      t0,
		LastUpdateAt:    t0,
	}
}

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, st.Ping(ctx))
	})

	t.Run("profiles", func(t *testing.T) {
		require.NoError(t, st.SaveProfile(ctx, profile("0xB", true)))
		require.NoError(t, st.SaveProfile(ctx, profile("0xA", true)))
		require.NoError(t, st.SaveProfile(ctx, profile("0xC", false)))

		active, err := st.ListActiveProfiles(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "0xA", active[0].Address)
		assert.Equal(t, "0xB", active[1].Address)
		assert.True(t, active[0].Values.MaxInvestmentPerToken.Equal(dec("0.5")))
		assert.Equal(t, []string{"climate"}, active[0].Values.Themes)

		got, err := st.GetProfile(ctx, "0xC")
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		require.NoError(t, st.SaveProfile(ctx, profile("0xB", false)))
		active, err = st.ListActiveProfiles(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "0xA", active[0].Address)

		_, err = st.GetProfile(ctx, "0xNOPE")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("positions", func(t *testing.T) {
		_, err := st.GetPosition(ctx, "0xH", "0xT1")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

		p := position("0xH", "0xT2", "1500")
		p.CurrentValue = decp("0.2")
		require.NoError(t, st.SavePosition(ctx, p))
		require.NoError(t, st.SavePosition(ctx, position("0xH", "0xT1", "10")))
		require.NoError(t, st.SavePosition(ctx, position("0xOTHER", "0xT1", "1")))

		got, err := st.GetPosition(ctx, "0xH", "0xT2")
		require.NoError(t, err)
		assert.True(t, got.Amount.Equal(dec("1500")))
		require.NotNil(t, got.CurrentValue)
		assert.True(t, got.CurrentValue.Equal(dec("0.2")))
		assert.Nil(t, got.UnrealizedPnL)
		assert.True(t, got.FirstBuyAt.Equal(t0))

		list, err := st.ListPositions(ctx, "0xH")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "0xT1", list[0].Token)
		assert.Equal(t, "0xT2", list[1].Token)

		require.NoError(t, st.SavePosition(ctx, position("0xH", "0xT1", "25")))
		got, err = st.GetPosition(ctx, "0xH", "0xT1")
		require.NoError(t, err)
		assert.True(t, got.Amount.Equal(dec("25")))

		require.NoError(t, st.DeletePosition(ctx, "0xH", "0xT1"))
		require.NoError(t, st.DeletePosition(ctx, "0xH", "0xMISSING"))
		_, err = st.GetPosition(ctx, "0xH", "0xT1")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

		list, err = st.ListPositions(ctx, "0xH")
		require.NoError(t, err)
		require.Len(t, list, 1)

		empty, err := st.ListPositions(ctx, "0xNOBODY")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("executions", func(t *testing.T) {
		e := &model.TradeExecution{
			ID:        "exec-1",
			Holder:    "0xH",
			Token:     "0xT",
			Type:      model.ActionBuy,
			Amount:    dec("0.05"),
			Price:     dec("0.0001"),
			Status:    model.StatusPending,
			Decision:  &model.TradeDecision{Token: "0xT", Holder: "0xH", Decision: model.ActionBuy, Confidence: 80, Reasoning: "fits"},
			CreatedAt: t0,
		}
		require.NoError(t, st.SaveExecution(ctx, e))

		e.PriceLimit = decp("0.000105")
		e.Confirm("0xabc", t0.Add(time.Second))
		require.NoError(t, st.SaveExecution(ctx, e))

		got, err := st.GetExecution(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusConfirmed, got.Status)
		assert.Equal(t, "0xabc", got.TxHash)
		assert.Equal(t, model.ActionBuy, got.Type)
		require.NotNil(t, got.PriceLimit)
		assert.True(t, got.PriceLimit.Equal(dec("0.000105")))
		require.NotNil(t, got.ConfirmedAt)
		assert.True(t, got.ConfirmedAt.Equal(t0.Add(time.Second)))
		require.NotNil(t, got.Decision)
		assert.Equal(t, "fits", got.Decision.Reasoning)

		_, err = st.GetExecution(ctx, "exec-missing")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("decisions", func(t *testing.T) {
		for i, action := range []model.Action{model.ActionSkip, model.ActionBuy, model.ActionHold} {
			require.NoError(t, st.SaveDecision(ctx, &model.TradeDecision{
				Token:          "0xT",
				Holder:         "0xD",
				Decision:       action,
				Confidence:     60 + i,
				Reasoning:      string(action),
				AlignmentScore: 50,
				KeyFactors:     []string{"k"},
				AnalyzedAt:     t0.Add(time.Duration(i) * time.Minute),
			}))
		}

		got, err := st.ListDecisions(ctx, "0xD", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, model.ActionHold, got[0].Decision)
		assert.Equal(t, model.ActionBuy, got[1].Decision)
		assert.Equal(t, []string{"k"}, got[0].KeyFactors)

		all, err := st.ListDecisions(ctx, "0xD", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("analyses", func(t *testing.T) {
		rep := 70
		a := &model.TokenAnalysis{
			Token:             "0xT",
			Curve:             model.CurveState{CurrentPrice: dec("0.0001"), ReserveValue: dec("2")},
			Metadata:          model.TokenMetadata{Name: "Solar", Symbol: "SUN"},
			RiskScore:         95,
			RiskFlags:         []string{},
			AnalyzedAt:        t0,
			CreatorReputation: &rep,
		}
		require.NoError(t, st.SaveAnalysis(ctx, a))

		got, err := st.GetAnalysis(ctx, "0xT")
		require.NoError(t, err)
		assert.Equal(t, 95, got.RiskScore)
		assert.Equal(t, "SUN", got.Metadata.Symbol)
		assert.True(t, got.Curve.ReserveValue.Equal(dec("2")))
		require.NotNil(t, got.CreatorReputation)
		assert.Equal(t, 70, *got.CreatorReputation)

		_, err = st.GetAnalysis(ctx, "0xNONE")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	p := position("0xH", "0xT", "10")
	require.NoError(t, st.SavePosition(ctx, p))
	p.Amount = dec("999")

	got, err := st.GetPosition(ctx, "0xH", "0xT")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(dec("10")))

	got.Amount = dec("1")
	again, err := st.GetPosition(ctx, "0xH", "0xT")
	require.NoError(t, err)
	assert.True(t, again.Amount.Equal(dec("10")))
}

func TestRedisStore(t *testing.T) {
	_, rdb := newMiniredis(t)
	runStoreContract(t, NewRedisStore(rdb, 30*24*time.Hour))
}

func TestRedisStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	st := NewRedisStore(rdb, time.Hour)

	require.NoError(t, st.SaveProfile(ctx, profile("0xA", true)))
	require.NoError(t, st.SavePosition(ctx, position("0xA", "0xT", "1")))
	require.NoError(t, st.SaveExecution(ctx, &model.TradeExecution{ID: "e1", Status: model.StatusPending}))

	assert.True(t, mr.Exists("valuestor:0xA"))
	assert.True(t, mr.Exists("position:0xA:0xT"))
	assert.True(t, mr.Exists("trade:e1"))
	ok, err := mr.SIsMember(activeProfilesKey, "0xA")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, mr.TTL("trade:e1"))
	assert.Zero(t, mr.TTL("position:0xA:0xT"))
}

func TestRedisStore_ExecutionsExpire(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	st := NewRedisStore(rdb, time.Minute)

	require.NoError(t, st.SaveExecution(ctx, &model.TradeExecution{ID: "e1", Status: model.StatusFailed}))
	_, err := st.GetExecution(ctx, "e1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = st.GetExecution(ctx, "e1")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestRedisStore_DecisionListIsBounded(t *testing.T) {
	ctx := context.Background()
	_, rdb := newMiniredis(t)
	st := NewRedisStore(rdb, 0)

	for i := 0; i < maxDecisions+10; i++ {
		require.NoError(t, st.SaveDecision(ctx, &model.TradeDecision{Holder: "0xH", Decision: model.ActionSkip}))
	}
	got, err := st.ListDecisions(ctx, "0xH", 0)
	require.NoError(t, err)
	assert.Len(t, got, maxDecisions)
}

func TestRedisStore_CorruptProfileIsSkipped(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	st := NewRedisStore(rdb, time.Hour)

	require.NoError(t, st.SaveProfile(ctx, profile("0xaaa", true)))
	require.NoError(t, st.SaveProfile(ctx, profile("0xbbb", true)))
	require.NoError(t, mr.Set("valuestor:0xbbb", "{not json"))

	before := testutil.ToFloat64(metrics.CorruptRecordsTotal.WithLabelValues("profile"))
	got, err := st.ListActiveProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xaaa", got[0].Address)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CorruptRecordsTotal.WithLabelValues("profile"))-before)

	// Through the cache wrapper too.
	cached := NewCachedStore(st, rdb, time.Minute)
	got, err = cached.ListActiveProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCachedStore(t *testing.T) {
	_, rdb := newMiniredis(t)
	runStoreContract(t, NewCachedStore(NewMemoryStore(), rdb, time.Minute))
}

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	primary := NewMemoryStore()
	st := NewCachedStore(primary, rdb, time.Minute)

	require.NoError(t, st.SavePosition(ctx, position("0xH", "0xT", "10")))
	_, err := st.GetPosition(ctx, "0xH", "0xT")
	require.NoError(t, err)
	assert.True(t, mr.Exists("cache:position:0xH:0xT"))

	// A write behind the cache's back is not seen until the entry goes.
	require.NoError(t, primary.SavePosition(ctx, position("0xH", "0xT", "20")))
	got, err := st.GetPosition(ctx, "0xH", "0xT")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(dec("10")))

	require.NoError(t, st.SavePosition(ctx, position("0xH", "0xT", "30")))
	assert.False(t, mr.Exists("cache:position:0xH:0xT"))
	got, err = st.GetPosition(ctx, "0xH", "0xT")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(dec("30")))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("cache:position:0xH:0xT"))
}
