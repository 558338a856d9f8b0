package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuestor/trader/internal/chain"
	"github.com/valuestor/trader/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeGateway struct {
	mu       sync.Mutex
	curves   map[string]model.CurveState
	curveErr map[string]error
	onIssue  func(model.IssuanceEvent)
	onTrade  func(model.TradeEvent)
	unsubbed int
	tradeErr error
}

func (g *fakeGateway) ReadCurveState(_ context.Context, token string) (model.CurveState, error) {
	if err := g.curveErr[token]; err != nil {
		return model.CurveState{}, err
	}
	return g.curves[token], nil
}

func (g *fakeGateway) SubmitBuy(context.Context, string, decimal.Decimal) (string, error) {
	return "", errors.New("unexpected write")
}

func (g *fakeGateway) SubmitSell(context.Context, string, decimal.Decimal) (string, error) {
	return "", errors.New("unexpected write")
}

func (g *fakeGateway) SubscribeIssuanceCreated(_ context.Context, fn func(model.IssuanceEvent)) (chain.Unsubscribe, error) {
	g.onIssue = fn
	return g.unsub, nil
}

func (g *fakeGateway) SubscribeTradeExecuted(_ context.Context, fn func(model.TradeEvent)) (chain.Unsubscribe, error) {
	if g.tradeErr != nil {
		return nil, g.tradeErr
	}
	g.onTrade = fn
	return g.unsub, nil
}

func (g *fakeGateway) unsub() {
	g.mu.Lock()
	g.unsubbed++
	g.mu.Unlock()
}

func metadataServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRiskScore_ReserveThresholds(t *testing.T) {
	full := model.TokenMetadata{Description: "solar coop", Category: "energy", Tags: []string{"green"}}

	tests := []struct {
		reserve string
		score   int
		flagged bool
	}{
		{"0.005", 70, true},
		{"0.5", 85, false},
		{"5", 95, false},
		{"50", 100, false},
		{"0.01", 85, false},
		{"0.1", 95, false},
		{"1", 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.reserve, func(t *testing.T) {
			assert.Equal(t, tt.score, RiskScore(full, d(tt.reserve)))
			flags := RiskFlags(d(tt.reserve))
			if tt.flagged {
				assert.Equal(t, []string{model.FlagVeryLowLiquidity}, flags)
			} else {
				assert.Empty(t, flags)
			}
		})
	}
}

func TestRiskScore_MissingMetadata(t *testing.T) {
	assert.Equal(t, 80, RiskScore(model.TokenMetadata{}, d("50")))
	assert.Equal(t, 50, RiskScore(model.TokenMetadata{}, d("0")))
	assert.Equal(t, 90, RiskScore(model.TokenMetadata{Description: "x", Tags: []string{}}, d("50")))
}

func TestRiskScore_Clamped(t *testing.T) {
	for _, r := range []string{"-1", "0", "0.000001", "1000000"} {
		s := RiskScore(model.TokenMetadata{}, d(r))
		assert.GreaterOrEqual(t, s, 0)
		assert.LessOrEqual(t, s, 100)
	}
}

func TestResolveURI(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"ipfs://QmABC", "https://ipfs.io/ipfs/QmABC", true},
		{"ipfs://ipfs/QmABC", "https://ipfs.io/ipfs/QmABC", true},
		{"https://example.com/m.json", "https://example.com/m.json", true},
		{"ar://xyz", "", false},
		{"", "", false},
		{"ipfs://", "", false},
	}
	for _, tt := range tests {
		got, ok := resolveURI(tt.in, "https://ipfs.io/ipfs/")
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestAnalyze_WithMetadata(t *testing.T) {
	srv := metadataServer(t, `{"description":"community solar","category":"energy","tags":["green","coop"]}`, http.StatusOK)
	gw := &fakeGateway{curves: map[string]model.CurveState{"0xT": {ReserveValue: d("5"), CurrentPrice: d("0.001")}}}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(gw, Options{Now: func() time.Time { return now }})

	a, err := m.Analyze(context.Background(), model.IssuanceEvent{
		Token: "0xT", Creator: "0xC", Name: "Sun", Symbol: "SUN", MetadataURI: srv.URL,
	})
	require.NoError(t, err)

	assert.Equal(t, "community solar", a.Metadata.Description)
	assert.Equal(t, []string{"green", "coop"}, a.Metadata.Tags)
	assert.Equal(t, "SUN", a.Metadata.Symbol)
	assert.Equal(t, 95, a.RiskScore)
	assert.Empty(t, a.RiskFlags)
	assert.Equal(t, now, a.AnalyzedAt)
}

func TestAnalyze_IPFSRoutedThroughGateway(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"description":"x","category":"y","tags":["z"]}`))
	}))
	defer srv.Close()

	gw := &fakeGateway{curves: map[string]model.CurveState{"0xT": {ReserveValue: d("50")}}}
	m := New(gw, Options{IPFSGateway: srv.URL + "/ipfs/"})

	a, err := m.Analyze(context.Background(), model.IssuanceEvent{Token: "0xT", MetadataURI: "ipfs://QmCID"})
	require.NoError(t, err)
	assert.Equal(t, "/ipfs/QmCID", path)
	assert.Equal(t, 100, a.RiskScore)
}

func TestAnalyze_MetadataFailureDegrades(t *testing.T) {
	srv := metadataServer(t, `oops`, http.StatusBadGateway)
	gw := &fakeGateway{curves: map[string]model.CurveState{"0xT": {ReserveValue: d("0.005")}}}
	m := New(gw, Options{})

	a, err := m.Analyze(context.Background(), model.IssuanceEvent{Token: "0xT", MetadataURI: srv.URL})
	require.NoError(t, err)
	assert.Empty(t, a.Metadata.Description)
	assert.Equal(t, 50, a.RiskScore)
	assert.True(t, a.HasFlag(model.FlagVeryLowLiquidity))
}

func TestAnalyze_MetadataTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	gw := &fakeGateway{curves: map[string]model.CurveState{"0xT": {ReserveValue: d("50")}}}
	m := New(gw, Options{MetadataTimeout: 50 * time.Millisecond})

	start := time.Now()
	a, err := m.Analyze(context.Background(), model.IssuanceEvent{Token: "0xT", MetadataURI: srv.URL})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 80, a.RiskScore)
}

func TestStart_FailForward(t *testing.T) {
	gw := &fakeGateway{
		curves:   map[string]model.CurveState{"0xGOOD": {ReserveValue: d("1")}},
		curveErr: map[string]error{"0xBAD": errors.New("rpc timeout")},
	}
	var got []string
	m := New(gw, Options{
		OnIssuance: func(_ context.Context, a *model.TokenAnalysis) { got = append(got, a.Token) },
	})
	require.NoError(t, m.Start(context.Background()))

	gw.onIssue(model.IssuanceEvent{Token: "0xBAD"})
	gw.onIssue(model.IssuanceEvent{Token: "0xGOOD"})

	assert.Equal(t, []string{"0xGOOD"}, got)
}

func TestStart_CallbackPanicDoesNotEscape(t *testing.T) {
	gw := &fakeGateway{curves: map[string]model.CurveState{}}
	calls := 0
	m := New(gw, Options{
		OnIssuance: func(context.Context, *model.TokenAnalysis) {
			calls++
			panic("boom")
		},
	})
	require.NoError(t, m.Start(context.Background()))

	assert.NotPanics(t, func() {
		gw.onIssue(model.IssuanceEvent{Token: "0x1"})
		gw.onIssue(model.IssuanceEvent{Token: "0x2"})
	})
	assert.Equal(t, 2, calls)
}

func TestStart_ForwardsTradesUnmodified(t *testing.T) {
	gw := &fakeGateway{}
	var seen []model.TradeEvent
	m := New(gw, Options{
		OnIssuance: func(context.Context, *model.TokenAnalysis) {},
		OnTrade:    func(ev model.TradeEvent) { seen = append(seen, ev) },
	})
	require.NoError(t, m.Start(context.Background()))

	ev := model.TradeEvent{Token: "0xT", IsBuy: true, NativeAmount: d("0.2")}
	gw.onTrade(ev)
	require.Len(t, seen, 1)
	assert.Equal(t, ev, seen[0])
}

func TestStart_TradeSubscribeFailureUnwinds(t *testing.T) {
	gw := &fakeGateway{tradeErr: errors.New("ws closed")}
	m := New(gw, Options{
		OnIssuance: func(context.Context, *model.TokenAnalysis) {},
		OnTrade:    func(model.TradeEvent) {},
	})
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, gw.unsubbed)
}

func TestStop_Idempotent(t *testing.T) {
	gw := &fakeGateway{}
	m := New(gw, Options{
		OnIssuance: func(context.Context, *model.TokenAnalysis) {},
		OnTrade:    func(model.TradeEvent) {},
	})
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	m.Stop()
	m.Stop()
	assert.Equal(t, 2, gw.unsubbed)
	assert.ErrorIs(t, m.Start(context.Background()), ErrStopped)
}

func TestWait_JoinsInFlightIssuance(t *testing.T) {
	gw := &fakeGateway{curves: map[string]model.CurveState{"0xT": {ReserveValue: d("1")}}}
	entered := make(chan struct{})
	release := make(chan struct{})
	var handled []string
	var mu sync.Mutex
	m := New(gw, Options{
		OnIssuance: func(_ context.Context, a *model.TokenAnalysis) {
			mu.Lock()
			handled = append(handled, a.Token)
			mu.Unlock()
			if a.Token == "0xT" {
				close(entered)
				<-release
			}
		},
	})
	require.NoError(t, m.Start(context.Background()))

	go gw.onIssue(model.IssuanceEvent{Token: "0xT"})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("issuance never reached the callback")
	}

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an in-flight issuance")
	}

	// Delivered after Stop: dropped.
	gw.onIssue(model.IssuanceEvent{Token: "0xLATE"})

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(short), context.DeadlineExceeded)

	close(release)
	waitCtx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	require.NoError(t, m.Wait(waitCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0xT"}, handled)
}

func TestWait_ReturnsImmediatelyWhenIdle(t *testing.T) {
	m := New(&fakeGateway{}, Options{OnIssuance: func(context.Context, *model.TokenAnalysis) {}})
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	require.NoError(t, m.Wait(context.Background()))
}

func TestStart_RequiresIssuanceCallback(t *testing.T) {
	m := New(&fakeGateway{}, Options{})
	assert.Error(t, m.Start(context.Background()))
}
