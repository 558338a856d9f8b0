// Package monitor turns factory events into token analyses.
//
// Each issuance event is enriched with the current curve state and the
// off-chain metadata document, scored, and handed to the issuance callback.
// A failure on one event is logged and never stops the subscription.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/chain"
	"github.com/valuestor/trader/internal/metrics"
	"github.com/valuestor/trader/internal/model"
)

var (
	ErrAlreadyStarted = errors.New("monitor: already started")
	ErrStopped        = errors.New("monitor: stopped")
)

type Options struct {
	// OnIssuance receives every completed analysis. Required.
	OnIssuance func(ctx context.Context, analysis *model.TokenAnalysis)
	// OnTrade receives raw trade events. Optional, telemetry only.
	OnTrade func(ev model.TradeEvent)

	HTTPClient      *http.Client
	MetadataTimeout time.Duration
	IPFSGateway     string
	Logger          *zap.Logger
	Now             func() time.Time
}

type Monitor struct {
	gw   chain.Gateway
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	unsubs  []chain.Unsubscribe
	stop    sync.Once

	// inflight counts issuance handlers still running; Add only under mu
	// while not stopped.
	inflight sync.WaitGroup
}

func New(gw chain.Gateway, opts Options) *Monitor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = 5 * time.Second
	}
	if opts.IPFSGateway == "" {
		opts.IPFSGateway = "https://ipfs.io/ipfs/"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{gw: gw, opts: opts, log: opts.Logger.Named("monitor")}
}

// Start subscribes to issuance events, and to trade events when OnTrade is
// set. Event processing runs detached from ctx cancellation so that a trade
// already in flight can finish; Wait joins it after Stop.
func (m *Monitor) Start(ctx context.Context) error {
	if m.opts.OnIssuance == nil {
		return fmt.Errorf("monitor: OnIssuance callback is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}

	work := context.WithoutCancel(ctx)

	unsub, err := m.gw.SubscribeIssuanceCreated(ctx, func(ev model.IssuanceEvent) {
		if !m.track() {
			return
		}
		defer m.inflight.Done()
		m.handleIssuance(work, ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe issuances: %w", err)
	}
	m.unsubs = append(m.unsubs, unsub)

	if m.opts.OnTrade != nil {
		unsub, err := m.gw.SubscribeTradeExecuted(ctx, m.handleTrade)
		if err != nil {
			for _, u := range m.unsubs {
				u()
			}
			m.unsubs = nil
			return fmt.Errorf("subscribe trades: %w", err)
		}
		m.unsubs = append(m.unsubs, unsub)
	}

	m.started = true
	m.log.Info("monitor started", zap.Bool("trades", m.opts.OnTrade != nil))
	return nil
}

// Stop cancels both subscriptions and drops events delivered afterwards.
// Safe to call more than once; never blocks on in-flight event processing,
// use Wait for that.
func (m *Monitor) Stop() {
	m.stop.Do(func() {
		m.mu.Lock()
		unsubs := m.unsubs
		m.unsubs = nil
		m.stopped = true
		m.mu.Unlock()

		for _, u := range unsubs {
			u()
		}
		m.log.Info("monitor stopped")
	})
}

// Wait blocks until every issuance handler that started before Stop has
// returned, or ctx is done.
func (m *Monitor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.inflight.Add(1)
	return true
}

func (m *Monitor) handleIssuance(ctx context.Context, ev model.IssuanceEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AnalysesTotal.WithLabelValues("panic").Inc()
			m.log.Error("issuance handler panicked", zap.String("token", ev.Token), zap.Any("panic", r))
		}
	}()

	analysis, err := m.Analyze(ctx, ev)
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues("error").Inc()
		m.log.Error("analysis failed", zap.String("token", ev.Token), zap.Error(err))
		return
	}
	metrics.AnalysesTotal.WithLabelValues("ok").Inc()
	metrics.RiskScore.Observe(float64(analysis.RiskScore))

	m.log.Info("token analyzed",
		zap.String("token", analysis.Token),
		zap.String("symbol", analysis.Metadata.Symbol),
		zap.Int("risk_score", analysis.RiskScore),
		zap.Strings("risk_flags", analysis.RiskFlags),
		zap.String("reserve", analysis.Curve.ReserveValue.String()),
	)
	m.opts.OnIssuance(ctx, analysis)
}

func (m *Monitor) handleTrade(ev model.TradeEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("trade observer panicked", zap.String("token", ev.Token), zap.Any("panic", r))
		}
	}()
	metrics.TradeEventsTotal.Inc()
	m.opts.OnTrade(ev)
}

// Analyze builds the analysis for one issuance event. Metadata fetch failures
// degrade the result rather than failing it; a curve read failure is returned.
func (m *Monitor) Analyze(ctx context.Context, ev model.IssuanceEvent) (*model.TokenAnalysis, error) {
	curve, err := m.gw.ReadCurveState(ctx, ev.Token)
	if err != nil {
		return nil, fmt.Errorf("read curve %s: %w", ev.Token, err)
	}

	meta := model.TokenMetadata{
		Name:      ev.Name,
		Symbol:    ev.Symbol,
		URI:       ev.MetadataURI,
		Creator:   ev.Creator,
		CreatedAt: ev.Timestamp,
	}
	doc, err := m.fetchMetadata(ctx, ev.MetadataURI)
	if err != nil {
		metrics.MetadataFailuresTotal.Inc()
		m.log.Warn("metadata unavailable, continuing without it",
			zap.String("token", ev.Token),
			zap.String("uri", ev.MetadataURI),
			zap.Error(err),
		)
	} else {
		meta.Description = doc.Description
		meta.Category = doc.Category
		meta.Tags = doc.Tags
	}

	return &model.TokenAnalysis{
		Token:      ev.Token,
		Curve:      curve,
		Metadata:   meta,
		RiskScore:  RiskScore(meta, curve.ReserveValue),
		RiskFlags:  RiskFlags(curve.ReserveValue),
		AnalyzedAt: m.opts.Now().UTC(),
	}, nil
}
