// Package executor turns actionable decisions into submitted trades.
//
// Gates, in order: skip and hold are never executed; anything under
// MinConfidence is never executed. Surviving decisions produce exactly one
// TradeExecution that ends confirmed or failed. Failures are recorded on the
// execution and never retried here.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/chain"
	"github.com/valuestor/trader/internal/metrics"
	"github.com/valuestor/trader/internal/model"
)

const (
	// MinConfidence is the hard floor below which nothing is executed,
	// independent of holder policy.
	MinConfidence = 70

	// DryRunTxHash marks executions that were simulated.
	DryRunTxHash = "0xDRYRUN"
)

type Config struct {
	DryRun bool
	// MaxSlippage is a fraction, 0.05 for 5%.
	MaxSlippage float64
	// Pause separates consecutive submissions in ExecuteMultiple.
	Pause time.Duration
	// DefaultBuyAmount is spent when a buy decision carries no amount.
	DefaultBuyAmount decimal.Decimal
}

type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l.Named("executor")
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleep overrides the pause between batch submissions.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

type Executor struct {
	gw       chain.Gateway
	cfg      Config
	slippage decimal.Decimal
	log      *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	// mu serialises submissions from the single signing identity.
	mu sync.Mutex
}

func New(gw chain.Gateway, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		gw:       gw,
		cfg:      cfg,
		slippage: decimal.NewFromFloat(cfg.MaxSlippage),
		log:      zap.NewNop(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DryRun reports whether the executor simulates submissions.
func (e *Executor) DryRun() bool { return e.cfg.DryRun }

// MaxPrice is the highest acceptable fill price for a buy.
func MaxPrice(price, slippage decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(1).Add(slippage))
}

// MinOutput is the lowest acceptable native proceeds for a sell.
func MinOutput(proceeds, slippage decimal.Decimal) decimal.Decimal {
	return proceeds.Mul(decimal.NewFromInt(1).Sub(slippage))
}

// ExecuteDecision applies the policy gates and, if they pass, submits the
// trade. A nil execution with a nil error means the decision was gated.
// The returned error is reserved for decisions that cannot be executed at
// all; submission failures are reported on a failed execution instead.
func (e *Executor) ExecuteDecision(ctx context.Context, d model.TradeDecision) (*model.TradeExecution, error) {
	switch d.Decision {
	case model.ActionSkip, model.ActionHold:
		metrics.PolicyRejectionsTotal.WithLabelValues("not_actionable").Inc()
		e.log.Debug("decision not actionable",
			zap.String("token", d.Token),
			zap.String("holder", d.Holder),
			zap.String("decision", string(d.Decision)),
		)
		return nil, nil
	case model.ActionBuy, model.ActionSell:
	default:
		return nil, fmt.Errorf("executor: unknown decision %q", d.Decision)
	}

	if d.Confidence < MinConfidence {
		metrics.PolicyRejectionsTotal.WithLabelValues("low_confidence").Inc()
		e.log.Info("confidence below floor, not executing",
			zap.String("token", d.Token),
			zap.String("holder", d.Holder),
			zap.Int("confidence", d.Confidence),
		)
		return nil, nil
	}

	decision := d
	exec := &model.TradeExecution{
		ID:        uuid.New().String(),
		Holder:    d.Holder,
		Token:     d.Token,
		Type:      d.Decision,
		Amount:    e.amountFor(d),
		Price:     decimal.Zero,
		Status:    model.StatusPending,
		Decision:  &decision,
		CreatedAt: e.now().UTC(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	var err error
	if e.cfg.DryRun {
		e.simulate(ctx, exec)
	} else {
		err = e.submit(ctx, exec)
	}
	metrics.ExecutionLatency.WithLabelValues(string(exec.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		exec.Fail(err)
		e.log.Error("trade failed",
			zap.String("id", exec.ID),
			zap.String("token", exec.Token),
			zap.String("holder", exec.Holder),
			zap.String("type", string(exec.Type)),
			zap.String("amount", exec.Amount.String()),
			zap.Error(err),
		)
	} else {
		e.log.Info("trade confirmed",
			zap.String("id", exec.ID),
			zap.String("token", exec.Token),
			zap.String("holder", exec.Holder),
			zap.String("type", string(exec.Type)),
			zap.String("amount", exec.Amount.String()),
			zap.String("tx_hash", exec.TxHash),
			zap.Bool("dry_run", e.cfg.DryRun),
		)
	}
	metrics.ExecutionsTotal.WithLabelValues(string(exec.Type), string(exec.Status)).Inc()
	return exec, nil
}

// ProposedAmount is what ExecuteDecision would submit for d before any
// holder caps are applied.
func (e *Executor) ProposedAmount(d model.TradeDecision) decimal.Decimal {
	return e.amountFor(d)
}

func (e *Executor) amountFor(d model.TradeDecision) decimal.Decimal {
	if d.RecommendedAmount != nil && d.RecommendedAmount.IsPositive() {
		return *d.RecommendedAmount
	}
	if d.Decision == model.ActionBuy {
		return e.cfg.DefaultBuyAmount
	}
	return decimal.Zero
}

// simulate confirms without touching the write path. The curve is still read
// so the record carries a realistic price when the gateway is reachable.
func (e *Executor) simulate(ctx context.Context, exec *model.TradeExecution) {
	if e.gw != nil {
		if curve, err := e.gw.ReadCurveState(ctx, exec.Token); err == nil {
			e.applyBounds(exec, curve.CurrentPrice)
		} else {
			e.log.Debug("dry run price read failed", zap.String("token", exec.Token), zap.Error(err))
		}
	}
	exec.Confirm(DryRunTxHash, e.now().UTC())
}

func (e *Executor) submit(ctx context.Context, exec *model.TradeExecution) error {
	if !exec.Amount.IsPositive() {
		return fmt.Errorf("%s amount must be positive, got %s", exec.Type, exec.Amount)
	}

	curve, err := e.gw.ReadCurveState(ctx, exec.Token)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	e.applyBounds(exec, curve.CurrentPrice)

	var txHash string
	switch exec.Type {
	case model.ActionBuy:
		txHash, err = e.gw.SubmitBuy(ctx, exec.Token, exec.Amount)
	case model.ActionSell:
		txHash, err = e.gw.SubmitSell(ctx, exec.Token, exec.Amount)
	}
	if err != nil {
		return err
	}
	exec.Confirm(txHash, e.now().UTC())
	return nil
}

func (e *Executor) applyBounds(exec *model.TradeExecution, price decimal.Decimal) {
	exec.Price = price
	switch exec.Type {
	case model.ActionBuy:
		limit := MaxPrice(price, e.slippage)
		exec.PriceLimit = &limit
	case model.ActionSell:
		floor := MinOutput(exec.Amount.Mul(price), e.slippage)
		exec.MinOutput = &floor
	}
}

// ExecuteMultiple runs decisions one after another with the configured pause
// between them. Gated decisions produce no entry; a failing decision does not
// stop the ones after it.
func (e *Executor) ExecuteMultiple(ctx context.Context, decisions []model.TradeDecision) []model.TradeExecution {
	out := make([]model.TradeExecution, 0, len(decisions))
	for i, d := range decisions {
		if i > 0 && e.cfg.Pause > 0 {
			if err := e.sleep(ctx, e.cfg.Pause); err != nil {
				e.log.Warn("batch interrupted", zap.Int("remaining", len(decisions)-i), zap.Error(err))
				break
			}
		}
		exec, err := e.ExecuteDecision(ctx, d)
		if err != nil {
			e.log.Error("decision rejected", zap.String("token", d.Token), zap.String("holder", d.Holder), zap.Error(err))
			continue
		}
		if exec != nil {
			out = append(out, *exec)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
