// Package orchestrator fans each new token out to every active holder.
//
// Per issuance: the analysis is stored, every active profile gets a decision
// (in parallel, bounded), and decisions of holders who allow automation are
// sized against their caps and executed one at a time. One holder failing
// never stops the others.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/valuestor/trader/internal/executor"
	"github.com/valuestor/trader/internal/limits"
	"github.com/valuestor/trader/internal/metrics"
	"github.com/valuestor/trader/internal/model"
	"github.com/valuestor/trader/internal/store"
)

// Decider is the decision engine as seen by the orchestrator.
type Decider interface {
	Analyze(ctx context.Context, analysis *model.TokenAnalysis, profile *model.ValueProfile, position *model.Position) (*model.TradeDecision, error)
	PortfolioAdvice(ctx context.Context, profile *model.ValueProfile, positions []model.PositionView) (*model.PortfolioAdvice, error)
}

// Executor submits trades.
type Executor interface {
	ExecuteDecision(ctx context.Context, d model.TradeDecision) (*model.TradeExecution, error)
	ProposedAmount(d model.TradeDecision) decimal.Decimal
}

// Publisher receives every recorded execution. Optional.
type Publisher interface {
	PublishExecution(exec model.TradeExecution)
}

type Options struct {
	Store    store.Store
	Decider  Decider
	Executor Executor
	Limiter  *limits.InvestmentLimiter
	Feed     Publisher

	// DecisionConcurrency bounds parallel reasoning calls per issuance.
	DecisionConcurrency int
	Logger              *zap.Logger
	Now                 func() time.Time
}

// Result summarises one issuance.
type Result struct {
	Token      string
	Decisions  []model.TradeDecision
	Executions []model.TradeExecution
	// Failures maps holder address to the error that stopped its processing.
	Failures map[string]error
}

type Orchestrator struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Orchestrator {
	if opts.DecisionConcurrency <= 0 {
		opts.DecisionConcurrency = 4
	}
	if opts.Limiter == nil {
		opts.Limiter = limits.NewInvestmentLimiter(decimal.Zero)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts, log: opts.Logger.Named("orchestrator")}
}

// holderRun carries one holder through both phases.
type holderRun struct {
	profile  model.ValueProfile
	position *model.Position
	decision *model.TradeDecision
	err      error
}

// OnIssuance runs the full pipeline for one analysed token.
func (o *Orchestrator) OnIssuance(ctx context.Context, analysis *model.TokenAnalysis) Result {
	res := Result{Token: analysis.Token, Failures: map[string]error{}}
	log := o.log.With(zap.String("token", analysis.Token))

	if err := o.opts.Store.SaveAnalysis(ctx, analysis); err != nil {
		log.Warn("failed to store analysis", zap.Error(err))
	}

	profiles, err := o.opts.Store.ListActiveProfiles(ctx)
	if err != nil {
		metrics.HolderFailuresTotal.WithLabelValues("profiles").Inc()
		log.Error("failed to load active profiles", zap.Error(err))
		return res
	}
	if len(profiles) == 0 {
		log.Info("no active holders")
		return res
	}

	runs := make([]holderRun, len(profiles))
	for i := range profiles {
		runs[i].profile = profiles[i]
	}

	// Decision phase: reasoning calls are the slow part, run them in parallel.
	var g errgroup.Group
	g.SetLimit(o.opts.DecisionConcurrency)
	for i := range runs {
		run := &runs[i]
		g.Go(func() error {
			o.decide(ctx, analysis, run)
			return nil
		})
	}
	_ = g.Wait()

	// Execution phase: one signing identity, so strictly sequential.
	for i := range runs {
		run := &runs[i]
		if run.err != nil {
			res.Failures[run.profile.Address] = run.err
			continue
		}
		res.Decisions = append(res.Decisions, *run.decision)

		if !run.profile.Executable() {
			log.Info("decision recorded for manual approval",
				zap.String("holder", run.profile.Address),
				zap.String("decision", string(run.decision.Decision)),
				zap.Bool("auto_trade", run.profile.Values.AutoTrade),
				zap.Bool("require_confirmation", run.profile.Values.AIGuidance.RequireConfirmation),
			)
			continue
		}

		// A confirmed execution is reported even when its position write-back
		// failed; the failure is reported alongside it.
		exec, err := o.execute(ctx, run)
		if exec != nil {
			res.Executions = append(res.Executions, *exec)
		}
		if err != nil {
			res.Failures[run.profile.Address] = err
		}
	}

	log.Info("issuance processed",
		zap.Int("holders", len(profiles)),
		zap.Int("decisions", len(res.Decisions)),
		zap.Int("executions", len(res.Executions)),
		zap.Int("failures", len(res.Failures)),
	)
	return res
}

func (o *Orchestrator) decide(ctx context.Context, analysis *model.TokenAnalysis, run *holderRun) {
	holder := run.profile.Address
	log := o.log.With(zap.String("token", analysis.Token), zap.String("holder", holder))

	defer func() {
		if r := recover(); r != nil {
			run.err = fmt.Errorf("panic: %v", r)
			metrics.HolderFailuresTotal.WithLabelValues("panic").Inc()
			log.Error("holder processing panicked", zap.Any("panic", r))
		}
	}()

	pos, err := o.opts.Store.GetPosition(ctx, holder, analysis.Token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = nil
	case err != nil:
		run.err = fmt.Errorf("load position: %w", err)
		metrics.HolderFailuresTotal.WithLabelValues("position").Inc()
		log.Error("failed to load position", zap.Error(err))
		return
	}
	run.position = pos

	d, err := o.opts.Decider.Analyze(ctx, analysis, &run.profile, pos)
	if err != nil {
		run.err = fmt.Errorf("decide: %w", err)
		metrics.HolderFailuresTotal.WithLabelValues("decision").Inc()
		log.Error("decision failed", zap.Error(err))
		return
	}
	run.decision = d

	log.Info("decision",
		zap.String("decision", string(d.Decision)),
		zap.Int("confidence", d.Confidence),
		zap.Int("alignment", d.AlignmentScore),
		zap.String("reasoning", d.Reasoning),
	)

	if err := o.opts.Store.SaveDecision(ctx, d); err != nil {
		metrics.HolderFailuresTotal.WithLabelValues("record_decision").Inc()
		log.Warn("failed to record decision", zap.Error(err))
	}
}

// execute sizes the decision against the holder's caps, submits it, and
// records the outcome. A nil execution with a nil error means nothing was
// attempted.
func (o *Orchestrator) execute(ctx context.Context, run *holderRun) (*model.TradeExecution, error) {
	d := *run.decision
	log := o.log.With(zap.String("token", d.Token), zap.String("holder", d.Holder))

	if d.Confidence >= executor.MinConfidence {
		sized, ok := o.size(d, run)
		if !ok {
			return nil, nil
		}
		d = sized
	}

	exec, err := o.opts.Executor.ExecuteDecision(ctx, d)
	if err != nil {
		metrics.HolderFailuresTotal.WithLabelValues("execute").Inc()
		log.Error("execution rejected", zap.Error(err))
		return nil, fmt.Errorf("execute: %w", err)
	}
	if exec == nil {
		return nil, nil
	}

	if err := o.opts.Store.SaveExecution(ctx, exec); err != nil {
		metrics.HolderFailuresTotal.WithLabelValues("record_execution").Inc()
		log.Error("failed to record execution", zap.String("id", exec.ID), zap.Error(err))
	}
	if o.opts.Feed != nil {
		o.opts.Feed.PublishExecution(*exec)
	}

	if exec.Status == model.StatusConfirmed && exec.TxHash != executor.DryRunTxHash {
		if err := o.applyToPosition(ctx, exec, run.position); err != nil {
			metrics.HolderFailuresTotal.WithLabelValues("position_update").Inc()
			log.Error("failed to update position", zap.String("id", exec.ID), zap.Error(err))
			return exec, fmt.Errorf("update position: %w", err)
		}
	}
	return exec, nil
}

// size clamps a buy or sell to what the holder's policy and position allow.
// ok is false when the trade must not go ahead.
func (o *Orchestrator) size(d model.TradeDecision, run *holderRun) (model.TradeDecision, bool) {
	var (
		amount decimal.Decimal
		err    error
	)
	switch d.Decision {
	case model.ActionBuy:
		amount, err = o.opts.Limiter.SizeBuy(run.profile.Values, o.opts.Executor.ProposedAmount(d), run.position)
	case model.ActionSell:
		proposed := decimal.Zero
		if d.RecommendedAmount != nil {
			proposed = *d.RecommendedAmount
		}
		amount, err = o.opts.Limiter.SizeSell(proposed, run.position)
	default:
		return d, true
	}
	if err != nil {
		metrics.PolicyRejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		o.log.Info("trade not sized",
			zap.String("token", d.Token),
			zap.String("holder", d.Holder),
			zap.String("decision", string(d.Decision)),
			zap.Error(err),
		)
		return d, false
	}
	d.RecommendedAmount = &amount
	return d, true
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, limits.ErrPerTokenLimitReached):
		return "per_token_cap"
	case errors.Is(err, limits.ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, limits.ErrNothingToSell):
		return "nothing_to_sell"
	}
	return "sizing"
}

// applyToPosition folds a confirmed execution into the holder's position.
// Buys add Amount/Price tokens at cost Amount; sells remove Amount tokens and
// release invested capital pro rata. An emptied position is deleted.
func (o *Orchestrator) applyToPosition(ctx context.Context, exec *model.TradeExecution, current *model.Position) error {
	now := o.opts.Now().UTC()

	switch exec.Type {
	case model.ActionBuy:
		if !exec.Price.IsPositive() {
			return fmt.Errorf("no fill price for %s", exec.ID)
		}
		tokens := exec.Amount.Div(exec.Price)
		pos := model.Position{
			Holder:     exec.Holder,
			Token:      exec.Token,
			FirstBuyAt: now,
		}
		if current != nil {
			pos = *current
		}
		pos.Amount = pos.Amount.Add(tokens)
		pos.TotalInvested = pos.TotalInvested.Add(exec.Amount)
		pos.AverageBuyPrice = pos.TotalInvested.Div(pos.Amount)
		pos.LastUpdateAt = now
		return o.opts.Store.SavePosition(ctx, &pos)

	case model.ActionSell:
		if current == nil || !current.Amount.IsPositive() {
			return nil
		}
		pos := *current
		sold := decimal.Min(exec.Amount, pos.Amount)
		remaining := pos.Amount.Sub(sold)
		if !remaining.IsPositive() {
			return o.opts.Store.DeletePosition(ctx, pos.Holder, pos.Token)
		}
		pos.TotalInvested = pos.TotalInvested.Mul(remaining).Div(pos.Amount)
		pos.Amount = remaining
		pos.LastUpdateAt = now
		return o.opts.Store.SavePosition(ctx, &pos)
	}
	return nil
}

// ReviewPortfolios asks for portfolio-level advice for every active holder
// with open positions and logs it. Per-holder failures are logged and
// skipped; only a failure to list holders is returned.
func (o *Orchestrator) ReviewPortfolios(ctx context.Context) error {
	profiles, err := o.opts.Store.ListActiveProfiles(ctx)
	if err != nil {
		return fmt.Errorf("list active profiles: %w", err)
	}

	for i := range profiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := &profiles[i]
		log := o.log.With(zap.String("holder", p.Address))

		advice, err := o.review(ctx, p)
		if err != nil {
			metrics.HolderFailuresTotal.WithLabelValues("portfolio").Inc()
			log.Error("portfolio review failed", zap.Error(err))
			continue
		}
		if advice == nil {
			continue
		}

		log.Info("portfolio review",
			zap.String("health", advice.OverallHealth),
			zap.Int("recommendations", len(advice.Recommendations)),
		)
		for _, rec := range advice.Recommendations {
			log.Info("portfolio recommendation",
				zap.String("token", rec.Token),
				zap.String("action", rec.Action),
				zap.String("urgency", string(rec.Urgency)),
				zap.String("reason", rec.Reason),
			)
		}
	}
	return nil
}

// review returns portfolio advice for one holder, or nil when the holder has
// no open positions.
func (o *Orchestrator) review(ctx context.Context, p *model.ValueProfile) (*model.PortfolioAdvice, error) {
	positions, err := o.opts.Store.ListPositions(ctx, p.Address)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if len(positions) == 0 {
		return nil, nil
	}

	views := make([]model.PositionView, 0, len(positions))
	for _, pos := range positions {
		view := model.PositionView{Position: pos, Analysis: model.TokenAnalysis{Token: pos.Token}}
		a, err := o.opts.Store.GetAnalysis(ctx, pos.Token)
		switch {
		case err == nil:
			view.Analysis = *a
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load analysis %s: %w", pos.Token, err)
		}
		views = append(views, view)
	}
	return o.opts.Decider.PortfolioAdvice(ctx, p, views)
}

// ReviewHolder is the on-demand form of the periodic review for one holder.
func (o *Orchestrator) ReviewHolder(ctx context.Context, address string) (*model.PortfolioAdvice, error) {
	p, err := o.opts.Store.GetProfile(ctx, address)
	if err != nil {
		return nil, err
	}
	advice, err := o.review(ctx, p)
	if err != nil {
		return nil, err
	}
	if advice == nil {
		return &model.PortfolioAdvice{Recommendations: []model.PositionAdvice{}, OverallHealth: "no open positions"}, nil
	}
	return advice, nil
}
