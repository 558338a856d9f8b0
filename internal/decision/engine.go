// Package decision asks the reasoning service whether a token fits a holder's
// values and turns the answer into a TradeDecision.
//
// Model output is untrusted. Anything that does not carry a valid decision,
// a non-zero confidence and a reasoning text becomes a skip.
package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/metrics"
	"github.com/valuestor/trader/internal/model"
	"github.com/valuestor/trader/internal/reasoning"
)

const (
	// FallbackReasoning is the reasoning text of a fail-closed decision.
	FallbackReasoning = "parse failure, defaulting to skip"
	// UnableToAnalyze is the portfolio health text when advice cannot be parsed.
	UnableToAnalyze = "unable to analyze"

	defaultAlignment = 50
)

type Options struct {
	// Temperature is sent as given; 0 is a valid, deterministic setting.
	Temperature        float64
	MaxTokens          int64
	PortfolioMaxTokens int64
	Logger             *zap.Logger
	Now                func() time.Time
}

type Engine struct {
	r    reasoning.Reasoner
	opts Options
	log  *zap.Logger
}

func New(r reasoning.Reasoner, opts Options) *Engine {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}
	if opts.PortfolioMaxTokens <= 0 {
		opts.PortfolioMaxTokens = 3000
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{r: r, opts: opts, log: opts.Logger.Named("decision")}
}

// Analyze produces the decision for one (token, holder) pair. position may be
// nil. An error is returned only when the reasoning service could not be
// reached; unusable or empty answers yield a skip decision.
func (e *Engine) Analyze(ctx context.Context, analysis *model.TokenAnalysis, profile *model.ValueProfile, position *model.Position) (*model.TradeDecision, error) {
	if analysis == nil || profile == nil {
		return nil, fmt.Errorf("decision: analysis and profile are required")
	}

	prompt, err := buildAnalysisPrompt(analysis, profile.Values, position)
	if err != nil {
		return nil, err
	}

	text, err := e.r.Complete(ctx, analysisSystemPrompt, prompt, reasoning.Options{
		Temperature: e.opts.Temperature,
		MaxTokens:   e.opts.MaxTokens,
		JSONMode:    true,
	})
	// An empty answer is unusable output, not an outage: it fails closed below.
	if err != nil && !errors.Is(err, reasoning.ErrEmptyResponse) {
		return nil, fmt.Errorf("reasoning call for %s/%s: %w", profile.Address, analysis.Token, err)
	}

	d, perr := parseDecision(text)
	if perr != nil {
		metrics.DecisionFallbacksTotal.Inc()
		e.log.Warn("unusable reasoning output, failing closed",
			zap.String("token", analysis.Token),
			zap.String("holder", profile.Address),
			zap.Error(perr),
			zap.String("response", truncate(text, 512)),
		)
		d = FailClosed()
	}
	d.Token = analysis.Token
	d.Holder = profile.Address
	d.AnalyzedAt = e.opts.Now().UTC()

	metrics.DecisionsTotal.WithLabelValues(string(d.Decision)).Inc()
	return &d, nil
}

// FailClosed returns the decision used whenever model output is unusable.
func FailClosed() model.TradeDecision {
	return model.TradeDecision{
		Decision:       model.ActionSkip,
		Confidence:     0,
		AlignmentScore: 0,
		Reasoning:      FallbackReasoning,
	}
}

// PortfolioAdvice reviews a holder's whole position set in one call.
func (e *Engine) PortfolioAdvice(ctx context.Context, profile *model.ValueProfile, positions []model.PositionView) (*model.PortfolioAdvice, error) {
	if profile == nil {
		return nil, fmt.Errorf("decision: profile is required")
	}
	if len(positions) == 0 {
		return &model.PortfolioAdvice{Recommendations: []model.PositionAdvice{}, OverallHealth: "no open positions"}, nil
	}

	prompt, err := buildPortfolioPrompt(profile.Values, positions)
	if err != nil {
		return nil, err
	}
	text, err := e.r.Complete(ctx, portfolioSystemPrompt, prompt, reasoning.Options{
		Temperature: e.opts.Temperature,
		MaxTokens:   e.opts.PortfolioMaxTokens,
		JSONMode:    true,
	})
	if err != nil && !errors.Is(err, reasoning.ErrEmptyResponse) {
		return nil, fmt.Errorf("portfolio reasoning call for %s: %w", profile.Address, err)
	}

	advice, perr := parseAdvice(text)
	if perr != nil {
		e.log.Warn("unusable portfolio advice",
			zap.String("holder", profile.Address),
			zap.Error(perr),
		)
		return &model.PortfolioAdvice{Recommendations: []model.PositionAdvice{}, OverallHealth: UnableToAnalyze}, nil
	}
	return advice, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
