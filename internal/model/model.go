// Package model defines the core domain types shared across the trader.
// All monetary values use shopspring/decimal, never float64.
// Native amounts are denominated in whole native units (ETH), not wei.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// IssuanceEvent is emitted once per token creation on the bonding-curve factory.
type IssuanceEvent struct {
	Token       string    `json:"token"`
	Creator     string    `json:"creator"`
	Name        string    `json:"name"`
	Symbol      string    `json:"symbol"`
	MetadataURI string    `json:"metadata_uri"`
	Timestamp   time.Time `json:"timestamp"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
}

// TradeEvent is a buy or sell observed on the curve. Telemetry only.
type TradeEvent struct {
	Token        string          `json:"token"`
	Trader       string          `json:"trader"`
	IsBuy        bool            `json:"is_buy"`
	NativeAmount decimal.Decimal `json:"native_amount"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
	NewPrice     decimal.Decimal `json:"new_price"`
	Timestamp    time.Time       `json:"timestamp"`
	BlockNumber  uint64          `json:"block_number"`
	TxHash       string          `json:"tx_hash"`
}

// GraduationEvent marks a token leaving the curve for an external pool.
type GraduationEvent struct {
	Token           string          `json:"token"`
	Pair            string          `json:"pair"`
	NativeLiquidity decimal.Decimal `json:"native_liquidity"`
	TokenLiquidity  decimal.Decimal `json:"token_liquidity"`
	Timestamp       time.Time       `json:"timestamp"`
	BlockNumber     uint64          `json:"block_number"`
	TxHash          string          `json:"tx_hash"`
}

// CurveState is a point-in-time snapshot of a token's bonding curve.
// Never cache it beyond a single decision cycle.
type CurveState struct {
	CurrentPrice decimal.Decimal `json:"current_price"`
	TotalSupply  decimal.Decimal `json:"total_supply"`
	ReserveValue decimal.Decimal `json:"reserve_value"`
	MarketCap    decimal.Decimal `json:"market_cap"`
	Graduated    bool            `json:"graduated"`
	LiquidityUSD *float64        `json:"liquidity_usd,omitempty"`
}

// TokenMetadata merges on-chain fields with the optional off-chain document.
type TokenMetadata struct {
	Name        string    `json:"name"`
	Symbol      string    `json:"symbol"`
	URI         string    `json:"uri"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Creator     string    `json:"creator"`
	CreatedAt   time.Time `json:"created_at"`
}

// Risk flags.
const (
	FlagVeryLowLiquidity = "VERY_LOW_LIQUIDITY"
)

// TokenAnalysis is built once per IssuanceEvent and never mutated.
type TokenAnalysis struct {
	Token      string        `json:"token"`
	Curve      CurveState    `json:"curve"`
	Metadata   TokenMetadata `json:"metadata"`
	RiskScore  int           `json:"risk_score"` // 0..100, higher is safer
	RiskFlags  []string      `json:"risk_flags"`
	AnalyzedAt time.Time     `json:"analyzed_at"`

	HolderCount            *int     `json:"holder_count,omitempty"`
	TopHolderConcentration *float64 `json:"top_holder_concentration,omitempty"`
	CreatorReputation      *int     `json:"creator_reputation,omitempty"`
	CreatorRugHistory      *bool    `json:"creator_rug_history,omitempty"`
}

// HasFlag reports whether the analysis carries the given risk flag.
func (a *TokenAnalysis) HasFlag(flag string) bool {
	for _, f := range a.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// RiskTolerance is ordinal: conservative < moderate < aggressive.
type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskAggressive   RiskTolerance = "aggressive"
)

// Rank returns the ordinal position of the tolerance, or -1 if unknown.
func (r RiskTolerance) Rank() int {
	switch r {
	case RiskConservative:
		return 0
	case RiskModerate:
		return 1
	case RiskAggressive:
		return 2
	}
	return -1
}

// AIGuidance is the holder's sub-policy for automated decisions.
type AIGuidance struct {
	Enabled             bool `json:"enabled"`
	Aggressiveness      int  `json:"aggressiveness"` // 0..100
	RequireConfirmation bool `json:"require_confirmation"`
}

// Values is the holder's investment policy.
type Values struct {
	RiskTolerance          RiskTolerance   `json:"risk_tolerance"`
	MaxInvestmentPerToken  decimal.Decimal `json:"max_investment_per_token"`
	MaxPortfolioAllocation decimal.Decimal `json:"max_portfolio_allocation"` // percent
	Themes                 []string        `json:"themes"`
	TradingStyle           string          `json:"trading_style"` // holder, swing_trader, day_trader
	AutoTrade              bool            `json:"auto_trade"`
	MinLiquidityUSD        decimal.Decimal `json:"min_liquidity_usd"`
	MinCreatorReputation   int             `json:"min_creator_reputation"`
	AvoidHighConcentration bool            `json:"avoid_high_concentration"`
	AIGuidance             AIGuidance      `json:"ai_guidance"`
}

// ValueProfile is a holder together with their policy. Read-only to the core.
type ValueProfile struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Values    Values    `json:"values"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Executable reports whether decisions for this holder may be auto-executed.
func (p *ValueProfile) Executable() bool {
	return p.Values.AutoTrade && !p.Values.AIGuidance.RequireConfirmation
}

// Position is a holder's aggregate holding in one token.
type Position struct {
	Holder          string           `json:"holder"`
	Token           string           `json:"token"`
	Amount          decimal.Decimal  `json:"amount"`
	AverageBuyPrice decimal.Decimal  `json:"average_buy_price"`
	TotalInvested   decimal.Decimal  `json:"total_invested"`
	CurrentValue    *decimal.Decimal `json:"current_value,omitempty"`
	UnrealizedPnL   *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	FirstBuyAt      time.Time        `json:"first_buy_at"`
	LastUpdateAt    time.Time        `json:"last_update_at"`
}

// PositionView pairs a position with the analysis of its token, used for
// portfolio-level advice.
type PositionView struct {
	Position Position      `json:"position"`
	Analysis TokenAnalysis `json:"analysis"`
}

// Action is a decision value.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
	ActionSkip Action = "skip"
)

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold, ActionSkip:
		return true
	}
	return false
}

// TradeDecision is produced exactly once per (issuance, holder) pair.
type TradeDecision struct {
	Token             string           `json:"token"`
	Holder            string           `json:"holder"`
	Decision          Action           `json:"decision"`
	Confidence        int              `json:"confidence"`
	Reasoning         string           `json:"reasoning"`
	AlignmentScore    int              `json:"alignment_score"`
	RecommendedAmount *decimal.Decimal `json:"recommended_amount,omitempty"`
	KeyFactors        []string         `json:"key_factors,omitempty"`
	AnalyzedAt        time.Time        `json:"analyzed_at"`
}

// ExecutionStatus is pending, confirmed or failed. Only pending is non-terminal.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusConfirmed ExecutionStatus = "confirmed"
	StatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// TradeExecution records one attempted trade.
type TradeExecution struct {
	ID          string           `json:"id"`
	Holder      string           `json:"holder"`
	Token       string           `json:"token"`
	Type        Action           `json:"type"` // buy or sell
	Amount      decimal.Decimal  `json:"amount"`
	Price       decimal.Decimal  `json:"price"`
	PriceLimit  *decimal.Decimal `json:"price_limit,omitempty"` // max price for buys
	MinOutput   *decimal.Decimal `json:"min_output,omitempty"`  // min proceeds for sells
	Status      ExecutionStatus  `json:"status"`
	Decision    *TradeDecision   `json:"decision,omitempty"`
	TxHash      string           `json:"tx_hash,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ConfirmedAt *time.Time       `json:"confirmed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Confirm moves a pending execution to confirmed. Terminal executions are left untouched.
func (e *TradeExecution) Confirm(txHash string, at time.Time) bool {
	if e.Status.Terminal() {
		return false
	}
	e.Status = StatusConfirmed
	e.TxHash = txHash
	e.ConfirmedAt = &at
	return true
}

// Fail moves a pending execution to failed. Terminal executions are left untouched.
func (e *TradeExecution) Fail(err error) bool {
	if e.Status.Terminal() {
		return false
	}
	e.Status = StatusFailed
	if err != nil {
		e.Error = err.Error()
	}
	return true
}

// Urgency of a portfolio recommendation.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// PositionAdvice is per-position guidance: sell, hold, or buy_more.
type PositionAdvice struct {
	Token   string  `json:"token"`
	Action  string  `json:"action"`
	Reason  string  `json:"reason"`
	Urgency Urgency `json:"urgency"`
}

// PortfolioAdvice summarises a holder's whole position set.
type PortfolioAdvice struct {
	Recommendations []PositionAdvice `json:"recommendations"`
	OverallHealth   string           `json:"overallPortfolioHealth"`
}
