// Package limits sizes trades against a holder's investment caps.
//
// The reasoning service suggests an amount; the holder's policy has the final
// word. A buy is shrunk to whatever headroom remains under the per-token cap
// and refused outright when the remainder is too small to be worth a
// transaction.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/valuestor/trader/internal/model"
)

var (
	// ErrPerTokenLimitReached is returned when the holder has already invested
	// the per-token maximum in this token.
	ErrPerTokenLimitReached = errors.New("limits: per-token investment limit reached")

	// ErrBelowMinimum is returned when the sized trade falls under MinTrade.
	ErrBelowMinimum = errors.New("limits: trade below minimum size")

	// ErrNothingToSell is returned for a sell without a position.
	ErrNothingToSell = errors.New("limits: no position to sell")
)

// InvestmentLimiter applies ValueProfile caps to proposed trade amounts.
type InvestmentLimiter struct {
	// MinTrade is the smallest native amount worth submitting.
	MinTrade decimal.Decimal
}

func NewInvestmentLimiter(minTrade decimal.Decimal) *InvestmentLimiter {
	if minTrade.IsNegative() {
		minTrade = decimal.Zero
	}
	return &InvestmentLimiter{MinTrade: minTrade}
}

// SizeBuy returns the native amount to spend. A non-positive cap in values
// means the holder set no per-token limit.
func (l *InvestmentLimiter) SizeBuy(values model.Values, proposed decimal.Decimal, current *model.Position) (decimal.Decimal, error) {
	amount := proposed
	if !amount.IsPositive() {
		return decimal.Zero, ErrBelowMinimum
	}

	if values.MaxInvestmentPerToken.IsPositive() {
		invested := decimal.Zero
		if current != nil {
			invested = current.TotalInvested
		}
		headroom := values.MaxInvestmentPerToken.Sub(invested)
		if !headroom.IsPositive() {
			return decimal.Zero, ErrPerTokenLimitReached
		}
		amount = decimal.Min(amount, headroom)
	}

	if amount.LessThan(l.MinTrade) {
		return decimal.Zero, ErrBelowMinimum
	}
	return amount, nil
}

// SizeSell returns the token amount to sell, never more than is held.
func (l *InvestmentLimiter) SizeSell(proposed decimal.Decimal, current *model.Position) (decimal.Decimal, error) {
	if current == nil || !current.Amount.IsPositive() {
		return decimal.Zero, ErrNothingToSell
	}
	if !proposed.IsPositive() || proposed.GreaterThan(current.Amount) {
		return current.Amount, nil
	}
	return proposed, nil
}
