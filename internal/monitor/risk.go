package monitor

import (
	"github.com/shopspring/decimal"

	"github.com/valuestor/trader/internal/model"
)

var (
	reserveCritical = decimal.RequireFromString("0.01")
	reserveLow      = decimal.RequireFromString("0.1")
	reserveModest   = decimal.NewFromInt(1)
)

// RiskScore rates a token from 0 (worst) to 100 using metadata completeness
// and the native reserve backing its curve.
func RiskScore(meta model.TokenMetadata, reserve decimal.Decimal) int {
	score := 100

	if meta.Description == "" {
		score -= 10
	}
	if meta.Category == "" {
		score -= 5
	}
	if len(meta.Tags) == 0 {
		score -= 5
	}

	switch {
	case reserve.LessThan(reserveCritical):
		score -= 30
	case reserve.LessThan(reserveLow):
		score -= 15
	case reserve.LessThan(reserveModest):
		score -= 5
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RiskFlags returns the categorical warnings for a reserve level.
func RiskFlags(reserve decimal.Decimal) []string {
	flags := []string{}
	if reserve.LessThan(reserveCritical) {
		flags = append(flags, model.FlagVeryLowLiquidity)
	}
	return flags
}
