package limits

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/valuestor/trader/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func values(maxPerToken float64) model.Values {
	return model.Values{MaxInvestmentPerToken: d(maxPerToken)}
}

func TestSizeBuy_WithinLimits(t *testing.T) {
	l := NewInvestmentLimiter(d(0.001))

	got, err := l.SizeBuy(values(0.5), d(0.1), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !got.Equal(d(0.1)) {
		t.Errorf("expected 0.1, got %s", got)
	}
}

func TestSizeBuy_ClampedToHeadroom(t *testing.T) {
	l := NewInvestmentLimiter(d(0.001))

	// 0.45 already invested, cap 0.5: only 0.05 left.
	pos := &model.Position{TotalInvested: d(0.45)}
	got, err := l.SizeBuy(values(0.5), d(0.2), pos)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !got.Equal(d(0.05)) {
		t.Errorf("expected 0.05, got %s", got)
	}
}

func TestSizeBuy_CapReached(t *testing.T) {
	l := NewInvestmentLimiter(decimal.Zero)

	pos := &model.Position{TotalInvested: d(0.5)}
	_, err := l.SizeBuy(values(0.5), d(0.1), pos)
	if err != ErrPerTokenLimitReached {
		t.Errorf("expected ErrPerTokenLimitReached, got %v", err)
	}
}

func TestSizeBuy_NoCapConfigured(t *testing.T) {
	l := NewInvestmentLimiter(decimal.Zero)

	got, err := l.SizeBuy(values(0), d(3), &model.Position{TotalInvested: d(100)})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !got.Equal(d(3)) {
		t.Errorf("expected 3, got %s", got)
	}
}

func TestSizeBuy_BelowMinimumAfterClamp(t *testing.T) {
	l := NewInvestmentLimiter(d(0.01))

	pos := &model.Position{TotalInvested: d(0.495)}
	_, err := l.SizeBuy(values(0.5), d(0.1), pos)
	if err != ErrBelowMinimum {
		t.Errorf("expected ErrBelowMinimum, got %v", err)
	}
}

func TestSizeBuy_NonPositiveProposal(t *testing.T) {
	l := NewInvestmentLimiter(decimal.Zero)

	if _, err := l.SizeBuy(values(1), decimal.Zero, nil); err != ErrBelowMinimum {
		t.Errorf("expected ErrBelowMinimum, got %v", err)
	}
}

func TestSizeSell(t *testing.T) {
	l := NewInvestmentLimiter(decimal.Zero)
	pos := &model.Position{Amount: d(1000)}

	tests := []struct {
		name     string
		proposed decimal.Decimal
		want     decimal.Decimal
	}{
		{"partial", d(250), d(250)},
		{"more than held", d(5000), d(1000)},
		{"unspecified", decimal.Zero, d(1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.SizeSell(tt.proposed, pos)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSizeSell_NoPosition(t *testing.T) {
	l := NewInvestmentLimiter(decimal.Zero)

	if _, err := l.SizeSell(d(10), nil); err != ErrNothingToSell {
		t.Errorf("expected ErrNothingToSell, got %v", err)
	}
	if _, err := l.SizeSell(d(10), &model.Position{}); err != ErrNothingToSell {
		t.Errorf("expected ErrNothingToSell, got %v", err)
	}
}
