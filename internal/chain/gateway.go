// Package chain is the trader's view of the bonding-curve factory contract:
// curve reads, signed buy/sell submission, and log subscriptions.
package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/valuestor/trader/internal/model"
)

// ErrNoSigner is returned by write calls on a gateway built without a key.
var ErrNoSigner = errors.New("chain: no signing key configured")

// Unsubscribe cancels a subscription. It is idempotent and does not block.
type Unsubscribe func()

// Gateway is the capability interface the pipeline depends on. Every call may
// fail with a transport error; callers treat such failures as per-call.
type Gateway interface {
	// ReadCurveState returns the current curve snapshot for token.
	ReadCurveState(ctx context.Context, token string) (model.CurveState, error)

	// SubmitBuy spends nativeAmount on token and returns the transaction hash.
	SubmitBuy(ctx context.Context, token string, nativeAmount decimal.Decimal) (string, error)

	// SubmitSell sells tokenAmount of token and returns the transaction hash.
	SubmitSell(ctx context.Context, token string, tokenAmount decimal.Decimal) (string, error)

	// SubscribeIssuanceCreated delivers token-creation events in log order.
	SubscribeIssuanceCreated(ctx context.Context, fn func(model.IssuanceEvent)) (Unsubscribe, error)

	// SubscribeTradeExecuted delivers curve trade events in log order.
	SubscribeTradeExecuted(ctx context.Context, fn func(model.TradeEvent)) (Unsubscribe, error)
}
