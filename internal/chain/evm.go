package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/model"
)

// Backend is the subset of *ethclient.Client the gateway uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type EVMConfig struct {
	RPCURL     string
	WSURL      string
	Factory    string
	ChainID    int64
	PrivateKey string

	// PollInterval is used when the endpoint cannot push logs.
	PollInterval time.Duration
	// ResubscribeBackoff caps the delay between push reconnect attempts.
	ResubscribeBackoff time.Duration
}

// EVMGateway talks to the factory contract over JSON-RPC.
type EVMGateway struct {
	reads   Backend
	logs    Backend
	factory common.Address
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	cfg     EVMConfig
	logger  *zap.Logger

	nonceMu sync.Mutex
	closers []func()
}

// DialEVM connects to cfg.RPCURL, plus cfg.WSURL for log subscriptions when set.
func DialEVM(ctx context.Context, cfg EVMConfig, logger *zap.Logger) (*EVMGateway, error) {
	rc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	logs := rc
	closers := []func(){rc.Close}
	if cfg.WSURL != "" {
		wc, err := ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("dial ws: %w", err)
		}
		logs = wc
		closers = append(closers, wc.Close)
	}
	gw, err := NewEVMGateway(rc, logs, cfg, logger)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}
	gw.closers = closers
	return gw, nil
}

// NewEVMGateway builds a gateway over already-connected backends. An empty
// PrivateKey yields a read-only gateway whose writes fail with ErrNoSigner.
func NewEVMGateway(reads, logs Backend, cfg EVMConfig, logger *zap.Logger) (*EVMGateway, error) {
	if !common.IsHexAddress(cfg.Factory) {
		return nil, fmt.Errorf("invalid factory address %q", cfg.Factory)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ResubscribeBackoff <= 0 {
		cfg.ResubscribeBackoff = 30 * time.Second
	}
	gw := &EVMGateway{
		reads:   reads,
		logs:    logs,
		factory: common.HexToAddress(cfg.Factory),
		chainID: big.NewInt(cfg.ChainID),
		cfg:     cfg,
		logger:  logger.Named("chain"),
	}
	if pk := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"); pk != "" {
		key, err := crypto.HexToECDSA(pk)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		gw.key = key
		gw.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return gw, nil
}

// Close releases the underlying RPC connections.
func (g *EVMGateway) Close() {
	for _, c := range g.closers {
		c()
	}
}

// Account returns the signing address, or the zero address if read-only.
func (g *EVMGateway) Account() common.Address { return g.from }

func (g *EVMGateway) ReadCurveState(ctx context.Context, token string) (model.CurveState, error) {
	if !common.IsHexAddress(token) {
		return model.CurveState{}, fmt.Errorf("invalid token address %q", token)
	}
	data, err := FactoryABI.Pack("getBondingCurveInfo", common.HexToAddress(token))
	if err != nil {
		return model.CurveState{}, err
	}
	out, err := g.reads.CallContract(ctx, ethereum.CallMsg{To: &g.factory, Data: data}, nil)
	if err != nil {
		return model.CurveState{}, fmt.Errorf("getBondingCurveInfo %s: %w", token, err)
	}
	vals, err := FactoryABI.Unpack("getBondingCurveInfo", out)
	if err != nil {
		return model.CurveState{}, fmt.Errorf("unpack getBondingCurveInfo: %w", err)
	}
	return decodeCurveState(vals)
}

// GraduationThreshold returns the reserve level at which tokens leave the curve.
func (g *EVMGateway) GraduationThreshold(ctx context.Context) (decimal.Decimal, error) {
	data, err := FactoryABI.Pack("getGraduationThreshold")
	if err != nil {
		return decimal.Zero, err
	}
	out, err := g.reads.CallContract(ctx, ethereum.CallMsg{To: &g.factory, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("getGraduationThreshold: %w", err)
	}
	vals, err := FactoryABI.Unpack("getGraduationThreshold", out)
	if err != nil || len(vals) != 1 {
		return decimal.Zero, fmt.Errorf("unpack getGraduationThreshold: %v", err)
	}
	return FromWei(bigArg(vals[0])), nil
}

func (g *EVMGateway) SubmitBuy(ctx context.Context, token string, nativeAmount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(token) {
		return "", fmt.Errorf("invalid token address %q", token)
	}
	if !nativeAmount.IsPositive() {
		return "", fmt.Errorf("buy amount must be positive, got %s", nativeAmount)
	}
	data, err := FactoryABI.Pack("buyTokens", common.HexToAddress(token))
	if err != nil {
		return "", err
	}
	return g.send(ctx, data, ToWei(nativeAmount))
}

func (g *EVMGateway) SubmitSell(ctx context.Context, token string, tokenAmount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(token) {
		return "", fmt.Errorf("invalid token address %q", token)
	}
	if !tokenAmount.IsPositive() {
		return "", fmt.Errorf("sell amount must be positive, got %s", tokenAmount)
	}
	data, err := FactoryABI.Pack("sellTokens", common.HexToAddress(token), ToWei(tokenAmount))
	if err != nil {
		return "", err
	}
	return g.send(ctx, data, new(big.Int))
}

// send estimates, signs and broadcasts a factory call. Gas estimation doubles
// as the pre-flight simulation: a call that would revert fails here.
func (g *EVMGateway) send(ctx context.Context, data []byte, value *big.Int) (string, error) {
	if g.key == nil {
		return "", ErrNoSigner
	}

	g.nonceMu.Lock()
	defer g.nonceMu.Unlock()

	nonce, err := g.reads.PendingNonceAt(ctx, g.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := g.reads.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest tip: %w", err)
	}
	head, err := g.reads.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := g.reads.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.from,
		To:    &g.factory,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return "", fmt.Errorf("simulate: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &g.factory,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := g.reads.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	g.logger.Info("transaction sent",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas),
	)
	return signed.Hash().Hex(), nil
}

func (g *EVMGateway) SubscribeIssuanceCreated(ctx context.Context, fn func(model.IssuanceEvent)) (Unsubscribe, error) {
	return g.subscribe(ctx, "TokenCreated", func(lg types.Log) {
		ev, err := DecodeIssuance(lg)
		if err != nil {
			g.logger.Warn("undecodable TokenCreated log", zap.String("tx_hash", lg.TxHash.Hex()), zap.Error(err))
			return
		}
		fn(ev)
	})
}

func (g *EVMGateway) SubscribeTradeExecuted(ctx context.Context, fn func(model.TradeEvent)) (Unsubscribe, error) {
	return g.subscribe(ctx, "TokenTraded", func(lg types.Log) {
		ev, err := DecodeTrade(lg)
		if err != nil {
			g.logger.Warn("undecodable TokenTraded log", zap.String("tx_hash", lg.TxHash.Hex()), zap.Error(err))
			return
		}
		fn(ev)
	})
}

// SubscribeGraduated delivers TokenGraduated events in log order.
func (g *EVMGateway) SubscribeGraduated(ctx context.Context, fn func(model.GraduationEvent)) (Unsubscribe, error) {
	return g.subscribe(ctx, "TokenGraduated", func(lg types.Log) {
		ev, err := DecodeGraduation(lg)
		if err != nil {
			g.logger.Warn("undecodable TokenGraduated log", zap.String("tx_hash", lg.TxHash.Hex()), zap.Error(err))
			return
		}
		fn(ev)
	})
}

// subscribe prefers a push subscription and falls back to polling when the
// endpoint is plain HTTP. Logs are handed to deliver on a single goroutine.
func (g *EVMGateway) subscribe(ctx context.Context, eventName string, deliver func(types.Log)) (Unsubscribe, error) {
	ev, ok := FactoryABI.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", eventName)
	}
	q := ethereum.FilterQuery{
		Addresses: []common.Address{g.factory},
		Topics:    [][]common.Hash{{ev.ID}},
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	ch := make(chan types.Log, 128)
	first, err := g.logs.SubscribeFilterLogs(ctx, q, ch)
	switch {
	case errors.Is(err, rpc.ErrNotificationsUnsupported):
		from, err := g.logs.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", eventName, err)
		}
		g.logger.Info("log push unsupported, polling", zap.String("event", eventName), zap.Duration("interval", g.cfg.PollInterval))
		go g.poll(q, from+1, eventName, deliver, done)
		return stop, nil
	case err != nil:
		return nil, fmt.Errorf("subscribe %s: %w", eventName, err)
	}

	sub := event.Resubscribe(g.cfg.ResubscribeBackoff, func(rctx context.Context) (event.Subscription, error) {
		if first != nil {
			s := first
			first = nil
			return s, nil
		}
		g.logger.Warn("resubscribing", zap.String("event", eventName))
		return g.logs.SubscribeFilterLogs(rctx, q, ch)
	})
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-done:
				return
			case lg := <-ch:
				if lg.Removed {
					continue
				}
				deliver(lg)
			}
		}
	}()
	return stop, nil
}

func (g *EVMGateway) poll(q ethereum.FilterQuery, from uint64, eventName string, deliver func(types.Log), done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-done
		cancel()
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		head, err := g.logs.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("poll head failed", zap.String("event", eventName), zap.Error(err))
			}
			continue
		}
		if head < from {
			continue
		}
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(head)
		logs, err := g.logs.FilterLogs(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("poll logs failed", zap.String("event", eventName), zap.Error(err))
			}
			continue
		}
		for _, lg := range logs {
			select {
			case <-done:
				return
			default:
			}
			if !lg.Removed {
				deliver(lg)
			}
		}
		from = head + 1
	}
}

var _ Gateway = (*EVMGateway)(nil)
