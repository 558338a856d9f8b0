package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuestor/trader/internal/model"
)

const (
	factoryAddr = "0x07DFAEC8e182C5eF79844ADc70708C1c15aA60fb"
	tokenAddr   = "0x1111111111111111111111111111111111111111"
	creatorAddr = "0x2222222222222222222222222222222222222222"
	// Well-known dev key; never funded outside local chains.
	devKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

type fakeBackend struct {
	mu       sync.Mutex
	callOut  []byte
	callErr  error
	sent     []*types.Transaction
	estimate error
	subErr   error
	head     uint64
	logs     []types.Log
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.callOut, f.callErr
}
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10_000_000)}, nil
}
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 120_000, f.estimate
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, f.subErr
}
func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.logs
	f.logs = nil
	return out, nil
}
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	return f.head, nil
}

func newTestGateway(t *testing.T, b *fakeBackend, key string) *EVMGateway {
	t.Helper()
	gw, err := NewEVMGateway(b, b, EVMConfig{
		Factory:      factoryAddr,
		ChainID:      8453,
		PrivateKey:   key,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return gw
}

func createdLog(t *testing.T) types.Log {
	t.Helper()
	ev := FactoryABI.Events["TokenCreated"]
	data, err := ev.Inputs.NonIndexed().Pack("Solar Coop", "SUN", "ipfs://QmMeta", big.NewInt(1_700_000_000))
	require.NoError(t, err)
	return types.Log{
		Address: common.HexToAddress(factoryAddr),
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(common.HexToAddress(tokenAddr).Bytes()),
			common.BytesToHash(common.HexToAddress(creatorAddr).Bytes()),
		},
		Data:        data,
		BlockNumber: 42,
		TxHash:      common.HexToHash("0xabc"),
	}
}

func TestDecodeIssuance(t *testing.T) {
	ev, err := DecodeIssuance(createdLog(t))
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress(tokenAddr).Hex(), ev.Token)
	assert.Equal(t, common.HexToAddress(creatorAddr).Hex(), ev.Creator)
	assert.Equal(t, "Solar Coop", ev.Name)
	assert.Equal(t, "SUN", ev.Symbol)
	assert.Equal(t, "ipfs://QmMeta", ev.MetadataURI)
	assert.Equal(t, int64(1_700_000_000), ev.Timestamp.Unix())
	assert.Equal(t, uint64(42), ev.BlockNumber)
}

func TestDecodeIssuance_WrongTopic(t *testing.T) {
	lg := createdLog(t)
	lg.Topics[0] = FactoryABI.Events["TokenTraded"].ID
	_, err := DecodeIssuance(lg)
	assert.Error(t, err)
}

func TestDecodeTrade(t *testing.T) {
	ev := FactoryABI.Events["TokenTraded"]
	data, err := ev.Inputs.NonIndexed().Pack(true,
		wei("500000000000000000"),
		wei("1000000000000000000000"),
		wei("2000000000000000"),
		big.NewInt(1_700_000_100))
	require.NoError(t, err)

	got, err := DecodeTrade(types.Log{
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(common.HexToAddress(tokenAddr).Bytes()),
			common.BytesToHash(common.HexToAddress(creatorAddr).Bytes()),
		},
		Data: data,
	})
	require.NoError(t, err)

	assert.True(t, got.IsBuy)
	assert.True(t, got.NativeAmount.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, got.TokenAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, got.NewPrice.Equal(decimal.RequireFromString("0.002")))
}

func TestReadCurveState(t *testing.T) {
	out, err := FactoryABI.Methods["getBondingCurveInfo"].Outputs.Pack(
		wei("1000000000000000"),          // price 0.001
		wei("5000000000000000000000000"), // supply 5M
		wei("250000000000000000"),        // reserve 0.25
		wei("5000000000000000000000"),    // cap 5000
		false,
	)
	require.NoError(t, err)

	gw := newTestGateway(t, &fakeBackend{callOut: out}, "")
	cs, err := gw.ReadCurveState(context.Background(), tokenAddr)
	require.NoError(t, err)

	assert.True(t, cs.CurrentPrice.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, cs.ReserveValue.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, cs.MarketCap.Equal(decimal.NewFromInt(5000)))
	assert.False(t, cs.Graduated)
}

func TestReadCurveState_TransportError(t *testing.T) {
	gw := newTestGateway(t, &fakeBackend{callErr: errors.New("connection reset")}, "")
	_, err := gw.ReadCurveState(context.Background(), tokenAddr)
	assert.ErrorContains(t, err, "connection reset")
}

func TestSubmitBuy_NoSigner(t *testing.T) {
	gw := newTestGateway(t, &fakeBackend{}, "")
	_, err := gw.SubmitBuy(context.Background(), tokenAddr, decimal.RequireFromString("0.01"))
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestSubmitBuy_SignsPayableCall(t *testing.T) {
	b := &fakeBackend{}
	gw := newTestGateway(t, b, "0x"+devKey)

	hash, err := gw.SubmitBuy(context.Background(), tokenAddr, decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, common.HexToAddress(factoryAddr), *tx.To())
	assert.Equal(t, "10000000000000000", tx.Value().String())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, "21000000", tx.GasFeeCap().String())
	assert.Equal(t, FactoryABI.Methods["buyTokens"].ID, tx.Data()[:4])

	key, err := crypto.HexToECDSA(devKey)
	require.NoError(t, err)
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
}

func TestSubmitSell_SimulationFailureIsNotSent(t *testing.T) {
	b := &fakeBackend{estimate: errors.New("execution reverted")}
	gw := newTestGateway(t, b, devKey)

	_, err := gw.SubmitSell(context.Background(), tokenAddr, decimal.NewFromInt(100))
	assert.ErrorContains(t, err, "simulate")
	assert.Empty(t, b.sent)
}

func TestSubmit_RejectsNonPositiveAmounts(t *testing.T) {
	gw := newTestGateway(t, &fakeBackend{}, devKey)
	_, err := gw.SubmitBuy(context.Background(), tokenAddr, decimal.Zero)
	assert.Error(t, err)
	_, err = gw.SubmitSell(context.Background(), tokenAddr, decimal.NewFromInt(-1))
	assert.Error(t, err)
}

func TestSubscribeIssuance_PollingFallback(t *testing.T) {
	b := &fakeBackend{subErr: rpc.ErrNotificationsUnsupported, logs: []types.Log{createdLog(t)}}
	gw := newTestGateway(t, b, "")

	got := make(chan model.IssuanceEvent, 1)
	unsub, err := gw.SubscribeIssuanceCreated(context.Background(), func(ev model.IssuanceEvent) {
		got <- ev
	})
	require.NoError(t, err)
	defer unsub()

	select {
	case ev := <-got:
		assert.Equal(t, "SUN", ev.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	unsub()
	unsub()
}

func TestSubscribe_PropagatesTransportError(t *testing.T) {
	b := &fakeBackend{subErr: errors.New("dial refused")}
	gw := newTestGateway(t, b, "")
	_, err := gw.SubscribeTradeExecuted(context.Background(), func(model.TradeEvent) {})
	assert.ErrorContains(t, err, "dial refused")
}
