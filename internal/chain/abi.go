package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/valuestor/trader/internal/model"
)

// nativeDecimals is the fixed-point scale of the native currency and of
// curve-issued tokens.
const nativeDecimals = 18

const factoryABIJSON = `[
  {"type":"event","name":"TokenCreated","inputs":[
    {"name":"token","type":"address","indexed":true},
    {"name":"creator","type":"address","indexed":true},
    {"name":"name","type":"string","indexed":false},
    {"name":"symbol","type":"string","indexed":false},
    {"name":"uri","type":"string","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"TokenTraded","inputs":[
    {"name":"token","type":"address","indexed":true},
    {"name":"trader","type":"address","indexed":true},
    {"name":"isBuy","type":"bool","indexed":false},
    {"name":"ethAmount","type":"uint256","indexed":false},
    {"name":"tokenAmount","type":"uint256","indexed":false},
    {"name":"newPrice","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"TokenGraduated","inputs":[
    {"name":"token","type":"address","indexed":true},
    {"name":"pair","type":"address","indexed":true},
    {"name":"ethLiquidity","type":"uint256","indexed":false},
    {"name":"tokenLiquidity","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"function","name":"createToken","stateMutability":"payable",
    "inputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"uri","type":"string"}],
    "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"buyTokens","stateMutability":"payable",
    "inputs":[{"name":"token","type":"address"}],"outputs":[]},
  {"type":"function","name":"sellTokens","stateMutability":"nonpayable",
    "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getBondingCurveInfo","stateMutability":"view",
    "inputs":[{"name":"token","type":"address"}],
    "outputs":[
      {"name":"currentPrice","type":"uint256"},
      {"name":"totalSupply","type":"uint256"},
      {"name":"reserveETH","type":"uint256"},
      {"name":"marketCap","type":"uint256"},
      {"name":"graduated","type":"bool"}]},
  {"type":"function","name":"getGraduationThreshold","stateMutability":"view",
    "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// FactoryABI is the parsed factory contract interface.
var FactoryABI = mustParseABI(factoryABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse factory abi: %v", err))
	}
	return parsed
}

// FromWei converts a fixed-point integer into whole units.
func FromWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -nativeDecimals)
}

// ToWei converts whole units into the fixed-point integer, truncating any
// precision beyond 18 decimals.
func ToWei(d decimal.Decimal) *big.Int {
	return d.Shift(nativeDecimals).BigInt()
}

func decodeCurveState(out []interface{}) (model.CurveState, error) {
	if len(out) != 5 {
		return model.CurveState{}, fmt.Errorf("getBondingCurveInfo: expected 5 outputs, got %d", len(out))
	}
	vals := make([]*big.Int, 4)
	for i := 0; i < 4; i++ {
		v, ok := out[i].(*big.Int)
		if !ok {
			return model.CurveState{}, fmt.Errorf("getBondingCurveInfo: output %d has type %T", i, out[i])
		}
		vals[i] = v
	}
	graduated, ok := out[4].(bool)
	if !ok {
		return model.CurveState{}, fmt.Errorf("getBondingCurveInfo: output 4 has type %T", out[4])
	}
	return model.CurveState{
		CurrentPrice: FromWei(vals[0]),
		TotalSupply:  FromWei(vals[1]),
		ReserveValue: FromWei(vals[2]),
		MarketCap:    FromWei(vals[3]),
		Graduated:    graduated,
	}, nil
}

func unpackEvent(name string, lg types.Log, minTopics int) ([]interface{}, error) {
	ev, ok := FactoryABI.Events[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", name)
	}
	if len(lg.Topics) < minTopics || lg.Topics[0] != ev.ID {
		return nil, fmt.Errorf("log is not a %s event", name)
	}
	return ev.Inputs.NonIndexed().Unpack(lg.Data)
}

func topicAddress(h common.Hash) string {
	return common.BytesToAddress(h.Bytes()).Hex()
}

func unixTime(v interface{}) time.Time {
	if b, ok := v.(*big.Int); ok && b.IsInt64() {
		return time.Unix(b.Int64(), 0).UTC()
	}
	return time.Time{}
}

func bigArg(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok {
		return b
	}
	return nil
}

// DecodeIssuance decodes a TokenCreated log.
func DecodeIssuance(lg types.Log) (model.IssuanceEvent, error) {
	vals, err := unpackEvent("TokenCreated", lg, 3)
	if err != nil {
		return model.IssuanceEvent{}, err
	}
	if len(vals) != 4 {
		return model.IssuanceEvent{}, fmt.Errorf("TokenCreated: expected 4 data fields, got %d", len(vals))
	}
	name, _ := vals[0].(string)
	symbol, _ := vals[1].(string)
	uri, _ := vals[2].(string)
	return model.IssuanceEvent{
		Token:       topicAddress(lg.Topics[1]),
		Creator:     topicAddress(lg.Topics[2]),
		Name:        name,
		Symbol:      symbol,
		MetadataURI: uri,
		Timestamp:   unixTime(vals[3]),
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
	}, nil
}

// DecodeTrade decodes a TokenTraded log.
func DecodeTrade(lg types.Log) (model.TradeEvent, error) {
	vals, err := unpackEvent("TokenTraded", lg, 3)
	if err != nil {
		return model.TradeEvent{}, err
	}
	if len(vals) != 5 {
		return model.TradeEvent{}, fmt.Errorf("TokenTraded: expected 5 data fields, got %d", len(vals))
	}
	isBuy, _ := vals[0].(bool)
	return model.TradeEvent{
		Token:        topicAddress(lg.Topics[1]),
		Trader:       topicAddress(lg.Topics[2]),
		IsBuy:        isBuy,
		NativeAmount: FromWei(bigArg(vals[1])),
		TokenAmount:  FromWei(bigArg(vals[2])),
		NewPrice:     FromWei(bigArg(vals[3])),
		Timestamp:    unixTime(vals[4]),
		BlockNumber:  lg.BlockNumber,
		TxHash:       lg.TxHash.Hex(),
	}, nil
}

// DecodeGraduation decodes a TokenGraduated log.
func DecodeGraduation(lg types.Log) (model.GraduationEvent, error) {
	vals, err := unpackEvent("TokenGraduated", lg, 3)
	if err != nil {
		return model.GraduationEvent{}, err
	}
	if len(vals) != 3 {
		return model.GraduationEvent{}, fmt.Errorf("TokenGraduated: expected 3 data fields, got %d", len(vals))
	}
	return model.GraduationEvent{
		Token:           topicAddress(lg.Topics[1]),
		Pair:            topicAddress(lg.Topics[2]),
		NativeLiquidity: FromWei(bigArg(vals[0])),
		TokenLiquidity:  FromWei(bigArg(vals[1])),
		Timestamp:       unixTime(vals[2]),
		BlockNumber:     lg.BlockNumber,
		TxHash:          lg.TxHash.Hex(),
	}, nil
}
