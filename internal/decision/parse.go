package decision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/valuestor/trader/internal/model"
)

var (
	errNoObject       = errors.New("no JSON object in response")
	errMissingField   = errors.New("missing required field")
	errInvalidAction  = errors.New("invalid decision value")
	errNonNumericJSON = errors.New("field is not numeric")
)

type rawDecision struct {
	Decision          string          `json:"decision"`
	Confidence        json.RawMessage `json:"confidence"`
	Reasoning         string          `json:"reasoning"`
	AlignmentScore    json.RawMessage `json:"alignmentScore"`
	RecommendedAmount json.RawMessage `json:"recommendedAmount"`
	KeyFactors        []string        `json:"keyFactors"`
}

// extractObject trims chatter and code fences around the first JSON object.
func extractObject(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, errNoObject
	}
	return []byte(text[start : end+1]), nil
}

func parseDecision(text string) (model.TradeDecision, error) {
	obj, err := extractObject(text)
	if err != nil {
		return model.TradeDecision{}, err
	}
	var raw rawDecision
	if err := json.Unmarshal(obj, &raw); err != nil {
		return model.TradeDecision{}, err
	}

	action := model.Action(strings.ToLower(strings.TrimSpace(raw.Decision)))
	if action == "" {
		return model.TradeDecision{}, fmt.Errorf("%w: decision", errMissingField)
	}
	if !action.Valid() {
		return model.TradeDecision{}, fmt.Errorf("%w: %q", errInvalidAction, raw.Decision)
	}

	confidence, present, err := number(raw.Confidence)
	if err != nil {
		return model.TradeDecision{}, fmt.Errorf("confidence: %w", err)
	}
	// A zero confidence is treated the same as a missing one.
	if !present || confidence == 0 {
		return model.TradeDecision{}, fmt.Errorf("%w: confidence", errMissingField)
	}

	reasoningText := strings.TrimSpace(raw.Reasoning)
	if reasoningText == "" {
		return model.TradeDecision{}, fmt.Errorf("%w: reasoning", errMissingField)
	}

	alignment := float64(defaultAlignment)
	if v, ok, err := number(raw.AlignmentScore); err == nil && ok {
		alignment = v
	}

	d := model.TradeDecision{
		Decision:       action,
		Confidence:     clamp(confidence),
		Reasoning:      reasoningText,
		AlignmentScore: clamp(alignment),
		KeyFactors:     raw.KeyFactors,
	}
	if amt, ok := amount(raw.RecommendedAmount); ok {
		d.RecommendedAmount = &amt
	}
	return d, nil
}

// number reads a JSON number or numeric string. present is false for an
// absent or null field.
func number(raw json.RawMessage) (v float64, present bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, perr := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if perr == nil {
			return f, true, nil
		}
	}
	return 0, true, errNonNumericJSON
}

func amount(raw json.RawMessage) (decimal.Decimal, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

func clamp(v float64) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}

type rawAdvice struct {
	Recommendations []model.PositionAdvice `json:"recommendations"`
	OverallHealth   *string                `json:"overallPortfolioHealth"`
}

func parseAdvice(text string) (*model.PortfolioAdvice, error) {
	obj, err := extractObject(text)
	if err != nil {
		return nil, err
	}
	var raw rawAdvice
	if err := json.Unmarshal(obj, &raw); err != nil {
		return nil, err
	}
	if raw.OverallHealth == nil {
		return nil, fmt.Errorf("%w: overallPortfolioHealth", errMissingField)
	}

	out := &model.PortfolioAdvice{
		Recommendations: make([]model.PositionAdvice, 0, len(raw.Recommendations)),
		OverallHealth:   *raw.OverallHealth,
	}
	for _, rec := range raw.Recommendations {
		rec.Action = strings.ToLower(strings.TrimSpace(rec.Action))
		switch rec.Action {
		case "sell", "hold", "buy_more":
		default:
			continue
		}
		switch rec.Urgency {
		case model.UrgencyLow, model.UrgencyMedium, model.UrgencyHigh:
		default:
			rec.Urgency = model.UrgencyLow
		}
		out.Recommendations = append(out.Recommendations, rec)
	}
	return out, nil
}
