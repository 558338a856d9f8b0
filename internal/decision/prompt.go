package decision

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"

	"github.com/valuestor/trader/internal/model"
)

const analysisSystemPrompt = "You are an AI trading advisor for a values-based investment platform called Valuestor. " +
	"Analyze tokens and provide trading recommendations based on user values."

const portfolioSystemPrompt = "You are an AI portfolio advisor. Provide portfolio analysis and recommendations in JSON format."

var funcs = template.FuncMap{
	"yesno": func(b bool) string {
		if b {
			return "Yes"
		}
		return "No"
	},
	"orNA": func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "N/A"
		}
		return s
	},
	"list": func(xs []string, empty string) string {
		if len(xs) == 0 {
			return empty
		}
		return strings.Join(xs, ", ")
	},
	"intOr": func(p *int, suffix string) string {
		if p == nil {
			return "Unknown"
		}
		return fmt.Sprintf("%d%s", *p, suffix)
	},
	"pctOr": func(p *float64) string {
		if p == nil {
			return "Unknown"
		}
		return fmt.Sprintf("%.2f%%", *p)
	},
	"usdOr": func(p *float64) string {
		if p == nil {
			return "Unknown"
		}
		return fmt.Sprintf("$%.2f", *p)
	},
	"rug": func(p *bool) string {
		switch {
		case p == nil:
			return "Unknown"
		case *p:
			return "YES - HIGH RISK"
		}
		return "No"
	},
	"decOr": func(p *decimal.Decimal) string {
		if p == nil {
			return "Unknown"
		}
		return p.String()
	},
	"inc": func(i int) int { return i + 1 },
}

var analysisTmpl = template.Must(template.New("analysis").Funcs(funcs).Parse(`INVESTOR VALUES:
- Risk Tolerance: {{.Values.RiskTolerance}}
- Max Investment Per Token: {{.Values.MaxInvestmentPerToken}} ETH
- Max Portfolio Allocation: {{.Values.MaxPortfolioAllocation}}%
- Investment Themes: {{list .Values.Themes "None"}}
- Trading Style: {{orNA .Values.TradingStyle}}
- Auto Trade: {{yesno .Values.AutoTrade}}
- Min Liquidity USD: ${{.Values.MinLiquidityUSD}}
- Min Creator Reputation: {{.Values.MinCreatorReputation}}/100
- Avoid High Concentration: {{yesno .Values.AvoidHighConcentration}}
- AI Aggressiveness: {{.Values.AIGuidance.Aggressiveness}}/100

TOKEN INFORMATION:
- Address: {{.Analysis.Token}}
- Name: {{.Analysis.Metadata.Name}}
- Symbol: {{.Analysis.Metadata.Symbol}}
- Description: {{orNA .Analysis.Metadata.Description}}
- Category: {{orNA .Analysis.Metadata.Category}}
- Tags: {{list .Analysis.Metadata.Tags "N/A"}}
- Creator: {{.Analysis.Metadata.Creator}}

BONDING CURVE STATUS:
- Current Price: {{.Analysis.Curve.CurrentPrice}} ETH
- Total Supply: {{.Analysis.Curve.TotalSupply}}
- Reserve ETH: {{.Analysis.Curve.ReserveValue}} ETH
- Market Cap: {{.Analysis.Curve.MarketCap}} ETH
- Graduated: {{yesno .Analysis.Curve.Graduated}}
- Liquidity USD: {{usdOr .Analysis.Curve.LiquidityUSD}}

RISK ASSESSMENT:
- Risk Score: {{.Analysis.RiskScore}}/100
- Risk Flags: {{list .Analysis.RiskFlags "None"}}
- Holder Count: {{intOr .Analysis.HolderCount ""}}
- Top Holder Concentration: {{pctOr .Analysis.TopHolderConcentration}}
- Creator Reputation: {{intOr .Analysis.CreatorReputation "/100"}}
- Creator Rug History: {{rug .Analysis.CreatorRugHistory}}
{{if .Position}}
CURRENT POSITION:
- Amount: {{.Position.Amount}} tokens
- Average Buy Price: {{.Position.AverageBuyPrice}} ETH
- Total Invested: {{.Position.TotalInvested}} ETH
- Current Price: {{.Analysis.Curve.CurrentPrice}} ETH
{{else}}
No current position in this token.
{{end}}
TASK:
Analyze this token against the investor's values and provide a trading recommendation.

DECISION CRITERIA:
1. Values Alignment: Does this token's category, description, and purpose align with the investor's themes?
2. Risk Assessment: Is the risk score acceptable given the investor's risk tolerance?
3. Financial Viability: Is the liquidity sufficient? Is the price reasonable?
4. Creator Trust: Does the creator have good reputation? Any rug history?
5. Holder Distribution: Is concentration acceptable?
6. Position Management: If holding, should we take profits, hold, or sell?

RESPONSE FORMAT (JSON):
{
  "decision": "buy" | "sell" | "hold" | "skip",
  "confidence": 0-100,
  "alignmentScore": 0-100,
  "reasoning": "Your detailed reasoning here",
  "recommendedAmount": "0.01",
  "keyFactors": ["factor1", "factor2", "factor3"]
}

IMPORTANT:
- "skip" means don't trade (misaligned values or high risk)
- "buy" only if values align well and risk is acceptable
- "sell" if currently holding and should exit
- "hold" if currently holding and should continue
- Be conservative with risk - investor trust is paramount
- Consider the AI aggressiveness level: higher = more willing to take risks
- NEVER recommend buying if creator has rug history
- Match trading style: holders prefer long-term, day traders prefer quick trades
- recommendedAmount is denominated in ETH for buys and in tokens for sells

Provide your response as valid JSON only, no additional text.`))

var portfolioTmpl = template.Must(template.New("portfolio").Funcs(funcs).Parse(`INVESTOR VALUES:
- Risk Tolerance: {{.Values.RiskTolerance}}
- Trading Style: {{orNA .Values.TradingStyle}}
- Investment Themes: {{list .Values.Themes "None"}}

CURRENT PORTFOLIO ({{len .Positions}} positions):
{{range $i, $p := .Positions}}
{{inc $i}}. {{$p.Analysis.Metadata.Name}} ({{$p.Analysis.Metadata.Symbol}})
   - Token: {{$p.Position.Token}}
   - Category: {{orNA $p.Analysis.Metadata.Category}}
   - Amount: {{$p.Position.Amount}} tokens
   - Avg Buy Price: {{$p.Position.AverageBuyPrice}} ETH
   - Current Value: {{decOr $p.Position.CurrentValue}} ETH
   - Unrealized P&L: {{decOr $p.Position.UnrealizedPnL}} ETH
   - Risk Score: {{$p.Analysis.RiskScore}}/100
   - Risk Flags: {{list $p.Analysis.RiskFlags "None"}}
{{end}}
Analyze this portfolio and provide:
1. Recommendations for each position (sell, hold, or buy_more)
2. Overall portfolio health assessment
3. Any urgent actions needed

Response format (JSON):
{
  "recommendations": [
    {
      "token": "0x...",
      "action": "sell" | "hold" | "buy_more",
      "reason": "why",
      "urgency": "low" | "medium" | "high"
    }
  ],
  "overallPortfolioHealth": "Assessment here"
}`))

type analysisInput struct {
	Analysis *model.TokenAnalysis
	Values   model.Values
	Position *model.Position
}

type portfolioInput struct {
	Values    model.Values
	Positions []model.PositionView
}

func buildAnalysisPrompt(a *model.TokenAnalysis, values model.Values, pos *model.Position) (string, error) {
	var sb strings.Builder
	if err := analysisTmpl.Execute(&sb, analysisInput{Analysis: a, Values: values, Position: pos}); err != nil {
		return "", fmt.Errorf("render analysis prompt: %w", err)
	}
	return sb.String(), nil
}

func buildPortfolioPrompt(values model.Values, positions []model.PositionView) (string, error) {
	var sb strings.Builder
	if err := portfolioTmpl.Execute(&sb, portfolioInput{Values: values, Positions: positions}); err != nil {
		return "", fmt.Errorf("render portfolio prompt: %w", err)
	}
	return sb.String(), nil
}
