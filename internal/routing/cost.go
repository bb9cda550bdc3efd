package routing

import (
	"strings"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

// Price is the USD rate per 1000 tokens for every model id containing Match.
type Price struct {
	Match string  `mapstructure:"match" json:"match" validate:"required"`
	Per1K float64 `mapstructure:"per_1k" json:"per_1k" validate:"gte=0"`
}

// PriceTable is ordered: the first entry whose Match is a substring of the
// model id wins, so more specific ids must come before their prefixes.
// Rates are routing heuristics, not billing figures.
type PriceTable struct {
	Entries     []Price `mapstructure:"models" json:"models" validate:"dive"`
	DefaultRate float64 `mapstructure:"default_rate" json:"default_rate" validate:"gte=0"`
}

// DefaultPricing is used when no table is configured.
var DefaultPricing = &PriceTable{
	Entries: []Price{
		{Match: "gpt-4o-mini", Per1K: 0.00015},
		{Match: "gpt-4o", Per1K: 0.005},
		{Match: "gpt-4-turbo", Per1K: 0.01},
		{Match: "gpt-4", Per1K: 0.03},
		{Match: "gpt-3.5-turbo", Per1K: 0.0015},
		{Match: "claude-3-opus", Per1K: 0.015},
		{Match: "claude-3-5-sonnet", Per1K: 0.003},
		{Match: "claude-3-sonnet", Per1K: 0.003},
		{Match: "claude-3-5-haiku", Per1K: 0.0008},
		{Match: "claude-3-haiku", Per1K: 0.00025},
		{Match: "gemini-1.5-pro", Per1K: 0.00125},
		{Match: "gemini-2.0-flash", Per1K: 0.0001},
		{Match: "gemini-1.5-flash", Per1K: 0.000075},
	},
	DefaultRate: 0.002,
}

// Rate returns the per-1K rate for model.
func (t *PriceTable) Rate(model string) float64 {
	for _, p := range t.Entries {
		if strings.Contains(model, p.Match) {
			return p.Per1K
		}
	}
	return t.DefaultRate
}

// EstimateTokens applies the chars/4 heuristic with 50% overhead.
func EstimateTokens(msgs []provider.Message) float64 {
	return float64(contentLength(msgs)) / 4 * 1.5
}

// EstimateCost returns the heuristic USD cost of sending msgs to model.
func (t *PriceTable) EstimateCost(model string, msgs []provider.Message) float64 {
	return EstimateTokens(msgs) / 1000 * t.Rate(model)
}

// EstimateCost prices msgs against DefaultPricing.
func EstimateCost(model string, msgs []provider.Message) float64 {
	return DefaultPricing.EstimateCost(model, msgs)
}
