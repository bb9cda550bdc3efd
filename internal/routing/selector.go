package routing

import (
	"strings"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

// SelectModel returns the model to invoke for a request. With smartRouting
// off it is the identity. Otherwise simple and medium requests may move to a
// cheaper model of the same family; substitution never upgrades and never
// crosses providers.
func SelectModel(model string, msgs []provider.Message, smartRouting bool) string {
	if !smartRouting || model == "" || isMultimodal(model) {
		return model
	}

	d, ok := lookupDowngrade(model)
	if !ok {
		return model
	}

	var target string
	switch EstimateComplexity(msgs) {
	case Simple:
		target = d.simple
	case Medium:
		target = d.medium
	}
	if target == "" {
		return model
	}
	return target
}

func lookupDowngrade(model string) (downgrade, bool) {
	for _, d := range downgrades {
		if strings.Contains(model, d.family) {
			return d, true
		}
	}
	return downgrade{}, false
}

// DefaultFallbacks returns the ordered alternates for model, cheapest
// appropriate first, or nil when the family is unknown. The slice is a copy.
func DefaultFallbacks(model string) []string {
	for _, c := range fallbackChains {
		if strings.Contains(model, c.family) {
			return append([]string(nil), c.models...)
		}
	}
	return nil
}
