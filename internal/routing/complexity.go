// Package routing holds the pure decision functions the optimizer runs before
// touching the network: complexity tiers, cost estimates, model substitution
// and fallback chains.
package routing

import (
	"unicode/utf8"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

const (
	simpleMaxChars    = 100
	simpleMaxMessages = 2
	mediumMaxChars    = 500
	mediumMaxMessages = 5
)

// EstimateComplexity buckets a conversation by total content length, message
// count and the presence of a system prompt.
func EstimateComplexity(msgs []provider.Message) Complexity {
	total := contentLength(msgs)
	hasSystem := false
	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			hasSystem = true
			break
		}
	}

	switch {
	case total < simpleMaxChars && !hasSystem && len(msgs) <= simpleMaxMessages:
		return Simple
	case total < mediumMaxChars && len(msgs) <= mediumMaxMessages:
		return Medium
	default:
		return Complex
	}
}

// contentLength counts characters, not bytes, of the text a conversation
// carries.
func contentLength(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += utf8.RuneCountInString(m.Text())
	}
	return total
}
