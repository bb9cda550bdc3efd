package routing

import "strings"

// downgrade names the same-family substitute for each complexity tier. An
// empty field leaves the requested model in place.
type downgrade struct {
	family string
	simple string
	medium string
}

// Ordered so that longer ids are matched before the ids they contain.
var downgrades = []downgrade{
	{family: "gpt-4o-mini"},
	{family: "gpt-4o", simple: "gpt-4o-mini"},
	{family: "gpt-4-turbo", simple: "gpt-3.5-turbo", medium: "gpt-4o"},
	{family: "gpt-4", simple: "gpt-3.5-turbo", medium: "gpt-4o"},
	{family: "claude-3-opus", simple: "claude-3-haiku-20240307", medium: "claude-3-5-sonnet-20241022"},
	{family: "claude-3-5-sonnet", simple: "claude-3-5-haiku-20241022"},
	{family: "claude-3-sonnet", simple: "claude-3-haiku-20240307"},
	{family: "gemini-1.5-pro", simple: "gemini-1.5-flash"},
}

// Complexity is estimated from text only, so ids that accept images or
// audio are never downgraded.
var multimodalMarkers = []string{"vision", "audio", "realtime", "image"}

type fallbackChain struct {
	family string
	models []string
}

var fallbackChains = []fallbackChain{
	{family: "gpt-4o-mini", models: []string{"gpt-3.5-turbo"}},
	{family: "gpt-4o", models: []string{"gpt-4o-mini", "gpt-3.5-turbo"}},
	{family: "gpt-4-turbo", models: []string{"gpt-4o", "gpt-3.5-turbo"}},
	{family: "gpt-4", models: []string{"gpt-4-turbo", "gpt-3.5-turbo"}},
	{family: "gpt-3.5-turbo", models: []string{"gpt-4o-mini"}},
	{family: "claude-3-opus", models: []string{"claude-3-5-sonnet-20241022", "claude-3-haiku-20240307"}},
	{family: "claude-3-5-sonnet", models: []string{"claude-3-5-haiku-20241022", "claude-3-haiku-20240307"}},
	{family: "claude-3-sonnet", models: []string{"claude-3-haiku-20240307"}},
	{family: "claude-3-5-haiku", models: []string{"claude-3-haiku-20240307"}},
	{family: "gemini-1.5-pro", models: []string{"gemini-1.5-flash"}},
	{family: "gemini-2.0-flash", models: []string{"gemini-1.5-flash"}},
}

func isMultimodal(model string) bool {
	m := strings.ToLower(model)
	for _, marker := range multimodalMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
