package executor

import (
	"strings"

	"github.com/teampulse/pulse-ai/internal/keys"
)

// vendorModels maps logical model ids to the strings the vendors expect.
var vendorModels = map[string]string{
	"gpt-5":             "gpt-5",
	"gpt-5-mini":        "gpt-5-mini",
	"gpt-5-nano":        "gpt-5-nano",
	"gpt-4.1":           "gpt-4.1",
	"gpt-4.1-mini":      "gpt-4.1-mini",
	"gpt-4o":            "gpt-4o",
	"gpt-4o-mini":       "gpt-4o-mini",
	"o3":                "o3",
	"o4-mini":           "o4-mini",
	"claude-opus-4-1":   "claude-opus-4-1-20250805",
	"claude-opus-4":     "claude-opus-4-20250514",
	"claude-sonnet-4":   "claude-sonnet-4-20250514",
	"claude-3-7-sonnet": "claude-3-7-sonnet-20250219",
	"claude-3-5-sonnet": "claude-3-5-sonnet-20241022",
	"claude-3-5-haiku":  "claude-3-5-haiku-20241022",
	"claude-haiku":      "claude-3-5-haiku-20241022",
}

// VendorModel resolves a logical model id. Unknown ids pass through.
func VendorModel(model string) string {
	model = strings.TrimSpace(model)
	if vendor, ok := vendorModels[strings.ToLower(model)]; ok {
		return vendor
	}
	return model
}

// ProviderForModel guesses the vendor that serves model.
func ProviderForModel(model string) (keys.Provider, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return keys.Anthropic, true
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"), strings.HasPrefix(m, "chatgpt"):
		return keys.OpenAI, true
	default:
		return "", false
	}
}

// usesMaxCompletionTokens reports OpenAI models that reject max_tokens.
func usesMaxCompletionTokens(vendorModel string) bool {
	m := strings.ToLower(vendorModel)
	return strings.HasPrefix(m, "gpt-5") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4")
}
