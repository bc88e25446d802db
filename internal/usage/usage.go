// Package usage provides cost estimation and token counting for LLM runs.
package usage

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomhq/loom/pkg/models"
)

// Cost represents pricing for a model in USD per million tokens.
type Cost struct {
	Input  float64
	Output float64
}

// Estimate calculates the estimated cost for the given usage.
func (c Cost) Estimate(u *models.TokenUsage) float64 {
	if u == nil {
		return 0
	}
	return (float64(u.InputTokens)*c.Input + float64(u.OutputTokens)*c.Output) / 1_000_000
}

type pricingEntry struct {
	substr string
	cost   Cost
}

// Order matters: more specific model names first so "gpt-4o-mini" does not
// match the "gpt-4o" entry.
var pricingTable = map[string][]pricingEntry{
	"openai": {
		{"gpt-4o-mini", Cost{Input: 0.15, Output: 0.6}},
		{"gpt-4o", Cost{Input: 5, Output: 15}},
		{"gpt-4.1-mini", Cost{Input: 1, Output: 4}},
		{"gpt-4.1", Cost{Input: 5, Output: 15}},
	},
	"anthropic": {
		{"haiku", Cost{Input: 0.25, Output: 1.25}},
		{"opus", Cost{Input: 15, Output: 75}},
		{"sonnet", Cost{Input: 3, Output: 15}},
	},
}

// EstimateCost returns the estimated USD cost for a completed run, or 0 when
// the model is not in the pricing table or no tokens were used.
func EstimateCost(provider, model string, u *models.TokenUsage) float64 {
	if u == nil || (u.InputTokens == 0 && u.OutputTokens == 0) {
		return 0
	}
	entries := pricingTable[strings.ToLower(provider)]
	lower := strings.ToLower(model)
	for _, entry := range entries {
		if strings.Contains(lower, entry.substr) {
			return entry.cost.Estimate(u)
		}
	}
	return 0
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens estimates the token count of text. Used as a fallback when a
// provider reports no usage. The cl100k_base encoding is a reasonable
// approximation across providers; on tokenizer failure a chars/4 heuristic
// is used instead.
func CountTokens(text string) int64 {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return int64(len(text) / 4)
	}
	return int64(len(enc.Encode(text, nil, nil)))
}
