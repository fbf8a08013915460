package gateway

import (
	"time"

	"github.com/golem-sh/golem/pkg/types"
)

// modelCost is USD per million tokens.
type modelCost struct {
	Input  float64
	Output float64
}

// modelCosts prices the supported remote models. Unknown models fall
// back to defaultCost so accounting degrades safe-high rather than
// free.
var modelCosts = map[string]modelCost{
	"claude-sonnet-4-5": {Input: 3.00, Output: 15.00},
	"claude-opus-4-1":   {Input: 15.00, Output: 75.00},
	"claude-haiku-4-5":  {Input: 0.80, Output: 4.00},
}

var defaultCost = modelCost{Input: 3.00, Output: 15.00}

// costOf estimates the USD cost of one call. Thinking tokens are
// priced as output tokens.
func costOf(model string, inputTokens, outputTokens int64) float64 {
	c, ok := modelCosts[model]
	if !ok {
		c = defaultCost
	}
	return (float64(inputTokens)*c.Input + float64(outputTokens)*c.Output) / 1_000_000
}

// ModelStats aggregates usage for one model.
type ModelStats struct {
	Calls        int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// CostSummary is the aggregate for the chat cost command.
type CostSummary struct {
	TotalCalls        int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
	ByModel           map[string]ModelStats
}

// Summarize folds usage records into a CostSummary.
func Summarize(records []*types.UsageRecord) CostSummary {
	sum := CostSummary{ByModel: make(map[string]ModelStats)}
	for _, rec := range records {
		stats := sum.ByModel[rec.Model]
		stats.Calls++
		stats.InputTokens += rec.InputTokens
		stats.OutputTokens += rec.OutputTokens
		stats.CostUSD += rec.CostUSD
		sum.ByModel[rec.Model] = stats

		sum.TotalCalls++
		sum.TotalInputTokens += rec.InputTokens
		sum.TotalOutputTokens += rec.OutputTokens
		sum.TotalCostUSD += rec.CostUSD
	}
	return sum
}

// utcMidnight returns the start of the current UTC day; the daily
// budget window resets there, not on a rolling 24h.
func utcMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
