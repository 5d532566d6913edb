// Package history bounds conversation history to a token budget.
package history

import "scentchat/internal/models"

// Truncate returns the longest suffix of msgs whose estimated token total
// fits in budget. It scans from the newest message backward and stops at the
// first message that would overflow, so a single message larger than the
// budget yields an empty view. msgs is never modified.
func Truncate(msgs []models.Message, budget int, est Estimator) []models.Message {
	if est == nil {
		est = CharEstimator{}
	}
	start := len(msgs)
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := est.Estimate(msgs[i].Content)
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	out := make([]models.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

// Total sums the estimated tokens of msgs.
func Total(msgs []models.Message, est Estimator) int {
	if est == nil {
		est = CharEstimator{}
	}
	total := 0
	for _, m := range msgs {
		total += est.Estimate(m.Content)
	}
	return total
}
