package prompt

import (
	"chatline/internal/domain"
	"chatline/internal/tokens"
)

// Trim keeps the longest suffix of msgs whose estimated cost fits the
// budget's usable allowance.
func Trim(msgs []domain.ChatMessage, budget domain.Budget, est tokens.Estimator) []domain.ChatMessage {
	return TrimToTokens(msgs, budget.Usable(), est)
}

// TrimToTokens walks msgs newest to oldest, summing estimate(text)+overhead,
// and stops at the first message that would push the total over limit. A
// total equal to limit is kept. The result preserves chronological order and
// may be empty.
func TrimToTokens(msgs []domain.ChatMessage, limit int, est tokens.Estimator) []domain.ChatMessage {
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := tokens.TurnCost(est, msgs[i].Text())
		if total+cost > limit {
			break
		}
		total += cost
		start = i
	}
	return append([]domain.ChatMessage(nil), msgs[start:]...)
}
