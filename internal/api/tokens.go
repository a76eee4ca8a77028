package api

// tokenChars is the character-per-token approximation used for usage
// accounting. The CLI does not report token counts for bridged requests,
// so usage is estimated from string lengths.
const tokenChars = 4

// EstimateTokens approximates the token count of s at four characters per
// token, rounding up.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + tokenChars - 1) / tokenChars
}

// TokenBudgetChars converts a max-token cap into a character budget.
func TokenBudgetChars(maxTokens int) int {
	return maxTokens * tokenChars
}
