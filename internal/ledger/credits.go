package ledger

// TokensPerCredit is the billing exchange rate: one credit buys 1000 provider
// tokens, rounded up per call.
const TokensPerCredit = 1000

// CreditsForTokens converts a provider token count to credits, rounding up.
// Zero or negative token counts cost nothing.
func CreditsForTokens(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	return (tokens + TokensPerCredit - 1) / TokensPerCredit
}
