package llm

import "math"

// charsPerToken is the character-length heuristic for approximating token
// counts. This is an estimate, not a billing-grade figure.
const charsPerToken = 4

// costDecimals is the number of decimal places cost estimates are rounded to.
const costDecimals = 6

// Estimator converts token counts into cost using fixed linear
// per-million-token rates.
type Estimator struct {
	inputPerMillion  float64
	outputPerMillion float64
}

// NewEstimator creates a cost estimator with USD rates per one million
// input/output tokens.
func NewEstimator(inputPerMillion, outputPerMillion float64) *Estimator {
	return &Estimator{
		inputPerMillion:  inputPerMillion,
		outputPerMillion: outputPerMillion,
	}
}

// EstimateTokens approximates the token count of a text from its character
// count. Non-empty text always counts as at least one token.
func (e *Estimator) EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	tokens := chars / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// Estimate returns the cost of a single exchange, rounded to a fixed number
// of decimal places.
func (e *Estimator) Estimate(inputTokens, outputTokens int) float64 {
	cost := float64(inputTokens)/1_000_000*e.inputPerMillion +
		float64(outputTokens)/1_000_000*e.outputPerMillion
	return roundTo(cost, costDecimals)
}

func roundTo(v float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(v*factor) / factor
}
