package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	e := NewEstimator(3.0, 15.0)

	tests := []struct {
		name  string
		chars int
		want  int
	}{
		{"empty", 0, 0},
		{"negative", -5, 0},
		{"below one token rounds up", 3, 1},
		{"exactly one token", 4, 1},
		{"truncates", 9, 2},
		{"large", 4000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EstimateTokens(tt.chars))
		})
	}
}

func TestEstimateCost(t *testing.T) {
	e := NewEstimator(3.0, 15.0)

	// 1M input tokens at $3/M plus 1M output tokens at $15/M
	assert.Equal(t, 18.0, e.Estimate(1_000_000, 1_000_000))

	// Small exchanges round to six decimal places
	assert.Equal(t, 0.000018, e.Estimate(1, 1))
	assert.Equal(t, 0.0, e.Estimate(0, 0))
}

func TestEstimateCostZeroRates(t *testing.T) {
	e := NewEstimator(0, 0)
	assert.Equal(t, 0.0, e.Estimate(500_000, 500_000))
}
