package tokens

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char", "a", 1},
		{"exact multiple", strings.Repeat("x", 400), 100},
		{"completion side", strings.Repeat("y", 80), 20},
		{"rounds up", strings.Repeat("z", 81), 21},
		{"counts runes not bytes", "héllo wörld", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimateAll_ConcatenatesBeforeRounding(t *testing.T) {
	// 3 + 3 + 2 = 8 chars -> 2 tokens, not 1+1+1.
	if got := EstimateAll("abc", "def", "gh"); got != 2 {
		t.Errorf("EstimateAll() = %d, want 2", got)
	}
	if got := EstimateAll(); got != 0 {
		t.Errorf("EstimateAll() = %d, want 0", got)
	}
}
