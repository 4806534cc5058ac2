// Package tokens approximates token counts for providers that do not report
// usage. It uses the common ~4 characters per token heuristic.
package tokens

import "unicode/utf8"

const charsPerToken = 4

// Estimate returns ceil(characters/4), or 0 for empty text.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateAll estimates the concatenation of parts.
func EstimateAll(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += utf8.RuneCountInString(p)
	}
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}
