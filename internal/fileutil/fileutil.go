// Package fileutil provides the token-accounting helpers shared by the
// summarizer, business-flow processor, and context factory: every section
// of text that is about to be folded into a prompt is measured here before
// it is chunked or trimmed (spec.md section 4.E/4.F's token-budget
// enforcement).
package fileutil

import (
	"context"
	"strings"
	"unicode"

	"github.com/cascadehq/auditengine/internal/gemini"
	"github.com/cascadehq/auditengine/internal/logutil"
)

// CalculateStatistics calculates basic string stats.
func CalculateStatistics(content string) (charCount, lineCount, tokenCount int) {
	charCount = len(content)
	lineCount = strings.Count(content, "\n") + 1
	tokenCount = estimateTokenCount(content) // Fallback estimation
	return charCount, lineCount, tokenCount
}

// CalculateStatisticsWithTokenCounting calculates accurate statistics using Gemini's token counter.
func CalculateStatisticsWithTokenCounting(ctx context.Context, geminiClient gemini.Client, content string, logger logutil.LoggerInterface) (charCount, lineCount, tokenCount int) {
	charCount = len(content)
	lineCount = strings.Count(content, "\n") + 1

	// Use the Gemini API for accurate token counting
	if geminiClient != nil {
		tokenResult, err := geminiClient.CountTokens(ctx, content)
		if err != nil {
			// Log the error and fall back to estimation
			if logger != nil {
				logger.Warn("Failed to count tokens accurately: %v. Using estimation instead.", err)
			}
			tokenCount = estimateTokenCount(content)
		} else {
			tokenCount = int(tokenResult.Total)
			if logger != nil {
				logger.Debug("Accurate token count: %d tokens", tokenCount)
			}
		}
	} else {
		// Fall back to estimation if no client provided
		tokenCount = estimateTokenCount(content)
		if logger != nil {
			logger.Debug("Using estimated token count: %d tokens", tokenCount)
		}
	}

	return charCount, lineCount, tokenCount
}

// estimateTokenCount counts tokens simply by whitespace boundaries.
// This is kept as a fallback method in case the API token counting fails.
func estimateTokenCount(text string) int {
	count := 0
	inToken := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if inToken {
				count++
				inToken = false
			}
		} else {
			inToken = true
		}
	}
	if inToken {
		count++
	}
	return count
}
