package parser

import (
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Confidence bands used to gate and weight enhancement.
const (
	ThresholdHigh   = 0.8
	ThresholdMedium = 0.5
)

// ComputeConfidence scores how much the rule-based reading can be trusted.
// The score is the product of keyword coverage, expression clarity and, when
// history exists, agreement with recent emotions.
func ComputeConfidence(text string, turn models.ParsedTurn, history []models.HistoryEntry) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	content := strings.ToLower(text)

	confidence := 1.0
	confidence *= 0.6 + 0.4*keywordCoverage(content, turn.Emotions)
	confidence *= 0.7 + 0.3*expressionClarity(text)
	if len(history) > 0 {
		confidence *= 0.7 + 0.3*historyConsistency(turn.Emotions, history)
	}
	return clamp01(confidence)
}

func keywordCoverage(content string, emotions []models.Emotion) float64 {
	matched, total := 0, 0
	for _, e := range emotions {
		kws, ok := emotionKeywords[e]
		if !ok {
			continue
		}
		total += len(kws)
		matched += countHits(content, kws)
	}
	if total == 0 {
		return 0.5
	}
	half := float64(total) / 2
	if half < 1 {
		half = 1
	}
	score := float64(matched) / half
	if score > 1 {
		return 1
	}
	return score
}

func expressionClarity(text string) float64 {
	score := 0.5
	if containsAny(text, clarityEmotionWords) {
		score += 0.3
	}
	if containsAny(text, clarityIntensityWords) {
		score += 0.1
	}
	if n := utf8.RuneCountInString(text); n >= 10 && n <= 200 {
		score += 0.1
	}
	if strings.ContainsAny(text, "?？") {
		score -= 0.1
	}
	return clamp01(score)
}

func historyConsistency(emotions []models.Emotion, history []models.HistoryEntry) float64 {
	recent := recentEmotions(history)
	if len(recent) == 0 {
		return 0.8
	}
	for _, e := range emotions {
		if recent[e] {
			return 0.9
		}
	}
	return 0.6
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
