package parser

import (
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// riskIntensityThreshold is the intensity at which a turn counts as medium risk.
const riskIntensityThreshold = 8

func detectRiskLevel(content string, intensity int, selfHarm, violence bool) models.RiskLevel {
	if selfHarm || containsAny(content, highRiskPhrases) {
		return models.RiskHigh
	}
	if violence || containsAny(content, mediumRiskPhrases) || intensity >= riskIntensityThreshold {
		return models.RiskMedium
	}
	return models.RiskLow
}

// DetectRisk runs the lexicon scan on text at the given intensity.
func DetectRisk(text string, intensity int) models.RiskLevel {
	content := strings.ToLower(text)
	return detectRiskLevel(content, intensity,
		containsAny(content, selfHarmKeywords),
		containsAny(content, violenceKeywords))
}

// UpgradeRiskIfNeeded rescans text and returns the more severe of original
// and the detected level. It never lowers risk.
func UpgradeRiskIfNeeded(original models.RiskLevel, text string, intensity int) models.RiskLevel {
	return models.MaxRisk(original, DetectRisk(text, intensity))
}
