package parser

import (
	"context"
	"math"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// EnhanceRequest is handed to an Enhancer.
type EnhanceRequest struct {
	Text    string
	History []models.HistoryEntry
	Rule    models.ParsedTurn
}

// Enhancement is the outcome of an enhancement pass: either a reading or a
// fallback with its reason.
type Enhancement struct {
	Turn     models.ParsedTurn
	Fallback bool
	Reason   string
}

// Enhanced wraps a successful reading.
func Enhanced(turn models.ParsedTurn) Enhancement {
	return Enhancement{Turn: turn}
}

// Fallback reports that the rule result should be used unchanged.
func Fallback(reason string) Enhancement {
	return Enhancement{Fallback: true, Reason: reason}
}

// Enhancer re-classifies a message, typically with a generative model.
type Enhancer interface {
	Enhance(ctx context.Context, req EnhanceRequest) Enhancement
}

// EnhancerFunc adapts a function to Enhancer.
type EnhancerFunc func(ctx context.Context, req EnhanceRequest) Enhancement

// Enhance calls f.
func (f EnhancerFunc) Enhance(ctx context.Context, req EnhanceRequest) Enhancement {
	return f(ctx, req)
}

// MergeWithEnhancement blends the rule reading with an enhancement reading.
//
//	confidence > 0.8   rule 0.8 / enhancement 0.2, intensity kept within 1 of the rule
//	0.5 .. 0.8         rule 0.4 / enhancement 0.6
//	confidence < 0.5   enhancement replaces the rule reading
//
// In every band risk is the more severe of the two and the self-harm and
// violence flags are OR-combined.
func MergeWithEnhancement(rule, enh models.ParsedTurn, confidence float64) models.ParsedTurn {
	enh = sanitize(enh, rule)

	var merged models.ParsedTurn
	switch {
	case confidence > ThresholdHigh:
		merged = blend(rule, enh, 0.8, 0.2)
		if merged.Intensity > rule.Intensity+1 {
			merged.Intensity = rule.Intensity + 1
		}
		if merged.Intensity < rule.Intensity-1 {
			merged.Intensity = rule.Intensity - 1
		}
	case confidence >= ThresholdMedium:
		merged = blend(rule, enh, 0.4, 0.6)
	default:
		merged = enh
		merged.Emotions = append([]models.Emotion(nil), enh.Emotions...)
	}

	merged.Intensity = models.ClampIntensity(merged.Intensity)
	merged.RiskLevel = models.MaxRisk(rule.RiskLevel, enh.RiskLevel)
	merged.HasSelfHarm = rule.HasSelfHarm || enh.HasSelfHarm
	merged.HasViolence = rule.HasViolence || enh.HasViolence
	if merged.ProblemSummary == "" {
		merged.ProblemSummary = rule.ProblemSummary
	}
	merged.Confidence = math.Min(1, confidence+0.2)
	return merged
}

func blend(rule, enh models.ParsedTurn, w1, w2 float64) models.ParsedTurn {
	heavy := rule
	if w2 > w1 {
		heavy = enh
	}
	return models.ParsedTurn{
		Emotions:       append([]models.Emotion(nil), heavy.Emotions...),
		Intensity:      int(math.Round(float64(rule.Intensity)*w1 + float64(enh.Intensity)*w2)),
		Scene:          heavy.Scene,
		UserGoal:       heavy.UserGoal,
		ProblemSummary: heavy.ProblemSummary,
	}
}

// sanitize replaces invalid enhancement fields with the rule values.
func sanitize(enh, rule models.ParsedTurn) models.ParsedTurn {
	var emotions []models.Emotion
	for _, e := range enh.Emotions {
		if models.IsValidEmotion(e) && len(emotions) < maxEmotions {
			emotions = append(emotions, e)
		}
	}
	if len(emotions) == 0 {
		emotions = rule.Emotions
	}
	enh.Emotions = emotions
	if enh.Intensity == 0 {
		enh.Intensity = rule.Intensity
	}
	enh.Intensity = models.ClampIntensity(enh.Intensity)
	if !models.IsValidScene(enh.Scene) {
		enh.Scene = rule.Scene
	}
	if !models.IsValidUserGoal(enh.UserGoal) {
		enh.UserGoal = rule.UserGoal
	}
	if !models.IsValidRiskLevel(enh.RiskLevel) {
		enh.RiskLevel = models.RiskLow
	}
	return enh
}
