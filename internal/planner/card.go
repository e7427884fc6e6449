package planner

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// ParseCard decodes a generated care card. Malformed JSON is repaired; the
// intensity and risk fields fall back to the turn when missing or invalid,
// and risk never drops below the turn's level.
func ParseCard(text string, turn models.ParsedTurn) (models.CareCard, error) {
	var card models.CareCard
	if err := genai.DecodeJSON(text, &card); err != nil {
		return models.CareCard{}, fmt.Errorf("failed to parse care card: %w", err)
	}
	if strings.TrimSpace(card.Step1EmotionMirror) == "" && strings.TrimSpace(card.Theme) == "" {
		return models.CareCard{}, fmt.Errorf("failed to parse care card: %w", models.ErrCardUnavailable)
	}
	if card.Intensity < models.MinIntensity || card.Intensity > models.MaxIntensity {
		card.Intensity = turn.Intensity
	}
	card.RiskLevel = models.MaxRisk(turn.RiskLevel, models.RiskLevel(strings.ToLower(string(card.RiskLevel))))
	if card.Emotion == "" {
		card.Emotion = string(turn.PrimaryEmotion())
	}
	return card, nil
}

// Render flattens a card into chat text, one block per filled step.
func Render(card models.CareCard) string {
	var blocks []string
	if card.Theme != "" {
		blocks = append(blocks, "【"+card.Theme+"】")
	}
	if s := strings.TrimSpace(card.Step1EmotionMirror + card.Step1ProblemState); s != "" {
		blocks = append(blocks, strings.TrimSpace(card.Step1EmotionMirror+"\n"+card.Step1ProblemState))
	}
	for _, s := range []string{card.Step2Breakdown, card.Step3Explanation} {
		if strings.TrimSpace(s) != "" {
			blocks = append(blocks, s)
		}
	}
	if len(card.Step4Suggestions) > 0 {
		var lines []string
		for i, s := range card.Step4Suggestions {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, s))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	if strings.TrimSpace(card.Step5Summary) != "" {
		blocks = append(blocks, card.Step5Summary)
	}
	return strings.Join(blocks, "\n\n")
}
