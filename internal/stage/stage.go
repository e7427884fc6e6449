// Package stage advances the guided conversation arc:
// chatting, exploring, summarizing, inviting, card_generated.
package stage

import "github.com/BTreeMap/CarePipe/internal/models"

// Turn-count bands.
const (
	exploringFrom   = 2
	summarizingTurn = 4
	invitingFrom    = 5
)

// Input is everything Advance reads. Prior is nil for a session without state.
type Input struct {
	Prior     *models.Stage
	TurnCount int
	Risk      models.RiskLevel
	Feedback  models.FeedbackSignal
}

// Result is the new stage, the turn count to persist and the UI flags.
type Result struct {
	Stage                   models.Stage `json:"stage"`
	TurnCount               int          `json:"turn_count"`
	ShowInviteButton        bool         `json:"show_invite_button"`
	ShowSatisfactionButtons bool         `json:"show_satisfaction_buttons"`
	// FeedbackApplied is set when Feedback changed the outcome.
	FeedbackApplied bool `json:"feedback_applied,omitempty"`
}

// Advance computes the next stage. It is pure.
//
// card_generated never moves. Feedback only counts while the prior stage is
// summarizing: satisfied jumps to inviting, unsatisfied returns to exploring
// and clamps the turn count into [2,3]. Otherwise the turn-count bands decide.
// High risk is applied last: nothing goes past summarizing and a session
// that was inviting falls back to summarizing.
func Advance(in Input) Result {
	if in.Prior != nil && *in.Prior == models.StageCardGenerated {
		return Result{Stage: models.StageCardGenerated, TurnCount: in.TurnCount}
	}

	res := Result{TurnCount: in.TurnCount}
	summarizing := in.Prior != nil && *in.Prior == models.StageSummarizing
	switch {
	case summarizing && in.Feedback == models.FeedbackSatisfied:
		res.Stage = models.StageInviting
		res.FeedbackApplied = true
	case summarizing && in.Feedback == models.FeedbackUnsatisfied:
		res.Stage = models.StageExploring
		res.TurnCount = clamp(in.TurnCount, exploringFrom, summarizingTurn-1)
		res.FeedbackApplied = true
	default:
		res.Stage = ForTurn(in.TurnCount)
	}

	if in.Risk == models.RiskHigh && res.Stage == models.StageInviting {
		res.Stage = models.StageSummarizing
	}

	res.ShowSatisfactionButtons = res.Stage == models.StageSummarizing
	res.ShowInviteButton = res.Stage == models.StageInviting
	return res
}

// ForTurn maps a turn count onto its band.
func ForTurn(turnCount int) models.Stage {
	switch {
	case turnCount >= invitingFrom:
		return models.StageInviting
	case turnCount == summarizingTurn:
		return models.StageSummarizing
	case turnCount >= exploringFrom:
		return models.StageExploring
	default:
		return models.StageChatting
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
