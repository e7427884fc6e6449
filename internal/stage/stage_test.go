package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/CarePipe/internal/models"
)

var allStages = []models.Stage{
	models.StageChatting, models.StageExploring, models.StageSummarizing,
	models.StageInviting, models.StageCardGenerated,
}

func ptr(s models.Stage) *models.Stage { return &s }

func TestAdvanceBands(t *testing.T) {
	want := map[int]models.Stage{
		0: models.StageChatting,
		1: models.StageChatting,
		2: models.StageExploring,
		3: models.StageExploring,
		4: models.StageSummarizing,
		5: models.StageInviting,
		9: models.StageInviting,
	}
	priors := []*models.Stage{nil, ptr(models.StageChatting), ptr(models.StageExploring), ptr(models.StageSummarizing), ptr(models.StageInviting)}
	for turn, stage := range want {
		for _, prior := range priors {
			got := Advance(Input{Prior: prior, TurnCount: turn, Risk: models.RiskLow})
			assert.Equal(t, stage, got.Stage, "turn %d", turn)
			assert.Equal(t, turn, got.TurnCount)
		}
	}
}

func TestAdvanceLowRiskSequence(t *testing.T) {
	var prior *models.Stage
	var got []models.Stage
	for turn := 1; turn <= 5; turn++ {
		res := Advance(Input{Prior: prior, TurnCount: turn, Risk: models.RiskLow})
		got = append(got, res.Stage)
		prior = ptr(res.Stage)
	}
	assert.Equal(t, []models.Stage{
		models.StageChatting, models.StageExploring, models.StageExploring,
		models.StageSummarizing, models.StageInviting,
	}, got)
}

func TestAdvanceButtons(t *testing.T) {
	res := Advance(Input{TurnCount: 4, Risk: models.RiskLow})
	assert.True(t, res.ShowSatisfactionButtons)
	assert.False(t, res.ShowInviteButton)

	res = Advance(Input{TurnCount: 5, Risk: models.RiskLow})
	assert.True(t, res.ShowInviteButton)
	assert.False(t, res.ShowSatisfactionButtons)

	res = Advance(Input{TurnCount: 2, Risk: models.RiskLow})
	assert.False(t, res.ShowInviteButton)
	assert.False(t, res.ShowSatisfactionButtons)
}

func TestAdvanceCardGeneratedIsSticky(t *testing.T) {
	for turn := 0; turn < 8; turn++ {
		for _, risk := range []models.RiskLevel{models.RiskLow, models.RiskHigh} {
			for _, fb := range []models.FeedbackSignal{models.FeedbackNone, models.FeedbackSatisfied, models.FeedbackUnsatisfied} {
				res := Advance(Input{Prior: ptr(models.StageCardGenerated), TurnCount: turn, Risk: risk, Feedback: fb})
				assert.Equal(t, models.StageCardGenerated, res.Stage)
				assert.False(t, res.ShowInviteButton)
			}
		}
	}
}

func TestAdvanceRiskFreeze(t *testing.T) {
	for _, prior := range allStages[:4] {
		for turn := 0; turn < 10; turn++ {
			for _, fb := range []models.FeedbackSignal{models.FeedbackNone, models.FeedbackSatisfied, models.FeedbackUnsatisfied} {
				res := Advance(Input{Prior: ptr(prior), TurnCount: turn, Risk: models.RiskHigh, Feedback: fb})
				assert.Contains(t, []models.Stage{models.StageChatting, models.StageExploring, models.StageSummarizing}, res.Stage)
				assert.False(t, res.ShowInviteButton)
			}
		}
	}
	res := Advance(Input{Prior: ptr(models.StageInviting), TurnCount: 6, Risk: models.RiskHigh})
	assert.Equal(t, models.StageSummarizing, res.Stage)
	assert.True(t, res.ShowSatisfactionButtons)
}

func TestAdvanceFeedback(t *testing.T) {
	res := Advance(Input{Prior: ptr(models.StageSummarizing), TurnCount: 4, Risk: models.RiskLow, Feedback: models.FeedbackSatisfied})
	assert.Equal(t, models.StageInviting, res.Stage)
	assert.True(t, res.ShowInviteButton)
	assert.False(t, res.ShowSatisfactionButtons)
	assert.True(t, res.FeedbackApplied)

	res = Advance(Input{Prior: ptr(models.StageSummarizing), TurnCount: 6, Risk: models.RiskLow, Feedback: models.FeedbackUnsatisfied})
	assert.Equal(t, models.StageExploring, res.Stage)
	assert.Equal(t, 3, res.TurnCount)

	res = Advance(Input{Prior: ptr(models.StageSummarizing), TurnCount: 1, Risk: models.RiskLow, Feedback: models.FeedbackUnsatisfied})
	assert.Equal(t, models.StageExploring, res.Stage)
	assert.Equal(t, 2, res.TurnCount)

	// satisfied under high risk stays at summarizing
	res = Advance(Input{Prior: ptr(models.StageSummarizing), TurnCount: 4, Risk: models.RiskHigh, Feedback: models.FeedbackSatisfied})
	assert.Equal(t, models.StageSummarizing, res.Stage)
}

func TestAdvanceIgnoresFeedbackOutsideSummarizing(t *testing.T) {
	for _, prior := range []models.Stage{models.StageChatting, models.StageExploring, models.StageInviting} {
		res := Advance(Input{Prior: ptr(prior), TurnCount: 3, Risk: models.RiskLow, Feedback: models.FeedbackSatisfied})
		assert.Equal(t, models.StageExploring, res.Stage, prior)
		assert.False(t, res.FeedbackApplied)
		assert.Equal(t, 3, res.TurnCount)
	}
}
