package planner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CarePipe/internal/catalog"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
)

func examTurn() models.ParsedTurn {
	return models.ParsedTurn{
		Emotions:       []models.Emotion{models.EmotionAnxiety, models.EmotionOverwhelmed, models.EmotionTired},
		Intensity:      7,
		Scene:          models.SceneExam,
		RiskLevel:      models.RiskLow,
		UserGoal:       models.GoalPlan,
		ProblemSummary: "下周期末考试，复习不完",
	}
}

func rules(ids ...string) []models.InterventionRule {
	c := catalog.Default()
	var out []models.InterventionRule
	for _, id := range ids {
		r, ok := c.Intervention(id)
		if !ok {
			panic("unknown intervention " + id)
		}
		out = append(out, r)
	}
	return out
}

func mentor() models.StyleProfile {
	s, _ := catalog.Default().Style(models.StyleMentor)
	return s
}

func TestPlanStepsAllFive(t *testing.T) {
	state := models.NewConversationState("s1", time.Now())
	plan := PlanSteps(examTurn(), mentor(), rules("catastrophizing_identification", "breathing_exercise", "task_breakdown"), AllSteps, state)

	require.Equal(t, AllSteps, plan.StepsToExecute)

	s1 := plan.Elements[1]
	assert.Equal(t, "识别到用户的主要情绪：焦虑、崩溃", s1.EmotionMirror)
	assert.Equal(t, "下周期末考试，复习不完", s1.ProblemRestate)
	assert.NotEmpty(t, s1.Normalization)

	s2 := plan.Elements[2]
	require.Len(t, s2.Layers, 3)
	assert.Equal(t, "现实层", s2.Layers[0].Name)
	assert.Equal(t, "情绪层", s2.Layers[1].Name)
	assert.Equal(t, "思维层", s2.Layers[2].Name)
	assert.NotEmpty(t, s2.OptionalQuestion)

	s3 := plan.Elements[3]
	require.Len(t, s3.Concepts, 1)
	assert.Equal(t, "灾难化思维", s3.Concepts[0].Name)

	s4 := plan.Elements[4]
	require.Len(t, s4.Suggestions, 2)
	assert.Equal(t, "做一次4-7-8呼吸练习", s4.Suggestions[0].Action)
	assert.Equal(t, "把大任务拆成3-5个小步骤", s4.Suggestions[1].Action)

	s5 := plan.Elements[5]
	assert.False(t, s5.ProfessionalReminder)
	assert.Empty(t, s5.Review)
}

func TestPlanStepsLayers(t *testing.T) {
	turn := models.ParsedTurn{Emotions: []models.Emotion{models.EmotionSadness}, Intensity: 4, Scene: models.SceneFamily, RiskLevel: models.RiskLow}
	plan := PlanSteps(turn, mentor(), nil, []int{2}, models.ConversationState{StepHistory: []models.StepRecord{{Step: 1}}})
	layers := plan.Elements[2].Layers
	require.Len(t, layers, 1)
	assert.Equal(t, "情绪层", layers[0].Name)
	assert.Empty(t, plan.Elements[2].OptionalQuestion)
}

func TestPlanStepsFallbacks(t *testing.T) {
	guilt := models.ParsedTurn{Emotions: []models.Emotion{models.EmotionGuilt}, Intensity: 5, Scene: models.SceneGeneral, RiskLevel: models.RiskLow}
	plan := PlanSteps(guilt, mentor(), nil, []int{3, 4}, models.ConversationState{})
	assert.Equal(t, "自我批评模式", plan.Elements[3].Concepts[0].Name)
	assert.Equal(t, "写下当前最担心的3件事", plan.Elements[4].Suggestions[0].Action)

	anxious := examTurn()
	plan = PlanSteps(anxious, mentor(), nil, []int{3, 4}, models.ConversationState{})
	assert.Equal(t, "焦虑反应", plan.Elements[3].Concepts[0].Name)
	assert.Equal(t, "暂时离开当前环境，做几个深呼吸", plan.Elements[4].Suggestions[0].Action)
}

func TestPlanStepsProfessionalReminder(t *testing.T) {
	high := examTurn()
	high.RiskLevel = models.RiskHigh
	high.Intensity = 6
	plan := PlanSteps(high, mentor(), nil, []int{5}, models.ConversationState{})
	assert.True(t, plan.Elements[5].ProfessionalReminder)

	intense := examTurn()
	intense.Intensity = 8
	plan = PlanSteps(intense, mentor(), nil, []int{1, 5}, models.ConversationState{})
	assert.True(t, plan.Elements[5].ProfessionalReminder)
	assert.Empty(t, plan.Elements[1].Normalization)
}

func TestPlanStepsReviewFromHistory(t *testing.T) {
	state := models.ConversationState{StepHistory: []models.StepRecord{{Step: 1}, {Step: 2}, {Step: 2}, {Step: 4}}}
	plan := PlanSteps(examTurn(), mentor(), nil, []int{5, 9}, state)
	assert.Equal(t, []int{5}, plan.StepsToExecute)
	assert.Equal(t, []string{"理清了你的情绪和问题", "拆解了问题的结构", "定下了小计划"}, plan.Elements[5].Review)
}

func TestSelectExecution(t *testing.T) {
	quick := models.ConversationState{Mode: models.ModeQuick}
	deep := models.ConversationState{Mode: models.ModeDeep, ExperienceMode: models.ExperienceD}
	persistedB := models.ConversationState{Mode: models.ModeQuick, ExperienceMode: models.ExperienceB}
	listen := models.ParsedTurn{UserGoal: models.GoalListen}
	relief := models.ParsedTurn{UserGoal: models.GoalRelief}

	tests := []struct {
		name   string
		text   string
		turn   models.ParsedTurn
		state  models.ConversationState
		mode   models.Mode
		exp    models.ExperienceMode
		steps  []int
		source ExecutionSource
	}{
		{"explicit advice beats inferred listen", "我该怎么办", listen, quick, models.ModeQuick, models.ExperienceC, []int{1, 3, 4, 5}, SourceExplicit},
		{"explicit beats persisted", "给我点建议", relief, persistedB, models.ModeQuick, models.ExperienceC, []int{1, 3, 4, 5}, SourceExplicit},
		{"persisted beats inferred", "嗯", listen, persistedB, models.ModeQuick, models.ExperienceB, []int{1, 2, 3, 5}, SourcePersisted},
		{"inferred from goal", "嗯", listen, quick, models.ModeQuick, models.ExperienceA, []int{1, 2, 5}, SourceInferred},
		{"default all five", "嗯", relief, quick, models.ModeQuick, models.ExperienceNone, AllSteps, SourceDefault},
		{"deep request", "我们深聊一下吧", relief, quick, models.ModeDeep, models.ExperienceD, AllSteps, SourceExplicit},
		{"deep persists", "嗯", relief, deep, models.ModeDeep, models.ExperienceD, AllSteps, SourcePersisted},
		{"quick leaves deep", "简短一点", relief, deep, models.ModeQuick, models.ExperienceNone, AllSteps, SourceDefault},
		{"explicit reduced mode leaves deep", "我只想倾诉", relief, deep, models.ModeQuick, models.ExperienceA, []int{1, 2, 5}, SourceExplicit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectExecution(tt.text, tt.turn, tt.state)
			assert.Equal(t, tt.mode, got.Mode)
			assert.Equal(t, tt.exp, got.ExperienceMode)
			assert.Equal(t, tt.steps, got.Steps)
			assert.Equal(t, tt.source, got.Source)
		})
	}
}

func TestExecutionPersistedMode(t *testing.T) {
	quick := models.ConversationState{Mode: models.ModeQuick}
	clarify := models.ParsedTurn{UserGoal: models.GoalClarification}

	inferred := SelectExecution("嗯", clarify, quick)
	assert.Equal(t, models.ExperienceB, inferred.ExperienceMode)
	assert.Equal(t, models.ExperienceNone, inferred.PersistedMode())

	explicit := SelectExecution("我只想倾诉", clarify, quick)
	assert.Equal(t, models.ExperienceA, explicit.PersistedMode())

	persisted := SelectExecution("嗯", clarify, models.ConversationState{Mode: models.ModeQuick, ExperienceMode: models.ExperienceC})
	assert.Equal(t, models.ExperienceC, persisted.PersistedMode())

	deep := SelectExecution("我们深聊一下吧", clarify, quick)
	assert.Equal(t, models.ExperienceD, deep.PersistedMode())
}

func TestPlanReplyStructure(t *testing.T) {
	c := catalog.Default()
	coach, _ := c.Style(models.StyleCoach)
	listener, _ := c.Style(models.StyleListener)

	plan := PlanReply(examTurn(), mentor(), nil, models.StageExploring)
	assert.Equal(t, []string{PartEmotion, PartClarification, PartAction}, plan.Structure.Parts)
	assert.True(t, plan.Structure.UseThreePart)
	assert.Contains(t, plan.StageInstruction, "不要给出任何结论")

	assert.Len(t, PlanReply(examTurn(), coach, nil, models.StageChatting).Structure.Parts, 4)
	assert.Equal(t, []string{PartEmotion, PartClarification}, PlanReply(examTurn(), listener, nil, models.StageChatting).Structure.Parts)

	high := examTurn()
	high.RiskLevel = models.RiskHigh
	crisis := PlanReply(high, c.CrisisStyle(), nil, models.StageSummarizing)
	assert.Equal(t, []string{PartEmotion}, crisis.Structure.Parts)
	assert.False(t, crisis.Structure.UseThreePart)

	for _, s := range []models.Stage{models.StageChatting, models.StageExploring, models.StageSummarizing, models.StageInviting, models.StageCardGenerated} {
		assert.NotEmpty(t, StageInstruction(s), s)
	}
	assert.Contains(t, StageInstruction(models.StageInviting), "关心卡")
}

func TestPlanFiveStep(t *testing.T) {
	plan := PlanFiveStep(examTurn(), mentor(), nil, models.StageInviting, []int{1, 3, 4, 5}, models.ConversationState{})
	assert.Equal(t, models.StructureFiveStep, plan.Structure.Kind)
	assert.Equal(t, []string{PartEmotion, PartClarification, PartAction}, plan.Structure.Parts)
	require.NotNil(t, plan.Steps)
	assert.Equal(t, []int{1, 3, 4, 5}, plan.Steps.StepsToExecute)

	plan = PlanFiveStep(examTurn(), mentor(), nil, models.StageInviting, []int{5}, models.ConversationState{})
	assert.Equal(t, []string{PartEmotion}, plan.Structure.Parts)
}

func TestBuildMessages(t *testing.T) {
	turn := examTurn()
	turn.RiskLevel = models.RiskHigh
	c := catalog.Default()
	plan := PlanReply(turn, c.CrisisStyle(), rules("safety_support"), models.StageSummarizing)
	history := []models.HistoryEntry{
		{Role: models.RoleUser, Content: "最近很累"},
		{Role: models.RoleAssistant, Content: "听起来你很辛苦"},
	}
	msgs := BuildMessages(plan, turn, history, "考试要完了")

	require.Len(t, msgs, 4)
	assert.Equal(t, genai.RoleSystem, msgs[0].Role)
	assert.Equal(t, genai.RoleUser, msgs[1].Role)
	assert.Equal(t, genai.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "考试要完了", msgs[3].Content)

	system := msgs[0].Content
	assert.Contains(t, system, "小结与校准")
	assert.Contains(t, system, "safety_support")
	assert.Contains(t, system, "不提供任何具体方法")
	assert.Contains(t, system, "<STYLE crisis_safe>")
}

func TestBuildCardMessages(t *testing.T) {
	plan := PlanFiveStep(examTurn(), mentor(), rules("breathing_exercise"), models.StageInviting, AllSteps, models.ConversationState{})
	msgs := BuildCardMessages(plan, examTurn(), nil)
	require.Len(t, msgs, 2)
	system := msgs[0].Content
	for step := 1; step <= 5; step++ {
		assert.Contains(t, system, StepNames[step])
	}
	assert.Contains(t, system, `"step4_suggestions"`)
	assert.Contains(t, system, "4-7-8")
	assert.Equal(t, CardRequest, msgs[1].Content)
}

func TestBuildStepMessagesOnlyReadsEarlierSteps(t *testing.T) {
	plan := PlanFiveStep(examTurn(), mentor(), nil, models.StageChatting, AllSteps, models.ConversationState{})
	previous := []models.StepRecord{
		{Step: 2, Content: "第二步内容"},
		{Step: 1, Content: strings.Repeat("一", 150)},
		{Step: 4, Content: "第四步内容"},
	}
	msgs := BuildStepMessages(plan, 3, previous, examTurn(), nil, "帮我看看")
	system := msgs[0].Content
	assert.Contains(t, system, "只完成步骤3")
	assert.Contains(t, system, "第二步内容")
	assert.Contains(t, system, strings.Repeat("一", 100)+"...")
	assert.NotContains(t, system, strings.Repeat("一", 101))
	assert.NotContains(t, system, "第四步内容")
	assert.Less(t, strings.Index(system, "步骤1（"), strings.Index(system, "步骤2（"))
}

func TestParseCard(t *testing.T) {
	turn := examTurn()
	turn.RiskLevel = models.RiskMedium
	raw := "```json\n" + `{"theme":"考试压力","step1_emotion_mirror":"你很焦虑","step1_problem_restate":"复习不完","step2_breakdown":"","step3_explanation":"","step4_suggestions":["呼吸","拆任务",],"step5_summary":"你已经很努力了","emotion":"","intensity":42,"topics":["exam"],"risk_level":"LOW"}` + "\n```"

	card, err := ParseCard(raw, turn)
	require.NoError(t, err)
	assert.Equal(t, "考试压力", card.Theme)
	assert.Equal(t, []string{"呼吸", "拆任务"}, card.Step4Suggestions)
	assert.Equal(t, 7, card.Intensity)
	assert.Equal(t, models.RiskMedium, card.RiskLevel)
	assert.Equal(t, "anxiety", card.Emotion)

	rendered := Render(card)
	assert.True(t, strings.HasPrefix(rendered, "【考试压力】"))
	assert.Contains(t, rendered, "1. 呼吸\n2. 拆任务")

	_, err = ParseCard("sorry, no card today", turn)
	assert.Error(t, err)
	_, err = ParseCard(`{"topics": []}`, turn)
	assert.ErrorIs(t, err, models.ErrCardUnavailable)
}
