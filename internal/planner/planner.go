// Package planner shapes what the generator is asked to produce: a
// stage-governed single reply, or the five-step disclosure script.
package planner

import (
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Part names of the three-part structure.
const (
	PartEmotion       = "emotion"
	PartClarification = "clarification"
	PartAction        = "action"
)

var stageInstructions = map[models.Stage]string{
	models.StageChatting: `【当前阶段：普通陪聊】
- 用温暖、真诚的共情开场（1-2句话即可）
- 提一个轻一点的开放问题，引导用户分享
- 只提问和简单共情，不要给出任何结论、分析或建议
- 回复简洁，控制在200-400字`,
	models.StageExploring: `【当前阶段：情绪与事件探索】
- 用关怀的语气提一个探索性问题，了解情绪和事件细节
- 例如："这件事里最让你难受的那个瞬间是什么"
- 只提问和简单共情，不要给出任何结论、分析、解释或建议
- 回复简洁，控制在300-500字`,
	models.StageSummarizing: `【当前阶段：小结与校准】
- 用2-3句话复述用户分享的核心内容，不添加任何分析或结论
- 然后只问一个确认问题，例如："这些有说到你心里吗？有没有哪里我理解得不对？"
- 回复简洁，控制在200-300字`,
	models.StageInviting: `【当前阶段：邀请生成关心卡】
- 简短回应用户本轮的话
- 在回复末尾加上邀请："我可以基于刚刚的聊天帮你做一张今天的关心卡"
- 说明卡片里会有听见的重点、一点温柔但不虚的分析，以及现在就能尝试的小行动`,
	models.StageCardGenerated: `【当前阶段：关心卡已生成】
- 继续自由陪伴，回应用户此刻的感受
- 可以结合关心卡里的小行动，但不要重复整张卡片`,
}

// StageInstruction returns the instruction for a stage-governed reply.
func StageInstruction(s models.Stage) string {
	return stageInstructions[s]
}

// PlanReply builds the plan of a single stage-governed reply.
func PlanReply(turn models.ParsedTurn, style models.StyleProfile, interventions []models.InterventionRule, stage models.Stage) models.ReplyPlan {
	parts := threePartParts(turn, style)
	return models.ReplyPlan{
		Style:            style,
		Interventions:    append([]models.InterventionRule(nil), interventions...),
		Structure:        models.Structure{Kind: models.StructureThreePart, UseThreePart: len(parts) >= 3, Parts: parts},
		Stage:            stage,
		StageInstruction: StageInstruction(stage),
	}
}

// PlanFiveStep builds the plan of a five-step reply over the given steps.
func PlanFiveStep(turn models.ParsedTurn, style models.StyleProfile, interventions []models.InterventionRule, stage models.Stage, steps []int, state models.ConversationState) models.ReplyPlan {
	sp := PlanSteps(turn, style, interventions, steps, state)
	return models.ReplyPlan{
		Style:         style,
		Interventions: append([]models.InterventionRule(nil), interventions...),
		Structure: models.Structure{
			Kind:  models.StructureFiveStep,
			Parts: partsForSteps(sp.StepsToExecute),
			Steps: sp.StepsToExecute,
		},
		Stage: stage,
		Steps: &sp,
	}
}

func threePartParts(turn models.ParsedTurn, style models.StyleProfile) []string {
	if turn.RiskLevel == models.RiskHigh || style.ID == models.StyleCrisisSafe {
		return []string{PartEmotion}
	}
	switch {
	case style.ID == models.StyleListener || turn.UserGoal == models.GoalListen:
		return []string{PartEmotion, PartClarification}
	case style.ID == models.StyleCoach:
		return []string{PartEmotion, PartClarification, PartAction, PartAction}
	default:
		return []string{PartEmotion, PartClarification, PartAction}
	}
}

func partsForSteps(steps []int) []string {
	has := make(map[int]bool, len(steps))
	for _, s := range steps {
		has[s] = true
	}
	var parts []string
	if has[1] {
		parts = append(parts, PartEmotion)
	}
	if has[2] || has[3] {
		parts = append(parts, PartClarification)
	}
	if has[4] {
		parts = append(parts, PartAction)
	}
	if len(parts) == 0 {
		parts = []string{PartEmotion}
	}
	return parts
}
