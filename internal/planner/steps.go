package planner

import (
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// StepNames are the display names of the five steps.
var StepNames = map[int]string{
	1: "情绪接住 & 问题确认",
	2: "结构化拆解问题",
	3: "专业视角解释（说人话）",
	4: "小步可执行建议",
	5: "温柔收尾 & 小结",
}

var emotionNames = map[models.Emotion]string{
	models.EmotionAnxiety:     "焦虑",
	models.EmotionSadness:     "难过",
	models.EmotionAnger:       "愤怒",
	models.EmotionGuilt:       "内疚",
	models.EmotionShame:       "羞耻",
	models.EmotionFear:        "害怕",
	models.EmotionTired:       "疲惫",
	models.EmotionOverwhelmed: "崩溃",
	models.EmotionConfusion:   "困惑",
	models.EmotionLoneliness:  "孤独",
	models.EmotionJoy:         "开心",
	models.EmotionRelief:      "放松",
	models.EmotionCalm:        "平静",
	models.EmotionNeutral:     "平静",
}

// EmotionName returns the Chinese display name of e.
func EmotionName(e models.Emotion) string {
	if name, ok := emotionNames[e]; ok {
		return name
	}
	return string(e)
}

// interventionConcepts feed step 3, keyed by intervention id.
var interventionConcepts = map[string]models.Concept{
	"catastrophizing_identification": {
		Name:             "灾难化思维",
		PlainExplanation: "就是会把事情的结果想得特别糟糕，放大负面可能性",
		ExampleHint:      "用户可能过度担心最坏的结果",
	},
	"perfectionism_identification": {
		Name:             "完美主义倾向",
		PlainExplanation: "对自己要求很高，觉得'不够完美就是失败'",
		ExampleHint:      "用户可能对自己要求过高",
	},
}

// interventionSuggestions feed step 4, keyed by intervention id.
var interventionSuggestions = map[string]models.Suggestion{
	"breathing_exercise": {
		Kind: "情绪缓解类", Action: "做一次4-7-8呼吸练习", When: "现在就可以", Duration: "2-3分钟",
		Details: "吸气4秒，屏息7秒，呼气8秒，重复3-5次",
	},
	"task_breakdown": {
		Kind: "任务推进类", Action: "把大任务拆成3-5个小步骤", When: "今天或明天", Duration: "10-15分钟",
		Details: "写下每个小步骤，从最简单的开始",
	},
	"behavioral_activation": {
		Kind: "情绪缓解类", Action: "做一个5分钟的小行动", When: "接下来1小时内", Duration: "5分钟",
		Details: "可以是整理桌面、听一首歌、做几个深呼吸等",
	},
	"grounding_exercise": {
		Kind: "情绪缓解类", Action: "做一次5-4-3-2-1着陆练习", When: "感到被情绪淹没时", Duration: "3分钟",
		Details: "说出看到的5样东西、听到的4种声音、摸到的3种触感、闻到的2种气味、尝到的1种味道",
	},
	"self_compassion": {
		Kind: "认知练习类", Action: "给自己写一句像对朋友说的话", When: "今晚睡前", Duration: "5分钟",
		Details: "想象好朋友遇到同样的事，你会怎么安慰他，再把这句话写给自己",
	},
}

const (
	maxConcepts    = 2
	maxSuggestions = 3
	maxLayers      = 3

	// professionalIntensity is the intensity from which step 5 reminds the
	// user of real-world and professional support.
	professionalIntensity = 8
)

var affirmations = []string{
	"你愿意讲清楚这些，已经很不容易了",
	"你愿意思考这些问题，说明你在努力",
	"你愿意尝试改变，这本身就是进步",
}

// PlanSteps builds the required elements of each requested step. Steps
// outside 1..5 are ignored.
func PlanSteps(turn models.ParsedTurn, style models.StyleProfile, interventions []models.InterventionRule, steps []int, state models.ConversationState) models.StepPlan {
	plan := models.StepPlan{Elements: make(map[int]models.StepElements, len(steps))}
	for _, step := range steps {
		var el models.StepElements
		switch step {
		case 1:
			el = planMirror(turn, style)
		case 2:
			el = planBreakdown(turn, style, state)
		case 3:
			el = planConcepts(turn, style, interventions)
		case 4:
			el = planSuggestions(turn, style, interventions)
		case 5:
			el = planReview(turn, state)
		default:
			continue
		}
		el.Step = step
		el.Name = StepNames[step]
		plan.StepsToExecute = append(plan.StepsToExecute, step)
		plan.Elements[step] = el
	}
	return plan
}

func planMirror(turn models.ParsedTurn, style models.StyleProfile) models.StepElements {
	emotions := turn.Emotions
	if len(emotions) == 0 {
		emotions = []models.Emotion{models.EmotionNeutral}
	}
	if len(emotions) > 2 {
		emotions = emotions[:2]
	}
	names := make([]string, len(emotions))
	for i, e := range emotions {
		names[i] = EmotionName(e)
	}
	el := models.StepElements{
		Goal:           "让用户感到被听懂",
		Tone:           models.ToneNeutral,
		EmotionMirror:  "识别到用户的主要情绪：" + strings.Join(names, "、"),
		ProblemRestate: turn.ProblemSummary,
	}
	if el.ProblemRestate == "" {
		el.ProblemRestate = "用户当前面临的问题"
	}
	if style.Tone == models.ToneGentle {
		el.Tone = models.ToneGentle
	}
	if turn.Intensity < professionalIntensity {
		el.Normalization = "这种感受在类似情境中很常见"
	}
	return el
}

func planBreakdown(turn models.ParsedTurn, style models.StyleProfile, state models.ConversationState) models.StepElements {
	var layers []models.Layer
	if turn.Scene.IsTaskLike() {
		layers = append(layers, models.Layer{
			Name:        "现实层",
			Description: "具体的时间、任务量、外部要求等",
			ExampleHint: "用户提到的具体任务或时间压力",
		})
	}
	layers = append(layers, models.Layer{
		Name:        "情绪层",
		Description: "当前的感受和情绪反应",
		ExampleHint: "用户感受到的" + EmotionName(turn.PrimaryEmotion()),
	})
	if turn.Intensity >= 5 {
		layers = append(layers, models.Layer{
			Name:        "思维层",
			Description: "可能存在的思维模式（如灾难化、完美主义等）",
			ExampleHint: "用户可能存在的思维倾向",
		})
	}
	if len(layers) > maxLayers {
		layers = layers[:maxLayers]
	}
	el := models.StepElements{
		Goal:   "把混乱拆成可处理的部分",
		Tone:   analyticTone(style),
		Layers: layers,
	}
	if len(state.StepHistory) == 0 {
		el.OptionalQuestion = "哪一部分对你来说最重？"
	}
	return el
}

func planConcepts(turn models.ParsedTurn, style models.StyleProfile, interventions []models.InterventionRule) models.StepElements {
	var concepts []models.Concept
	for _, rule := range interventions {
		if c, ok := interventionConcepts[rule.ID]; ok && len(concepts) < maxConcepts {
			concepts = append(concepts, c)
		}
	}
	if len(concepts) == 0 {
		concepts = append(concepts, fallbackConcept(turn))
	}
	el := models.StepElements{
		Goal:               "给用户一个'原来如此'的理解",
		Tone:               analyticTone(style),
		Concepts:           concepts,
		UsePsychoEducation: style.UsePsychoEducation,
	}
	if turn.Intensity < professionalIntensity {
		el.Normalization = "这种模式在压力环境下很常见"
	}
	return el
}

func fallbackConcept(turn models.ParsedTurn) models.Concept {
	switch {
	case turn.HasEmotion(models.EmotionAnxiety):
		return models.Concept{
			Name:             "焦虑反应",
			PlainExplanation: "面对压力时，身体和大脑会进入'备战状态'，这是正常的保护机制",
			ExampleHint:      "用户当前的焦虑反应",
		}
	case turn.HasEmotion(models.EmotionGuilt) || turn.HasEmotion(models.EmotionShame):
		return models.Concept{
			Name:             "自我批评模式",
			PlainExplanation: "习惯性地对自己过于严厉，把问题都归因于自己",
			ExampleHint:      "用户可能对自己过于苛刻",
		}
	default:
		return models.Concept{
			Name:             "情绪是信号",
			PlainExplanation: "情绪本身没有对错，它在提醒你有些需要还没被照顾到",
			ExampleHint:      "用户的感受背后在意的东西",
		}
	}
}

func planSuggestions(turn models.ParsedTurn, style models.StyleProfile, interventions []models.InterventionRule) models.StepElements {
	var suggestions []models.Suggestion
	for _, rule := range interventions {
		if s, ok := interventionSuggestions[rule.ID]; ok && len(suggestions) < maxSuggestions {
			suggestions = append(suggestions, s)
		}
	}
	if len(suggestions) == 0 {
		if turn.Intensity >= 7 {
			suggestions = append(suggestions, models.Suggestion{
				Kind: "情绪缓解类", Action: "暂时离开当前环境，做几个深呼吸", When: "现在", Duration: "3-5分钟",
				Details: "找一个安静的地方，专注于呼吸",
			})
		} else {
			suggestions = append(suggestions, models.Suggestion{
				Kind: "认知练习类", Action: "写下当前最担心的3件事", When: "今天", Duration: "10分钟",
				Details: "把担心写下来，可以帮助理清思路",
			})
		}
	}
	el := models.StepElements{
		Goal:        "从'只会想'进入'能做一点点'",
		Tone:        models.ToneGentle,
		Suggestions: suggestions,
	}
	if style.ActionFocus >= 4 {
		el.Tone = models.ToneFirm
	}
	if style.Tone == models.ToneGentle {
		el.GentleReminder = "做不到也没关系，不用给自己压力"
	}
	return el
}

var reviewLines = map[int]string{
	1: "理清了你的情绪和问题",
	2: "拆解了问题的结构",
	3: "理解了背后的模式",
	4: "定下了小计划",
}

func planReview(turn models.ParsedTurn, state models.ConversationState) models.StepElements {
	var review []string
	seen := make(map[int]bool)
	for _, rec := range state.StepHistory {
		if line, ok := reviewLines[rec.Step]; ok && !seen[rec.Step] {
			review = append(review, line)
			seen[rec.Step] = true
		}
	}
	professional := turn.RiskLevel == models.RiskHigh || turn.Intensity >= professionalIntensity
	el := models.StepElements{
		Goal:                 "让对话有圆满的结束感",
		Tone:                 models.ToneGentle,
		Review:               review,
		Affirmation:          affirmations[0],
		Continuation:         "执行完这次小计划之后，可以再来看看效果",
		ProfessionalReminder: professional,
	}
	if professional {
		el.Continuation = "如果情况持续，建议考虑现实中的支持或专业人士的帮助"
	}
	return el
}

func analyticTone(style models.StyleProfile) models.Tone {
	if style.AnalysisDepth >= 4 {
		return models.ToneNeutral
	}
	return models.ToneGentle
}
