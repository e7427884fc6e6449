package planner

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/style"
)

const basePersona = "你是一个温暖的情绪陪伴 AI，受过基础心理学训练，但不是医生，不进行诊断或治疗。"

const safetyRules = `请遵守：
- 不使用羞辱、不鼓励自责、不鼓励自伤或他伤
- 避免极端措辞（如"必须"、"永远"、"完全不可能"）
- 避免人格评判和诊断标签
- 先回应情绪，再谈分析或建议`

const highRiskRules = `用户当前风险等级为 high，你必须：
- 不提供任何具体方法或工具
- 强调理解和关心
- 引导用户联系现实世界可信的人（亲友、老师、医生等）
- 提醒用户尽快寻求专业心理或医疗帮助`

// CardRequest is the user turn sent when generating a care card.
const CardRequest = "请基于我们刚才的聊天，帮我生成今天的关心卡。"

// stepSummaryLimit bounds how much of an earlier step a later step prompt sees.
const stepSummaryLimit = 100

// BuildMessages renders a stage-governed plan into a generation request.
func BuildMessages(plan models.ReplyPlan, turn models.ParsedTurn, history []models.HistoryEntry, userText string) []genai.Message {
	var b strings.Builder
	writeCommon(&b, plan, turn)
	if plan.StageInstruction != "" {
		b.WriteString("\n" + plan.StageInstruction + "\n")
	}
	fmt.Fprintf(&b, "\n回复结构（按顺序自然衔接，不要出现小标题）：%s\n", strings.Join(plan.Structure.Parts, " → "))
	return withConversation(b.String(), history, userText)
}

// BuildCardMessages renders a five-step plan into a single structured
// request whose answer is a CareCard JSON object.
func BuildCardMessages(plan models.ReplyPlan, turn models.ParsedTurn, history []models.HistoryEntry) []genai.Message {
	var b strings.Builder
	writeCommon(&b, plan, turn)
	b.WriteString("\n本次要完成的步骤（按顺序）：\n")
	if plan.Steps != nil {
		for _, step := range plan.Steps.StepsToExecute {
			b.WriteString(describeStep(plan.Steps.Elements[step]))
		}
	}
	b.WriteString("\n" + cardContract(turn))
	return withConversation(b.String(), history, CardRequest)
}

// BuildStepMessages renders one step of a deep five-step run. Only steps
// before step are summarized into the prompt.
func BuildStepMessages(plan models.ReplyPlan, step int, previous []models.StepRecord, turn models.ParsedTurn, history []models.HistoryEntry, userText string) []genai.Message {
	var b strings.Builder
	writeCommon(&b, plan, turn)
	fmt.Fprintf(&b, "\n你的任务是：只完成步骤%d - %s。内容要充实，单独作为一条回复也能让用户有收获，不要预告下一步。\n", step, StepNames[step])
	if plan.Steps != nil {
		if el, ok := plan.Steps.Elements[step]; ok {
			b.WriteString(describeStep(el))
		}
	}
	if ctx := summarizePrevious(step, previous); ctx != "" {
		b.WriteString("\n已完成的步骤：\n" + ctx)
	}
	return withConversation(b.String(), history, userText)
}

func writeCommon(b *strings.Builder, plan models.ReplyPlan, turn models.ParsedTurn) {
	b.WriteString(basePersona + "\n")
	b.WriteString(style.BuildStyleGuide(plan.Style))
	b.WriteString("\n" + safetyRules + "\n")

	emotions := make([]string, len(turn.Emotions))
	for i, e := range turn.Emotions {
		emotions[i] = string(e)
	}
	fmt.Fprintf(b, "\n当前用户状态：\n- 情绪: %s\n- 强度: %d/10\n- 场景: %s\n- 风险等级: %s\n- 用户目标: %s\n",
		strings.Join(emotions, ", "), turn.Intensity, turn.Scene, turn.RiskLevel, turn.UserGoal)

	b.WriteString("\n建议采用的干预模块：\n")
	if len(plan.Interventions) == 0 {
		b.WriteString("无特定干预模块\n")
	}
	for _, rule := range plan.Interventions {
		fmt.Fprintf(b, "- %s: %s\n", rule.ID, rule.Description)
	}
	if turn.RiskLevel == models.RiskHigh {
		b.WriteString("\n" + highRiskRules + "\n")
	}
}

func withConversation(system string, history []models.HistoryEntry, userText string) []genai.Message {
	msgs := make([]genai.Message, 0, len(history)+2)
	msgs = append(msgs, genai.Message{Role: genai.RoleSystem, Content: system})
	for _, h := range history {
		role := genai.RoleUser
		if h.Role == models.RoleAssistant {
			role = genai.RoleAssistant
		}
		msgs = append(msgs, genai.Message{Role: role, Content: h.Content})
	}
	return append(msgs, genai.Message{Role: genai.RoleUser, Content: userText})
}

func describeStep(el models.StepElements) string {
	var b strings.Builder
	fmt.Fprintf(&b, "步骤%d：%s（目标：%s，语气：%s）\n", el.Step, el.Name, el.Goal, el.Tone)
	switch el.Step {
	case 1:
		fmt.Fprintf(&b, "  - 情绪镜像：%s\n  - 问题复述：%s\n", el.EmotionMirror, el.ProblemRestate)
	case 2:
		for _, l := range el.Layers {
			fmt.Fprintf(&b, "  - %s：%s（例子：%s）\n", l.Name, l.Description, l.ExampleHint)
		}
		if el.OptionalQuestion != "" {
			fmt.Fprintf(&b, "  - 可以在结尾问：%s\n", el.OptionalQuestion)
		}
	case 3:
		for _, c := range el.Concepts {
			fmt.Fprintf(&b, "  - 概念「%s」：%s（结合：%s）\n", c.Name, c.PlainExplanation, c.ExampleHint)
		}
	case 4:
		for _, s := range el.Suggestions {
			fmt.Fprintf(&b, "  - [%s] %s，%s，约%s：%s\n", s.Kind, s.Action, s.When, s.Duration, s.Details)
		}
		if el.GentleReminder != "" {
			fmt.Fprintf(&b, "  - 提醒：%s\n", el.GentleReminder)
		}
	case 5:
		if len(el.Review) > 0 {
			fmt.Fprintf(&b, "  - 回顾：%s\n", strings.Join(el.Review, "；"))
		}
		fmt.Fprintf(&b, "  - 肯定：%s\n  - 延续：%s\n", el.Affirmation, el.Continuation)
		if el.ProfessionalReminder {
			b.WriteString("  - 必须温和提醒用户寻求现实支持或专业帮助\n")
		}
	}
	if el.Normalization != "" {
		fmt.Fprintf(&b, "  - 正常化：%s\n", el.Normalization)
	}
	return b.String()
}

func summarizePrevious(step int, previous []models.StepRecord) string {
	recs := append([]models.StepRecord(nil), previous...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Step < recs[j].Step })
	var b strings.Builder
	for _, rec := range recs {
		if rec.Step >= step {
			continue
		}
		content := rec.Content
		if utf8.RuneCountInString(content) > stepSummaryLimit {
			content = string([]rune(content)[:stepSummaryLimit]) + "..."
		}
		fmt.Fprintf(&b, "- 步骤%d（%s）：%s\n", rec.Step, StepNames[rec.Step], content)
	}
	return b.String()
}

func cardContract(turn models.ParsedTurn) string {
	return fmt.Sprintf(`请以严格的JSON格式输出：
{
  "theme": "本次对话的核心主题（10-20字）",
  "step1_emotion_mirror": "情绪镜像句子，点出1-2个情绪词",
  "step1_problem_restate": "用自己的话复述用户问题",
  "step2_breakdown": "把问题拆成2-3个层面，用用户的内容作为例子",
  "step3_explanation": "1-2个心理学概念的通俗解释",
  "step4_suggestions": ["具体可执行的建议（做什么、什么时候、多久）"],
  "step5_summary": "简要回顾、肯定努力、温和的延续方向",
  "emotion": "%s",
  "intensity": %d,
  "topics": ["主题"],
  "risk_level": "%s"
}
本次不需要的步骤对应字段留空。只输出JSON，不要包含其他文本。`, turn.PrimaryEmotion(), turn.Intensity, turn.RiskLevel)
}
