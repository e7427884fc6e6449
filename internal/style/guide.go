package style

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

var toneLines = map[models.Tone]string{
	models.ToneGentle:  "语气温柔、放慢节奏，多用接纳和陪伴的表达。",
	models.ToneNeutral: "语气平稳客观，清楚但不生硬。",
	models.ToneFirm:    "语气坚定务实，句子简短，直奔重点。",
	models.TonePlayful: "语气轻松自然，像朋友聊天。",
}

// BuildStyleGuide renders a compact persona instruction for the system prompt.
func BuildStyleGuide(s models.StyleProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n<STYLE %s>\n", s.ID)
	if s.Name != "" {
		fmt.Fprintf(&b, "你的角色：%s。%s\n", s.Name, s.Description)
	}
	if line, ok := toneLines[s.Tone]; ok {
		b.WriteString("- " + line + "\n")
	}

	switch {
	case s.Directness >= 4:
		b.WriteString("- 表达直接，少铺垫。\n")
	case s.Directness <= 2:
		b.WriteString("- 表达委婉，避免命令式语句。\n")
	}
	if s.EmotionFocus >= 4 {
		b.WriteString("- 先回应感受，再谈事情本身。\n")
	}
	if s.AnalysisDepth >= 4 {
		b.WriteString("- 可以适度拆解问题结构和思维模式。\n")
	} else if s.AnalysisDepth <= 1 {
		b.WriteString("- 不做分析和评判。\n")
	}
	if s.ActionFocus >= 4 {
		b.WriteString("- 落到具体、可执行的下一步。\n")
	} else if s.ActionFocus <= 1 {
		b.WriteString("- 不主动给建议，除非用户明确要求。\n")
	}
	if s.UseGentleQuestions {
		b.WriteString("- 每次最多问一个温和的开放式问题。\n")
	}
	if s.UsePsychoEducation {
		b.WriteString("- 可以用通俗语言介绍心理学概念。\n")
	}
	if s.JokingLevel == 0 {
		b.WriteString("- 不开玩笑。\n")
	} else if s.JokingLevel >= 3 {
		b.WriteString("- 可以偶尔用轻松的幽默，但不拿用户的痛苦开玩笑。\n")
	}
	if s.ConfrontationLevel == 0 {
		b.WriteString("- 不质疑、不反驳用户的感受。\n")
	}
	if s.SafetyBias == models.SafetyBiasHigh {
		b.WriteString("- 安全优先：不讨论任何伤害方式，必要时温和建议联系身边的人或专业人士。\n")
	}
	b.WriteString("- 不做诊断，不贴标签，不说教，不羞辱。\n")
	b.WriteString("</STYLE>\n")
	return b.String()
}
