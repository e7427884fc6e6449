package style

import (
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// overrideKeywords maps style-switch phrases to style ids. Entries are checked
// in order and the first hit wins.
var overrideKeywords = []struct {
	style    string
	keywords []string
}{
	{models.StyleComfort, []string{"温柔", "温和", "安慰我", "轻柔", "gentle", "comfort me"}},
	{models.StyleAnalyst, []string{"理性", "分析一下", "帮我分析", "拆解一下", "analyze", "rational"}},
	{models.StyleCoach, []string{"直接点", "直说", "直给", "教练", "be direct", "straightforward"}},
	{models.StyleFriend, []string{"像朋友", "轻松点", "轻松一点", "like a friend", "casual"}},
	{models.StyleListener, []string{"倾听", "只听", "听我说就好", "just listen"}},
	{models.StyleGrowth, []string{"成长", "长期目标", "growth", "long-term"}},
	{models.StyleMentor, []string{"导师", "mentor"}},
}

// DetectOverride returns the style the message explicitly asks for, or "".
func DetectOverride(text string) string {
	content := strings.ToLower(text)
	for _, entry := range overrideKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(content, kw) {
				return entry.style
			}
		}
	}
	return ""
}
