package planner

import (
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ExecutionSource records why an experience mode was chosen.
type ExecutionSource string

const (
	SourceExplicit  ExecutionSource = "explicit"
	SourcePersisted ExecutionSource = "persisted"
	SourceInferred  ExecutionSource = "inferred"
	SourceDefault   ExecutionSource = "default"
)

// Execution is how the five-step script runs for a turn.
type Execution struct {
	Mode           models.Mode           `json:"mode"`
	ExperienceMode models.ExperienceMode `json:"experience_mode,omitempty"`
	Steps          []int                 `json:"steps"`
	Source         ExecutionSource       `json:"source"`
}

// AllSteps is the full disclosure script.
var AllSteps = []int{1, 2, 3, 4, 5}

var experienceSteps = map[models.ExperienceMode][]int{
	models.ExperienceA: {1, 2, 5},
	models.ExperienceB: {1, 2, 3, 5},
	models.ExperienceC: {1, 3, 4, 5},
	models.ExperienceD: AllSteps,
}

// Experience-mode phrases, checked in A, B, C, D order.
var experienceKeywords = []struct {
	mode     models.ExperienceMode
	keywords []string
}{
	{models.ExperienceA, []string{"只想被听", "只想倾诉", "只想聊聊", "听我说", "just listen"}},
	{models.ExperienceB, []string{"想搞懂", "想理解", "为什么会", "怎么回事", "help me understand"}},
	{models.ExperienceC, []string{"怎么办", "建议", "方法", "怎么做", "如何做", "what should i do"}},
	{models.ExperienceD, []string{"系统聊", "深聊", "详细聊", "一步步", "慢慢来", "step by step"}},
}

var (
	deepKeywords  = []string{"系统聊", "深聊", "详细聊", "慢慢聊", "一步步", "分步", "step by step"}
	quickKeywords = []string{"快速", "简单说", "简短", "说重点", "quickly", "short version"}
)

// StepsFor returns the step subset of an experience mode; none means all five.
func StepsFor(m models.ExperienceMode) []int {
	if steps, ok := experienceSteps[m]; ok {
		return append([]int(nil), steps...)
	}
	return append([]int(nil), AllSteps...)
}

// DetectExperienceMode returns the experience mode the message asks for, or none.
func DetectExperienceMode(text string) models.ExperienceMode {
	content := strings.ToLower(text)
	for _, entry := range experienceKeywords {
		if containsAny(content, entry.keywords) {
			return entry.mode
		}
	}
	return models.ExperienceNone
}

// SelectExecution decides the mode and step subset. An explicit request in
// the message wins over the persisted session choice, which wins over
// inference from the user goal; with none of those all five steps run.
// Deep mode, once chosen, persists until the user asks for something quick
// or picks a reduced experience mode.
func SelectExecution(text string, turn models.ParsedTurn, state models.ConversationState) Execution {
	content := strings.ToLower(text)
	explicit := DetectExperienceMode(content)
	quickAsked := containsAny(content, quickKeywords)

	deep := false
	switch {
	case explicit == models.ExperienceD || containsAny(content, deepKeywords):
		deep = true
	case quickAsked:
	case explicit != models.ExperienceNone:
	default:
		deep = state.Mode == models.ModeDeep
	}
	if deep {
		src := SourceExplicit
		if explicit != models.ExperienceD && !containsAny(content, deepKeywords) {
			src = SourcePersisted
		}
		return Execution{Mode: models.ModeDeep, ExperienceMode: models.ExperienceD, Steps: StepsFor(models.ExperienceD), Source: src}
	}

	exp, src := explicit, SourceExplicit
	if exp == models.ExperienceNone && state.ExperienceMode != models.ExperienceD {
		exp, src = state.ExperienceMode, SourcePersisted
	}
	if exp == models.ExperienceNone {
		exp, src = inferExperience(turn.UserGoal), SourceInferred
	}
	if exp == models.ExperienceNone {
		src = SourceDefault
	}
	return Execution{Mode: models.ModeQuick, ExperienceMode: exp, Steps: StepsFor(exp), Source: src}
}

// PersistedMode is the experience mode to store on the session. Modes the
// user asked for stick; a mode inferred from one turn's goal does not.
func (e Execution) PersistedMode() models.ExperienceMode {
	switch e.Source {
	case SourceExplicit, SourcePersisted:
		return e.ExperienceMode
	default:
		return models.ExperienceNone
	}
}

func inferExperience(goal models.UserGoal) models.ExperienceMode {
	switch goal {
	case models.GoalListen:
		return models.ExperienceA
	case models.GoalClarification:
		return models.ExperienceB
	case models.GoalPlan:
		return models.ExperienceC
	default:
		return models.ExperienceNone
	}
}

func containsAny(content string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}
