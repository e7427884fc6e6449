package models

import "fmt"

// Tone is the overall voice of a style.
type Tone string

const (
	ToneGentle  Tone = "gentle"
	ToneNeutral Tone = "neutral"
	ToneFirm    Tone = "firm"
	TonePlayful Tone = "playful"
)

// SafetyBias controls how conservatively a style treats sensitive topics.
type SafetyBias string

const (
	SafetyBiasHigh   SafetyBias = "high"
	SafetyBiasMedium SafetyBias = "medium"
)

// Well-known style ids.
const (
	StyleCrisisSafe = "crisis_safe"
	StyleComfort    = "comfort"
	StyleAnalyst    = "analyst"
	StyleCoach      = "coach"
	StyleFriend     = "friend"
	StyleListener   = "listener"
	StyleGrowth     = "growth"
	StyleMentor     = "mentor"
)

// StyleProfile is an immutable persona preset loaded from the style catalog.
type StyleProfile struct {
	ID                 string     `yaml:"id" json:"id"`
	Name               string     `yaml:"name" json:"name"`
	Description        string     `yaml:"description" json:"description"`
	Tone               Tone       `yaml:"tone" json:"tone"`
	Directness         int        `yaml:"directness" json:"directness"`
	AnalysisDepth      int        `yaml:"analysisDepth" json:"analysis_depth"`
	EmotionFocus       int        `yaml:"emotionFocus" json:"emotion_focus"`
	ActionFocus        int        `yaml:"actionFocus" json:"action_focus"`
	JokingLevel        int        `yaml:"jokingLevel" json:"joking_level"`
	ConfrontationLevel int        `yaml:"confrontationLevel" json:"confrontation_level"`
	UseGentleQuestions bool       `yaml:"useGentleQuestions" json:"use_gentle_questions"`
	UsePsychoEducation bool       `yaml:"usePsychoEducation" json:"use_psycho_education"`
	SafetyBias         SafetyBias `yaml:"safetyBias" json:"safety_bias"`
	// Internal styles are selectable by the engine but not offered to users.
	Internal bool `yaml:"internal" json:"-"`
}

// Validate checks ranges of every axis.
func (s StyleProfile) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("style id is required")
	}
	switch s.Tone {
	case ToneGentle, ToneNeutral, ToneFirm, TonePlayful:
	default:
		return fmt.Errorf("style %s: invalid tone %q", s.ID, s.Tone)
	}
	axes := map[string]int{
		"directness":    s.Directness,
		"analysisDepth": s.AnalysisDepth,
		"emotionFocus":  s.EmotionFocus,
		"actionFocus":   s.ActionFocus,
	}
	for name, v := range axes {
		if v < 1 || v > 5 {
			return fmt.Errorf("style %s: %s must be within 1..5, got %d", s.ID, name, v)
		}
	}
	if s.JokingLevel < 0 || s.JokingLevel > 5 {
		return fmt.Errorf("style %s: jokingLevel must be within 0..5, got %d", s.ID, s.JokingLevel)
	}
	if s.ConfrontationLevel < 0 || s.ConfrontationLevel > 5 {
		return fmt.Errorf("style %s: confrontationLevel must be within 0..5, got %d", s.ID, s.ConfrontationLevel)
	}
	if s.SafetyBias != SafetyBiasHigh && s.SafetyBias != SafetyBiasMedium {
		return fmt.Errorf("style %s: invalid safetyBias %q", s.ID, s.SafetyBias)
	}
	return nil
}

// InterventionRole is the part of a reply an intervention mostly feeds.
type InterventionRole string

const (
	RoleEmotion       InterventionRole = "emotion"
	RoleClarification InterventionRole = "clarification"
	RoleAction        InterventionRole = "action"
)

// InterventionRoles lists roles in the order selections are emitted.
var InterventionRoles = []InterventionRole{RoleEmotion, RoleClarification, RoleAction}

// IntRange is an inclusive integer range.
type IntRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether v lies in the range.
func (r IntRange) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Trigger is the normalized activation condition of an intervention. Nil or
// empty fields impose no constraint.
type Trigger struct {
	Emotions   []Emotion   `json:"emotions,omitempty"`
	Scenes     []Scene     `json:"scenes,omitempty"`
	UserGoal   UserGoal    `json:"user_goal,omitempty"`
	Intensity  *IntRange   `json:"intensity,omitempty"`
	RiskLevels []RiskLevel `json:"risk_levels,omitempty"`
	Styles     []string    `json:"styles,omitempty"`
}

// HasMatchDimension reports whether any of emotion, scene or goal is defined.
func (t Trigger) HasMatchDimension() bool {
	return len(t.Emotions) > 0 || len(t.Scenes) > 0 || t.UserGoal != ""
}

// InterventionRule is one entry of the intervention catalog.
type InterventionRule struct {
	ID          string           `json:"id"`
	Role        InterventionRole `json:"role"`
	Description string           `json:"description"`
	Trigger     Trigger          `json:"trigger"`
}
