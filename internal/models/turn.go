package models

// Emotion is a lexical emotion tag.
type Emotion string

// Emotion categories in registration order. The order breaks ties when the
// parser ranks categories by hit count.
const (
	EmotionAnxiety     Emotion = "anxiety"
	EmotionSadness     Emotion = "sadness"
	EmotionAnger       Emotion = "anger"
	EmotionGuilt       Emotion = "guilt"
	EmotionShame       Emotion = "shame"
	EmotionFear        Emotion = "fear"
	EmotionTired       Emotion = "tired"
	EmotionOverwhelmed Emotion = "overwhelmed"
	EmotionConfusion   Emotion = "confusion"
	EmotionLoneliness  Emotion = "loneliness"
	EmotionJoy         Emotion = "joy"
	EmotionRelief      Emotion = "relief"
	EmotionCalm        Emotion = "calm"
	// EmotionNeutral is the fallback tag when no category matches.
	EmotionNeutral Emotion = "neutral"
)

// AllEmotions lists the lexical categories in registration order, without neutral.
var AllEmotions = []Emotion{
	EmotionAnxiety, EmotionSadness, EmotionAnger, EmotionGuilt, EmotionShame,
	EmotionFear, EmotionTired, EmotionOverwhelmed, EmotionConfusion,
	EmotionLoneliness, EmotionJoy, EmotionRelief, EmotionCalm,
}

// IsValidEmotion reports whether e is a known tag, neutral included.
func IsValidEmotion(e Emotion) bool {
	if e == EmotionNeutral {
		return true
	}
	for _, known := range AllEmotions {
		if e == known {
			return true
		}
	}
	return false
}

// IsPositive reports whether e is one of the positive categories.
func (e Emotion) IsPositive() bool {
	return e == EmotionJoy || e == EmotionRelief || e == EmotionCalm
}

// Scene is the life context a message is about.
type Scene string

const (
	SceneExam         Scene = "exam"
	SceneStudy        Scene = "study"
	SceneWork         Scene = "work"
	SceneCareer       Scene = "career"
	SceneRelationship Scene = "relationship"
	SceneFamily       Scene = "family"
	SceneSocial       Scene = "social"
	SceneHealth       Scene = "health"
	SceneSelfWorth    Scene = "self-worth"
	SceneFuture       Scene = "future"
	SceneGeneral      Scene = "general"
)

// AllScenes lists the keyword-scored scenes in registration order, without general.
var AllScenes = []Scene{
	SceneExam, SceneStudy, SceneWork, SceneCareer, SceneRelationship,
	SceneFamily, SceneSocial, SceneHealth, SceneSelfWorth, SceneFuture,
}

// IsValidScene reports whether s is a known scene, general included.
func IsValidScene(s Scene) bool {
	if s == SceneGeneral {
		return true
	}
	for _, known := range AllScenes {
		if s == known {
			return true
		}
	}
	return false
}

// IsTaskLike reports whether the scene is about concrete tasks with external demands.
func (s Scene) IsTaskLike() bool {
	switch s {
	case SceneExam, SceneStudy, SceneWork, SceneCareer:
		return true
	}
	return false
}

// IsLearning reports whether the scene belongs to the learning/planning set.
func (s Scene) IsLearning() bool {
	switch s {
	case SceneExam, SceneStudy, SceneCareer:
		return true
	}
	return false
}

// RiskLevel is the three-tier crisis severity.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Severity orders risk levels; unknown values rank as low.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	default:
		return 1
	}
}

// IsValidRiskLevel reports whether r is a known level.
func IsValidRiskLevel(r RiskLevel) bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// MaxRisk returns the more severe of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Severity() > a.Severity() {
		return b
	}
	if !IsValidRiskLevel(a) {
		return RiskLow
	}
	return a
}

// UserGoal is what the user wants out of the turn.
type UserGoal string

const (
	GoalRelief        UserGoal = "want_relief"
	GoalPlan          UserGoal = "want_plan"
	GoalClarification UserGoal = "want_clarification"
	GoalListen        UserGoal = "want_listen"
)

// IsValidUserGoal reports whether g is a known goal.
func IsValidUserGoal(g UserGoal) bool {
	switch g {
	case GoalRelief, GoalPlan, GoalClarification, GoalListen:
		return true
	}
	return false
}

// Intensity bounds.
const (
	MinIntensity = 1
	MaxIntensity = 10
)

// ClampIntensity keeps v inside [MinIntensity, MaxIntensity].
func ClampIntensity(v int) int {
	if v < MinIntensity {
		return MinIntensity
	}
	if v > MaxIntensity {
		return MaxIntensity
	}
	return v
}

// ParsedTurn is the structured reading of one user message. Values are never
// mutated after construction; merging produces a new value.
type ParsedTurn struct {
	Emotions       []Emotion `json:"emotions"`
	Intensity      int       `json:"intensity"`
	Scene          Scene     `json:"scene"`
	RiskLevel      RiskLevel `json:"risk_level"`
	UserGoal       UserGoal  `json:"user_goal"`
	HasSelfHarm    bool      `json:"has_self_harm_flag"`
	HasViolence    bool      `json:"has_violence_flag"`
	ProblemSummary string    `json:"problem_summary,omitempty"`
	Confidence     float64   `json:"confidence"`
}

// NeutralTurn is the reading used for empty or unusable input.
func NeutralTurn() ParsedTurn {
	return ParsedTurn{
		Emotions:  []Emotion{EmotionNeutral},
		Intensity: 3,
		Scene:     SceneGeneral,
		RiskLevel: RiskLow,
		UserGoal:  GoalRelief,
	}
}

// PrimaryEmotion returns the first emotion, or neutral.
func (p ParsedTurn) PrimaryEmotion() Emotion {
	if len(p.Emotions) == 0 {
		return EmotionNeutral
	}
	return p.Emotions[0]
}

// HasEmotion reports whether e is among the detected emotions.
func (p ParsedTurn) HasEmotion(e Emotion) bool {
	for _, got := range p.Emotions {
		if got == e {
			return true
		}
	}
	return false
}
