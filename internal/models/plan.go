package models

// Layer is one slice of the problem decomposition in step 2.
type Layer struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ExampleHint string `json:"example_hint"`
}

// Concept is a psychoeducational idea explained in step 3.
type Concept struct {
	Name             string `json:"name"`
	PlainExplanation string `json:"plain_explanation"`
	ExampleHint      string `json:"example_hint"`
}

// Suggestion is a concrete, time-boxed action offered in step 4.
type Suggestion struct {
	Kind     string `json:"kind"`
	Action   string `json:"action"`
	When     string `json:"when"`
	Duration string `json:"duration"`
	Details  string `json:"details"`
}

// StepElements holds the required content of one disclosure step. Only the
// fields of the matching step are populated.
type StepElements struct {
	Step int    `json:"step"`
	Name string `json:"name"`
	Goal string `json:"goal"`
	Tone Tone   `json:"tone"`

	// step 1
	EmotionMirror  string `json:"emotion_mirror,omitempty"`
	ProblemRestate string `json:"problem_restate,omitempty"`
	Normalization  string `json:"normalization,omitempty"`

	// step 2
	Layers           []Layer `json:"layers,omitempty"`
	OptionalQuestion string  `json:"optional_question,omitempty"`

	// step 3
	Concepts           []Concept `json:"concepts,omitempty"`
	UsePsychoEducation bool      `json:"use_psycho_education,omitempty"`

	// step 4
	Suggestions    []Suggestion `json:"suggestions,omitempty"`
	GentleReminder string       `json:"gentle_reminder,omitempty"`

	// step 5
	Review               []string `json:"review,omitempty"`
	Affirmation          string   `json:"affirmation,omitempty"`
	Continuation         string   `json:"continuation,omitempty"`
	ProfessionalReminder bool     `json:"professional_reminder,omitempty"`
}

// StepPlan is the content plan of the five-step disclosure script.
type StepPlan struct {
	StepsToExecute []int                `json:"steps_to_execute"`
	Elements       map[int]StepElements `json:"elements"`
}

// StructureKind distinguishes the two reply structures.
type StructureKind string

const (
	StructureThreePart StructureKind = "three_part"
	StructureFiveStep  StructureKind = "five_step"
)

// Structure describes the shape the generator should produce.
type Structure struct {
	Kind         StructureKind `json:"kind"`
	UseThreePart bool          `json:"use_three_part"`
	Parts        []string      `json:"parts"`
	Steps        []int         `json:"steps,omitempty"`
}

// ReplyPlan is everything the generator needs for one reply.
type ReplyPlan struct {
	Style            StyleProfile       `json:"style"`
	Interventions    []InterventionRule `json:"interventions"`
	Structure        Structure          `json:"structure"`
	Stage            Stage              `json:"stage"`
	StageInstruction string             `json:"stage_instruction,omitempty"`
	Steps            *StepPlan          `json:"steps,omitempty"`
}

// InterventionIDs returns the ids of the planned interventions in order.
func (p ReplyPlan) InterventionIDs() []string {
	ids := make([]string, 0, len(p.Interventions))
	for _, rule := range p.Interventions {
		ids = append(ids, rule.ID)
	}
	return ids
}

// SafetyVerdict is the result of screening generated text. A failed verdict
// always carries a reason.
type SafetyVerdict struct {
	Passed bool   `json:"passed"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CareCard is the structured payload returned by the generator for a
// five-step reply.
type CareCard struct {
	Theme              string    `json:"theme"`
	Step1EmotionMirror string    `json:"step1_emotion_mirror"`
	Step1ProblemState  string    `json:"step1_problem_restate"`
	Step2Breakdown     string    `json:"step2_breakdown"`
	Step3Explanation   string    `json:"step3_explanation"`
	Step4Suggestions   []string  `json:"step4_suggestions"`
	Step5Summary       string    `json:"step5_summary"`
	Emotion            string    `json:"emotion"`
	Intensity          int       `json:"intensity"`
	Topics             []string  `json:"topics"`
	RiskLevel          RiskLevel `json:"risk_level"`
}
