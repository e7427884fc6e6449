package models

import (
	"fmt"
	"sort"
	"time"
)

// Stage is the session's position in the guided conversation arc.
type Stage string

const (
	StageChatting      Stage = "chatting"
	StageExploring     Stage = "exploring"
	StageSummarizing   Stage = "summarizing"
	StageInviting      Stage = "inviting"
	StageCardGenerated Stage = "card_generated"
)

// IsValidStage reports whether s is one of the five stages.
func IsValidStage(s Stage) bool {
	switch s {
	case StageChatting, StageExploring, StageSummarizing, StageInviting, StageCardGenerated:
		return true
	}
	return false
}

// Mode selects between one structured call and sequential per-step calls.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeDeep  Mode = "deep"
)

// ExperienceMode is a user-selected intent shortcut.
type ExperienceMode string

const (
	ExperienceNone ExperienceMode = ""
	ExperienceA    ExperienceMode = "A" // just listen
	ExperienceB    ExperienceMode = "B" // understand
	ExperienceC    ExperienceMode = "C" // advice
	ExperienceD    ExperienceMode = "D" // full deep session
)

// IsValidExperienceMode reports whether m is a known mode or none.
func IsValidExperienceMode(m ExperienceMode) bool {
	switch m {
	case ExperienceNone, ExperienceA, ExperienceB, ExperienceC, ExperienceD:
		return true
	}
	return false
}

// FeedbackSignal is the user's answer to the summary confirmation.
type FeedbackSignal string

const (
	FeedbackNone        FeedbackSignal = ""
	FeedbackSatisfied   FeedbackSignal = "satisfied"
	FeedbackUnsatisfied FeedbackSignal = "unsatisfied"
)

// IsValidFeedback reports whether f is satisfied or unsatisfied.
func IsValidFeedback(f FeedbackSignal) bool {
	return f == FeedbackSatisfied || f == FeedbackUnsatisfied
}

// Keys of ConversationState.StructuredInfo.
const (
	InfoPrimaryEmotion = "primary_emotion"
	InfoIntensity      = "intensity"
	InfoTopic          = "topic"
	InfoTrigger        = "trigger"
	InfoGoal           = "goal"
	InfoResources      = "resources"
)

// StepRecord is the output of one executed disclosure step.
type StepRecord struct {
	Step    int       `json:"step"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ConversationState is the per-session state persisted between turns. Each
// turn derives a new value from the previous one with Clone; a loaded value is
// never modified in place.
type ConversationState struct {
	SessionID       string            `json:"session_id"`
	Mode            Mode              `json:"mode"`
	ExperienceMode  ExperienceMode    `json:"experience_mode,omitempty"`
	Stage           Stage             `json:"stage"`
	TurnCount       int               `json:"turn_count"`
	CompletedSteps  []int             `json:"completed_steps,omitempty"`
	StepHistory     []StepRecord      `json:"step_history,omitempty"`
	StructuredInfo  map[string]string `json:"structured_info,omitempty"`
	StylePreference string            `json:"style_preference,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewConversationState returns the state of a session that has not had a turn yet.
func NewConversationState(sessionID string, now time.Time) ConversationState {
	return ConversationState{
		SessionID:      sessionID,
		Mode:           ModeQuick,
		Stage:          StageChatting,
		StructuredInfo: map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy.
func (s ConversationState) Clone() ConversationState {
	out := s
	if s.CompletedSteps != nil {
		out.CompletedSteps = append([]int(nil), s.CompletedSteps...)
	}
	if s.StepHistory != nil {
		out.StepHistory = append([]StepRecord(nil), s.StepHistory...)
	}
	out.StructuredInfo = make(map[string]string, len(s.StructuredInfo))
	for k, v := range s.StructuredInfo {
		out.StructuredInfo[k] = v
	}
	return out
}

// HasCompleted reports whether step is in CompletedSteps.
func (s ConversationState) HasCompleted(step int) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// MarkCompleted adds steps to CompletedSteps, keeping the set sorted.
func (s *ConversationState) MarkCompleted(steps ...int) {
	for _, step := range steps {
		if !s.HasCompleted(step) {
			s.CompletedSteps = append(s.CompletedSteps, step)
		}
	}
	sort.Ints(s.CompletedSteps)
}

// Validate checks the invariants a loaded state must hold.
func (s ConversationState) Validate() error {
	if s.SessionID == "" {
		return ErrEmptySessionID
	}
	if !IsValidStage(s.Stage) {
		return fmt.Errorf("%w: %q", ErrInvalidStage, s.Stage)
	}
	if s.Mode != ModeQuick && s.Mode != ModeDeep {
		return fmt.Errorf("invalid mode %q", s.Mode)
	}
	if !IsValidExperienceMode(s.ExperienceMode) {
		return fmt.Errorf("invalid experience mode %q", s.ExperienceMode)
	}
	if s.TurnCount < 0 {
		return fmt.Errorf("negative turn count %d", s.TurnCount)
	}
	for _, step := range s.CompletedSteps {
		if step < 1 || step > 5 {
			return fmt.Errorf("completed step %d out of range", step)
		}
	}
	return nil
}
