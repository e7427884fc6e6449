package models

import (
	"errors"
	"testing"
	"time"
)

func TestClampIntensity(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-3, 1}, {0, 1}, {1, 1}, {5, 5}, {10, 10}, {11, 10}, {99, 10},
	}
	for _, tt := range tests {
		if got := ClampIntensity(tt.in); got != tt.want {
			t.Errorf("ClampIntensity(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMaxRisk(t *testing.T) {
	tests := []struct {
		a, b, want RiskLevel
	}{
		{RiskLow, RiskLow, RiskLow},
		{RiskLow, RiskMedium, RiskMedium},
		{RiskHigh, RiskMedium, RiskHigh},
		{RiskMedium, RiskHigh, RiskHigh},
		{"", RiskLow, RiskLow},
		{"bogus", RiskMedium, RiskMedium},
	}
	for _, tt := range tests {
		if got := MaxRisk(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxRisk(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestConversationStateCloneIsDeep(t *testing.T) {
	orig := NewConversationState("s1", time.Now())
	orig.CompletedSteps = []int{1}
	orig.StructuredInfo[InfoTopic] = "exam"
	orig.StepHistory = []StepRecord{{Step: 1, Content: "a"}}

	cp := orig.Clone()
	cp.CompletedSteps[0] = 5
	cp.StructuredInfo[InfoTopic] = "work"
	cp.StepHistory[0].Content = "b"

	if orig.CompletedSteps[0] != 1 {
		t.Error("clone shares CompletedSteps")
	}
	if orig.StructuredInfo[InfoTopic] != "exam" {
		t.Error("clone shares StructuredInfo")
	}
	if orig.StepHistory[0].Content != "a" {
		t.Error("clone shares StepHistory")
	}
}

func TestMarkCompletedKeepsSortedSet(t *testing.T) {
	s := NewConversationState("s1", time.Now())
	s.MarkCompleted(3, 1)
	s.MarkCompleted(1, 5)
	want := []int{1, 3, 5}
	if len(s.CompletedSteps) != len(want) {
		t.Fatalf("CompletedSteps = %v, want %v", s.CompletedSteps, want)
	}
	for i := range want {
		if s.CompletedSteps[i] != want[i] {
			t.Fatalf("CompletedSteps = %v, want %v", s.CompletedSteps, want)
		}
	}
}

func TestConversationStateValidate(t *testing.T) {
	good := NewConversationState("s1", time.Now())
	if err := good.Validate(); err != nil {
		t.Fatalf("fresh state should be valid: %v", err)
	}

	bad := good.Clone()
	bad.Stage = "finished"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidStage) {
		t.Errorf("expected ErrInvalidStage, got %v", err)
	}

	bad = good.Clone()
	bad.CompletedSteps = []int{6}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for out-of-range step")
	}

	bad = good.Clone()
	bad.SessionID = ""
	if err := bad.Validate(); !errors.Is(err, ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}
}

func TestStyleProfileValidate(t *testing.T) {
	s := StyleProfile{
		ID: "mentor", Tone: ToneGentle, Directness: 3, AnalysisDepth: 3,
		EmotionFocus: 3, ActionFocus: 3, SafetyBias: SafetyBiasMedium,
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Directness = 6
	if err := s.Validate(); err == nil {
		t.Error("expected error for directness out of range")
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	ok := Success(map[string]string{"a": "b"})
	if ok.Status != string(APIStatusOK) || ok.Result == nil {
		t.Errorf("unexpected success response: %+v", ok)
	}
	e := Error("boom")
	if e.Status != string(APIStatusError) || e.Message != "boom" {
		t.Errorf("unexpected error response: %+v", e)
	}
}
