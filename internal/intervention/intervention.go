// Package intervention matches the intervention catalog against a parsed turn.
package intervention

import (
	"github.com/BTreeMap/CarePipe/internal/models"
)

// MaxPerRole caps the selected rules of each role.
const MaxPerRole = 2

// Selector picks interventions from a fixed rule list.
type Selector struct {
	rules []models.InterventionRule
}

// NewSelector creates a Selector over rules, kept in the given order.
func NewSelector(rules []models.InterventionRule) *Selector {
	return &Selector{rules: append([]models.InterventionRule(nil), rules...)}
}

// Select returns the matching rules, at most MaxPerRole per role, grouped by
// role in emotion, clarification, action order and in catalog order within a
// role. The result depends only on its inputs.
func (s *Selector) Select(turn models.ParsedTurn, style models.StyleProfile) []models.InterventionRule {
	byRole := make(map[models.InterventionRole][]models.InterventionRule, len(models.InterventionRoles))
	for _, rule := range s.rules {
		if len(byRole[rule.Role]) >= MaxPerRole {
			continue
		}
		if Matches(rule.Trigger, turn, style.ID) {
			byRole[rule.Role] = append(byRole[rule.Role], rule)
		}
	}
	var out []models.InterventionRule
	for _, role := range models.InterventionRoles {
		out = append(out, byRole[role]...)
	}
	return out
}

// Matches reports whether trigger fires for turn under the given style. One of
// the emotion, scene or goal dimensions must match, so a trigger defining none
// never fires. Intensity range, risk allowlist and style allowlist must all
// hold when present.
func Matches(trigger models.Trigger, turn models.ParsedTurn, styleID string) bool {
	if !matchesDimension(trigger, turn) {
		return false
	}
	if trigger.Intensity != nil && !trigger.Intensity.Contains(turn.Intensity) {
		return false
	}
	if len(trigger.RiskLevels) > 0 && !contains(trigger.RiskLevels, turn.RiskLevel) {
		return false
	}
	if len(trigger.Styles) > 0 && !contains(trigger.Styles, styleID) {
		return false
	}
	return true
}

func matchesDimension(trigger models.Trigger, turn models.ParsedTurn) bool {
	for _, e := range turn.Emotions {
		if contains(trigger.Emotions, e) {
			return true
		}
	}
	if contains(trigger.Scenes, turn.Scene) {
		return true
	}
	return trigger.UserGoal != "" && trigger.UserGoal == turn.UserGoal
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
