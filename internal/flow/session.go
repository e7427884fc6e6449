package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/planner"
	"github.com/BTreeMap/CarePipe/internal/safety"
	"github.com/BTreeMap/CarePipe/internal/stage"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/style"
)

// FeedbackResult is the session position after a feedback signal.
type FeedbackResult struct {
	SessionID               string       `json:"session_id"`
	Stage                   models.Stage `json:"stage"`
	TurnCount               int          `json:"turn_count"`
	Version                 int64        `json:"version"`
	ShowInviteButton        bool         `json:"show_invite_button"`
	ShowSatisfactionButtons bool         `json:"show_satisfaction_buttons"`
	Applied                 bool         `json:"applied"`
}

// CardResult is the outcome of a care card request.
type CardResult struct {
	SessionID string               `json:"session_id"`
	Card      *models.CareCard     `json:"card,omitempty"`
	Reply     string               `json:"reply"`
	Stage     models.Stage         `json:"stage"`
	Version   int64                `json:"version"`
	Safety    models.SafetyVerdict `json:"safety"`
	// Fallback is set when no usable card was produced; the stage is unchanged.
	Fallback       bool   `json:"fallback,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// SubmitFeedback applies the user's answer to the summary confirmation
// without generating a reply. It is only accepted while summarizing.
func (e *Engine) SubmitFeedback(ctx context.Context, sessionID string, signal models.FeedbackSignal) (FeedbackResult, error) {
	if err := validateSessionID(sessionID); err != nil {
		return FeedbackResult{}, err
	}
	if !models.IsValidFeedback(signal) {
		return FeedbackResult{}, fmt.Errorf("%w: %q", models.ErrInvalidFeedback, signal)
	}

	unlock, err := e.lock(ctx, sessionID)
	if err != nil {
		return FeedbackResult{}, err
	}
	defer unlock()

	prior, found, err := e.loadState(ctx, sessionID)
	if err != nil {
		return FeedbackResult{}, err
	}
	if !found {
		return FeedbackResult{}, models.ErrSessionNotFound
	}
	if prior.Stage != models.StageSummarizing {
		e.metrics.IncFeedback(string(signal), false)
		return FeedbackResult{}, fmt.Errorf("%w (stage %s)", models.ErrFeedbackNotAllowed, prior.Stage)
	}

	records, _ := e.history(ctx, sessionID)
	current := prior.Stage
	adv := stage.Advance(stage.Input{
		Prior:     &current,
		TurnCount: prior.TurnCount,
		Risk:      lastRisk(records),
		Feedback:  signal,
	})
	e.metrics.IncFeedback(string(signal), adv.FeedbackApplied)

	next := prior.Clone()
	next.Stage = adv.Stage
	next.TurnCount = adv.TurnCount
	saved, err := e.save(ctx, next)
	if err != nil {
		return FeedbackResult{}, err
	}
	slog.Info("Engine.SubmitFeedback: applied", "sessionID", sessionID, "signal", signal, "stage", saved.Stage, "turnCount", saved.TurnCount)
	return FeedbackResult{
		SessionID:               sessionID,
		Stage:                   saved.Stage,
		TurnCount:               saved.TurnCount,
		Version:                 saved.Version,
		ShowInviteButton:        adv.ShowInviteButton,
		ShowSatisfactionButtons: adv.ShowSatisfactionButtons,
		Applied:                 adv.FeedbackApplied,
	}, nil
}

// GenerateCard produces the structured care card of a session that has
// reached the inviting stage and moves it to card_generated.
func (e *Engine) GenerateCard(ctx context.Context, sessionID string) (CardResult, error) {
	if err := validateSessionID(sessionID); err != nil {
		return CardResult{}, err
	}

	unlock, err := e.lock(ctx, sessionID)
	if err != nil {
		return CardResult{}, err
	}
	defer unlock()

	prior, found, err := e.loadState(ctx, sessionID)
	if err != nil {
		return CardResult{}, err
	}
	if !found {
		return CardResult{}, models.ErrSessionNotFound
	}
	if prior.Stage != models.StageInviting {
		e.metrics.IncCard("unavailable")
		return CardResult{}, fmt.Errorf("%w (stage %s)", models.ErrCardUnavailable, prior.Stage)
	}

	records, history := e.history(ctx, sessionID)
	turn := e.cardTurn(ctx, records, history)
	decision := e.resolver.Resolve(style.Preference{Persisted: prior.StylePreference}, turn)
	selected := e.selector.Select(turn, decision.Style)
	steps := planner.StepsFor(prior.ExperienceMode)
	if prior.Mode == models.ModeDeep {
		steps = planner.StepsFor(models.ExperienceD)
	}
	plan := planner.PlanFiveStep(turn, decision.Style, selected, models.StageCardGenerated, steps, prior)

	res := CardResult{SessionID: sessionID, Stage: prior.Stage, Version: prior.Version}
	resp, err := e.generate(ctx, e.generateTimeout, planner.BuildCardMessages(plan, turn, history), true)
	var card models.CareCard
	if err == nil {
		card, err = planner.ParseCard(resp.Text, turn)
	}
	if err != nil {
		reason := failureReason(err)
		slog.Warn("Engine.GenerateCard: no usable card, returning fallback", "sessionID", sessionID, "reason", reason, "error", err)
		e.metrics.IncGenerationFailure(reason)
		e.metrics.IncCard("failed")
		res.Reply = safety.SafeReply(turn)
		res.Fallback = true
		res.FallbackReason = reason
		res.Safety = models.SafetyVerdict{Passed: true}
		return res, nil
	}

	out := e.review(planner.Render(card), turn)
	res.Reply, res.Safety = out.Reply, out.Verdict
	if out.Replaced {
		e.metrics.IncCard("rejected")
		res.Fallback = true
		res.FallbackReason = "safety"
		return res, nil
	}

	next := prior.Clone()
	next.Stage = models.StageCardGenerated
	next.MarkCompleted(plan.Structure.Steps...)
	saved, err := e.save(ctx, next)
	if err != nil {
		return CardResult{}, err
	}
	e.record(context.WithoutCancel(ctx), e.assistantMessage(sessionID, res.Reply))
	e.metrics.IncCard("generated")

	res.Card = &card
	res.Stage = saved.Stage
	res.Version = saved.Version
	slog.Info("Engine.GenerateCard: card generated", "sessionID", sessionID, "theme", card.Theme, "risk", card.RiskLevel, "version", saved.Version)
	return res, nil
}

// cardTurn reads the latest user message in the context of the earlier
// ones. Risk never drops below the highest risk recorded in the window.
func (e *Engine) cardTurn(ctx context.Context, records []models.MessageRecord, history []models.HistoryEntry) models.ParsedTurn {
	last := -1
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Role == models.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return models.NeutralTurn()
	}
	turn := e.parser.Parse(ctx, records[last].Content, history[:last]).Turn
	turn.RiskLevel = models.MaxRisk(turn.RiskLevel, maxRisk(records))
	return turn
}

// SetStylePreference persists the session's preferred style. An empty id
// clears it. Internal and unknown styles are rejected.
func (e *Engine) SetStylePreference(ctx context.Context, sessionID, styleID string) (models.ConversationState, error) {
	if err := validateSessionID(sessionID); err != nil {
		return models.ConversationState{}, err
	}
	if styleID != "" && !e.resolver.IsSelectable(styleID) {
		return models.ConversationState{}, fmt.Errorf("%w: %q", models.ErrUnknownStyle, styleID)
	}

	unlock, err := e.lock(ctx, sessionID)
	if err != nil {
		return models.ConversationState{}, err
	}
	defer unlock()

	prior, _, err := e.loadState(ctx, sessionID)
	if err != nil {
		return models.ConversationState{}, err
	}
	next := prior.Clone()
	next.StylePreference = styleID
	saved, err := e.save(ctx, next)
	if err != nil {
		return models.ConversationState{}, err
	}
	slog.Info("Engine.SetStylePreference: updated", "sessionID", sessionID, "style", styleID)
	return saved, nil
}

// State returns the stored state of a session. A corrupt state reads as a
// fresh one, as it would on the next turn.
func (e *Engine) State(ctx context.Context, sessionID string) (models.ConversationState, error) {
	if err := validateSessionID(sessionID); err != nil {
		return models.ConversationState{}, err
	}
	st, err := e.store.GetConversationState(ctx, sessionID)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, models.ErrSessionNotFound) {
		return models.ConversationState{}, err
	}
	if cse, ok := store.IsCorrupt(err); ok {
		fresh := models.NewConversationState(sessionID, e.now())
		fresh.Version = cse.Version
		return fresh, nil
	}
	return models.ConversationState{}, fmt.Errorf("failed to load conversation state: %w", err)
}

// History returns up to limit of the session's latest messages, oldest first.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]models.MessageRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	return e.store.RecentMessages(ctx, sessionID, limit)
}

// Reset deletes a session's state and history.
func (e *Engine) Reset(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	unlock, err := e.lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	e.metrics.IncStoreEvent("reset")
	slog.Info("Engine.Reset: session deleted", "sessionID", sessionID)
	return nil
}

func lastRisk(records []models.MessageRecord) models.RiskLevel {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Role == models.RoleUser && records[i].RiskLevel != "" {
			return records[i].RiskLevel
		}
	}
	return models.RiskLow
}

func maxRisk(records []models.MessageRecord) models.RiskLevel {
	level := models.RiskLow
	for _, r := range records {
		if r.RiskLevel != "" {
			level = models.MaxRisk(level, r.RiskLevel)
		}
	}
	return level
}
