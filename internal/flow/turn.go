package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/parser"
	"github.com/BTreeMap/CarePipe/internal/planner"
	"github.com/BTreeMap/CarePipe/internal/safety"
	"github.com/BTreeMap/CarePipe/internal/stage"
	"github.com/BTreeMap/CarePipe/internal/style"
)

// TurnRequest is one user message.
type TurnRequest struct {
	SessionID string                `json:"session_id"`
	Text      string                `json:"text"`
	Feedback  models.FeedbackSignal `json:"feedback,omitempty"`
}

// TurnResult is the reply and the session position after a turn.
type TurnResult struct {
	SessionID               string               `json:"session_id"`
	Reply                   string               `json:"reply"`
	Stage                   models.Stage         `json:"stage"`
	TurnCount               int                  `json:"turn_count"`
	Version                 int64                `json:"version"`
	ShowInviteButton        bool                 `json:"show_invite_button"`
	ShowSatisfactionButtons bool                 `json:"show_satisfaction_buttons"`
	FeedbackApplied         bool                 `json:"feedback_applied,omitempty"`
	Style                   string               `json:"style"`
	StyleReason             style.Reason         `json:"style_reason"`
	Interventions           []string             `json:"interventions"`
	Execution               planner.Execution    `json:"execution"`
	Turn                    models.ParsedTurn    `json:"turn"`
	ParserSource            parser.Source        `json:"parser_source"`
	Steps                   []models.StepRecord  `json:"steps,omitempty"`
	Safety                  models.SafetyVerdict `json:"safety"`
	SafetyReplaced          bool                 `json:"safety_replaced,omitempty"`
	// Fallback is set when generation failed and Reply is the fixed safe reply.
	// The session state was not advanced.
	Fallback       bool   `json:"fallback,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	// Partial is set when a deep run delivered only some of its steps.
	Partial bool        `json:"partial,omitempty"`
	Usage   genai.Usage `json:"usage"`
}

// HandleTurn runs the full pipeline for one message. Generation failures are
// not errors: they yield the safe fallback reply and leave the state as it
// was. Errors are validation failures, lock timeouts and storage failures,
// including models.ErrVersionConflict.
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if err := validateSessionID(req.SessionID); err != nil {
		return TurnResult{}, err
	}
	if err := validateText(req.Text); err != nil {
		return TurnResult{}, err
	}
	if req.Feedback != models.FeedbackNone && !models.IsValidFeedback(req.Feedback) {
		return TurnResult{}, fmt.Errorf("%w: %q", models.ErrInvalidFeedback, req.Feedback)
	}

	start := e.now()
	done := e.metrics.TurnStarted()
	defer done()

	unlock, err := e.lock(ctx, req.SessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer unlock()

	prior, found, err := e.loadState(ctx, req.SessionID)
	if err != nil {
		return TurnResult{}, err
	}
	_, history := e.history(ctx, req.SessionID)

	parsed := e.parser.Parse(ctx, req.Text, history)
	turn := parsed.Turn
	e.metrics.IncParserSource(string(parsed.Source))
	e.metrics.IncRisk(string(turn.RiskLevel))

	decision := e.resolver.Resolve(style.Preference{
		Override:  style.DetectOverride(req.Text),
		Persisted: prior.StylePreference,
	}, turn)
	selected := e.selector.Select(turn, decision.Style)

	var priorStage *models.Stage
	if found {
		s := prior.Stage
		priorStage = &s
	}
	adv := stage.Advance(stage.Input{
		Prior:     priorStage,
		TurnCount: prior.TurnCount + 1,
		Risk:      turn.RiskLevel,
		Feedback:  req.Feedback,
	})
	if req.Feedback != models.FeedbackNone {
		e.metrics.IncFeedback(string(req.Feedback), adv.FeedbackApplied)
	}
	exec := planner.SelectExecution(req.Text, turn, prior)

	res := TurnResult{
		SessionID:     req.SessionID,
		Style:         decision.Style.ID,
		StyleReason:   decision.Reason,
		Execution:     exec,
		Turn:          turn,
		ParserSource:  parsed.Source,
		Interventions: make([]string, 0, len(selected)),
	}
	for _, rule := range selected {
		res.Interventions = append(res.Interventions, rule.ID)
	}
	slog.Debug("Engine.HandleTurn: planned", "sessionID", req.SessionID, "style", decision.Style.ID, "reason", decision.Reason,
		"stage", adv.Stage, "turnCount", adv.TurnCount, "mode", exec.Mode, "experience", exec.ExperienceMode,
		"interventions", res.Interventions, "risk", turn.RiskLevel)

	var reply string
	var steps []models.StepRecord
	var genErr error
	if exec.Mode == models.ModeDeep {
		plan := planner.PlanFiveStep(turn, decision.Style, selected, adv.Stage, exec.Steps, prior)
		steps, res.Usage, genErr = e.runSteps(ctx, plan, turn, history, req.Text)
		if genErr != nil && len(steps) > 0 {
			slog.Warn("Engine.HandleTurn: deep run stopped early", "sessionID", req.SessionID, "completed", len(steps), "error", genErr)
			e.metrics.IncGenerationFailure(failureReason(genErr))
			res.Partial = true
			genErr = nil
		}
	} else {
		plan := planner.PlanReply(turn, decision.Style, selected, adv.Stage)
		var resp genai.Response
		resp, genErr = e.generate(ctx, e.generateTimeout, planner.BuildMessages(plan, turn, history, req.Text), false)
		reply, res.Usage = resp.Text, resp.Usage
	}

	// Writes after generation must not be lost to a caller that went away.
	persistCtx := context.WithoutCancel(ctx)

	if genErr != nil {
		reason := failureReason(genErr)
		slog.Warn("Engine.HandleTurn: generation failed, returning fallback", "sessionID", req.SessionID, "reason", reason, "error", genErr)
		e.metrics.IncGenerationFailure(reason)
		res.Reply = safety.SafeReply(turn)
		res.Fallback = true
		res.FallbackReason = reason
		res.Stage = prior.Stage
		res.TurnCount = prior.TurnCount
		res.Version = prior.Version
		res.Safety = models.SafetyVerdict{Passed: true}
		e.record(persistCtx, e.userMessage(req.SessionID, req.Text, turn), e.assistantMessage(req.SessionID, res.Reply))
		e.metrics.ObserveTurn(decision.Style.ID, string(prior.Stage), string(exec.Mode), "fallback", e.now().Sub(start))
		return res, nil
	}

	if exec.Mode == models.ModeDeep {
		// Each step is screened on its own; it is delivered as a separate message.
		res.Safety = models.SafetyVerdict{Passed: true}
		texts := make([]string, len(steps))
		for i := range steps {
			out := e.review(steps[i].Content, turn)
			steps[i].Content = out.Reply
			texts[i] = out.Reply
			if !out.Verdict.Passed && res.Safety.Passed {
				res.Safety = out.Verdict
			}
			res.SafetyReplaced = res.SafetyReplaced || out.Replaced
		}
		reply = strings.Join(texts, "\n\n")
		res.Steps = steps
	} else {
		out := e.review(reply, turn)
		reply, res.Safety, res.SafetyReplaced = out.Reply, out.Verdict, out.Replaced
	}
	res.Reply = reply

	next := prior.Clone()
	next.Stage = adv.Stage
	next.TurnCount = adv.TurnCount
	next.Mode = exec.Mode
	next.ExperienceMode = exec.PersistedMode()
	updateStructuredInfo(next.StructuredInfo, turn, parsed.Resources)
	if len(steps) > 0 {
		for _, s := range steps {
			next.MarkCompleted(s.Step)
		}
		next.StepHistory = appendStepHistory(next.StepHistory, steps...)
	}

	saved, err := e.save(persistCtx, next)
	if err != nil {
		return TurnResult{}, err
	}
	e.record(persistCtx, e.userMessage(req.SessionID, req.Text, turn), e.assistantMessage(req.SessionID, res.Reply))

	res.Stage = saved.Stage
	res.TurnCount = saved.TurnCount
	res.Version = saved.Version
	res.ShowInviteButton = adv.ShowInviteButton
	res.ShowSatisfactionButtons = adv.ShowSatisfactionButtons
	res.FeedbackApplied = adv.FeedbackApplied

	e.metrics.ObserveTurn(decision.Style.ID, string(saved.Stage), string(exec.Mode), "ok", e.now().Sub(start))
	e.metrics.IncStoreEvent("saved")
	slog.Info("Engine.HandleTurn: turn completed", "sessionID", req.SessionID, "stage", saved.Stage,
		"turnCount", saved.TurnCount, "version", saved.Version, "style", decision.Style.ID, "mode", exec.Mode,
		"safetyPassed", res.Safety.Passed)
	return res, nil
}

// runSteps executes a deep five-step run in order. Each step sees only the
// steps before it. On failure the steps completed so far are returned with
// the error.
func (e *Engine) runSteps(ctx context.Context, plan models.ReplyPlan, turn models.ParsedTurn, history []models.HistoryEntry, text string) ([]models.StepRecord, genai.Usage, error) {
	var usage genai.Usage
	if plan.Steps == nil {
		return nil, usage, fmt.Errorf("five-step plan has no steps")
	}
	records := make([]models.StepRecord, 0, len(plan.Steps.StepsToExecute))
	for _, step := range plan.Steps.StepsToExecute {
		msgs := planner.BuildStepMessages(plan, step, records, turn, history, text)
		resp, err := e.generate(ctx, e.stepTimeout, msgs, false)
		if err != nil {
			return records, usage, fmt.Errorf("step %d: %w", step, err)
		}
		usage.Add(resp.Usage)
		records = append(records, models.StepRecord{Step: step, Content: resp.Text, At: e.now()})
		slog.Debug("Engine.runSteps: step generated", "step", step, "chars", len(resp.Text))
	}
	return records, usage, nil
}
