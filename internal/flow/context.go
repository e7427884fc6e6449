package flow

import (
	"context"
	"fmt"
	"strings"
)

type contextKey string

const debugModeContextKey contextKey = "debug_mode"

// SetDebugModeInContext marks ctx so channels append a diagnostic line to replies.
func SetDebugModeInContext(ctx context.Context, debugMode bool) context.Context {
	return context.WithValue(ctx, debugModeContextKey, debugMode)
}

// GetDebugModeFromContext reports whether debug mode is set on ctx.
func GetDebugModeFromContext(ctx context.Context) bool {
	debugMode, ok := ctx.Value(debugModeContextKey).(bool)
	return ok && debugMode
}

// DebugSummary renders the decisions behind a turn on one line.
func DebugSummary(res TurnResult) string {
	emotions := make([]string, len(res.Turn.Emotions))
	for i, e := range res.Turn.Emotions {
		emotions[i] = string(e)
	}
	line := fmt.Sprintf("🐛 DEBUG: stage=%s turn=%d style=%s(%s) mode=%s exp=%s risk=%s emotions=%s intensity=%d parser=%s",
		res.Stage, res.TurnCount, res.Style, res.StyleReason, res.Execution.Mode, res.Execution.ExperienceMode,
		res.Turn.RiskLevel, strings.Join(emotions, ","), res.Turn.Intensity, res.ParserSource)
	if len(res.Interventions) > 0 {
		line += " interventions=" + strings.Join(res.Interventions, ",")
	}
	if !res.Safety.Passed {
		line += " safety=" + res.Safety.Code
	}
	if res.Fallback {
		line += " fallback=" + res.FallbackReason
	}
	return line
}
