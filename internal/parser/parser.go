// Package parser turns a raw user message into a structured emotional reading.
//
// The rule-based pass is pure and deterministic. An optional Enhancer can be
// consulted when the rule-based confidence is low or the message looks
// complex; its result is blended according to the confidence bands in
// MergeWithEnhancement.
package parser

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/CarePipe/internal/models"
)

const (
	// summaryLimit is the number of characters kept in ProblemSummary.
	summaryLimit = 100
	// maxEmotions is the number of emotions kept per turn.
	maxEmotions = 3
	// recentWindow is the number of history entries consulted for persistence and consistency.
	recentWindow = 3
	// longMessage is the length above which a message counts as intense.
	longMessage = 300
)

// DefaultEnhanceTimeout bounds a single enhancement call.
const DefaultEnhanceTimeout = 8 * time.Second

// Source records where the final reading came from.
type Source string

const (
	SourceRule     Source = "rule"
	SourceBlended  Source = "blended"
	SourceReplaced Source = "replaced"
	SourceFallback Source = "fallback"
)

// Result is the outcome of Parse.
type Result struct {
	Turn           models.ParsedTurn
	Rule           models.ParsedTurn
	Confidence     float64
	Source         Source
	FallbackReason string
	Complex        bool
	Resources      []string
}

// Opts holds configuration for a Parser.
type Opts struct {
	Enhancer       Enhancer
	AlwaysEnhance  bool
	EnhanceTimeout time.Duration
}

// Option configures a Parser.
type Option func(*Opts)

// WithEnhancer sets the optional enhancement pass.
func WithEnhancer(e Enhancer) Option {
	return func(o *Opts) { o.Enhancer = e }
}

// WithAlwaysEnhance consults the enhancer on every non-empty turn.
func WithAlwaysEnhance(always bool) Option {
	return func(o *Opts) { o.AlwaysEnhance = always }
}

// WithEnhanceTimeout bounds each enhancement call.
func WithEnhanceTimeout(d time.Duration) Option {
	return func(o *Opts) { o.EnhanceTimeout = d }
}

// Parser runs the rule-based pass and, when configured, the enhancement pass.
type Parser struct {
	enhancer      Enhancer
	alwaysEnhance bool
	timeout       time.Duration
}

// New creates a Parser.
func New(opts ...Option) *Parser {
	cfg := Opts{EnhanceTimeout: DefaultEnhanceTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.EnhanceTimeout <= 0 {
		cfg.EnhanceTimeout = DefaultEnhanceTimeout
	}
	return &Parser{enhancer: cfg.Enhancer, alwaysEnhance: cfg.AlwaysEnhance, timeout: cfg.EnhanceTimeout}
}

// Parse reads text against the bounded history. It never fails: empty input
// yields the neutral turn and enhancement failures fall back to the rule result.
func (p *Parser) Parse(ctx context.Context, text string, history []models.HistoryEntry) Result {
	history = boundHistory(history)
	rule := ParseTurn(text, history)
	res := Result{
		Turn:       rule,
		Rule:       rule,
		Confidence: rule.Confidence,
		Source:     SourceRule,
		Resources:  DetectResources(text),
	}
	if strings.TrimSpace(text) == "" {
		return res
	}
	res.Complex = IsComplexCase(text, rule)

	if p.enhancer == nil {
		return res
	}
	if !p.alwaysEnhance && rule.Confidence >= ThresholdMedium && !res.Complex {
		return res
	}

	ectx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	enh := p.enhancer.Enhance(ectx, EnhanceRequest{Text: text, History: history, Rule: rule})
	if enh.Fallback {
		slog.Warn("Parser.Parse: enhancement fell back to rule result", "reason", enh.Reason, "confidence", rule.Confidence)
		res.Source = SourceFallback
		res.FallbackReason = enh.Reason
		return res
	}

	merged := MergeWithEnhancement(rule, enh.Turn, rule.Confidence)
	merged.RiskLevel = UpgradeRiskIfNeeded(merged.RiskLevel, text, merged.Intensity)
	res.Turn = merged
	res.Confidence = merged.Confidence
	if rule.Confidence < ThresholdMedium {
		res.Source = SourceReplaced
	} else {
		res.Source = SourceBlended
	}
	slog.Debug("Parser.Parse: enhancement merged", "source", res.Source, "ruleConfidence", rule.Confidence, "risk", merged.RiskLevel)
	return res
}

// ParseTurn is the deterministic rule-based reading of text. Confidence is
// filled in from ComputeConfidence.
func ParseTurn(text string, history []models.HistoryEntry) models.ParsedTurn {
	text = strings.ToValidUTF8(text, "")
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return models.NeutralTurn()
	}
	history = boundHistory(history)
	content := strings.ToLower(trimmed)

	turn := models.ParsedTurn{
		Emotions:       detectEmotions(content),
		Scene:          detectScene(content),
		UserGoal:       detectGoal(content),
		HasSelfHarm:    containsAny(content, selfHarmKeywords),
		HasViolence:    containsAny(content, violenceKeywords),
		ProblemSummary: summarize(trimmed),
	}
	turn.Intensity = computeIntensity(trimmed, content, turn.Emotions, history)
	turn.RiskLevel = detectRiskLevel(content, turn.Intensity, turn.HasSelfHarm, turn.HasViolence)
	turn.Confidence = ComputeConfidence(trimmed, turn, history)
	return turn
}

func detectEmotions(content string) []models.Emotion {
	type scored struct {
		emotion models.Emotion
		hits    int
		order   int
	}
	var found []scored
	for i, e := range models.AllEmotions {
		if n := countHits(content, emotionKeywords[e]); n > 0 {
			found = append(found, scored{e, n, i})
		}
	}
	if len(found) == 0 {
		return []models.Emotion{models.EmotionNeutral}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].hits != found[j].hits {
			return found[i].hits > found[j].hits
		}
		return found[i].order < found[j].order
	})
	if len(found) > maxEmotions {
		found = found[:maxEmotions]
	}
	out := make([]models.Emotion, len(found))
	for i, s := range found {
		out[i] = s.emotion
	}
	return out
}

func detectScene(content string) models.Scene {
	best, bestHits := models.SceneGeneral, 0
	for _, s := range models.AllScenes {
		if n := countHits(content, sceneKeywords[s]); n > bestHits {
			best, bestHits = s, n
		}
	}
	return best
}

func detectGoal(content string) models.UserGoal {
	for _, g := range goalKeywords {
		if containsAny(content, g.keywords) {
			return g.goal
		}
	}
	return models.GoalRelief
}

func computeIntensity(raw, content string, emotions []models.Emotion, history []models.HistoryEntry) int {
	intensity := defaultIntensity
	for _, tier := range intensityTiers {
		if containsAny(content, tier.keywords) {
			intensity = tier.base
			break
		}
	}

	bump := func(cond bool) {
		if cond {
			intensity = models.ClampIntensity(intensity + 1)
		}
	}
	bump(countDetected(emotions) >= 2)
	bump(persistsInHistory(emotions, history))
	bump(strings.Count(raw, "!")+strings.Count(raw, "！") >= 2)
	bump(hasRepeatedRun(raw, 3))
	bump(utf8.RuneCountInString(raw) > longMessage)

	if containsAny(content, highRiskPhrases) && intensity < 9 {
		intensity = 9
	}
	if containsAny(content, mediumRiskPhrases) && intensity < 7 {
		intensity = 7
	}
	return models.ClampIntensity(intensity)
}

func countDetected(emotions []models.Emotion) int {
	n := 0
	for _, e := range emotions {
		if e != models.EmotionNeutral {
			n++
		}
	}
	return n
}

func persistsInHistory(emotions []models.Emotion, history []models.HistoryEntry) bool {
	recent := recentEmotions(history)
	for _, e := range emotions {
		if e != models.EmotionNeutral && recent[e] {
			return true
		}
	}
	return false
}

// recentEmotions collects the emotion tags of the last recentWindow entries.
func recentEmotions(history []models.HistoryEntry) map[models.Emotion]bool {
	start := len(history) - recentWindow
	if start < 0 {
		start = 0
	}
	out := make(map[models.Emotion]bool)
	for _, h := range history[start:] {
		for _, e := range h.Emotions {
			out[e] = true
		}
	}
	return out
}

// hasRepeatedRun reports whether some non-space character repeats at least n times in a row.
func hasRepeatedRun(s string, n int) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			run = 0
			prev = 0
			continue
		}
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= n {
			return true
		}
	}
	return false
}

func summarize(text string) string {
	if utf8.RuneCountInString(text) <= summaryLimit {
		return text
	}
	return string([]rune(text)[:summaryLimit])
}

// IsComplexCase reports whether text carries irony, negation, vague phrasing
// or conflicting emotions that the keyword pass reads poorly.
func IsComplexCase(text string, rule models.ParsedTurn) bool {
	content := strings.ToLower(text)
	if containsAny(content, ironyMarkers) || containsAny(content, negationMarkers) || containsAny(content, vagueMarkers) {
		return true
	}
	positive, negative := false, false
	for _, e := range rule.Emotions {
		switch {
		case e == models.EmotionNeutral:
		case e.IsPositive():
			positive = true
		default:
			negative = true
		}
	}
	return positive && negative
}

// DetectResources lists the supportive people the user mentions, in lexicon order.
func DetectResources(text string) []string {
	content := strings.ToLower(text)
	var out []string
	for _, r := range resourceTokens {
		if strings.Contains(content, r) {
			out = append(out, r)
		}
	}
	return out
}

func boundHistory(history []models.HistoryEntry) []models.HistoryEntry {
	if len(history) > models.HistoryWindow {
		return history[len(history)-models.HistoryWindow:]
	}
	return history
}
