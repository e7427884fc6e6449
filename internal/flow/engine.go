// Package flow runs the conversation pipeline for one user turn: parse,
// resolve a style, select interventions, advance the stage, plan, generate,
// screen the reply and persist the new session state.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CarePipe/internal/catalog"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/intervention"
	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/parser"
	"github.com/BTreeMap/CarePipe/internal/safety"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/style"
)

// Engine defaults.
const (
	DefaultGenerateTimeout = 30 * time.Second
	DefaultStepTimeout     = 20 * time.Second
	DefaultLockTimeout     = 45 * time.Second
	// DefaultHistorySize is the number of stored messages loaded per turn.
	DefaultHistorySize = models.HistoryWindow * 2
	// maxStepHistory bounds ConversationState.StepHistory.
	maxStepHistory = 10
)

// Opts holds optional engine collaborators and limits.
type Opts struct {
	Parser          *parser.Parser
	Gate            *safety.Gate
	Locker          store.Locker
	Metrics         *metrics.Metrics
	GenerateTimeout time.Duration
	StepTimeout     time.Duration
	LockTimeout     time.Duration
	HistorySize     int
	MaxTokens       int
	Now             func() time.Time
}

// Option configures an Engine.
type Option func(*Opts)

// WithParser replaces the rule-only parser.
func WithParser(p *parser.Parser) Option {
	return func(o *Opts) { o.Parser = p }
}

// WithSafetyGate sets the gate replies pass through. The default is advisory.
func WithSafetyGate(g *safety.Gate) Option {
	return func(o *Opts) { o.Gate = g }
}

// WithLocker sets the per-session lock. The default is an in-process KeyedMutex.
func WithLocker(l store.Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithGenerateTimeout bounds a single-call reply or card generation.
func WithGenerateTimeout(d time.Duration) Option {
	return func(o *Opts) { o.GenerateTimeout = d }
}

// WithStepTimeout bounds each call of a deep five-step run.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Opts) { o.StepTimeout = d }
}

// WithLockTimeout bounds how long a turn waits for its session lock.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Opts) { o.LockTimeout = d }
}

// WithHistorySize sets how many stored messages are loaded per turn.
func WithHistorySize(n int) Option {
	return func(o *Opts) { o.HistorySize = n }
}

// WithMaxTokens caps generated replies.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithClock sets the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine is safe for concurrent use. Turns of one session are serialized by
// the locker; different sessions run in parallel.
type Engine struct {
	store    store.Store
	gen      genai.Generator
	catalog  *catalog.Catalog
	resolver *style.Resolver
	selector *intervention.Selector
	parser   *parser.Parser
	gate     *safety.Gate
	locker   store.Locker
	metrics  *metrics.Metrics

	generateTimeout time.Duration
	stepTimeout     time.Duration
	lockTimeout     time.Duration
	historySize     int
	maxTokens       int
	now             func() time.Time
}

// NewEngine wires an engine over a store, a generator and a catalog.
func NewEngine(st store.Store, gen genai.Generator, cat *catalog.Catalog, opts ...Option) (*Engine, error) {
	if st == nil || gen == nil || cat == nil {
		return nil, fmt.Errorf("store, generator and catalog are required")
	}
	cfg := Opts{
		GenerateTimeout: DefaultGenerateTimeout,
		StepTimeout:     DefaultStepTimeout,
		LockTimeout:     DefaultLockTimeout,
		HistorySize:     DefaultHistorySize,
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Parser == nil {
		cfg.Parser = parser.New()
	}
	if cfg.Gate == nil {
		cfg.Gate = safety.NewGate(safety.PolicyAdvisory)
	}
	if cfg.Locker == nil {
		cfg.Locker = store.NewKeyedMutex()
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}

	slog.Debug("Engine.NewEngine: created", "policy", cfg.Gate.Policy(), "generateTimeout", cfg.GenerateTimeout,
		"stepTimeout", cfg.StepTimeout, "historySize", cfg.HistorySize)
	return &Engine{
		store:           st,
		gen:             gen,
		catalog:         cat,
		resolver:        style.NewResolver(cat),
		selector:        intervention.NewSelector(cat.Interventions()),
		parser:          cfg.Parser,
		gate:            cfg.Gate,
		locker:          cfg.Locker,
		metrics:         cfg.Metrics,
		generateTimeout: cfg.GenerateTimeout,
		stepTimeout:     cfg.StepTimeout,
		lockTimeout:     cfg.LockTimeout,
		historySize:     cfg.HistorySize,
		maxTokens:       cfg.MaxTokens,
		now:             cfg.Now,
	}, nil
}

// Catalog returns the catalog the engine selects from.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Styles returns the user-selectable styles.
func (e *Engine) Styles() []models.StyleProfile { return e.catalog.Styles() }

// lock acquires the session lock, bounded by the lock timeout.
func (e *Engine) lock(ctx context.Context, sessionID string) (func(), error) {
	lctx := ctx
	if e.lockTimeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, e.lockTimeout)
		defer cancel()
	}
	unlock, err := e.locker.Lock(lctx, sessionID)
	if err != nil {
		e.metrics.IncStoreEvent("lock_timeout")
		return nil, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	return unlock, nil
}

// loadState returns the stored state, or a fresh one when the session has
// none or its stored value is corrupt. found reports whether a usable state
// was loaded. A fresh state replacing a corrupt one carries the stored
// version so the next save overwrites it.
func (e *Engine) loadState(ctx context.Context, sessionID string) (state models.ConversationState, found bool, err error) {
	st, err := e.store.GetConversationState(ctx, sessionID)
	if err == nil {
		return st, true, nil
	}
	if errors.Is(err, models.ErrSessionNotFound) {
		return models.NewConversationState(sessionID, e.now()), false, nil
	}
	if cse, ok := store.IsCorrupt(err); ok {
		slog.Warn("Engine.loadState: discarding corrupt state", "sessionID", sessionID, "version", cse.Version, "error", cse.Err)
		e.metrics.IncStoreEvent("corrupt_state")
		fresh := models.NewConversationState(sessionID, e.now())
		fresh.Version = cse.Version
		return fresh, false, nil
	}
	return models.ConversationState{}, false, fmt.Errorf("failed to load conversation state: %w", err)
}

// history loads the recent tagged messages of a session. Failures degrade to
// an empty history.
func (e *Engine) history(ctx context.Context, sessionID string) ([]models.MessageRecord, []models.HistoryEntry) {
	if e.historySize == 0 {
		return nil, nil
	}
	records, err := e.store.RecentMessages(ctx, sessionID, e.historySize)
	if err != nil {
		slog.Warn("Engine.history: failed to load messages, continuing without history", "sessionID", sessionID, "error", err)
		return nil, nil
	}
	entries := make([]models.HistoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, r.HistoryEntry())
	}
	return records, entries
}

// save persists next and maps the outcome onto metrics.
func (e *Engine) save(ctx context.Context, next models.ConversationState) (models.ConversationState, error) {
	saved, err := e.store.SaveConversationState(ctx, next)
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			e.metrics.IncStoreEvent("version_conflict")
		} else {
			e.metrics.IncStoreEvent("save_error")
		}
		return models.ConversationState{}, fmt.Errorf("failed to save conversation state: %w", err)
	}
	return saved, nil
}

// record appends messages, logging failures. History is best effort and a
// lost message never fails a turn whose state was saved.
func (e *Engine) record(ctx context.Context, msgs ...models.MessageRecord) {
	for _, m := range msgs {
		if err := e.store.AddMessage(ctx, m); err != nil {
			e.metrics.IncStoreEvent("message_error")
			slog.Error("Engine.record: failed to store message", "sessionID", m.SessionID, "role", m.Role, "error", err)
		}
	}
}

func (e *Engine) userMessage(sessionID, text string, turn models.ParsedTurn) models.MessageRecord {
	return models.MessageRecord{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   text,
		Emotions:  append([]models.Emotion(nil), turn.Emotions...),
		Intensity: turn.Intensity,
		Scene:     turn.Scene,
		RiskLevel: turn.RiskLevel,
		CreatedAt: e.now(),
	}
}

func (e *Engine) assistantMessage(sessionID, text string) models.MessageRecord {
	return models.MessageRecord{SessionID: sessionID, Role: models.RoleAssistant, Content: text, CreatedAt: e.now()}
}

// generate runs one generation call under timeout.
func (e *Engine) generate(ctx context.Context, timeout time.Duration, msgs []genai.Message, json bool) (genai.Response, error) {
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := e.gen.Generate(gctx, genai.Request{Messages: msgs, JSON: json, MaxTokens: e.maxTokens})
	if err != nil {
		return genai.Response{}, err
	}
	resp.Text = strings.TrimSpace(resp.Text)
	if resp.Text == "" {
		return genai.Response{}, genai.ErrEmptyReply
	}
	return resp, nil
}

// failureReason classifies a generation error for metrics and results.
func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, genai.ErrEmptyReply):
		return "empty"
	default:
		return "error"
	}
}

// review passes reply through the gate and counts rejections.
func (e *Engine) review(reply string, turn models.ParsedTurn) safety.Outcome {
	out := e.gate.Review(reply, turn)
	if !out.Verdict.Passed {
		action := "flagged"
		if out.Replaced {
			action = "replaced"
		}
		e.metrics.IncSafetyRejection(out.Verdict.Code, action)
	}
	return out
}

func validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return models.ErrEmptySessionID
	}
	if len(id) > models.MaxSessionIDLength {
		return models.ErrSessionIDTooLong
	}
	return nil
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return models.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > models.MaxMessageLength {
		return models.ErrMessageTooLong
	}
	return nil
}

// updateStructuredInfo folds a turn's facts into the session's accumulated info.
func updateStructuredInfo(info map[string]string, turn models.ParsedTurn, resources []string) {
	info[models.InfoPrimaryEmotion] = string(turn.PrimaryEmotion())
	info[models.InfoIntensity] = fmt.Sprint(turn.Intensity)
	if turn.Scene != "" && turn.Scene != models.SceneGeneral {
		info[models.InfoTopic] = string(turn.Scene)
	} else if _, ok := info[models.InfoTopic]; !ok {
		info[models.InfoTopic] = string(models.SceneGeneral)
	}
	if s := strings.TrimSpace(turn.ProblemSummary); s != "" {
		info[models.InfoTrigger] = s
	}
	if turn.UserGoal != "" {
		info[models.InfoGoal] = string(turn.UserGoal)
	}
	if len(resources) > 0 {
		info[models.InfoResources] = strings.Join(resources, ",")
	}
}

func appendStepHistory(history []models.StepRecord, records ...models.StepRecord) []models.StepRecord {
	history = append(history, records...)
	if len(history) > maxStepHistory {
		history = append([]models.StepRecord(nil), history[len(history)-maxStepHistory:]...)
	}
	return history
}
