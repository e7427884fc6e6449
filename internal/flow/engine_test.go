package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/CarePipe/internal/catalog"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/planner"
	"github.com/BTreeMap/CarePipe/internal/safety"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/style"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const lowRiskText = "今天工作有点累"

type fixture struct {
	engine *Engine
	store  *store.InMemoryStore
	gen    *genai.MockGenerator
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	gen := genai.NewMockGenerator()
	reg := prometheus.NewRegistry()
	all := append([]Option{WithMetrics(metrics.MustNewMetrics(reg))}, opts...)
	e, err := NewEngine(st, gen, catalog.Default(), all...)
	require.NoError(t, err)
	return fixture{engine: e, store: st, gen: gen, reg: reg}
}

func (f fixture) turns(t *testing.T, sessionID string, n int) TurnResult {
	t.Helper()
	var res TurnResult
	for i := 0; i < n; i++ {
		var err error
		res, err = f.engine.HandleTurn(context.Background(), TurnRequest{SessionID: sessionID, Text: lowRiskText})
		require.NoError(t, err)
		require.False(t, res.Fallback)
	}
	return res
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(nil, genai.NewMockGenerator(), catalog.Default())
	assert.Error(t, err)
	_, err = NewEngine(store.NewInMemoryStore(), nil, catalog.Default())
	assert.Error(t, err)
}

func TestHandleTurnStageProgression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	want := []models.Stage{models.StageChatting, models.StageExploring, models.StageExploring, models.StageSummarizing, models.StageInviting}
	for i, stage := range want {
		res, err := f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: lowRiskText})
		require.NoError(t, err)
		assert.Equal(t, stage, res.Stage, "turn %d", i+1)
		assert.Equal(t, i+1, res.TurnCount)
		assert.Equal(t, int64(i+1), res.Version)
		assert.Equal(t, stage == models.StageSummarizing, res.ShowSatisfactionButtons)
		assert.Equal(t, stage == models.StageInviting, res.ShowInviteButton)
		assert.True(t, res.Safety.Passed)
		assert.Equal(t, models.ModeQuick, res.Execution.Mode)
		assert.NotEmpty(t, res.Reply)
	}

	st, err := f.engine.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StageInviting, st.Stage)
	assert.Equal(t, 5, st.TurnCount)
	assert.Equal(t, string(models.SceneWork), st.StructuredInfo[models.InfoTopic])
	assert.Equal(t, string(models.EmotionTired), st.StructuredInfo[models.InfoPrimaryEmotion])

	count, err := testutil.GatherAndCount(f.reg, "carepipe_engine_turns_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestHandleTurnRecordsTaggedHistory(t *testing.T) {
	f := newFixture(t)
	res := f.turns(t, "s1", 1)

	msgs, err := f.engine.History(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, lowRiskText, msgs[0].Content)
	assert.Equal(t, res.Turn.Emotions, msgs[0].Emotions)
	assert.Equal(t, res.Turn.Intensity, msgs[0].Intensity)
	assert.Equal(t, models.RiskLow, msgs[0].RiskLevel)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, res.Reply, msgs[1].Content)

	// The next turn's request carries the earlier exchange.
	f.turns(t, "s1", 1)
	reqs := f.gen.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 4)
}

func TestHandleTurnValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleTurn(ctx, TurnRequest{SessionID: "", Text: "hi"})
	assert.ErrorIs(t, err, models.ErrEmptySessionID)
	_, err = f.engine.HandleTurn(ctx, TurnRequest{SessionID: strings.Repeat("x", models.MaxSessionIDLength+1), Text: "hi"})
	assert.ErrorIs(t, err, models.ErrSessionIDTooLong)
	_, err = f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "  \n"})
	assert.ErrorIs(t, err, models.ErrEmptyMessage)
	_, err = f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: strings.Repeat("累", models.MaxMessageLength+1)})
	assert.ErrorIs(t, err, models.ErrMessageTooLong)
	_, err = f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "hi", Feedback: "meh"})
	assert.ErrorIs(t, err, models.ErrInvalidFeedback)
	assert.Empty(t, f.gen.Requests())
}

func TestHandleTurnGenerationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gen.PushError(errors.New("upstream unavailable"))
	res, err := f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: lowRiskText})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "error", res.FallbackReason)
	assert.Equal(t, safety.FallbackReply, res.Reply)
	assert.Equal(t, 0, res.TurnCount)

	_, err = f.engine.State(ctx, "s1")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	msgs, err := f.engine.History(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHandleTurnGenerationTimeoutKeepsStage(t *testing.T) {
	f := newFixture(t, WithGenerateTimeout(20*time.Millisecond))
	ctx := context.Background()
	f.turns(t, "s1", 2)

	f.gen.Delay = time.Second
	res, err := f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "我想死"})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "timeout", res.FallbackReason)
	assert.Equal(t, models.RiskHigh, res.Turn.RiskLevel)
	assert.Equal(t, safety.SafeReply(res.Turn), res.Reply)
	assert.NotEqual(t, safety.FallbackReply, res.Reply)
	assert.Equal(t, models.StageExploring, res.Stage)
	assert.Equal(t, 2, res.TurnCount)

	st, err := f.engine.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.TurnCount)
	assert.Equal(t, int64(2), st.Version)
}

func TestHandleTurnHighRiskForcesCrisisStyle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SetStylePreference(ctx, "s1", models.StyleCoach)
	require.NoError(t, err)

	res, err := f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "我真的不想活了，直接点告诉我"})
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, res.Turn.RiskLevel)
	assert.Equal(t, models.StyleCrisisSafe, res.Style)
	assert.Equal(t, style.ReasonCrisis, res.StyleReason)

	reqs := f.gen.Requests()
	require.NotEmpty(t, reqs)
	assert.Contains(t, reqs[len(reqs)-1].Messages[0].Content, "风险等级: high")
}

func TestHandleTurnHighRiskHoldsBeforeInviting(t *testing.T) {
	f := newFixture(t)
	f.turns(t, "s1", 4)

	res, err := f.engine.HandleTurn(context.Background(), TurnRequest{SessionID: "s1", Text: "活着没意义"})
	require.NoError(t, err)
	assert.Equal(t, models.StageSummarizing, res.Stage)
	assert.Equal(t, 5, res.TurnCount)
	assert.False(t, res.ShowInviteButton)
}

func TestHandleTurnStylePreferenceAndOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SetStylePreference(ctx, "s1", models.StyleCrisisSafe)
	assert.ErrorIs(t, err, models.ErrUnknownStyle)
	_, err = f.engine.SetStylePreference(ctx, "s1", "pirate")
	assert.ErrorIs(t, err, models.ErrUnknownStyle)

	st, err := f.engine.SetStylePreference(ctx, "s1", models.StyleAnalyst)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	res := f.turns(t, "s1", 1)
	assert.Equal(t, models.StyleAnalyst, res.Style)
	assert.Equal(t, style.ReasonPreference, res.StyleReason)
	assert.Equal(t, models.StageChatting, res.Stage)

	res, err = f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "今天工作有点累，像朋友一样陪我聊聊"})
	require.NoError(t, err)
	assert.Equal(t, models.StyleFriend, res.Style)
	assert.Equal(t, style.ReasonOverride, res.StyleReason)

	st, err = f.engine.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StyleAnalyst, st.StylePreference)

	st, err = f.engine.SetStylePreference(ctx, "s1", "")
	require.NoError(t, err)
	assert.Empty(t, st.StylePreference)
}

func TestHandleTurnDeepMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var calls atomic.Int32
	f.gen.Handler = func(req genai.Request) (genai.Response, error) {
		n := calls.Add(1)
		return genai.Response{Text: fmt.Sprintf("这是第%d段回复，陪你一起慢慢梳理。", n), Usage: genai.Usage{TotalTokens: 10}}, nil
	}

	res, err := f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "我想一步步理清楚最近工作的压力"})
	require.NoError(t, err)
	assert.Equal(t, models.ModeDeep, res.Execution.Mode)
	require.Len(t, res.Steps, 5)
	for i, s := range res.Steps {
		assert.Equal(t, i+1, s.Step)
	}
	assert.Equal(t, int64(50), res.Usage.TotalTokens)
	assert.Contains(t, res.Reply, "第1段")
	assert.Contains(t, res.Reply, "第5段")

	reqs := f.gen.Requests()
	require.Len(t, reqs, 5)
	assert.NotContains(t, reqs[0].Messages[0].Content, "已完成的步骤")
	assert.Contains(t, reqs[1].Messages[0].Content, "第1段回复")
	assert.NotContains(t, reqs[1].Messages[0].Content, "第2段回复")

	st, err := f.engine.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeDeep, st.Mode)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, st.CompletedSteps)
	assert.Len(t, st.StepHistory, 5)

	// Deep mode persists until something quick is asked for.
	res, err = f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "嗯，继续"})
	require.NoError(t, err)
	assert.Equal(t, models.ModeDeep, res.Execution.Mode)
	assert.Len(t, res.Steps, 5)

	res, err = f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "简单说一下就好"})
	require.NoError(t, err)
	assert.Equal(t, models.ModeQuick, res.Execution.Mode)
	assert.Empty(t, res.Steps)

	st, err = f.engine.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeQuick, st.Mode)
	assert.Len(t, st.StepHistory, maxStepHistory)
}

func TestHandleTurnDeepModePartial(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.gen.Handler = func(req genai.Request) (genai.Response, error) {
		if calls.Add(1) == 3 {
			return genai.Response{}, errors.New("rate limited")
		}
		return genai.Response{Text: "这一步的内容已经准备好了，我们继续。"}, nil
	}

	res, err := f.engine.HandleTurn(context.Background(), TurnRequest{SessionID: "s1", Text: "我想一步步理清楚最近工作的压力"})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.False(t, res.Fallback)
	assert.Len(t, res.Steps, 2)
	assert.Equal(t, 1, res.TurnCount)

	st, err := f.engine.State(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, st.CompletedSteps)
}

func TestHandleTurnSafetyPolicies(t *testing.T) {
	shaming := "别想太多了，说到底就是你太敏感了，放轻松就好。"

	advisory := newFixture(t)
	advisory.gen.Push(shaming)
	res, err := advisory.engine.HandleTurn(context.Background(), TurnRequest{SessionID: "s1", Text: lowRiskText})
	require.NoError(t, err)
	assert.False(t, res.Safety.Passed)
	assert.Equal(t, safety.CodeShaming, res.Safety.Code)
	assert.False(t, res.SafetyReplaced)
	assert.Equal(t, shaming, res.Reply)

	block := newFixture(t, WithSafetyGate(safety.NewGate(safety.PolicyBlock)))
	block.gen.Push(shaming)
	res, err = block.engine.HandleTurn(context.Background(), TurnRequest{SessionID: "s1", Text: lowRiskText})
	require.NoError(t, err)
	assert.True(t, res.SafetyReplaced)
	assert.Equal(t, safety.FallbackReply, res.Reply)
	assert.Equal(t, 1, res.TurnCount)

	msgs, err := block.engine.History(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, safety.FallbackReply, msgs[1].Content)
}

func TestHandleTurnFeedbackInRequest(t *testing.T) {
	f := newFixture(t)
	f.turns(t, "s1", 4)

	res, err := f.engine.HandleTurn(context.Background(), TurnRequest{SessionID: "s1", Text: lowRiskText, Feedback: models.FeedbackUnsatisfied})
	require.NoError(t, err)
	assert.True(t, res.FeedbackApplied)
	assert.Equal(t, models.StageExploring, res.Stage)
	assert.Equal(t, 3, res.TurnCount)
}

func TestSubmitFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SubmitFeedback(ctx, "missing", models.FeedbackSatisfied)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
	_, err = f.engine.SubmitFeedback(ctx, "s1", "maybe")
	assert.ErrorIs(t, err, models.ErrInvalidFeedback)

	f.turns(t, "s1", 2)
	_, err = f.engine.SubmitFeedback(ctx, "s1", models.FeedbackSatisfied)
	assert.ErrorIs(t, err, models.ErrFeedbackNotAllowed)

	f.turns(t, "s1", 2)
	fb, err := f.engine.SubmitFeedback(ctx, "s1", models.FeedbackUnsatisfied)
	require.NoError(t, err)
	assert.True(t, fb.Applied)
	assert.Equal(t, models.StageExploring, fb.Stage)
	assert.Equal(t, 3, fb.TurnCount)

	res := f.turns(t, "s1", 1)
	assert.Equal(t, models.StageSummarizing, res.Stage)
	assert.Equal(t, 4, res.TurnCount)

	fb, err = f.engine.SubmitFeedback(ctx, "s1", models.FeedbackSatisfied)
	require.NoError(t, err)
	assert.Equal(t, models.StageInviting, fb.Stage)
	assert.True(t, fb.ShowInviteButton)
	assert.False(t, fb.ShowSatisfactionButtons)
	assert.Len(t, f.gen.Requests(), 5)
}

func TestSubmitFeedbackHighRiskStaysSummarizing(t *testing.T) {
	f := newFixture(t)
	f.turns(t, "s1", 3)
	res, err := f.engine.HandleTurn(context.Background(), TurnRequest{SessionID: "s1", Text: "我想死"})
	require.NoError(t, err)
	require.Equal(t, models.StageSummarizing, res.Stage)

	fb, err := f.engine.SubmitFeedback(context.Background(), "s1", models.FeedbackSatisfied)
	require.NoError(t, err)
	assert.Equal(t, models.StageSummarizing, fb.Stage)
}

const cardJSON = "```json\n" + `{
  "theme": "工作带来的疲惫",
  "step1_emotion_mirror": "听起来你最近真的很累。",
  "step1_problem_restate": "工作的节奏让你有点透不过气。",
  "step2_breakdown": "一部分是工作量，一部分是身体的疲惫。",
  "step4_suggestions": ["今晚睡前留出十分钟什么都不做", "明天午休时散步五分钟"],
  "step5_summary": "你已经在照顾自己了，这很不容易。",
  "emotion": "tired",
  "intensity": 12,
  "topics": ["work"],
  "risk_level": "low"
}` + "\n```"

func TestGenerateCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GenerateCard(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	f.turns(t, "s1", 3)
	_, err = f.engine.GenerateCard(ctx, "s1")
	assert.ErrorIs(t, err, models.ErrCardUnavailable)

	last := f.turns(t, "s1", 2)
	require.Equal(t, models.StageInviting, last.Stage)

	f.gen.Push(cardJSON)
	card, err := f.engine.GenerateCard(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, card.Card)
	assert.False(t, card.Fallback)
	assert.Equal(t, models.StageCardGenerated, card.Stage)
	assert.Equal(t, "工作带来的疲惫", card.Card.Theme)
	assert.Equal(t, last.Turn.Intensity, card.Card.Intensity)
	assert.Contains(t, card.Reply, "1. 今晚睡前留出十分钟什么都不做")

	reqs := f.gen.Requests()
	assert.True(t, reqs[len(reqs)-1].JSON)

	st, err := f.engine.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StageCardGenerated, st.Stage)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, st.CompletedSteps)

	_, err = f.engine.GenerateCard(ctx, "s1")
	assert.ErrorIs(t, err, models.ErrCardUnavailable)

	// card_generated is sticky.
	res := f.turns(t, "s1", 1)
	assert.Equal(t, models.StageCardGenerated, res.Stage)
}

func TestHandleTurnInferredExperienceIsPerTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "why does this keep happening to me"})
	require.NoError(t, err)
	assert.Equal(t, models.ExperienceB, res.Execution.ExperienceMode)
	assert.Equal(t, planner.SourceInferred, res.Execution.Source)

	st, err := f.engine.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ExperienceNone, st.ExperienceMode)

	res, err = f.engine.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: "how do i fix it"})
	require.NoError(t, err)
	assert.Equal(t, models.ExperienceC, res.Execution.ExperienceMode)
	assert.Equal(t, planner.SourceInferred, res.Execution.Source)
	assert.Equal(t, []int{1, 3, 4, 5}, res.Execution.Steps)

	last := f.turns(t, "s1", 3)
	require.Equal(t, models.StageInviting, last.Stage)

	f.gen.Push(cardJSON)
	card, err := f.engine.GenerateCard(ctx, "s1")
	require.NoError(t, err)
	require.False(t, card.Fallback)

	st, err = f.engine.State(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, st.CompletedSteps, 4)
}

func TestGenerateCardUnparsable(t *testing.T) {
	f := newFixture(t)
	f.turns(t, "s1", 5)

	f.gen.Push("今天就先聊到这里吧")
	card, err := f.engine.GenerateCard(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, card.Fallback)
	assert.Nil(t, card.Card)
	assert.Equal(t, models.StageInviting, card.Stage)
	assert.Equal(t, safety.FallbackReply, card.Reply)
}

type corruptingStore struct {
	*store.InMemoryStore
	corruptNext atomic.Bool
}

func (s *corruptingStore) GetConversationState(ctx context.Context, sessionID string) (models.ConversationState, error) {
	st, err := s.InMemoryStore.GetConversationState(ctx, sessionID)
	if err == nil && s.corruptNext.CompareAndSwap(true, false) {
		return models.ConversationState{}, &store.CorruptStateError{SessionID: sessionID, Version: st.Version, Err: errors.New("unexpected end of JSON input")}
	}
	return st, err
}

func TestHandleTurnCorruptStateStartsFresh(t *testing.T) {
	st := &corruptingStore{InMemoryStore: store.NewInMemoryStore()}
	e, err := NewEngine(st, genai.NewMockGenerator(), catalog.Default())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: lowRiskText})
		require.NoError(t, err)
	}

	st.corruptNext.Store(true)
	res, err := e.HandleTurn(ctx, TurnRequest{SessionID: "s1", Text: lowRiskText})
	require.NoError(t, err)
	assert.Equal(t, models.StageChatting, res.Stage)
	assert.Equal(t, 1, res.TurnCount)
	assert.Equal(t, int64(4), res.Version)
}

type conflictingStore struct {
	*store.InMemoryStore
}

func (conflictingStore) SaveConversationState(context.Context, models.ConversationState) (models.ConversationState, error) {
	return models.ConversationState{}, models.ErrVersionConflict
}

func TestHandleTurnVersionConflict(t *testing.T) {
	e, err := NewEngine(conflictingStore{store.NewInMemoryStore()}, genai.NewMockGenerator(), catalog.Default())
	require.NoError(t, err)
	_, err = e.HandleTurn(context.Background(), TurnRequest{SessionID: "s1", Text: lowRiskText})
	assert.ErrorIs(t, err, models.ErrVersionConflict)
}

func TestHandleTurnConcurrentSameSession(t *testing.T) {
	f := newFixture(t)
	const n = 8

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.HandleTurn(context.Background(), TurnRequest{SessionID: "shared", Text: lowRiskText})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	st, err := f.engine.State(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, n, st.TurnCount)
	assert.Equal(t, int64(n), st.Version)
}

func TestHandleTurnLockTimeout(t *testing.T) {
	locker := store.NewKeyedMutex()
	f := newFixture(t, WithLocker(locker), WithLockTimeout(20*time.Millisecond))

	unlock, err := locker.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	_, err = f.engine.HandleTurn(context.Background(), TurnRequest{SessionID: "s1", Text: lowRiskText})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.engine.HandleTurn(context.Background(), TurnRequest{SessionID: "s2", Text: lowRiskText})
	assert.NoError(t, err)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.turns(t, "s1", 2)

	require.NoError(t, f.engine.Reset(ctx, "s1"))
	_, err := f.engine.State(ctx, "s1")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
	msgs, err := f.engine.History(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	res := f.turns(t, "s1", 1)
	assert.Equal(t, 1, res.TurnCount)
	assert.Equal(t, models.StageChatting, res.Stage)
}

func TestDebugSummary(t *testing.T) {
	ctx := SetDebugModeInContext(context.Background(), true)
	assert.True(t, GetDebugModeFromContext(ctx))
	assert.False(t, GetDebugModeFromContext(context.Background()))

	f := newFixture(t)
	res := f.turns(t, "s1", 1)
	line := DebugSummary(res)
	assert.Contains(t, line, "stage=chatting")
	assert.Contains(t, line, "style="+res.Style)
	assert.NotContains(t, line, "fallback=")
}
