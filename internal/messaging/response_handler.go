package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// Fixed channel texts.
const (
	SatisfactionPrompt  = "这样的总结符合你的感受吗？回复 1 表示符合，回复 2 表示还想再聊聊。"
	InvitePrompt        = "如果愿意，回复「卡片」，我会为你整理一张关怀卡片。"
	ContinuePrompt      = "好的，我们再多聊一聊。你觉得还有哪些地方没有说到？"
	ResetReply          = "好的，我们重新开始。想聊些什么都可以。"
	DefaultErrorMessage = "抱歉，我这边暂时出了点问题，请稍后再发一次消息。"
)

var (
	resetCommands = map[string]bool{"reset": true, "/reset": true, "重新开始": true}
	cardCommands  = map[string]bool{"card": true, "/card": true, "卡片": true, "生成卡片": true}
	feedbackReply = map[string]models.FeedbackSignal{
		"1": models.FeedbackSatisfied, "满意": models.FeedbackSatisfied,
		"2": models.FeedbackUnsatisfied, "不满意": models.FeedbackUnsatisfied,
	}
)

// Conversation is the part of the engine a channel talks to.
type Conversation interface {
	HandleTurn(ctx context.Context, req flow.TurnRequest) (flow.TurnResult, error)
	SubmitFeedback(ctx context.Context, sessionID string, signal models.FeedbackSignal) (flow.FeedbackResult, error)
	GenerateCard(ctx context.Context, sessionID string) (flow.CardResult, error)
	State(ctx context.Context, sessionID string) (models.ConversationState, error)
	Reset(ctx context.Context, sessionID string) error
}

// ResponseHandler feeds inbound channel messages through the engine and
// delivers the replies, either directly or through the durable outbox.
type ResponseHandler struct {
	engine       Conversation
	dedup        store.DedupRepo
	outbox       store.OutboxRepo
	debug        bool
	errorMessage string

	mu       sync.RWMutex
	services map[string]Service
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithDedup drops inbound messages whose id was already recorded.
func WithDedup(repo store.DedupRepo) HandlerOption {
	return func(h *ResponseHandler) { h.dedup = repo }
}

// WithOutbox queues replies in repo; Start then runs the outbox sender.
func WithOutbox(repo store.OutboxRepo) HandlerOption {
	return func(h *ResponseHandler) { h.outbox = repo }
}

// WithDebug appends the engine's decision summary to every reply.
func WithDebug(debug bool) HandlerOption {
	return func(h *ResponseHandler) { h.debug = debug }
}

// WithErrorMessage sets the text sent when a message could not be handled.
func WithErrorMessage(msg string) HandlerOption {
	return func(h *ResponseHandler) { h.errorMessage = msg }
}

// NewResponseHandler creates a ResponseHandler over engine.
func NewResponseHandler(engine Conversation, opts ...HandlerOption) *ResponseHandler {
	h := &ResponseHandler{
		engine:       engine,
		errorMessage: DefaultErrorMessage,
		services:     make(map[string]Service),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a channel. Registering a name twice replaces the service.
func (h *ResponseHandler) Register(svc Service) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services[svc.Name()] = svc
	slog.Debug("ResponseHandler service registered", "service", svc.Name())
}

func (h *ResponseHandler) service(name string) (Service, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	svc, ok := h.services[name]
	return svc, ok
}

// SessionID names the engine session of a participant on a channel.
func SessionID(channel, participant string) string {
	return channel + ":" + participant
}

// Start begins processing every registered service's inbound messages and,
// with an outbox, the delivery loop. It returns immediately.
func (h *ResponseHandler) Start(ctx context.Context) {
	h.mu.RLock()
	services := make([]Service, 0, len(h.services))
	for _, svc := range h.services {
		services = append(services, svc)
	}
	h.mu.RUnlock()

	for _, svc := range services {
		go h.consume(ctx, svc)
	}

	if h.outbox != nil {
		sender := store.NewOutboxSender(h.outbox, h.deliver, 0)
		if err := sender.RecoverStaleMessages(ctx); err != nil {
			slog.Error("ResponseHandler failed to recover stale outbox messages", "error", err)
		}
		go sender.Run(ctx)
	}
	slog.Info("ResponseHandler response processing started", "services", len(services), "outbox", h.outbox != nil)
}

// consume handles one service's messages in arrival order.
func (h *ResponseHandler) consume(ctx context.Context, svc Service) {
	defer slog.Info("ResponseHandler stopped response processing", "service", svc.Name())
	for {
		select {
		case msg, ok := <-svc.Responses():
			if !ok {
				return
			}
			if err := h.ProcessResponse(ctx, svc, msg); err != nil {
				slog.Error("ResponseHandler failed to process response", "error", err, "service", svc.Name(), "from", msg.From)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ProcessResponse runs one inbound message through the engine and sends the
// replies back on svc. Redelivered messages are dropped when deduplication is on.
func (h *ResponseHandler) ProcessResponse(ctx context.Context, svc Service, msg Inbound) error {
	from, err := svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	sessionID := SessionID(svc.Name(), from)

	if h.dedup != nil && msg.ID != "" {
		isNew, err := h.dedup.RecordInbound(ctx, msg.ID, sessionID)
		if err != nil {
			slog.Warn("ResponseHandler dedup check failed, processing anyway", "error", err, "messageID", msg.ID)
		} else if !isNew {
			slog.Info("ResponseHandler dropping duplicate message", "messageID", msg.ID, "sessionID", sessionID)
			return nil
		}
	}

	if h.debug {
		ctx = flow.SetDebugModeInContext(ctx, true)
	}
	replies, err := h.respond(ctx, sessionID, msg.Body)
	if err != nil {
		slog.Error("ResponseHandler engine call failed", "error", err, "sessionID", sessionID)
		if h.dedup != nil && msg.ID != "" {
			if relErr := h.dedup.ReleaseInbound(context.WithoutCancel(ctx), msg.ID); relErr != nil {
				slog.Warn("ResponseHandler failed to release message id", "error", relErr, "messageID", msg.ID)
			}
		}
		if sendErr := h.send(ctx, svc, from, h.errorMessage, ""); sendErr != nil {
			slog.Error("ResponseHandler failed to send error message", "error", sendErr, "to", from)
		}
		return fmt.Errorf("failed to handle message: %w", err)
	}

	for i, reply := range replies {
		key := ""
		if msg.ID != "" {
			key = fmt.Sprintf("%s:%s#%d", svc.Name(), msg.ID, i)
		}
		if err := h.send(ctx, svc, from, reply, key); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}

	if h.dedup != nil && msg.ID != "" {
		if err := h.dedup.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("ResponseHandler failed to mark message processed", "error", err, "messageID", msg.ID)
		}
	}
	slog.Debug("ResponseHandler message handled", "sessionID", sessionID, "replies", len(replies))
	return nil
}

// respond maps a message to an engine operation. Chat commands are only
// honoured in the stage that offers them; otherwise the text is a turn.
func (h *ResponseHandler) respond(ctx context.Context, sessionID, text string) ([]string, error) {
	cmd := strings.ToLower(strings.TrimSpace(text))

	if resetCommands[cmd] {
		if err := h.engine.Reset(ctx, sessionID); err != nil {
			return nil, err
		}
		return []string{ResetReply}, nil
	}

	signal, isFeedback := feedbackReply[cmd]
	wantsCard := cardCommands[cmd]
	if isFeedback || wantsCard {
		st, err := h.engine.State(ctx, sessionID)
		switch {
		case err == nil && isFeedback && st.Stage == models.StageSummarizing:
			return h.feedback(ctx, sessionID, signal)
		case err == nil && wantsCard && st.Stage == models.StageInviting:
			return h.card(ctx, sessionID)
		case err != nil && !errors.Is(err, models.ErrSessionNotFound):
			return nil, err
		}
	}

	res, err := h.engine.HandleTurn(ctx, flow.TurnRequest{SessionID: sessionID, Text: text})
	if err != nil {
		return nil, err
	}
	reply := res.Reply
	if flow.GetDebugModeFromContext(ctx) {
		reply += "\n\n" + flow.DebugSummary(res)
	}
	replies := []string{reply}
	if res.ShowSatisfactionButtons {
		replies = append(replies, SatisfactionPrompt)
	}
	if res.ShowInviteButton {
		replies = append(replies, InvitePrompt)
	}
	return replies, nil
}

func (h *ResponseHandler) feedback(ctx context.Context, sessionID string, signal models.FeedbackSignal) ([]string, error) {
	res, err := h.engine.SubmitFeedback(ctx, sessionID, signal)
	if err != nil {
		return nil, err
	}
	if res.ShowInviteButton {
		return []string{InvitePrompt}, nil
	}
	return []string{ContinuePrompt}, nil
}

func (h *ResponseHandler) card(ctx context.Context, sessionID string) ([]string, error) {
	res, err := h.engine.GenerateCard(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if res.Fallback {
		slog.Warn("ResponseHandler card fell back", "sessionID", sessionID, "reason", res.FallbackReason)
	}
	return []string{res.Reply}, nil
}

// send delivers body to a participant, through the outbox when configured.
func (h *ResponseHandler) send(ctx context.Context, svc Service, to, body, dedupeKey string) error {
	if h.outbox == nil {
		return svc.SendMessage(ctx, to, body)
	}
	id, err := h.outbox.EnqueueOutboxMessage(ctx, SessionID(svc.Name(), to), body, dedupeKey)
	if err != nil {
		return fmt.Errorf("failed to enqueue reply: %w", err)
	}
	slog.Debug("ResponseHandler reply queued", "outboxID", id, "service", svc.Name(), "to", to)
	return nil
}

// deliver sends one outbox message on the channel named by its recipient prefix.
func (h *ResponseHandler) deliver(ctx context.Context, msg store.OutboxMessage) error {
	name, to, ok := strings.Cut(msg.Recipient, ":")
	if !ok {
		return fmt.Errorf("malformed outbox recipient %q", msg.Recipient)
	}
	svc, ok := h.service(name)
	if !ok {
		return fmt.Errorf("no messaging service %q for outbox message %s", name, msg.ID)
	}
	return svc.SendMessage(ctx, to, msg.Body)
}
