package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the request signature on Twilio webhooks.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioService implements Service over the Twilio API. Inbound messages
// arrive through WebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	validator  *client.RequestValidator
	webhookURL string
	responses  chan Inbound
	mu         sync.RWMutex
	stopped    bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose signature does not
// match authToken. webhookURL is the public URL Twilio posts to; when empty
// it is rebuilt from the request.
func WithSignatureValidation(authToken, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		v := client.NewRequestValidator(authToken)
		s.validator = &v
		s.webhookURL = webhookURL
	}
}

// NewTwilioService creates a TwilioService sending through c.
func NewTwilioService(c twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:    c,
		responses: make(chan Inbound, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Service.
func (s *TwilioService) Name() string { return "twilio" }

// ValidateAndCanonicalizeRecipient accepts "whatsapp:+15551234567" or any
// phone number with at least six digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("TwilioService", recipient)
}

// Start is a no-op for Twilio; inbound traffic comes through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Responses returns the channel of messages received by the webhook.
func (s *TwilioService) Responses() <-chan Inbound {
	return s.responses
}

// WebhookHandler handles inbound Twilio webhook requests. Accepted messages
// are queued on Responses; a full queue answers 503 so Twilio retries.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.Validate(s.requestURL(r), params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg := Inbound{
		ID:   r.PostFormValue("MessageSid"),
		From: r.PostFormValue("From"),
		Body: r.PostFormValue("Body"),
		Time: time.Now().Unix(),
	}
	if msg.From == "" || msg.Body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", msg.From != "", "body_set", msg.Body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	slog.Info("Inbound WhatsApp message from Twilio", "from", msg.From, "sid", msg.ID, "body_length", len(msg.Body))

	if !s.emit(msg) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<Response></Response>"))
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// emit queues msg unless the service is stopped or the queue stays full
// for DefaultChannelTimeout.
func (s *TwilioService) emit(msg Inbound) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	select {
	case s.responses <- msg:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", msg.From)
		return false
	}
}
