package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarePipe/internal/whatsapp"
)

var (
	_ Service = (*TwilioService)(nil)
	_ Service = (*WhatsAppService)(nil)
)

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"whatsapp:+8613800000000", "8613800000000", false},
		{"15551234567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"+12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalPhone("test", tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("canonicalPhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("canonicalPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func webhookForm(from, body, sid string) url.Values {
	form := url.Values{}
	if from != "" {
		form.Set("From", from)
	}
	if body != "" {
		form.Set("Body", body)
	}
	if sid != "" {
		form.Set("MessageSid", sid)
	}
	return form
}

func postWebhook(svc *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(TwilioSignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	svc.WebhookHandler(rr, req)
	return rr
}

// twilioSignature computes the X-Twilio-Signature of a form POST.
func twilioSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioService_WebhookQueuesMessage(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	rr := postWebhook(svc, webhookForm("whatsapp:+15551234567", "今天有点累", "SM1"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected text/xml, got %q", ct)
	}

	select {
	case msg := <-svc.Responses():
		if msg.ID != "SM1" || msg.From != "whatsapp:+15551234567" || msg.Body != "今天有点累" {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
	default:
		t.Fatal("expected a queued message")
	}
}

func TestTwilioService_WebhookRejectsBadRequests(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	if rr := postWebhook(svc, webhookForm("whatsapp:+15551234567", "", "SM1"), ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing body: expected 400, got %d", rr.Code)
	}
	if rr := postWebhook(svc, webhookForm("", "hi", "SM1"), ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing from: expected 400, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/webhooks/twilio", nil)
	rr := httptest.NewRecorder()
	svc.WebhookHandler(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected 405, got %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("expected Allow header POST, got %q", allow)
	}
}

func TestTwilioService_WebhookSignature(t *testing.T) {
	const token = "test-auth-token"
	const hook = "https://carepipe.example.com/webhooks/twilio"
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithSignatureValidation(token, hook))
	defer svc.Stop()

	form := webhookForm("whatsapp:+15551234567", "你好", "SM2")

	if rr := postWebhook(svc, form, ""); rr.Code != http.StatusForbidden {
		t.Errorf("unsigned: expected 403, got %d", rr.Code)
	}
	if rr := postWebhook(svc, form, twilioSignature("wrong-token", hook, form)); rr.Code != http.StatusForbidden {
		t.Errorf("wrong token: expected 403, got %d", rr.Code)
	}
	if rr := postWebhook(svc, form, twilioSignature(token, hook, form)); rr.Code != http.StatusOK {
		t.Errorf("signed: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(svc.Responses()) != 1 {
		t.Errorf("expected exactly one queued message, got %d", len(svc.Responses()))
	}
}

func TestTwilioService_SendAndStop(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	if err := svc.SendMessage(ctx, "whatsapp:+15551234567", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "15551234567" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}
	if err := svc.SendMessage(ctx, "12", "hello"); err == nil {
		t.Error("expected validation error for short number")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if err := svc.SendMessage(ctx, "15551234567", "hello"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if rr := postWebhook(svc, webhookForm("whatsapp:+15551234567", "hi", "SM3"), ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("after stop: expected 503, got %d", rr.Code)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
}

func TestWhatsAppService_SendMessage(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	if err := svc.SendMessage(context.Background(), "+86 138 0000 0000", "你好"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "8613800000000" || sent[0].Body != "你好" {
		t.Errorf("unexpected sent messages: %+v", sent)
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
