package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOutboxEnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueOutboxMessage(ctx, "whatsapp:+100", "你好", "reply-1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	dup, err := s.EnqueueOutboxMessage(ctx, "whatsapp:+100", "你好", "reply-1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage (dup) failed: %v", err)
	}
	if dup != id {
		t.Errorf("Expected dedupe to return %s, got %s", id, dup)
	}

	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Status != OutboxStatusSending || msgs[0].Body != "你好" {
		t.Fatalf("Unexpected claim result: %+v", msgs)
	}

	msgs, err = s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages (second) failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected claimed message to stay claimed, got %d", len(msgs))
	}
}

func TestOutboxFailAndRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	id, _ := s.EnqueueOutboxMessage(ctx, "whatsapp:+100", "hi", "")
	if _, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	retryAt := time.Now().Add(time.Hour)
	if err := s.FailOutboxMessage(ctx, id, "twilio 503", retryAt); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}

	msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs) != 0 {
		t.Fatalf("Expected no due messages before retry time, got %d", len(msgs))
	}
	msgs, _ = s.ClaimDueOutboxMessages(ctx, retryAt.Add(time.Hour), 10)
	if len(msgs) != 1 {
		t.Fatalf("Expected message due after retry time, got %d", len(msgs))
	}
	if msgs[0].Attempts != 1 || msgs[0].LastError != "twilio 503" {
		t.Errorf("Unexpected retry bookkeeping: %+v", msgs[0])
	}

	if err := s.FailOutboxMessage(ctx, id, "gave up", time.Time{}); err != nil {
		t.Fatalf("FailOutboxMessage (final) failed: %v", err)
	}
	m, err := s.outboxMessage(ctx, id)
	if err != nil {
		t.Fatalf("outboxMessage failed: %v", err)
	}
	if m.Status != OutboxStatusFailed {
		t.Errorf("Expected status failed, got %q", m.Status)
	}
}

func TestOutboxSenderRestartRecovery(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if _, err := s1.EnqueueOutboxMessage(ctx, "whatsapp:+100", "在的", "restart"); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if msgs, err := s1.ClaimDueOutboxMessages(ctx, time.Now(), 10); err != nil || len(msgs) != 1 {
		t.Fatalf("claim before crash: %v %d", err, len(msgs))
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sent []string
	sender := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) error {
		sent = append(sent, msg.Body)
		return nil
	}, time.Millisecond)
	sender.staleThreshold = -time.Minute

	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}
	sender.Poll(ctx)
	sender.Poll(ctx)
	if len(sent) != 1 || sent[0] != "在的" {
		t.Errorf("Expected exactly one delivery after recovery, got %v", sent)
	}
}

func TestOutboxSenderGivesUp(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	id, _ := s.EnqueueOutboxMessage(ctx, "whatsapp:+100", "hi", "")

	calls := 0
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		calls++
		return errors.New("unreachable")
	}, time.Millisecond)
	sender.maxAttempts = 2
	sender.backoff = -time.Hour

	for i := 0; i < 4; i++ {
		sender.Poll(ctx)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
	m, err := s.outboxMessage(ctx, id)
	if err != nil {
		t.Fatalf("outboxMessage failed: %v", err)
	}
	if m.Status != OutboxStatusFailed || m.Attempts != 2 {
		t.Errorf("Expected failed after 2 attempts, got %q/%d", m.Status, m.Attempts)
	}
}
