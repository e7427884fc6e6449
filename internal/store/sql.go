package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	name     string
	numbered bool
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) GetConversationState(ctx context.Context, sessionID string) (models.ConversationState, error) {
	var version int64
	var data []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT version, state_json FROM conversation_states WHERE session_id = ?`), sessionID).
		Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+".GetConversationState: not found", "sessionID", sessionID)
		return models.ConversationState{}, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetConversationState failed", "error", err, "sessionID", sessionID)
		return models.ConversationState{}, fmt.Errorf("failed to load state for %s: %w", sessionID, err)
	}
	return decodeState(sessionID, version, data)
}

func (s *sqlStore) SaveConversationState(ctx context.Context, state models.ConversationState) (models.ConversationState, error) {
	next := nextState(state, time.Now())
	data, err := encodeState(next)
	if err != nil {
		return models.ConversationState{}, err
	}

	var res sql.Result
	if state.Version == 0 {
		res, err = s.db.ExecContext(ctx, s.q(`
			INSERT INTO conversation_states (session_id, version, stage, state_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id) DO NOTHING`),
			next.SessionID, next.Version, string(next.Stage), string(data), next.CreatedAt, next.UpdatedAt)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE conversation_states SET version = ?, stage = ?, state_json = ?, updated_at = ?
			WHERE session_id = ? AND version = ?`),
			next.Version, string(next.Stage), string(data), next.UpdatedAt, next.SessionID, state.Version)
	}
	if err != nil {
		slog.Error(s.name+".SaveConversationState failed", "error", err, "sessionID", state.SessionID)
		return models.ConversationState{}, fmt.Errorf("failed to save state for %s: %w", state.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("failed to save state for %s: %w", state.SessionID, err)
	}
	if n == 0 {
		slog.Warn(s.name+".SaveConversationState: version conflict", "sessionID", state.SessionID, "expected", state.Version)
		return models.ConversationState{}, models.ErrVersionConflict
	}
	slog.Debug(s.name+".SaveConversationState succeeded", "sessionID", next.SessionID, "version", next.Version, "stage", next.Stage)
	return next, nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete for %s: %w", sessionID, err)
	}
	defer tx.Rollback()
	for _, query := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM conversation_states WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(query), sessionID); err != nil {
			slog.Error(s.name+".DeleteSession failed", "error", err, "sessionID", sessionID)
			return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	slog.Debug(s.name+".DeleteSession succeeded", "sessionID", sessionID)
	return nil
}

func (s *sqlStore) AddMessage(ctx context.Context, msg models.MessageRecord) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	var emotions any
	if len(msg.Emotions) > 0 {
		b, err := json.Marshal(msg.Emotions)
		if err != nil {
			return fmt.Errorf("failed to encode emotions: %w", err)
		}
		emotions = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO messages (session_id, role, content, emotions, intensity, scene, risk_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.SessionID, string(msg.Role), msg.Content, emotions, nilIfZero(msg.Intensity),
		nilIfEmpty(string(msg.Scene)), nilIfEmpty(string(msg.RiskLevel)), msg.CreatedAt)
	if err != nil {
		slog.Error(s.name+".AddMessage failed", "error", err, "sessionID", msg.SessionID)
		return fmt.Errorf("failed to insert message for %s: %w", msg.SessionID, err)
	}
	return nil
}

func (s *sqlStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT session_id, role, content, emotions, intensity, scene, risk_level, created_at
		FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`), sessionID, limit)
	if err != nil {
		slog.Error(s.name+".RecentMessages query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []models.MessageRecord
	for rows.Next() {
		var m models.MessageRecord
		var role string
		var emotions, scene, risk sql.NullString
		var intensity sql.NullInt64
		if err := rows.Scan(&m.SessionID, &role, &m.Content, &emotions, &intensity, &scene, &risk, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = models.MessageRole(role)
		m.Intensity = int(intensity.Int64)
		m.Scene = models.Scene(scene.String)
		m.RiskLevel = models.RiskLevel(risk.String)
		if emotions.Valid && emotions.String != "" {
			if err := json.Unmarshal([]byte(emotions.String), &m.Emotions); err != nil {
				slog.Warn(s.name+".RecentMessages: dropping unreadable emotion tags", "error", err, "sessionID", sessionID)
				m.Emotions = nil
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO inbound_dedup (message_id, session_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`), messageID, sessionID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ReleaseInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`), messageID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.name+".Close failed", "error", err)
	}
	return err
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
