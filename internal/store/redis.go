// This file implements the Redis-backed store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// dedupTTL bounds how long inbound message ids are remembered.
const dedupTTL = 24 * time.Hour

// processedMark replaces the session id on an inbound key once it is handled.
const processedMark = "processed"

// releaseInboundScript drops an inbound key unless it was marked processed.
var releaseInboundScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps each session in a hash with version and state fields and
// its history in a capped list. Keys are "{prefix}:state:{id}",
// "{prefix}:messages:{id}" and "{prefix}:inbound:{messageID}".
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	maxMessages int
	owned       bool
}

// NewRedisStore wraps an existing client. Close does not close it.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	cfg := applyOpts(opts)
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL, maxMessages: cfg.MaxMessages}
}

// NewRedisStoreFromURL dials url and pings the server.
func NewRedisStoreFromURL(ctx context.Context, url string, opts ...Option) (*RedisStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		slog.Error("RedisStore ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	s := NewRedisStore(client, opts...)
	s.owned = true
	return s, nil
}

// Client returns the underlying client, shared with the Redis locker.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

func (s *RedisStore) stateKey(id string) string { return s.prefix + ":state:" + id }
func (s *RedisStore) messagesKey(id string) string { return s.prefix + ":messages:" + id }
func (s *RedisStore) inboundKey(id string) string { return s.prefix + ":inbound:" + id }

func (s *RedisStore) GetConversationState(ctx context.Context, sessionID string) (models.ConversationState, error) {
	vals, err := s.client.HMGet(ctx, s.stateKey(sessionID), "version", "state").Result()
	if err != nil {
		slog.Error("RedisStore.GetConversationState failed", "error", err, "sessionID", sessionID)
		return models.ConversationState{}, fmt.Errorf("failed to load state for %s: %w", sessionID, err)
	}
	if vals[0] == nil && vals[1] == nil {
		return models.ConversationState{}, models.ErrSessionNotFound
	}
	version, err := parseVersion(vals[0])
	if err != nil {
		return models.ConversationState{}, decodeError(sessionID, 0, err)
	}
	data, _ := vals[1].(string)
	return decodeState(sessionID, version, []byte(data))
}

func parseVersion(v any) (int64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, errors.New("missing version field")
	}
	return strconv.ParseInt(str, 10, 64)
}

func (s *RedisStore) SaveConversationState(ctx context.Context, state models.ConversationState) (models.ConversationState, error) {
	next := nextState(state, time.Now())
	data, err := encodeState(next)
	if err != nil {
		return models.ConversationState{}, err
	}
	key := s.stateKey(state.SessionID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "version").Result()
		var current int64
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = strconv.ParseInt(cur, 10, 64); err != nil {
				return decodeError(state.SessionID, 0, err)
			}
		}
		if current != state.Version {
			return models.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "version", next.Version, "state", string(data))
			if s.ttl > 0 {
				p.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = models.ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			slog.Warn("RedisStore.SaveConversationState: version conflict", "sessionID", state.SessionID, "expected", state.Version)
			return models.ConversationState{}, err
		}
		slog.Error("RedisStore.SaveConversationState failed", "error", err, "sessionID", state.SessionID)
		return models.ConversationState{}, fmt.Errorf("failed to save state for %s: %w", state.SessionID, err)
	}
	return next, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.stateKey(sessionID), s.messagesKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) AddMessage(ctx context.Context, msg models.MessageRecord) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	key := s.messagesKey(msg.SessionID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.LTrim(ctx, key, int64(-s.maxMessages), -1)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		slog.Error("RedisStore.AddMessage failed", "error", err, "sessionID", msg.SessionID)
		return fmt.Errorf("failed to append message for %s: %w", msg.SessionID, err)
	}
	return nil
}

func (s *RedisStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		limit = s.maxMessages
	}
	items, err := s.client.LRange(ctx, s.messagesKey(sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages for %s: %w", sessionID, err)
	}
	out := make([]models.MessageRecord, 0, len(items))
	for _, item := range items {
		var m models.MessageRecord
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			slog.Warn("RedisStore.RecentMessages: skipping unreadable entry", "error", err, "sessionID", sessionID)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.inboundKey(messageID), sessionID, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	err := s.client.SetArgs(ctx, s.inboundKey(messageID), processedMark, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *RedisStore) ReleaseInbound(ctx context.Context, messageID string) error {
	if err := releaseInboundScript.Run(ctx, s.client, []string{s.inboundKey(messageID)}, processedMark).Err(); err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
