package store

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

type memEntry struct {
	version int64
	data    []byte
}

// InMemoryStore keeps everything in process memory. States are held encoded
// so callers never share slices or maps with the store.
type InMemoryStore struct {
	mu          sync.Mutex
	states      map[string]memEntry
	messages    map[string][]models.MessageRecord
	inbound     map[string]bool
	processed   map[string]bool
	maxMessages int
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOpts(opts)
	return &InMemoryStore{
		states:      make(map[string]memEntry),
		messages:    make(map[string][]models.MessageRecord),
		inbound:     make(map[string]bool),
		processed:   make(map[string]bool),
		maxMessages: cfg.MaxMessages,
	}
}

func (s *InMemoryStore) GetConversationState(ctx context.Context, sessionID string) (models.ConversationState, error) {
	s.mu.Lock()
	entry, ok := s.states[sessionID]
	s.mu.Unlock()
	if !ok {
		return models.ConversationState{}, models.ErrSessionNotFound
	}
	return decodeState(sessionID, entry.version, entry.data)
}

func (s *InMemoryStore) SaveConversationState(ctx context.Context, state models.ConversationState) (models.ConversationState, error) {
	next := nextState(state, time.Now())
	data, err := encodeState(next)
	if err != nil {
		return models.ConversationState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[state.SessionID].version != state.Version {
		return models.ConversationState{}, models.ErrVersionConflict
	}
	s.states[state.SessionID] = memEntry{version: next.Version, data: data}
	return next, nil
}

// putRaw stores an arbitrary payload; used by tests to simulate corruption.
func (s *InMemoryStore) putRaw(sessionID string, version int64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[sessionID] = memEntry{version: version, data: data}
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *InMemoryStore) AddMessage(ctx context.Context, msg models.MessageRecord) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Emotions = append([]models.Emotion(nil), msg.Emotions...)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.messages[msg.SessionID], msg)
	if len(list) > s.maxMessages {
		list = append([]models.MessageRecord(nil), list[len(list)-s.maxMessages:]...)
	}
	s.messages[msg.SessionID] = list
	return nil
}

func (s *InMemoryStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[sessionID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]models.MessageRecord, len(list))
	for i, m := range list {
		m.Emotions = append([]models.Emotion(nil), m.Emotions...)
		out[i] = m
	}
	return out, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbound[messageID] {
		return false, nil
	}
	s.inbound[messageID] = true
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbound[messageID] {
		s.processed[messageID] = true
	}
	return nil
}

func (s *InMemoryStore) ReleaseInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processed[messageID] {
		delete(s.inbound, messageID)
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
