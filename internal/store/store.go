// Package store provides storage backends for CarePipe.
//
// A Store persists ConversationState with optimistic versioning and keeps the
// tagged message history of each session. Backends are an in-memory map,
// SQLite, PostgreSQL and Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Store is the persistence contract of the conversation engine.
type Store interface {
	// GetConversationState loads a session's state. It returns
	// models.ErrSessionNotFound when the session has none and a
	// *CorruptStateError when the stored value cannot be used.
	GetConversationState(ctx context.Context, sessionID string) (models.ConversationState, error)

	// SaveConversationState writes state if the stored version still equals
	// state.Version (zero for a session never saved) and returns the saved
	// value with its new version. A lost race returns models.ErrVersionConflict.
	SaveConversationState(ctx context.Context, state models.ConversationState) (models.ConversationState, error)

	// DeleteSession removes a session's state and history.
	DeleteSession(ctx context.Context, sessionID string) error

	// AddMessage appends a message to a session's history.
	AddMessage(ctx context.Context, msg models.MessageRecord) error

	// RecentMessages returns up to limit of the latest messages, oldest first.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageRecord, error)

	Close() error
}

// CorruptStateError reports a stored state that could not be decoded or
// failed validation. Version is the stored version, so a caller starting
// afresh can overwrite it.
type CorruptStateError struct {
	SessionID string
	Version   int64
	Err       error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt conversation state for session %s (version %d): %v", e.SessionID, e.Version, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// Defaults shared by the backends.
const (
	// DefaultKeyPrefix namespaces Redis keys.
	DefaultKeyPrefix = "carepipe"
	// DefaultMaxMessages bounds the history kept per session by the Redis and
	// in-memory stores.
	DefaultMaxMessages = 200
)

// Opts holds configuration options for the store backends.
type Opts struct {
	DSN         string        // Database connection string
	KeyPrefix   string        // Redis key namespace
	TTL         time.Duration // Redis expiry of idle sessions, zero keeps them
	MaxMessages int           // history cap for Redis and in-memory stores
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

// WithTTL expires idle Redis sessions after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithMaxMessages caps the history kept per session.
func WithMaxMessages(n int) Option {
	return func(o *Opts) { o.MaxMessages = n }
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{KeyPrefix: DefaultKeyPrefix, MaxMessages: DefaultMaxMessages}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	return cfg
}

// DSN types returned by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeRedis    = "redis"
)

// DetectDSNType classifies a connection string.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case d == "" || d == DSNTypeMemory:
		return DSNTypeMemory
	case strings.HasPrefix(d, "redis://") || strings.HasPrefix(d, "rediss://"):
		return DSNTypeRedis
	case strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open builds the backend matching dsn.
func Open(ctx context.Context, dsn string, opts ...Option) (Store, error) {
	opts = append(opts, func(o *Opts) { o.DSN = dsn })
	switch DetectDSNType(dsn) {
	case DSNTypeMemory:
		return NewInMemoryStore(opts...), nil
	case DSNTypeRedis:
		return NewRedisStoreFromURL(ctx, dsn, opts...)
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

func decodeError(sessionID string, version int64, err error) error {
	return &CorruptStateError{SessionID: sessionID, Version: version, Err: err}
}

// IsCorrupt reports whether err is a *CorruptStateError and returns it.
func IsCorrupt(err error) (*CorruptStateError, bool) {
	var cse *CorruptStateError
	if errors.As(err, &cse) {
		return cse, true
	}
	return nil, false
}
