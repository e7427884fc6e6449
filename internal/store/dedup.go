package store

import "context"

// DedupRepo records inbound channel message ids so webhook retries and
// reconnect replays are processed once.
type DedupRepo interface {
	// RecordInbound stores messageID and reports whether it was new.
	RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error)

	// MarkProcessed stamps a recorded message as handled.
	MarkProcessed(ctx context.Context, messageID string) error

	// ReleaseInbound forgets a recorded message that failed before it was
	// handled, so a redelivery is processed again. Processed ids are kept.
	ReleaseInbound(ctx context.Context, messageID string) error
}

var (
	_ DedupRepo = (*InMemoryStore)(nil)
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
	_ DedupRepo = (*RedisStore)(nil)
)
