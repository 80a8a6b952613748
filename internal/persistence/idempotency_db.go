package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"NFTLend/internal/types"
)

// PostgresIdempotencyChecker is the durable dedup tier behind the LRU.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether the key was already sequenced for this
// message type and entity.
func (pic *PostgresIdempotencyChecker) IsDuplicate(messageType string, entity types.EntityID, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE message_type = $1 AND entity_id = $2 AND idempotency_key = $3
		LIMIT 1
	`, messageType, string(entity), idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
