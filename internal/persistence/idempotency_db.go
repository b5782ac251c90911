package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresRequestChecker answers whether an on-demand request already
// produced a persisted snapshot. It is the second dedup tier behind the
// snapshotter's in-memory LRU.
type PostgresRequestChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresRequestChecker(db *sql.DB) *PostgresRequestChecker {
	return &PostgresRequestChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// HasRequest checks the snapshot log for requestID.
func (c *PostgresRequestChecker) HasRequest(ctx context.Context, requestID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM snapshots.snapshots
		WHERE request_id = $1
		LIMIT 1
	`, requestID).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
