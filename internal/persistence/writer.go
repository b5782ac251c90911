package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"SpotSnapshot/internal/event"

	"github.com/google/uuid"
)

// Postgres caps a statement at 65535 bind parameters.
const tokenAmountRowsPerInsert = 10_000

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SnapshotWriter writes snapshots and their token amount rows using
// multi-row INSERTs. Writes are idempotent on sequence and never fail on a
// repeated request id.
type SnapshotWriter struct{}

func NewSnapshotWriter() *SnapshotWriter {
	return &SnapshotWriter{}
}

// WriteSnapshot writes the snapshot header and its rows through ex, which is
// normally a transaction. Returns the number of token amount rows written.
//
// A request id already present in the log is stored as NULL: the snapshot
// still joins the chain and the unique request index cannot fail the batch.
func (w *SnapshotWriter) WriteSnapshot(ctx context.Context, ex execer, snap *event.TokenAmountSnapshot) (int, error) {
	requestID := uuid.NullUUID{UUID: snap.RequestID, Valid: snap.RequestID != uuid.Nil}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO snapshots.snapshots
			(sequence, snapshot_id, market_index, decimals, user_count,
			 content_hash, prev_hash, state_hash, request_id, trigger_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			CASE WHEN EXISTS (SELECT 1 FROM snapshots.snapshots WHERE request_id = $9::uuid)
				THEN NULL ELSE $9::uuid END,
			$10, $11)
		ON CONFLICT (sequence) DO NOTHING
	`,
		snap.Sequence, snap.SnapshotID, int(snap.MarketIndex), int64(snap.Decimals), len(snap.Amounts),
		snap.ContentHash[:], snap.PrevHash[:], snap.StateHash[:], requestID, string(snap.Trigger), snap.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot %d: %w", snap.Sequence, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already written by an earlier attempt.
		return 0, nil
	}

	written := 0
	for start := 0; start < len(snap.Amounts); start += tokenAmountRowsPerInsert {
		end := start + tokenAmountRowsPerInsert
		if end > len(snap.Amounts) {
			end = len(snap.Amounts)
		}
		if err := w.writeTokenAmounts(ctx, ex, snap, start, end); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func (w *SnapshotWriter) writeTokenAmounts(ctx context.Context, ex execer, snap *event.TokenAmountSnapshot, start, end int) error {
	query := `INSERT INTO snapshots.token_amounts
		(sequence, position, user_key, authority, token_amount)
		VALUES `

	values := make([]string, 0, end-start)
	args := make([]interface{}, 0, (end-start)*5)

	for i := start; i < end; i++ {
		a := snap.Amounts[i]
		base := (i - start) * 5
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		// numeric from its decimal string; amounts can exceed int64
		args = append(args, snap.Sequence, i, a.User.String(), a.Authority.String(), a.TokenAmount.String())
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, position) DO NOTHING"

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert token amounts %d[%d:%d]: %w", snap.Sequence, start, end, err)
	}
	return nil
}
