package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"
	"SpotSnapshot/internal/observability"
	"SpotSnapshot/internal/persistence"

	"github.com/rs/zerolog"
)

const upsertRowsPerStatement = 10_000

// ProjectionWorker keeps projections.latest_token_amounts equal to the newest
// snapshot of every market. The projection channel is non-blocking with
// drop; a dropped snapshot is corrected by the next one of the same market
// or by RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan *event.TokenAmountSnapshot
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan *event.TokenAmountSnapshot,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := ApplySnapshot(ctx, pw.db, snap); err != nil {
				// Eventually consistent: the next snapshot or a rebuild fixes it.
				pw.logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.Inc()
				}
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}
		}
	}
}

// ApplySnapshot replaces the projection of snap's market with snap's rows in
// one transaction. Snapshots older than the market's watermark are ignored.
func ApplySnapshot(ctx context.Context, db *sql.DB, snap *event.TokenAmountSnapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	market := int(snap.MarketIndex)

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE market_index = $1 FOR UPDATE
	`, market).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read watermark: %w", err)
	case current >= snap.Sequence:
		return nil
	}

	rows := LatestPerUser(snap.Amounts)
	for start := 0; start < len(rows); start += upsertRowsPerStatement {
		end := start + upsertRowsPerStatement
		if end > len(rows) {
			end = len(rows)
		}
		if err := upsertRows(ctx, tx, market, snap.Sequence, rows[start:end]); err != nil {
			return fmt.Errorf("upsert token amounts: %w", err)
		}
	}

	// Users untouched by this snapshot no longer hold a position.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM projections.latest_token_amounts
		WHERE market_index = $1 AND last_sequence < $2
	`, market, snap.Sequence); err != nil {
		return fmt.Errorf("delete closed positions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (market_index, last_sequence, snapshot_id, decimals, state_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (market_index) DO UPDATE SET
			last_sequence = EXCLUDED.last_sequence,
			snapshot_id   = EXCLUDED.snapshot_id,
			decimals      = EXCLUDED.decimals,
			state_hash    = EXCLUDED.state_hash,
			updated_at    = NOW()
	`, market, snap.Sequence, snap.SnapshotID, int64(snap.Decimals), snap.StateHash[:]); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertRows(ctx context.Context, tx *sql.Tx, market int, sequence int64, rows []extractor.UserTokenAmount) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO projections.latest_token_amounts
		(market_index, user_key, authority, token_amount, last_sequence)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*5)
	for i, a := range rows {
		base := i * 5
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, market, a.User.String(), a.Authority.String(), a.TokenAmount.String(), sequence)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (market_index, user_key) DO UPDATE SET
		authority     = EXCLUDED.authority,
		token_amount  = EXCLUDED.token_amount,
		last_sequence = EXCLUDED.last_sequence`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LatestPerUser drops repeated user keys, keeping the last occurrence at the
// position of the first. One upsert statement cannot touch a row twice.
func LatestPerUser(amounts []extractor.UserTokenAmount) []extractor.UserTokenAmount {
	index := make(map[[32]byte]int, len(amounts))
	out := make([]extractor.UserTokenAmount, 0, len(amounts))
	for _, a := range amounts {
		if i, ok := index[a.User]; ok {
			out[i] = a
			continue
		}
		index[a.User] = len(out)
		out = append(out, a)
	}
	return out
}

// RebuildProjections rebuilds every market's projection from the newest
// persisted snapshot of that market.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	for _, stmt := range []string{
		`TRUNCATE projections.latest_token_amounts`,
		`TRUNCATE projections.watermark`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	store := persistence.NewSnapshotStore(db)
	markets, err := store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}

	for _, m := range markets {
		snap, err := store.LoadLatestSnapshot(ctx, m)
		if err != nil {
			return fmt.Errorf("load market %d: %w", m, err)
		}
		if err := ApplySnapshot(ctx, db, snap); err != nil {
			return fmt.Errorf("apply market %d: %w", m, err)
		}
		logger.Info().Uint16("market_index", m).Int64("sequence", snap.Sequence).Int("users", len(snap.Amounts)).Msg("projection rebuilt")
	}

	logger.Info().Int("markets", len(markets)).Msg("projection rebuild complete")
	return nil
}
