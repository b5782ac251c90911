package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes snapshots to
// Postgres. The snapshotter sends with a blocking send, so if this worker
// falls behind the snapshotter stalls and no snapshot is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *SnapshotWriter
	inputChan    <-chan *event.TokenAmountSnapshot
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan *event.TokenAmountSnapshot,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize < 1 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewSnapshotWriter(),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run batches incoming snapshots and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]*event.TokenAmountSnapshot, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("snapshots", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case snap, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("snapshots", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, snap)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff (100ms doubling to 30s)
// until the write succeeds or ctx is cancelled. On cancellation it makes one
// last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []*event.TokenAmountSnapshot) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("snapshots", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		pw.logger.Warn().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []*event.TokenAmountSnapshot) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	rows := 0
	for _, snap := range batch {
		n, err := pw.writer.WriteSnapshot(ctx, tx, snap)
		if err != nil {
			pw.countError("write_snapshot")
			return err
		}
		rows += n
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	last := batch[len(batch)-1].Sequence
	if pw.metrics != nil {
		pw.metrics.PersistDuration.Observe(time.Since(start).Seconds())
		pw.metrics.PersistSnapshotsWritten.Add(float64(len(batch)))
		pw.metrics.PersistRowsWritten.Add(float64(rows))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}

	pw.logger.Debug().
		Int("snapshots", len(batch)).
		Int("rows", rows).
		Int64("last_sequence", last).
		Dur("took", time.Since(start)).
		Msg("persisted snapshots")
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
