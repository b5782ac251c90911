package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"
	"SpotSnapshot/internal/ingestion"
	"SpotSnapshot/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrDuplicateRequest is returned for a request id that already produced a
// persisted snapshot this process no longer holds in memory.
var ErrDuplicateRequest = errors.New("duplicate snapshot request")

// SnapshotResult is the outcome of one TakeSnapshot call.
type SnapshotResult struct {
	Snapshot *event.TokenAmountSnapshot

	// Emitted is false when the result matched the previous snapshot of the
	// market; Snapshot is then that previous snapshot.
	Emitted bool

	// Duplicate is set when the request id was already served; Snapshot is
	// the one it produced.
	Duplicate bool
}

// Snapshotter turns account batches into a hash-chained sequence of
// per-market token amount snapshots and fans them out.
//
// Pipeline per snapshot:
//  1. Fetch records from the source
//  2. Extract token amounts for the market
//  3. Content hash; stop if unchanged since the last snapshot of the market
//  4. Assign sequence and chain hash
//  5. Emit: persistence (blocking), projection and publish (drop when full)
type Snapshotter struct {
	mu sync.Mutex

	source    ingestion.RecordSource
	extractor *extractor.Extractor
	hasher    *SnapshotHasher
	deduper   *RequestDeduper
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	sequence int64
	latest   map[uint16]*event.TokenAmountSnapshot

	persistChan    chan<- *event.TokenAmountSnapshot
	projectionChan chan<- *event.TokenAmountSnapshot
	publishChan    chan<- *event.TokenAmountSnapshot
}

// SnapshotterConfig wires a Snapshotter. Any of the output channels may be
// nil; RequestStore is optional.
type SnapshotterConfig struct {
	Source       ingestion.RecordSource
	Extractor    *extractor.Extractor
	RequestStore RequestStore
	Logger       zerolog.Logger
	Metrics      *observability.Metrics

	PersistChan    chan<- *event.TokenAmountSnapshot
	ProjectionChan chan<- *event.TokenAmountSnapshot
	PublishChan    chan<- *event.TokenAmountSnapshot

	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewSnapshotter(cfg SnapshotterConfig) *Snapshotter {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Snapshotter{
		source:         cfg.Source,
		extractor:      cfg.Extractor,
		hasher:         NewSnapshotHasher(),
		deduper:        NewRequestDeduper(10_000, cfg.RequestStore),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		now:            now,
		latest:         make(map[uint16]*event.TokenAmountSnapshot),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		publishChan:    cfg.PublishChan,
	}
}

// Restore continues the chain after a restart from the last persisted
// snapshot. The first snapshot of every market after a restore is always
// emitted.
func (s *Snapshotter) Restore(sequence int64, tip [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence = sequence
	s.hasher.Restore(tip)
	s.logger.Info().Int64("sequence", sequence).Hex("tip", tip[:]).Msg("snapshot chain restored")
}

// Sequence returns the sequence of the last emitted snapshot.
func (s *Snapshotter) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// TakeSnapshot runs the pipeline for one market. A non-nil requestID is
// served at most once: repeating it returns the snapshot it produced, or
// ErrDuplicateRequest when that snapshot is only known to the store.
func (s *Snapshotter) TakeSnapshot(
	ctx context.Context,
	marketIndex uint16,
	trigger event.SnapshotTrigger,
	requestID uuid.UUID,
) (*SnapshotResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeSnapshotLocked(ctx, marketIndex, trigger, requestID)
}

func (s *Snapshotter) takeSnapshotLocked(
	ctx context.Context,
	marketIndex uint16,
	trigger event.SnapshotTrigger,
	requestID uuid.UUID,
) (*SnapshotResult, error) {
	start := time.Now()
	marketLabel := strconv.Itoa(int(marketIndex))

	if requestID != uuid.Nil {
		if prev, dup, tier := s.deduper.Lookup(ctx, requestID); dup {
			if s.metrics != nil {
				s.metrics.RequestDuplicates.WithLabelValues(tier).Inc()
			}
			s.logger.Debug().
				Str("request_id", requestID.String()).
				Str("tier", tier).
				Msg("duplicate snapshot request")
			if prev == nil {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
			}
			return &SnapshotResult{Snapshot: prev, Duplicate: true}, nil
		}
	}

	// Step 1: Fetch
	records, err := s.source.FetchRecords(ctx, marketIndex)
	if err != nil {
		s.countFailure(marketLabel, "fetch")
		return nil, fmt.Errorf("fetch records: %w", err)
	}

	// Step 2: Extract
	market, amounts, err := s.extractor.ExtractMarket(records, marketIndex)
	if err != nil {
		reason := "extract"
		if errors.Is(err, extractor.ErrMarketNotFound) {
			reason = "market_not_found"
		}
		s.countFailure(marketLabel, reason)
		return nil, err
	}

	// Step 3: Content hash
	content := DigestAmounts(marketIndex, market.Decimals, amounts)
	if prev, ok := s.latest[marketIndex]; ok && prev.ContentHash == content {
		if s.metrics != nil {
			s.metrics.SnapshotUnchanged.WithLabelValues(marketLabel).Inc()
		}
		s.logger.Debug().Uint16("market_index", marketIndex).Int64("sequence", prev.Sequence).Msg("snapshot unchanged")
		if requestID != uuid.Nil {
			s.deduper.MarkServed(requestID, prev)
		}
		return &SnapshotResult{Snapshot: prev, Emitted: false}, nil
	}

	// Step 4: Sequence and chain
	sequence := s.sequence + 1
	stateHash := s.hasher.ComputeHash(sequence, content)
	snap := &event.TokenAmountSnapshot{
		SnapshotID:  uuid.New(),
		Sequence:    sequence,
		MarketIndex: marketIndex,
		Decimals:    market.Decimals,
		Amounts:     amounts,
		ContentHash: content,
		PrevHash:    s.hasher.GetPrevHash(),
		StateHash:   stateHash,
		RequestID:   requestID,
		Trigger:     trigger,
		CreatedAt:   s.now(),
	}

	// Step 5: Emit. Persistence blocks (backpressure) and is the commit point:
	// the chain only advances once the snapshot is queued for the log.
	if s.persistChan != nil {
		select {
		case s.persistChan <- snap:
		case <-ctx.Done():
			s.countFailure(marketLabel, "cancelled")
			return nil, ctx.Err()
		}
	}

	s.sequence = sequence
	s.hasher.Advance(stateHash)
	s.latest[marketIndex] = snap
	if requestID != uuid.Nil {
		s.deduper.MarkServed(requestID, snap)
	}

	// Projections can rebuild from the log, publish is best-effort.
	if s.projectionChan != nil {
		select {
		case s.projectionChan <- snap:
		default:
			if s.metrics != nil {
				s.metrics.ProjectionDrops.Inc()
			}
		}
	}
	if s.publishChan != nil {
		select {
		case s.publishChan <- snap:
		default:
			if s.metrics != nil {
				s.metrics.PublishDrops.Inc()
			}
		}
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.WithLabelValues(marketLabel, string(trigger)).Inc()
		s.metrics.SnapshotDuration.WithLabelValues(marketLabel).Observe(time.Since(start).Seconds())
		s.metrics.SnapshotUsers.WithLabelValues(marketLabel).Set(float64(len(amounts)))
		s.metrics.SnapshotLastSeq.Set(float64(sequence))
	}

	s.logger.Info().
		Int64("sequence", sequence).
		Uint16("market_index", marketIndex).
		Int("users", len(amounts)).
		Str("trigger", string(trigger)).
		Dur("took", time.Since(start)).
		Msg("snapshot taken")

	return &SnapshotResult{Snapshot: snap, Emitted: true}, nil
}

// Run snapshots every market once immediately and then on every tick until
// ctx is cancelled. Failures are logged and retried on the next tick.
func (s *Snapshotter) Run(ctx context.Context, markets []uint16, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, m := range markets {
			if _, err := s.TakeSnapshot(ctx, m, event.TriggerScheduled, uuid.Nil); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error().Err(err).Uint16("market_index", m).Msg("scheduled snapshot failed")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ServeRequests takes on-demand snapshots from requests until ctx is
// cancelled or the channel closes. Requests are acked once handled, including
// the ones that fail for a reason retrying cannot fix.
func (s *Snapshotter) ServeRequests(ctx context.Context, requests <-chan ingestion.SnapshotRequest) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req, ok := <-requests:
			if !ok {
				return nil
			}
			s.serveRequest(ctx, req)
		}
	}
}

func (s *Snapshotter) serveRequest(ctx context.Context, req ingestion.SnapshotRequest) {
	log := s.logger.With().Str("request_id", req.RequestID.String()).Uint16("market_index", req.MarketIndex).Logger()

	res, err := s.TakeSnapshot(ctx, req.MarketIndex, event.TriggerRequest, req.RequestID)
	switch {
	case err == nil:
		if res.Duplicate {
			log.Info().Int64("sequence", res.Snapshot.Sequence).Msg("duplicate snapshot request skipped")
		}
		ack(req)
	case errors.Is(err, ErrDuplicateRequest):
		log.Info().Msg("duplicate snapshot request skipped")
		ack(req)
	case errors.Is(err, extractor.ErrMarketNotFound):
		log.Warn().Err(err).Msg("snapshot request for unknown market")
		ack(req)
	default:
		log.Error().Err(err).Msg("snapshot request failed")
		if req.NakFunc != nil {
			req.NakFunc()
		}
	}
}

func ack(req ingestion.SnapshotRequest) {
	if req.AckFunc != nil {
		req.AckFunc()
	}
}

func (s *Snapshotter) countFailure(marketLabel, reason string) {
	if s.metrics != nil {
		s.metrics.SnapshotFailed.WithLabelValues(marketLabel, reason).Inc()
	}
}
