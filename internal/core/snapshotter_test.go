package core_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"SpotSnapshot/internal/core"
	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"
	"SpotSnapshot/internal/ingestion"
	"SpotSnapshot/internal/observability"
	"SpotSnapshot/internal/protocol"
	"SpotSnapshot/internal/testutil"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// swappableSource serves whatever batch is currently set.
type swappableSource struct {
	mu      sync.Mutex
	records []protocol.AccountRecord
	err     error
	calls   int
}

func (s *swappableSource) FetchRecords(ctx context.Context, _ uint16) ([]protocol.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.records, s.err
}

func (s *swappableSource) set(records []protocol.AccountRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

type harness struct {
	snapshotter *core.Snapshotter
	source      *swappableSource
	persist     chan *event.TokenAmountSnapshot
	projection  chan *event.TokenAmountSnapshot
	publish     chan *event.TokenAmountSnapshot
	metrics     *observability.Metrics
	fixture     *testutil.Fixture
}

func newHarness(t *testing.T, store core.RequestStore) *harness {
	t.Helper()
	f := testutil.NewFixture(t)
	h := &harness{
		source:     &swappableSource{records: f.Records},
		persist:    make(chan *event.TokenAmountSnapshot, 16),
		projection: make(chan *event.TokenAmountSnapshot, 1),
		publish:    make(chan *event.TokenAmountSnapshot, 16),
		metrics:    observability.NewMetrics(prometheus.NewRegistry()),
		fixture:    f,
	}
	h.snapshotter = core.NewSnapshotter(core.SnapshotterConfig{
		Source:         h.source,
		Extractor:      extractor.New(protocol.NewDecoder(), zerolog.Nop(), h.metrics),
		RequestStore:   store,
		Logger:         zerolog.Nop(),
		Metrics:        h.metrics,
		PersistChan:    h.persist,
		ProjectionChan: h.projection,
		PublishChan:    h.publish,
		Now:            func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	return h
}

// ============================================================================
// Test: TakeSnapshot
// ============================================================================

func TestTakeSnapshot_EmitsChainedSnapshot(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.snapshotter.TakeSnapshot(context.Background(), 1, event.TriggerScheduled, uuid.Nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !res.Emitted {
		t.Fatal("first snapshot must be emitted")
	}

	snap := res.Snapshot
	if snap.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", snap.Sequence)
	}
	if snap.Decimals != 9 {
		t.Errorf("decimals: got %d, want 9", snap.Decimals)
	}
	if len(snap.Amounts) != 2 {
		t.Fatalf("amounts: got %d, want 2", len(snap.Amounts))
	}
	if snap.PrevHash != core.GenesisHash() {
		t.Error("first snapshot must link to genesis")
	}
	want := core.ChainHash(core.GenesisHash(), 1, core.DigestAmounts(1, 9, snap.Amounts))
	if snap.StateHash != want {
		t.Error("state hash does not match chain link")
	}

	if got := <-h.persist; got != snap {
		t.Error("persistence received a different snapshot")
	}
	if got := <-h.projection; got != snap {
		t.Error("projection received a different snapshot")
	}
	if got := <-h.publish; got != snap {
		t.Error("publisher received a different snapshot")
	}
	if v := promtest.ToFloat64(h.metrics.SnapshotLastSeq); v != 1 {
		t.Errorf("last sequence gauge: got %v", v)
	}
}

func TestTakeSnapshot_UnchangedIsNotEmitted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.snapshotter.TakeSnapshot(ctx, 1, event.TriggerScheduled, uuid.Nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	<-h.persist

	second, err := h.snapshotter.TakeSnapshot(ctx, 1, event.TriggerScheduled, uuid.Nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Emitted {
		t.Fatal("identical batch must not emit")
	}
	if second.Snapshot != first.Snapshot {
		t.Error("unchanged result should return the previous snapshot")
	}
	if len(h.persist) != 0 {
		t.Error("nothing should be queued for persistence")
	}
	if v := promtest.ToFloat64(h.metrics.SnapshotUnchanged.WithLabelValues("1")); v != 1 {
		t.Errorf("unchanged counter: got %v", v)
	}
}

func TestTakeSnapshot_ChangeAdvancesChain(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.snapshotter.TakeSnapshot(ctx, 1, event.TriggerScheduled, uuid.Nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	// Market 6 gets its own sequence number from the same global counter.
	other, err := h.snapshotter.TakeSnapshot(ctx, 6, event.TriggerScheduled, uuid.Nil)
	if err != nil {
		t.Fatalf("market 6: %v", err)
	}
	if other.Snapshot.Sequence != 2 || other.Snapshot.PrevHash != first.Snapshot.StateHash {
		t.Fatalf("market 6 snapshot not chained: seq=%d", other.Snapshot.Sequence)
	}

	// Interest accrues on market 1.
	m1 := *h.fixture.Market1
	m1.CumulativeDepositInterest = testutil.Uint128(11_000_000_000)
	records := append([]protocol.AccountRecord{}, h.fixture.Records...)
	records = append(records, testutil.SpotMarketRecord(t, &m1))
	h.source.set(records)

	third, err := h.snapshotter.TakeSnapshot(ctx, 1, event.TriggerScheduled, uuid.Nil)
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if !third.Emitted || third.Snapshot.Sequence != 3 {
		t.Fatalf("third: emitted=%v seq=%d", third.Emitted, third.Snapshot.Sequence)
	}
	if third.Snapshot.Amounts[0].TokenAmount.Cmp(big.NewInt(110_000_000_000)) != 0 {
		t.Errorf("accrued deposit: got %s", third.Snapshot.Amounts[0].TokenAmount)
	}
}

func TestTakeSnapshot_ProjectionDropWhenFull(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.snapshotter.TakeSnapshot(ctx, 1, event.TriggerScheduled, uuid.Nil); err != nil {
		t.Fatalf("first: %v", err)
	}
	// projection channel (capacity 1) is now full
	if _, err := h.snapshotter.TakeSnapshot(ctx, 6, event.TriggerScheduled, uuid.Nil); err != nil {
		t.Fatalf("second: %v", err)
	}
	if v := promtest.ToFloat64(h.metrics.ProjectionDrops); v != 1 {
		t.Errorf("projection drops: got %v, want 1", v)
	}
	if len(h.persist) != 2 {
		t.Errorf("persistence must never drop: got %d queued", len(h.persist))
	}
}

func TestTakeSnapshot_Errors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.snapshotter.TakeSnapshot(ctx, 42, event.TriggerScheduled, uuid.Nil)
	if !errors.Is(err, extractor.ErrMarketNotFound) {
		t.Fatalf("want ErrMarketNotFound, got %v", err)
	}

	h.source.mu.Lock()
	h.source.err = errors.New("rpc down")
	h.source.mu.Unlock()
	if _, err := h.snapshotter.TakeSnapshot(ctx, 1, event.TriggerScheduled, uuid.Nil); err == nil {
		t.Fatal("expected fetch error")
	}
	if h.snapshotter.Sequence() != 0 {
		t.Errorf("failed snapshots must not consume sequences, got %d", h.snapshotter.Sequence())
	}
	if v := promtest.ToFloat64(h.metrics.SnapshotFailed.WithLabelValues("1", "fetch")); v != 1 {
		t.Errorf("fetch failures: got %v", v)
	}
}

func TestTakeSnapshot_BlockedPersistenceHonorsContext(t *testing.T) {
	f := testutil.NewFixture(t)
	persist := make(chan *event.TokenAmountSnapshot) // unbuffered, nobody reads
	s := core.NewSnapshotter(core.SnapshotterConfig{
		Source:      &ingestion.StaticSource{Records: f.Records},
		Extractor:   extractor.New(protocol.NewDecoder(), zerolog.Nop(), nil),
		Logger:      zerolog.Nop(),
		PersistChan: persist,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.TakeSnapshot(ctx, 1, event.TriggerScheduled, uuid.Nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if s.Sequence() != 0 {
		t.Errorf("chain advanced without persistence: seq=%d", s.Sequence())
	}
}

func TestRestore_ContinuesChain(t *testing.T) {
	h := newHarness(t, nil)
	var tip [32]byte
	tip[0] = 0xab
	h.snapshotter.Restore(41, tip)

	res, err := h.snapshotter.TakeSnapshot(context.Background(), 1, event.TriggerScheduled, uuid.Nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if res.Snapshot.Sequence != 42 || res.Snapshot.PrevHash != tip {
		t.Fatalf("restored chain: seq=%d prev=%x", res.Snapshot.Sequence, res.Snapshot.PrevHash)
	}
}

func TestTakeSnapshot_RepeatedRequestIDServedOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	reqID := uuid.New()

	first, err := h.snapshotter.TakeSnapshot(ctx, 1, event.TriggerAPI, reqID)
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	// The market changes before the client retries with the same id.
	m1 := *h.fixture.Market1
	m1.CumulativeDepositInterest = testutil.Uint128(11_000_000_000)
	records := append([]protocol.AccountRecord{}, h.fixture.Records...)
	h.source.set(append(records, testutil.SpotMarketRecord(t, &m1)))

	again, err := h.snapshotter.TakeSnapshot(ctx, 1, event.TriggerAPI, reqID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !again.Duplicate || again.Emitted || again.Snapshot != first.Snapshot {
		t.Fatalf("retry: emitted=%v duplicate=%v seq=%d", again.Emitted, again.Duplicate, again.Snapshot.Sequence)
	}
	if len(h.persist) != 1 {
		t.Fatalf("snapshots queued: got %d, want 1", len(h.persist))
	}
	if h.source.calls != 1 {
		t.Errorf("source fetched %d times, want 1", h.source.calls)
	}

	// A new id sees the change.
	fresh, err := h.snapshotter.TakeSnapshot(ctx, 1, event.TriggerAPI, uuid.New())
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if !fresh.Emitted || fresh.Snapshot.Sequence != 2 {
		t.Errorf("fresh: emitted=%v seq=%d", fresh.Emitted, fresh.Snapshot.Sequence)
	}
}

func TestTakeSnapshot_RequestKnownOnlyToStore(t *testing.T) {
	persisted := uuid.New()
	h := newHarness(t, &fakeRequestStore{known: map[uuid.UUID]bool{persisted: true}})

	_, err := h.snapshotter.TakeSnapshot(context.Background(), 1, event.TriggerAPI, persisted)
	if !errors.Is(err, core.ErrDuplicateRequest) {
		t.Fatalf("want ErrDuplicateRequest, got %v", err)
	}
	if len(h.persist) != 0 || h.snapshotter.Sequence() != 0 {
		t.Errorf("duplicate emitted a snapshot: queued=%d seq=%d", len(h.persist), h.snapshotter.Sequence())
	}
	if v := promtest.ToFloat64(h.metrics.RequestDuplicates.WithLabelValues("postgres")); v != 1 {
		t.Errorf("postgres duplicates: got %v", v)
	}
}

// ============================================================================
// Test: Run and ServeRequests
// ============================================================================

func TestRun_SnapshotsImmediatelyAndStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.snapshotter.Run(ctx, []uint16{1, 6}, time.Hour) }()

	for i := 0; i < 2; i++ {
		select {
		case <-h.persist:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for initial snapshots")
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: got %v, want context.Canceled", err)
	}
}

func TestRun_RejectsNonPositiveInterval(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.snapshotter.Run(context.Background(), []uint16{1}, 0); err == nil {
		t.Fatal("expected error")
	}
}

type fakeRequestStore struct {
	known map[uuid.UUID]bool
}

func (s *fakeRequestStore) HasRequest(_ context.Context, id uuid.UUID) (bool, error) {
	return s.known[id], nil
}

func TestServeRequests_AcksAndDeduplicates(t *testing.T) {
	persisted := uuid.New()
	h := newHarness(t, &fakeRequestStore{known: map[uuid.UUID]bool{persisted: true}})

	var mu sync.Mutex
	acks := map[string]int{}
	naks := 0
	mk := func(id uuid.UUID, market uint16, label string) ingestion.SnapshotRequest {
		return ingestion.SnapshotRequest{
			RequestID:   id,
			MarketIndex: market,
			AckFunc:     func() { mu.Lock(); acks[label]++; mu.Unlock() },
			NakFunc:     func() { mu.Lock(); naks++; mu.Unlock() },
		}
	}

	fresh := uuid.New()
	requests := make(chan ingestion.SnapshotRequest, 4)
	requests <- mk(fresh, 1, "fresh")
	requests <- mk(fresh, 1, "redelivered")
	requests <- mk(persisted, 1, "persisted")
	requests <- mk(uuid.New(), 99, "unknown_market")
	close(requests)

	if err := h.snapshotter.ServeRequests(context.Background(), requests); err != nil {
		t.Fatalf("serve: %v", err)
	}

	for _, label := range []string{"fresh", "redelivered", "persisted", "unknown_market"} {
		if acks[label] != 1 {
			t.Errorf("%s: acked %d times, want 1", label, acks[label])
		}
	}
	if naks != 0 {
		t.Errorf("naks: got %d, want 0", naks)
	}
	if len(h.persist) != 1 {
		t.Fatalf("snapshots emitted: got %d, want 1", len(h.persist))
	}
	snap := <-h.persist
	if snap.RequestID != fresh || snap.Trigger != event.TriggerRequest {
		t.Errorf("request snapshot: id=%s trigger=%s", snap.RequestID, snap.Trigger)
	}
	if v := promtest.ToFloat64(h.metrics.RequestDuplicates.WithLabelValues("lru")); v != 1 {
		t.Errorf("lru duplicates: got %v", v)
	}
	if v := promtest.ToFloat64(h.metrics.RequestDuplicates.WithLabelValues("postgres")); v != 1 {
		t.Errorf("postgres duplicates: got %v", v)
	}
}

func TestServeRequests_NaksOnFetchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.source.err = errors.New("rpc down")

	naked := false
	requests := make(chan ingestion.SnapshotRequest, 1)
	requests <- ingestion.SnapshotRequest{
		RequestID:   uuid.New(),
		MarketIndex: 1,
		NakFunc:     func() { naked = true },
	}
	close(requests)

	if err := h.snapshotter.ServeRequests(context.Background(), requests); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !naked {
		t.Error("transient failure should nak for redelivery")
	}
}

// ============================================================================
// Test: DigestAmounts
// ============================================================================

func TestDigestAmounts_SensitiveToSignAndOrder(t *testing.T) {
	a := extractor.UserTokenAmount{User: solana.NewWallet().PublicKey(), TokenAmount: big.NewInt(5)}
	b := extractor.UserTokenAmount{User: solana.NewWallet().PublicKey(), TokenAmount: big.NewInt(-5)}
	negA := a
	negA.TokenAmount = big.NewInt(-5)

	base := core.DigestAmounts(1, 6, []extractor.UserTokenAmount{a, b})
	if base == core.DigestAmounts(1, 6, []extractor.UserTokenAmount{b, a}) {
		t.Error("order must change the digest")
	}
	if base == core.DigestAmounts(1, 6, []extractor.UserTokenAmount{negA, b}) {
		t.Error("sign must change the digest")
	}
	if base == core.DigestAmounts(2, 6, []extractor.UserTokenAmount{a, b}) {
		t.Error("market index must change the digest")
	}
	if base != core.DigestAmounts(1, 6, []extractor.UserTokenAmount{a, b}) {
		t.Error("digest must be deterministic")
	}
}

func TestRequestLRU_Evicts(t *testing.T) {
	lru := core.NewRequestLRU(2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	lru.Add(a, nil)
	lru.Add(b, nil)
	lru.Contains(a) // promote a
	lru.Add(c, nil)

	if lru.Contains(b) {
		t.Error("b should have been evicted")
	}
	if !lru.Contains(a) || !lru.Contains(c) {
		t.Error("a and c should remain")
	}
	if lru.Size() != 2 || lru.Evictions() != 1 {
		t.Errorf("size=%d evictions=%d", lru.Size(), lru.Evictions())
	}
}
