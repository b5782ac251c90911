package extractor_test

import (
	"errors"
	"math/big"
	"testing"

	"SpotSnapshot/internal/extractor"
	spotmath "SpotSnapshot/internal/math"
	"SpotSnapshot/internal/observability"
	"SpotSnapshot/internal/protocol"
	"SpotSnapshot/internal/testutil"

	solana "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newExtractor(t *testing.T) (*extractor.Extractor, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	return extractor.New(protocol.NewDecoder(), zerolog.Nop(), m), m
}

func assertAmount(t *testing.T, got extractor.UserTokenAmount, user, authority solana.PublicKey, want int64) {
	t.Helper()
	if !got.User.Equals(user) {
		t.Errorf("user: got %s, want %s", got.User, user)
	}
	if !got.Authority.Equals(authority) {
		t.Errorf("authority: got %s, want %s", got.Authority, authority)
	}
	if got.TokenAmount.Cmp(big.NewInt(want)) != 0 {
		t.Errorf("token amount for %s: got %s, want %d", user, got.TokenAmount, want)
	}
}

// ============================================================================
// Test: reference batch
// ============================================================================

func TestExtract_ReferenceBatch(t *testing.T) {
	f := testutil.NewReferenceBatch(t)

	got, err := extractor.GetTokenAmounts(f.Records, 6)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results: got %d, want 2 (%+v)", len(got), got)
	}

	assertAmount(t, got[0], f.UserA, f.AuthorityA, 100_000_000_000)
	assertAmount(t, got[1], f.UserB, f.AuthorityB, -100_000_000_000)
}

func TestExtract_MixedRecordOrder(t *testing.T) {
	f := testutil.NewFixture(t)

	got, err := extractor.GetTokenAmounts(f.Records, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results: got %d, want 2 (%+v)", len(got), got)
	}

	assertAmount(t, got[0], f.UserA, f.AuthorityA, 100_000_000_000)
	assertAmount(t, got[1], f.UserB, f.AuthorityB, -100_000_000_000)
}

func TestExtract_OtherMarketFromSameBatch(t *testing.T) {
	f := testutil.NewFixture(t)

	got, err := extractor.GetTokenAmounts(f.Records, 6)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("results: got %d, want 1", len(got))
	}
	assertAmount(t, got[0], f.UserC, f.AuthorityC, 5_000_000_000)
}

func TestExtract_MarketWithoutUsers(t *testing.T) {
	m := testutil.FreshSpotMarket(3, 6)
	records := []protocol.AccountRecord{testutil.SpotMarketRecord(t, m)}

	got, err := extractor.GetTokenAmounts(records, 3)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("want empty non-nil result, got %#v", got)
	}
}

// ============================================================================
// Test: error paths
// ============================================================================

func TestExtract_MarketNotFound(t *testing.T) {
	f := testutil.NewFixture(t)

	_, err := extractor.GetTokenAmounts(f.Records, 99)
	if !errors.Is(err, extractor.ErrMarketNotFound) {
		t.Fatalf("want ErrMarketNotFound, got %v", err)
	}
}

func TestExtract_EmptyBatch(t *testing.T) {
	_, err := extractor.GetTokenAmounts(nil, 0)
	if !errors.Is(err, extractor.ErrMarketNotFound) {
		t.Fatalf("want ErrMarketNotFound, got %v", err)
	}
}

func TestExtract_ArithmeticFailureFailsWholeCall(t *testing.T) {
	m := testutil.FreshSpotMarket(2, 20) // beyond the supported precision
	user := solana.NewWallet().PublicKey()
	records := []protocol.AccountRecord{
		testutil.SpotMarketRecord(t, m),
		testutil.UserRecord(t, user, testutil.NewUser(solana.NewWallet().PublicKey(), testutil.Position{
			MarketIndex: 2, ScaledBalance: 1, BalanceType: protocol.SpotBalanceTypeDeposit,
		})),
	}

	e, metrics := newExtractor(t)
	got, err := e.Extract(records, 2)
	if got != nil {
		t.Errorf("partial result returned: %+v", got)
	}

	var bce *extractor.BalanceComputationError
	if !errors.As(err, &bce) {
		t.Fatalf("want BalanceComputationError, got %v", err)
	}
	if !bce.User.Equals(user) {
		t.Errorf("error user: got %s, want %s", bce.User, user)
	}
	if !errors.Is(err, spotmath.ErrInvalidDecimals) {
		t.Errorf("want wrapped ErrInvalidDecimals, got %v", err)
	}
	if v := promtest.ToFloat64(metrics.BalanceComputeErrors); v != 1 {
		t.Errorf("balance compute errors: got %v, want 1", v)
	}
}

// ============================================================================
// Test: filtering
// ============================================================================

func TestExtract_SkipsMalformedUser(t *testing.T) {
	f := testutil.NewFixture(t)

	truncated := make([]byte, 100)
	copy(truncated, protocol.UserDiscriminator[:])
	records := append([]protocol.AccountRecord{
		{Pubkey: solana.NewWallet().PublicKey(), Data: truncated},
	}, f.Records...)

	e, metrics := newExtractor(t)
	got, err := e.Extract(records, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results: got %d, want 2", len(got))
	}
	if v := promtest.ToFloat64(metrics.UsersSkipped.WithLabelValues("decode_error")); v != 1 {
		t.Errorf("decode_error skips: got %v, want 1", v)
	}
}

func TestExtract_IgnoresShortRecords(t *testing.T) {
	f := testutil.NewFixture(t)
	records := append([]protocol.AccountRecord{
		{Pubkey: solana.NewWallet().PublicKey(), Data: []byte{1, 2, 3}},
		{Pubkey: solana.NewWallet().PublicKey()},
	}, f.Records...)

	got, err := extractor.GetTokenAmounts(records, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results: got %d, want 2", len(got))
	}
}

func TestExtract_ExcludesUsersWithoutPosition(t *testing.T) {
	f := testutil.NewFixture(t)

	e, metrics := newExtractor(t)
	got, err := e.Extract(f.Records, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for _, a := range got {
		if a.User.Equals(f.UserC) {
			t.Fatalf("user C has no market 1 position but was returned")
		}
	}
	if v := promtest.ToFloat64(metrics.UsersSkipped.WithLabelValues("no_position")); v != 1 {
		t.Errorf("no_position skips: got %v, want 1", v)
	}
	if v := promtest.ToFloat64(metrics.RecordsClassified.WithLabelValues("unknown")); v != 1 {
		t.Errorf("unknown records: got %v, want 1", v)
	}
}

func TestExtract_DormantSlotIsNotAPosition(t *testing.T) {
	m := testutil.FreshSpotMarket(4, 6)
	user := solana.NewWallet().PublicKey()
	records := []protocol.AccountRecord{
		testutil.SpotMarketRecord(t, m),
		// Slot points at market 4 but holds no balance and no orders.
		testutil.UserRecord(t, user, testutil.NewUser(solana.NewWallet().PublicKey(), testutil.Position{
			MarketIndex: 4,
		})),
	}

	got, err := extractor.GetTokenAmounts(records, 4)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("dormant slot returned: %+v", got)
	}
}

func TestExtract_OpenOrdersWithZeroBalance(t *testing.T) {
	m := testutil.FreshSpotMarket(4, 6)
	user := solana.NewWallet().PublicKey()
	records := []protocol.AccountRecord{
		testutil.SpotMarketRecord(t, m),
		testutil.UserRecord(t, user, testutil.NewUser(solana.NewWallet().PublicKey(), testutil.Position{
			MarketIndex: 4, OpenOrders: 2,
		})),
	}

	got, err := extractor.GetTokenAmounts(records, 4)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 1 || got[0].TokenAmount.Sign() != 0 {
		t.Fatalf("want one zero amount, got %+v", got)
	}
}

func TestExtract_FirstMatchingSlotWins(t *testing.T) {
	m := testutil.FreshSpotMarket(5, 9)
	user := solana.NewWallet().PublicKey()
	records := []protocol.AccountRecord{
		testutil.UserRecord(t, user, testutil.NewUser(solana.NewWallet().PublicKey(),
			testutil.Position{MarketIndex: 0, ScaledBalance: 7, BalanceType: protocol.SpotBalanceTypeDeposit},
			testutil.Position{MarketIndex: 5, ScaledBalance: 2_000_000_000, BalanceType: protocol.SpotBalanceTypeBorrow},
			testutil.Position{MarketIndex: 5, ScaledBalance: 9_000_000_000, BalanceType: protocol.SpotBalanceTypeDeposit},
		)),
		testutil.SpotMarketRecord(t, m),
	}

	got, err := extractor.GetTokenAmounts(records, 5)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 1 || got[0].TokenAmount.Cmp(big.NewInt(-2_000_000_000)) != 0 {
		t.Fatalf("want single -2000000000, got %+v", got)
	}
}

// ============================================================================
// Test: ordering, duplicates, determinism
// ============================================================================

func TestExtract_PreservesUserOrder(t *testing.T) {
	m := testutil.FreshSpotMarket(0, 6)
	records := []protocol.AccountRecord{testutil.SpotMarketRecord(t, m)}
	var want []solana.PublicKey
	for i := 0; i < 20; i++ {
		key := solana.NewWallet().PublicKey()
		want = append(want, key)
		records = append(records, testutil.UserRecord(t, key, testutil.NewUser(solana.NewWallet().PublicKey(), testutil.Position{
			MarketIndex: 0, ScaledBalance: uint64(i+1) * 1_000_000_000, BalanceType: protocol.SpotBalanceTypeDeposit,
		})))
	}

	got, err := extractor.GetTokenAmounts(records, 0)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("results: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].User.Equals(want[i]) {
			t.Fatalf("position %d: got %s, want %s", i, got[i].User, want[i])
		}
	}
}

func TestExtract_DuplicateMarketLastWins(t *testing.T) {
	first := testutil.FreshSpotMarket(1, 9)
	second := testutil.FreshSpotMarket(1, 9)
	second.CumulativeDepositInterest = testutil.Uint128(2 * protocol.SpotCumulativeInterestPrecision)

	user := solana.NewWallet().PublicKey()
	records := []protocol.AccountRecord{
		testutil.SpotMarketRecord(t, first),
		testutil.UserRecord(t, user, testutil.NewUser(solana.NewWallet().PublicKey(), testutil.Position{
			MarketIndex: 1, ScaledBalance: 1_000_000_000, BalanceType: protocol.SpotBalanceTypeDeposit,
		})),
		testutil.SpotMarketRecord(t, second),
	}

	e, metrics := newExtractor(t)
	got, err := e.Extract(records, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 1 || got[0].TokenAmount.Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("want 2000000000 from the second market, got %+v", got)
	}
	if v := promtest.ToFloat64(metrics.DuplicateMarkets.WithLabelValues("1")); v != 1 {
		t.Errorf("duplicate market count: got %v, want 1", v)
	}
}

func TestExtract_Deterministic(t *testing.T) {
	f := testutil.NewFixture(t)
	e, _ := newExtractor(t)

	first, err := e.Extract(f.Records, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for run := 0; run < 50; run++ {
		again, err := e.Extract(f.Records, 1)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: length changed", run)
		}
		for i := range first {
			if !again[i].User.Equals(first[i].User) || again[i].TokenAmount.Cmp(first[i].TokenAmount) != 0 {
				t.Fatalf("run %d: entry %d differs", run, i)
			}
		}
	}
}

func TestExtractMarket_ReturnsResolvedMarket(t *testing.T) {
	f := testutil.NewFixture(t)
	e, _ := newExtractor(t)

	market, _, err := e.ExtractMarket(f.Records, 6)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if market.MarketIndex != 6 || !market.Pubkey.Equals(f.Market6.Pubkey) {
		t.Errorf("resolved market: got index %d key %s", market.MarketIndex, market.Pubkey)
	}
}
