package testutil

import (
	"testing"

	"SpotSnapshot/internal/protocol"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// Uint128 builds a little-endian u128 from a single 64-bit word.
func Uint128(lo uint64) bin.Uint128 {
	return bin.Uint128{Lo: lo}
}

// FreshSpotMarket returns a market whose interest accumulators sit at 1.0.
func FreshSpotMarket(marketIndex uint16, decimals uint32) *protocol.SpotMarket {
	return &protocol.SpotMarket{
		Pubkey:                    solana.NewWallet().PublicKey(),
		Mint:                      solana.NewWallet().PublicKey(),
		CumulativeDepositInterest: Uint128(protocol.SpotCumulativeInterestPrecision),
		CumulativeBorrowInterest:  Uint128(protocol.SpotCumulativeInterestPrecision),
		Decimals:                  decimals,
		MarketIndex:               marketIndex,
	}
}

// SpotMarketRecord encodes m as an account record at m.Pubkey.
func SpotMarketRecord(t *testing.T, m *protocol.SpotMarket) protocol.AccountRecord {
	t.Helper()
	data, err := protocol.EncodeSpotMarket(m)
	if err != nil {
		t.Fatalf("encode spot market: %v", err)
	}
	return protocol.AccountRecord{Pubkey: m.Pubkey, Data: data}
}

// Position is a shorthand for one spot position slot.
type Position struct {
	MarketIndex   uint16
	ScaledBalance uint64
	BalanceType   protocol.SpotBalanceType
	OpenOrders    uint8
}

// NewUser builds a user with the given positions in slot order.
func NewUser(authority solana.PublicKey, positions ...Position) *protocol.User {
	u := &protocol.User{Authority: authority}
	for i, p := range positions {
		if i >= protocol.MaxSpotPositions {
			break
		}
		u.SpotPositions[i] = protocol.SpotPosition{
			ScaledBalance: p.ScaledBalance,
			MarketIndex:   p.MarketIndex,
			BalanceType:   p.BalanceType,
			OpenOrders:    p.OpenOrders,
		}
	}
	return u
}

// UserRecord encodes u as an account record at key.
func UserRecord(t *testing.T, key solana.PublicKey, u *protocol.User) protocol.AccountRecord {
	t.Helper()
	data, err := protocol.EncodeUser(u)
	if err != nil {
		t.Fatalf("encode user: %v", err)
	}
	return protocol.AccountRecord{Pubkey: key, Data: data}
}

// Fixture is the reference batch: markets 1 and 6 (decimals 9, fresh
// accumulators), user A depositing 100e9 scaled in market 1, user B
// borrowing 100e9 in market 1, user C only in market 6, plus one account of
// an unrelated type.
type Fixture struct {
	Records []protocol.AccountRecord

	UserA, UserB, UserC                solana.PublicKey
	AuthorityA, AuthorityB, AuthorityC solana.PublicKey
	Market1, Market6                   *protocol.SpotMarket
}

// NewFixture builds the reference batch.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	f := &Fixture{
		UserA:      solana.NewWallet().PublicKey(),
		UserB:      solana.NewWallet().PublicKey(),
		UserC:      solana.NewWallet().PublicKey(),
		AuthorityA: solana.NewWallet().PublicKey(),
		AuthorityB: solana.NewWallet().PublicKey(),
		AuthorityC: solana.NewWallet().PublicKey(),
		Market1:    FreshSpotMarket(1, 9),
		Market6:    FreshSpotMarket(6, 9),
	}

	userA := NewUser(f.AuthorityA, Position{
		MarketIndex: 1, ScaledBalance: 100_000_000_000, BalanceType: protocol.SpotBalanceTypeDeposit,
	})
	userB := NewUser(f.AuthorityB, Position{
		MarketIndex: 1, ScaledBalance: 100_000_000_000, BalanceType: protocol.SpotBalanceTypeBorrow,
	})
	userC := NewUser(f.AuthorityC, Position{
		MarketIndex: 6, ScaledBalance: 5_000_000_000, BalanceType: protocol.SpotBalanceTypeDeposit,
	})

	unrelated := make([]byte, 64)
	copy(unrelated, []byte("notadrft"))

	f.Records = []protocol.AccountRecord{
		UserRecord(t, f.UserA, userA),
		SpotMarketRecord(t, f.Market6),
		UserRecord(t, f.UserB, userB),
		{Pubkey: solana.NewWallet().PublicKey(), Data: unrelated},
		SpotMarketRecord(t, f.Market1),
		UserRecord(t, f.UserC, userC),
	}
	return f
}

// NewReferenceBatch builds the canonical two-market scenario in record order
// [market 1, market 6, A, B, C]: A deposits and B borrows 100 tokens in market
// 6 (decimals 9, fresh accumulators), C deposits only in market 1.
func NewReferenceBatch(t *testing.T) *Fixture {
	t.Helper()

	f := &Fixture{
		UserA:      solana.NewWallet().PublicKey(),
		UserB:      solana.NewWallet().PublicKey(),
		UserC:      solana.NewWallet().PublicKey(),
		AuthorityA: solana.NewWallet().PublicKey(),
		AuthorityB: solana.NewWallet().PublicKey(),
		AuthorityC: solana.NewWallet().PublicKey(),
		Market1:    FreshSpotMarket(1, 6),
		Market6:    FreshSpotMarket(6, 9),
	}

	hundred := 100 * protocol.SpotBalancePrecision
	userA := NewUser(f.AuthorityA, Position{
		MarketIndex: 6, ScaledBalance: hundred, BalanceType: protocol.SpotBalanceTypeDeposit,
	})
	userB := NewUser(f.AuthorityB, Position{
		MarketIndex: 6, ScaledBalance: hundred, BalanceType: protocol.SpotBalanceTypeBorrow,
	})
	userC := NewUser(f.AuthorityC, Position{
		MarketIndex: 1, ScaledBalance: hundred, BalanceType: protocol.SpotBalanceTypeDeposit,
	})

	f.Records = []protocol.AccountRecord{
		SpotMarketRecord(t, f.Market1),
		SpotMarketRecord(t, f.Market6),
		UserRecord(t, f.UserA, userA),
		UserRecord(t, f.UserB, userB),
		UserRecord(t, f.UserC, userC),
	}
	return f
}
