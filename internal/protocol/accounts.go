package protocol

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// AccountRecord is one raw account as handed over by a record source:
// the account address plus its data bytes. Data is read-only for consumers.
type AccountRecord struct {
	Pubkey solana.PublicKey
	Data   []byte
}

// RecordKind classifies an account by its discriminator.
type RecordKind int

const (
	RecordKindUnknown RecordKind = iota
	RecordKindSpotMarket
	RecordKindUser
)

func (k RecordKind) String() string {
	switch k {
	case RecordKindSpotMarket:
		return "spot_market"
	case RecordKindUser:
		return "user"
	default:
		return "unknown"
	}
}

// SpotBalanceType tells whether a position is a deposit or a borrow.
type SpotBalanceType uint8

const (
	SpotBalanceTypeDeposit SpotBalanceType = 0
	SpotBalanceTypeBorrow  SpotBalanceType = 1
)

func (t SpotBalanceType) String() string {
	switch t {
	case SpotBalanceTypeDeposit:
		return "deposit"
	case SpotBalanceTypeBorrow:
		return "borrow"
	default:
		return fmt.Sprintf("SpotBalanceType(%d)", uint8(t))
	}
}

// SpotMarket is the subset of the on-chain SpotMarket account this service uses.
type SpotMarket struct {
	Pubkey                    solana.PublicKey
	Oracle                    solana.PublicKey
	Mint                      solana.PublicKey
	Vault                     solana.PublicKey
	Name                      [32]byte
	DepositBalance            bin.Uint128
	BorrowBalance             bin.Uint128
	CumulativeDepositInterest bin.Uint128
	CumulativeBorrowInterest  bin.Uint128
	Decimals                  uint32
	MarketIndex               uint16
}

// CumulativeInterest returns the accumulator matching the balance type.
func (m *SpotMarket) CumulativeInterest(balanceType SpotBalanceType) bin.Uint128 {
	if balanceType == SpotBalanceTypeBorrow {
		return m.CumulativeBorrowInterest
	}
	return m.CumulativeDepositInterest
}

// SpotPosition is one slot of User.SpotPositions.
//
// Occupied is set by the decoder. The account format has no explicit flag, so
// a slot counts as free when it holds no balance and no open orders.
type SpotPosition struct {
	ScaledBalance      uint64
	OpenBids           int64
	OpenAsks           int64
	CumulativeDeposits int64
	MarketIndex        uint16
	BalanceType        SpotBalanceType
	OpenOrders         uint8
	Occupied           bool
}

// IsAvailable reports whether the slot is free under the protocol's rule.
func (p *SpotPosition) IsAvailable() bool {
	return p.ScaledBalance == 0 && p.OpenOrders == 0
}

// User is the subset of the on-chain User account this service uses.
type User struct {
	Authority     solana.PublicKey
	Delegate      solana.PublicKey
	Name          [32]byte
	SpotPositions [MaxSpotPositions]SpotPosition
}

// SpotPosition returns the first occupied position for marketIndex in storage
// order. Duplicates further down are ignored.
func (u *User) SpotPosition(marketIndex uint16) (*SpotPosition, bool) {
	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		if p.Occupied && p.MarketIndex == marketIndex {
			return p, true
		}
	}
	return nil, false
}
