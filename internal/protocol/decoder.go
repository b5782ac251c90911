package protocol

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

var (
	// ErrDecode is wrapped by every decoding failure.
	ErrDecode = errors.New("decode account")
	// ErrAccountTooShort means the buffer ends before the last field of the layout.
	ErrAccountTooShort = fmt.Errorf("%w: account data too short", ErrDecode)
	// ErrDiscriminatorMismatch means the buffer carries another account type.
	ErrDiscriminatorMismatch = fmt.Errorf("%w: discriminator mismatch", ErrDecode)
)

// Decoder turns raw account bytes into typed accounts. Implementations must
// never panic, whatever the input.
type Decoder interface {
	Classify(data []byte) RecordKind
	DecodeSpotMarket(data []byte) (*SpotMarket, error)
	DecodeUser(data []byte) (*User, error)
}

// LayoutV1Decoder decodes the v1 zero-copy account layout.
type LayoutV1Decoder struct{}

var _ Decoder = LayoutV1Decoder{}

// NewDecoder returns the decoder for the current protocol layout.
func NewDecoder() Decoder {
	return LayoutV1Decoder{}
}

// Classify reads the discriminator. Buffers shorter than a discriminator are unknown.
func (LayoutV1Decoder) Classify(data []byte) RecordKind {
	if len(data) < DiscriminatorSize {
		return RecordKindUnknown
	}
	tag := data[:DiscriminatorSize]
	switch {
	case bytes.Equal(tag, SpotMarketDiscriminator[:]):
		return RecordKindSpotMarket
	case bytes.Equal(tag, UserDiscriminator[:]):
		return RecordKindUser
	default:
		return RecordKindUnknown
	}
}

func (d LayoutV1Decoder) DecodeSpotMarket(data []byte) (*SpotMarket, error) {
	if err := d.checkHeader(data, SpotMarketDiscriminator, spotMarketMinSize); err != nil {
		return nil, fmt.Errorf("spot market: %w", err)
	}

	dec := bin.NewBinDecoder(data)
	var m SpotMarket
	var err error

	keys := []struct {
		offset uint
		dst    *solana.PublicKey
	}{
		{spotMarketPubkeyOffset, &m.Pubkey},
		{spotMarketOracleOffset, &m.Oracle},
		{spotMarketMintOffset, &m.Mint},
		{spotMarketVaultOffset, &m.Vault},
	}
	for _, k := range keys {
		if *k.dst, err = readPublicKeyAt(dec, k.offset); err != nil {
			return nil, fmt.Errorf("spot market: %w", err)
		}
	}

	if err := readFixedAt(dec, spotMarketNameOffset, m.Name[:]); err != nil {
		return nil, fmt.Errorf("spot market name: %w", err)
	}

	u128s := []struct {
		offset uint
		dst    *bin.Uint128
	}{
		{spotMarketDepositBalanceOffset, &m.DepositBalance},
		{spotMarketBorrowBalanceOffset, &m.BorrowBalance},
		{spotMarketCumulativeDepositInterestOffset, &m.CumulativeDepositInterest},
		{spotMarketCumulativeBorrowInterestOffset, &m.CumulativeBorrowInterest},
	}
	for _, f := range u128s {
		if err := dec.SetPosition(f.offset); err != nil {
			return nil, wrapDecode("spot market", err)
		}
		if *f.dst, err = dec.ReadUint128(bin.LE); err != nil {
			return nil, wrapDecode("spot market", err)
		}
	}

	if err := dec.SetPosition(spotMarketDecimalsOffset); err != nil {
		return nil, wrapDecode("spot market decimals", err)
	}
	if m.Decimals, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, wrapDecode("spot market decimals", err)
	}
	if m.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
		return nil, wrapDecode("spot market market_index", err)
	}

	return &m, nil
}

func (d LayoutV1Decoder) DecodeUser(data []byte) (*User, error) {
	if err := d.checkHeader(data, UserDiscriminator, userMinSize); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}

	dec := bin.NewBinDecoder(data)
	var u User
	var err error

	if u.Authority, err = readPublicKeyAt(dec, userAuthorityOffset); err != nil {
		return nil, fmt.Errorf("user authority: %w", err)
	}
	if u.Delegate, err = readPublicKeyAt(dec, userDelegateOffset); err != nil {
		return nil, fmt.Errorf("user delegate: %w", err)
	}
	if err := readFixedAt(dec, userNameOffset, u.Name[:]); err != nil {
		return nil, fmt.Errorf("user name: %w", err)
	}

	if err := dec.SetPosition(userSpotPositionsOffset); err != nil {
		return nil, wrapDecode("user spot positions", err)
	}
	for i := range u.SpotPositions {
		if err := decodeSpotPosition(dec, &u.SpotPositions[i]); err != nil {
			return nil, fmt.Errorf("user spot position %d: %w", i, err)
		}
	}

	return &u, nil
}

func (LayoutV1Decoder) checkHeader(data []byte, want Discriminator, minSize int) error {
	if len(data) < DiscriminatorSize {
		return ErrAccountTooShort
	}
	if !bytes.Equal(data[:DiscriminatorSize], want[:]) {
		return ErrDiscriminatorMismatch
	}
	if len(data) < minSize {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrAccountTooShort, len(data), minSize)
	}
	return nil
}

// decodeSpotPosition reads one 40 byte slot starting at the decoder position.
func decodeSpotPosition(dec *bin.Decoder, p *SpotPosition) error {
	var err error
	if p.ScaledBalance, err = dec.ReadUint64(bin.LE); err != nil {
		return wrapDecode("scaled_balance", err)
	}
	if p.OpenBids, err = dec.ReadInt64(bin.LE); err != nil {
		return wrapDecode("open_bids", err)
	}
	if p.OpenAsks, err = dec.ReadInt64(bin.LE); err != nil {
		return wrapDecode("open_asks", err)
	}
	if p.CumulativeDeposits, err = dec.ReadInt64(bin.LE); err != nil {
		return wrapDecode("cumulative_deposits", err)
	}
	if p.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
		return wrapDecode("market_index", err)
	}
	balanceType, err := dec.ReadUint8()
	if err != nil {
		return wrapDecode("balance_type", err)
	}
	switch SpotBalanceType(balanceType) {
	case SpotBalanceTypeDeposit, SpotBalanceTypeBorrow:
		p.BalanceType = SpotBalanceType(balanceType)
	default:
		return fmt.Errorf("%w: invalid balance_type %d", ErrDecode, balanceType)
	}
	if p.OpenOrders, err = dec.ReadUint8(); err != nil {
		return wrapDecode("open_orders", err)
	}
	// 4 bytes of padding
	if err := dec.SkipBytes(4); err != nil {
		return wrapDecode("padding", err)
	}

	p.Occupied = !p.IsAvailable()
	return nil
}

func readPublicKeyAt(dec *bin.Decoder, offset uint) (solana.PublicKey, error) {
	if err := dec.SetPosition(offset); err != nil {
		return solana.PublicKey{}, wrapDecode("public key", err)
	}
	raw, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, wrapDecode("public key", err)
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func readFixedAt(dec *bin.Decoder, offset uint, dst []byte) error {
	if err := dec.SetPosition(offset); err != nil {
		return wrapDecode("fixed bytes", err)
	}
	raw, err := dec.ReadNBytes(len(dst))
	if err != nil {
		return wrapDecode("fixed bytes", err)
	}
	copy(dst, raw)
	return nil
}

func wrapDecode(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDecode, field, err)
}
