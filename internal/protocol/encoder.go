package protocol

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// EncodeSpotMarket writes a full-size v1 SpotMarket account. Fields this
// service does not model are zero.
func EncodeSpotMarket(m *SpotMarket) ([]byte, error) {
	w := newLayoutWriter(SpotMarketAccountSize)
	w.bytes(SpotMarketDiscriminator[:])

	w.seek(spotMarketPubkeyOffset)
	w.publicKey(m.Pubkey)
	w.publicKey(m.Oracle)
	w.publicKey(m.Mint)
	w.publicKey(m.Vault)
	w.bytes(m.Name[:])

	w.seek(spotMarketDepositBalanceOffset)
	w.uint128(m.DepositBalance)
	w.uint128(m.BorrowBalance)
	w.uint128(m.CumulativeDepositInterest)
	w.uint128(m.CumulativeBorrowInterest)

	w.seek(spotMarketDecimalsOffset)
	w.err(w.enc.WriteUint32(m.Decimals, bin.LE))
	w.err(w.enc.WriteUint16(m.MarketIndex, bin.LE))

	return w.finish("spot market")
}

// EncodeUser writes a full-size v1 User account. The Occupied flag of each
// position is not stored; the decoder derives it again.
func EncodeUser(u *User) ([]byte, error) {
	w := newLayoutWriter(UserAccountSize)
	w.bytes(UserDiscriminator[:])

	w.seek(userAuthorityOffset)
	w.publicKey(u.Authority)
	w.publicKey(u.Delegate)
	w.bytes(u.Name[:])

	w.seek(userSpotPositionsOffset)
	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		w.err(w.enc.WriteUint64(p.ScaledBalance, bin.LE))
		w.err(w.enc.WriteInt64(p.OpenBids, bin.LE))
		w.err(w.enc.WriteInt64(p.OpenAsks, bin.LE))
		w.err(w.enc.WriteInt64(p.CumulativeDeposits, bin.LE))
		w.err(w.enc.WriteUint16(p.MarketIndex, bin.LE))
		w.err(w.enc.WriteUint8(uint8(p.BalanceType)))
		w.err(w.enc.WriteUint8(p.OpenOrders))
		w.bytes(make([]byte, 4))
	}

	return w.finish("user")
}

// layoutWriter is a sequential encoder that can pad forward to fixed offsets.
type layoutWriter struct {
	buf      *bytes.Buffer
	enc      *bin.Encoder
	size     int
	firstErr error
}

func newLayoutWriter(size int) *layoutWriter {
	buf := new(bytes.Buffer)
	buf.Grow(size)
	return &layoutWriter{buf: buf, enc: bin.NewBinEncoder(buf), size: size}
}

func (w *layoutWriter) err(err error) {
	if w.firstErr == nil && err != nil {
		w.firstErr = err
	}
}

func (w *layoutWriter) seek(offset int) {
	if w.buf.Len() > offset {
		w.err(fmt.Errorf("layout overlap: at %d, seeking %d", w.buf.Len(), offset))
		return
	}
	w.bytes(make([]byte, offset-w.buf.Len()))
}

func (w *layoutWriter) bytes(b []byte) {
	w.err(w.enc.WriteBytes(b, false))
}

func (w *layoutWriter) publicKey(k solana.PublicKey) {
	w.bytes(k[:])
}

func (w *layoutWriter) uint128(v bin.Uint128) {
	w.err(w.enc.WriteUint128(v, bin.LE))
}

func (w *layoutWriter) finish(what string) ([]byte, error) {
	w.seek(w.size)
	if w.firstErr != nil {
		return nil, fmt.Errorf("encode %s: %w", what, w.firstErr)
	}
	return w.buf.Bytes(), nil
}
