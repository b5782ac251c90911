package core

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"SpotSnapshot/internal/extractor"
)

const GenesisHashSeed = "SpotSnapshot:genesis:v1"

// GenesisHash is the chain tip before the first snapshot.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// SnapshotHasher maintains the snapshot hash chain.
type SnapshotHasher struct {
	prevHash [32]byte
}

// NewSnapshotHasher initializes with genesis hash
func NewSnapshotHasher() *SnapshotHasher {
	return &SnapshotHasher{
		prevHash: GenesisHash(),
	}
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || sequence || content_hash)
// without advancing the chain.
func (h *SnapshotHasher) ComputeHash(sequence int64, contentHash [32]byte) [32]byte {
	return ChainHash(h.prevHash, sequence, contentHash)
}

// Advance moves the chain tip to hash.
func (h *SnapshotHasher) Advance(hash [32]byte) {
	h.prevHash = hash
}

// Restore sets the chain tip after a restart.
func (h *SnapshotHasher) Restore(tip [32]byte) {
	h.prevHash = tip
}

// GetPrevHash returns current chain tip
func (h *SnapshotHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// ChainHash is the link function of the snapshot chain.
func ChainHash(prev [32]byte, sequence int64, contentHash [32]byte) [32]byte {
	hasher := sha256.New()

	// prev_hash (32 bytes)
	hasher.Write(prev[:])

	// sequence (8 bytes LE)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(contentHash[:])

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

var mask128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// DigestAmounts is the canonical content hash of one extraction result:
// market_index (2 LE) || decimals (4 LE) || count (4 LE), then per entry
// user (32) || authority (32) || amount (16, two's complement LE), in
// result order.
func DigestAmounts(marketIndex uint16, decimals uint32, amounts []extractor.UserTokenAmount) [32]byte {
	hasher := sha256.New()

	var header [10]byte
	binary.LittleEndian.PutUint16(header[0:], marketIndex)
	binary.LittleEndian.PutUint32(header[2:], decimals)
	binary.LittleEndian.PutUint32(header[6:], uint32(len(amounts)))
	hasher.Write(header[:])

	var amountBuf [16]byte
	word := new(big.Int)
	for _, a := range amounts {
		hasher.Write(a.User[:])
		hasher.Write(a.Authority[:])

		word.And(a.TokenAmount, mask128)
		word.FillBytes(amountBuf[:])
		reverse(amountBuf[:])
		hasher.Write(amountBuf[:])
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
