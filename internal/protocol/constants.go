// Package protocol holds the external contract of the lending protocol whose
// accounts this service reads: account discriminators, precision constants and
// the binary layout of SpotMarket and User accounts.
//
// Nothing in here is owned by this service. When the protocol ships a new
// account version, add a new layout (and decoder) instead of editing v1.
package protocol

import (
	"crypto/sha256"

	solana "github.com/gagliardetto/solana-go"
)

// DriftProgramID is the mainnet program that owns SpotMarket and User accounts.
var DriftProgramID = solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")

const (
	// SpotBalancePrecisionExp is the exponent of the scaled balance precision.
	SpotBalancePrecisionExp = 9
	// SpotBalancePrecision is the fixed-point scale of SpotPosition.ScaledBalance.
	SpotBalancePrecision uint64 = 1_000_000_000

	// SpotCumulativeInterestPrecisionExp is the exponent of the interest accumulator precision.
	SpotCumulativeInterestPrecisionExp = 10
	// SpotCumulativeInterestPrecision is the fixed-point scale of the cumulative interest
	// accumulators. A fresh market starts at exactly this value.
	SpotCumulativeInterestPrecision uint64 = 10_000_000_000

	// MaxSpotDecimals is the largest token decimals value the conversion supports:
	// balance precision exponent + interest precision exponent.
	MaxSpotDecimals = SpotBalancePrecisionExp + SpotCumulativeInterestPrecisionExp

	// MaxSpotPositions is the number of spot position slots in a User account.
	MaxSpotPositions = 8

	// DiscriminatorSize is the length of the account type tag.
	DiscriminatorSize = 8
)

// Discriminator is the 8 byte tag at the start of every Anchor account.
type Discriminator [DiscriminatorSize]byte

var (
	SpotMarketDiscriminator = accountDiscriminator("SpotMarket")
	UserDiscriminator       = accountDiscriminator("User")
)

// accountDiscriminator derives the Anchor tag: sha256("account:<Name>")[:8].
func accountDiscriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte("account:" + name))
	var d Discriminator
	copy(d[:], sum[:DiscriminatorSize])
	return d
}
