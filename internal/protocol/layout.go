package protocol

// Layout v1 byte offsets. All offsets include the 8 byte discriminator and
// all integers are little-endian.
const (
	spotMarketPubkeyOffset                    = 8
	spotMarketOracleOffset                    = 40
	spotMarketMintOffset                      = 72
	spotMarketVaultOffset                     = 104
	spotMarketNameOffset                      = 136
	spotMarketDepositBalanceOffset            = 432
	spotMarketBorrowBalanceOffset             = 448
	spotMarketCumulativeDepositInterestOffset = 464
	spotMarketCumulativeBorrowInterestOffset  = 480
	spotMarketDecimalsOffset                  = 680

	// SpotMarketMarketIndexOffset is exported for RPC memcmp filters.
	SpotMarketMarketIndexOffset = 684

	// SpotMarketAccountSize is the full on-chain size of a SpotMarket account.
	SpotMarketAccountSize = 776

	spotMarketMinSize = SpotMarketMarketIndexOffset + 2
)

const (
	userAuthorityOffset     = 8
	userDelegateOffset      = 40
	userNameOffset          = 72
	userSpotPositionsOffset = 104

	// SpotPositionSize is the size of one spot position slot.
	SpotPositionSize = 40

	// UserAccountSize is the full on-chain size of a User account.
	UserAccountSize = 4376

	userMinSize = userSpotPositionsOffset + MaxSpotPositions*SpotPositionSize
)
