package query

import (
	"encoding/hex"
	"errors"
	"time"

	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"
	spotmath "SpotSnapshot/internal/math"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the market, user or snapshot is unknown.
var ErrNotFound = errors.New("not found")

// TokenAmountResponse is one user's balance in one market.
type TokenAmountResponse struct {
	MarketIndex  uint16 `json:"market_index"`
	User         string `json:"user"`
	Authority    string `json:"authority"`
	TokenAmount  string `json:"token_amount"` // base units, signed decimal
	UIAmount     string `json:"ui_amount"`    // natural units, display only
	Decimals     uint32 `json:"decimals"`
	LastSequence int64  `json:"last_sequence"`
}

// TokenAmountList is one page of a market's balances ordered by user.
type TokenAmountList struct {
	MarketIndex  uint16                `json:"market_index"`
	Decimals     uint32                `json:"decimals"`
	Amounts      []TokenAmountResponse `json:"amounts"`
	NextCursor   string                `json:"next_cursor,omitempty"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// UserTokenAmountResponse wraps a single balance with freshness.
type UserTokenAmountResponse struct {
	TokenAmountResponse
	AsOfSequence int64 `json:"as_of_sequence"`
}

// AuthorityTokenAmounts lists every position of the user accounts one
// wallet controls, across markets.
type AuthorityTokenAmounts struct {
	Authority    string                `json:"authority"`
	Amounts      []TokenAmountResponse `json:"amounts"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// SnapshotResponse describes one snapshot of the hash chain.
type SnapshotResponse struct {
	SnapshotID   uuid.UUID             `json:"snapshot_id"`
	Sequence     int64                 `json:"sequence"`
	MarketIndex  uint16                `json:"market_index"`
	Decimals     uint32                `json:"decimals"`
	UserCount    int                   `json:"user_count"`
	ContentHash  string                `json:"content_hash"`
	PrevHash     string                `json:"prev_hash"`
	StateHash    string                `json:"state_hash"`
	Trigger      string                `json:"trigger"`
	RequestID    *uuid.UUID            `json:"request_id,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	Amounts      []TokenAmountResponse `json:"amounts,omitempty"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool     `json:"is_healthy"`
	CheckedSnapshots int      `json:"checked_snapshots"`
	HashChainBreaks  []int64  `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64  `json:"sequence_gaps,omitempty"`
	ContentMismatch  []int64  `json:"content_mismatch,omitempty"`
	StaleProjections []uint16 `json:"stale_projections,omitempty"`
	AsOfSequence     int64    `json:"as_of_sequence"`
}

// NewTokenAmountResponse renders one extraction row.
func NewTokenAmountResponse(marketIndex uint16, decimals uint32, sequence int64, a extractor.UserTokenAmount) TokenAmountResponse {
	return TokenAmountResponse{
		MarketIndex:  marketIndex,
		User:         a.User.String(),
		Authority:    a.Authority.String(),
		TokenAmount:  a.TokenAmount.String(),
		UIAmount:     spotmath.FormatTokenAmount(a.TokenAmount, decimals),
		Decimals:     decimals,
		LastSequence: sequence,
	}
}

// NewSnapshotResponse renders a snapshot header and, optionally, its rows.
func NewSnapshotResponse(snap *event.TokenAmountSnapshot, withAmounts bool) *SnapshotResponse {
	resp := &SnapshotResponse{
		SnapshotID:   snap.SnapshotID,
		Sequence:     snap.Sequence,
		MarketIndex:  snap.MarketIndex,
		Decimals:     snap.Decimals,
		UserCount:    len(snap.Amounts),
		ContentHash:  hex.EncodeToString(snap.ContentHash[:]),
		PrevHash:     hex.EncodeToString(snap.PrevHash[:]),
		StateHash:    hex.EncodeToString(snap.StateHash[:]),
		Trigger:      string(snap.Trigger),
		CreatedAt:    snap.CreatedAt,
		AsOfSequence: snap.Sequence,
	}
	if snap.RequestID != uuid.Nil {
		id := snap.RequestID
		resp.RequestID = &id
	}
	if withAmounts {
		resp.Amounts = make([]TokenAmountResponse, 0, len(snap.Amounts))
		for _, a := range snap.Amounts {
			resp.Amounts = append(resp.Amounts, NewTokenAmountResponse(snap.MarketIndex, snap.Decimals, snap.Sequence, a))
		}
	}
	return resp
}
