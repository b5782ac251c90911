package ingestion

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// SnapshotRequest asks for an on-demand snapshot of one market.
type SnapshotRequest struct {
	RequestID   uuid.UUID
	MarketIndex uint16

	AckFunc func() // Call once the request has been handed to the snapshotter
	NakFunc func() // Call to have the request redelivered
}

// --- JSON wire format ---

type snapshotRequestJSON struct {
	RequestID   string `json:"request_id"`
	MarketIndex *int64 `json:"market_index"`
}

// ParseSnapshotRequest decodes {"request_id": "<uuid>", "market_index": n}.
// A missing request_id gets a fresh one.
func ParseSnapshotRequest(data []byte) (SnapshotRequest, error) {
	var j snapshotRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return SnapshotRequest{}, fmt.Errorf("parse snapshot request: %w", err)
	}

	if j.MarketIndex == nil {
		return SnapshotRequest{}, fmt.Errorf("parse snapshot request: market_index is required")
	}
	if *j.MarketIndex < 0 || *j.MarketIndex > math.MaxUint16 {
		return SnapshotRequest{}, fmt.Errorf("parse snapshot request: market_index %d out of range", *j.MarketIndex)
	}

	requestID := uuid.New()
	if j.RequestID != "" {
		id, err := uuid.Parse(j.RequestID)
		if err != nil {
			return SnapshotRequest{}, fmt.Errorf("parse request_id: %w", err)
		}
		requestID = id
	}

	return SnapshotRequest{
		RequestID:   requestID,
		MarketIndex: uint16(*j.MarketIndex),
	}, nil
}
