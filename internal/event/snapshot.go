package event

import (
	"time"

	"SpotSnapshot/internal/extractor"

	"github.com/google/uuid"
)

// SnapshotTrigger records what caused a snapshot to be taken.
type SnapshotTrigger string

const (
	TriggerScheduled SnapshotTrigger = "scheduled"
	TriggerRequest   SnapshotTrigger = "request"
	TriggerAPI       SnapshotTrigger = "api"
)

// TokenAmountSnapshot is one extraction result for one market, sealed into the
// snapshot hash chain. It is immutable once emitted by the snapshotter; all
// consumers (persistence, projection, publisher) share the same value.
type TokenAmountSnapshot struct {
	// Random id, also used as the NATS message id for dedup
	SnapshotID uuid.UUID

	// Global monotonic sequence assigned by the snapshotter
	Sequence int64

	// Market context
	MarketIndex uint16
	Decimals    uint32

	// Extraction result in record order
	Amounts []extractor.UserTokenAmount

	// SHA-256 digest of Amounts
	ContentHash [32]byte

	// Chain tip before this snapshot
	PrevHash [32]byte

	// SHA-256(prev_hash || sequence || content_hash)
	StateHash [32]byte

	// Request id for on-demand snapshots (uuid.Nil when scheduled)
	RequestID uuid.UUID

	Trigger   SnapshotTrigger
	CreatedAt time.Time
}
