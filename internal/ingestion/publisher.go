package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream        = "SPOT_TOKEN_AMOUNTS"
	OutboundSubjectPrefix = "spot.token_amounts"
)

// Publisher is the part of jetstream.JetStream the outbound publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes snapshots to NATS for downstream consumers.
// Subjects follow spot.token_amounts.{market_index}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan *event.TokenAmountSnapshot
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// TokenAmountJSON is one entry of the outbound message. Amounts are decimal
// strings since they may exceed 64 bits.
type TokenAmountJSON struct {
	User        string `json:"user"`
	Authority   string `json:"authority"`
	TokenAmount string `json:"token_amount"`
}

// SnapshotMessage is the outbound wire format.
type SnapshotMessage struct {
	SnapshotID  string            `json:"snapshot_id"`
	RequestID   string            `json:"request_id,omitempty"`
	Sequence    int64             `json:"sequence"`
	MarketIndex uint16            `json:"market_index"`
	Decimals    uint32            `json:"decimals"`
	Trigger     string            `json:"trigger"`
	StateHash   string            `json:"state_hash"`
	PrevHash    string            `json:"prev_hash"`
	Amounts     []TokenAmountJSON `json:"amounts"`
	CreatedAt   time.Time         `json:"created_at"`
}

func NewOutboundPublisher(
	js Publisher,
	inputChan <-chan *event.TokenAmountSnapshot,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.Publish(ctx, snap); err != nil {
				// Non-fatal: consumers can read the snapshot log.
				op.logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

// Publish sends one snapshot. The snapshot id is the JetStream message id so
// a retried publish is deduplicated by the server.
func (op *OutboundPublisher) Publish(ctx context.Context, snap *event.TokenAmountSnapshot) error {
	data, err := json.Marshal(NewSnapshotMessage(snap))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = op.js.Publish(ctx, SnapshotSubject(snap.MarketIndex), data, jetstream.WithMsgID(snap.SnapshotID.String()))
	return err
}

// SnapshotSubject returns spot.token_amounts.{market_index}.
func SnapshotSubject(marketIndex uint16) string {
	return fmt.Sprintf("%s.%d", OutboundSubjectPrefix, marketIndex)
}

// NewSnapshotMessage converts a snapshot to its wire format.
func NewSnapshotMessage(snap *event.TokenAmountSnapshot) SnapshotMessage {
	msg := SnapshotMessage{
		SnapshotID:  snap.SnapshotID.String(),
		Sequence:    snap.Sequence,
		MarketIndex: snap.MarketIndex,
		Decimals:    snap.Decimals,
		Trigger:     string(snap.Trigger),
		StateHash:   hex.EncodeToString(snap.StateHash[:]),
		PrevHash:    hex.EncodeToString(snap.PrevHash[:]),
		Amounts:     make([]TokenAmountJSON, 0, len(snap.Amounts)),
		CreatedAt:   snap.CreatedAt,
	}
	if snap.Trigger != event.TriggerScheduled {
		msg.RequestID = snap.RequestID.String()
	}
	for _, a := range snap.Amounts {
		msg.Amounts = append(msg.Amounts, TokenAmountJSON{
			User:        a.User.String(),
			Authority:   a.Authority.String(),
			TokenAmount: a.TokenAmount.String(),
		})
	}
	return msg
}
