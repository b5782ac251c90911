package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// ErrSnapshotNotFound is returned when no snapshot matches a lookup.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ChainLink is the header of one persisted snapshot.
type ChainLink struct {
	Sequence    int64
	SnapshotID  uuid.UUID
	MarketIndex uint16
	Decimals    uint32
	UserCount   int
	ContentHash [32]byte
	PrevHash    [32]byte
	StateHash   [32]byte
	RequestID   uuid.UUID
	Trigger     event.SnapshotTrigger
	CreatedAt   time.Time
}

// SnapshotStore reads the persisted snapshot log for recovery, projection
// rebuilds and queries.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

const chainLinkColumns = `sequence, snapshot_id, market_index, decimals, user_count,
	content_hash, prev_hash, state_hash, request_id, trigger_kind, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChainLink(row rowScanner) (*ChainLink, error) {
	var (
		l                     ChainLink
		marketIndex, decimals int64
		content, prev, state  []byte
		requestID             uuid.NullUUID
		trigger               string
	)
	if err := row.Scan(
		&l.Sequence, &l.SnapshotID, &marketIndex, &decimals, &l.UserCount,
		&content, &prev, &state, &requestID, &trigger, &l.CreatedAt,
	); err != nil {
		return nil, err
	}

	for _, h := range []struct {
		name string
		src  []byte
		dst  *[32]byte
	}{
		{"content_hash", content, &l.ContentHash},
		{"prev_hash", prev, &l.PrevHash},
		{"state_hash", state, &l.StateHash},
	} {
		if len(h.src) != 32 {
			return nil, fmt.Errorf("snapshot %d: %s has %d bytes", l.Sequence, h.name, len(h.src))
		}
		copy(h.dst[:], h.src)
	}

	l.MarketIndex = uint16(marketIndex)
	l.Decimals = uint32(decimals)
	if requestID.Valid {
		l.RequestID = requestID.UUID
	}
	l.Trigger = event.SnapshotTrigger(trigger)
	return &l, nil
}

// LoadChainTip returns the newest snapshot header, or nil on an empty log.
func (s *SnapshotStore) LoadChainTip(ctx context.Context) (*ChainLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chainLinkColumns+`
		FROM snapshots.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)
	l, err := scanChainLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // cold start
	}
	if err != nil {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	return l, nil
}

// GetLatestSequence returns the highest persisted sequence, 0 when empty.
func (s *SnapshotStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM snapshots.snapshots`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// ListChain returns up to limit headers with sequence > afterSequence in
// ascending order.
func (s *SnapshotStore) ListChain(ctx context.Context, afterSequence int64, limit int) ([]ChainLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chainLinkColumns+`
		FROM snapshots.snapshots
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []ChainLink
	for rows.Next() {
		l, err := scanChainLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

// LoadAmounts returns the rows of one snapshot in result order.
func (s *SnapshotStore) LoadAmounts(ctx context.Context, sequence int64) ([]extractor.UserTokenAmount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_key, authority, token_amount::text
		FROM snapshots.token_amounts
		WHERE sequence = $1
		ORDER BY position ASC
	`, sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	amounts := make([]extractor.UserTokenAmount, 0)
	for rows.Next() {
		var user, authority, amount string
		if err := rows.Scan(&user, &authority, &amount); err != nil {
			return nil, err
		}
		a, err := ParseTokenAmountRow(user, authority, amount)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", sequence, err)
		}
		amounts = append(amounts, a)
	}
	return amounts, rows.Err()
}

// LoadLatestSnapshot returns the newest snapshot of marketIndex with its rows.
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context, marketIndex uint16) (*event.TokenAmountSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chainLinkColumns+`
		FROM snapshots.snapshots
		WHERE market_index = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, int(marketIndex))
	return s.loadSnapshot(ctx, row)
}

// LoadSnapshot returns one snapshot by sequence with its rows.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, sequence int64) (*event.TokenAmountSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chainLinkColumns+`
		FROM snapshots.snapshots
		WHERE sequence = $1
	`, sequence)
	return s.loadSnapshot(ctx, row)
}

// ListMarkets returns every market index with at least one snapshot.
func (s *SnapshotStore) ListMarkets(ctx context.Context) ([]uint16, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT market_index FROM snapshots.snapshots ORDER BY market_index
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []uint16
	for rows.Next() {
		var m int64
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		markets = append(markets, uint16(m))
	}
	return markets, rows.Err()
}

func (s *SnapshotStore) loadSnapshot(ctx context.Context, row *sql.Row) (*event.TokenAmountSnapshot, error) {
	l, err := scanChainLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	amounts, err := s.LoadAmounts(ctx, l.Sequence)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d amounts: %w", l.Sequence, err)
	}

	return &event.TokenAmountSnapshot{
		SnapshotID:  l.SnapshotID,
		Sequence:    l.Sequence,
		MarketIndex: l.MarketIndex,
		Decimals:    l.Decimals,
		Amounts:     amounts,
		ContentHash: l.ContentHash,
		PrevHash:    l.PrevHash,
		StateHash:   l.StateHash,
		RequestID:   l.RequestID,
		Trigger:     l.Trigger,
		CreatedAt:   l.CreatedAt,
	}, nil
}

// ParseTokenAmountRow converts stored text columns back into a result row.
func ParseTokenAmountRow(user, authority, amount string) (extractor.UserTokenAmount, error) {
	userKey, err := solana.PublicKeyFromBase58(user)
	if err != nil {
		return extractor.UserTokenAmount{}, fmt.Errorf("parse user_key %q: %w", user, err)
	}
	authorityKey, err := solana.PublicKeyFromBase58(authority)
	if err != nil {
		return extractor.UserTokenAmount{}, fmt.Errorf("parse authority %q: %w", authority, err)
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return extractor.UserTokenAmount{}, fmt.Errorf("parse token_amount %q", amount)
	}
	return extractor.UserTokenAmount{User: userKey, Authority: authorityKey, TokenAmount: value}, nil
}
