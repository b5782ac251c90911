package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"SpotSnapshot/internal/core"
	"SpotSnapshot/internal/persistence"

	solana "github.com/gagliardetto/solana-go"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000

	integrityPageSize = 500
)

// QueryService provides read-only access to the projection tables and the
// snapshot log. Responses carry as_of_sequence: the snapshot the projection
// of the market reflects.
type QueryService struct {
	db    *sql.DB
	store *persistence.SnapshotStore
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db, store: persistence.NewSnapshotStore(db)}
}

type watermark struct {
	sequence int64
	decimals uint32
}

// ListTokenAmounts returns one page of a market's balances ordered by user
// key, starting after afterUser (empty for the first page).
func (qs *QueryService) ListTokenAmounts(
	ctx context.Context,
	marketIndex uint16,
	limit int,
	afterUser string,
) (*TokenAmountList, error) {
	wm, err := qs.getWatermark(ctx, marketIndex)
	if err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)

	// Fetch one extra row to know whether another page exists.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT user_key, authority, token_amount::text, last_sequence
		FROM projections.latest_token_amounts
		WHERE market_index = $1 AND user_key > $2
		ORDER BY user_key
		LIMIT $3
	`, int(marketIndex), afterUser, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := &TokenAmountList{
		MarketIndex:  marketIndex,
		Decimals:     wm.decimals,
		Amounts:      make([]TokenAmountResponse, 0, limit),
		AsOfSequence: wm.sequence,
	}
	for rows.Next() {
		r, err := scanTokenAmount(rows, marketIndex, wm.decimals)
		if err != nil {
			return nil, err
		}
		if len(list.Amounts) == limit {
			list.NextCursor = list.Amounts[len(list.Amounts)-1].User
			break
		}
		list.Amounts = append(list.Amounts, r)
	}
	return list, rows.Err()
}

// GetUserTokenAmount returns one user account's balance in a market.
func (qs *QueryService) GetUserTokenAmount(
	ctx context.Context,
	marketIndex uint16,
	user solana.PublicKey,
) (*UserTokenAmountResponse, error) {
	wm, err := qs.getWatermark(ctx, marketIndex)
	if err != nil {
		return nil, err
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT user_key, authority, token_amount::text, last_sequence
		FROM projections.latest_token_amounts
		WHERE market_index = $1 AND user_key = $2
	`, int(marketIndex), user.String())

	r, err := scanTokenAmount(row, marketIndex, wm.decimals)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s has no position in market %d", ErrNotFound, user, marketIndex)
	}
	if err != nil {
		return nil, err
	}
	return &UserTokenAmountResponse{TokenAmountResponse: r, AsOfSequence: wm.sequence}, nil
}

// ListByAuthority returns every position held by user accounts of authority.
func (qs *QueryService) ListByAuthority(ctx context.Context, authority solana.PublicKey) (*AuthorityTokenAmounts, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT t.market_index, t.user_key, t.authority, t.token_amount::text, t.last_sequence, w.decimals
		FROM projections.latest_token_amounts t
		JOIN projections.watermark w ON w.market_index = t.market_index
		WHERE t.authority = $1
		ORDER BY t.market_index, t.user_key
	`, authority.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &AuthorityTokenAmounts{
		Authority: authority.String(),
		Amounts:   make([]TokenAmountResponse, 0),
	}
	for rows.Next() {
		var (
			marketIndex, decimals int64
			user, auth, amount    string
			seq                   int64
		)
		if err := rows.Scan(&marketIndex, &user, &auth, &amount, &seq, &decimals); err != nil {
			return nil, err
		}
		a, err := persistence.ParseTokenAmountRow(user, auth, amount)
		if err != nil {
			return nil, err
		}
		out.Amounts = append(out.Amounts, NewTokenAmountResponse(uint16(marketIndex), uint32(decimals), seq, a))
		if seq > out.AsOfSequence {
			out.AsOfSequence = seq
		}
	}
	return out, rows.Err()
}

// GetLatestSnapshot returns the newest persisted snapshot of a market with
// its rows.
func (qs *QueryService) GetLatestSnapshot(ctx context.Context, marketIndex uint16) (*SnapshotResponse, error) {
	snap, err := qs.store.LoadLatestSnapshot(ctx, marketIndex)
	if errors.Is(err, persistence.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("%w: no snapshot for market %d", ErrNotFound, marketIndex)
	}
	if err != nil {
		return nil, err
	}
	return NewSnapshotResponse(snap, true), nil
}

// --- Admin APIs ---

// VerifyIntegrity walks the whole snapshot log and checks that every link
// hashes to its successor, that sequences are contiguous, that stored rows
// still hash to the recorded content hash, and that no projection lags
// behind the log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	prevSeq := int64(0)
	prevHash := core.GenesisHash()
	latest := make(map[uint16]int64)

	for {
		links, err := qs.store.ListChain(ctx, prevSeq, integrityPageSize)
		if err != nil {
			return nil, fmt.Errorf("list chain: %w", err)
		}
		if len(links) == 0 {
			break
		}

		for _, l := range links {
			report.CheckedSnapshots++

			if l.Sequence != prevSeq+1 {
				report.SequenceGaps = append(report.SequenceGaps, l.Sequence)
			}
			if l.PrevHash != prevHash || l.StateHash != core.ChainHash(l.PrevHash, l.Sequence, l.ContentHash) {
				report.HashChainBreaks = append(report.HashChainBreaks, l.Sequence)
			}

			amounts, err := qs.store.LoadAmounts(ctx, l.Sequence)
			if err != nil {
				return nil, err
			}
			if core.DigestAmounts(l.MarketIndex, l.Decimals, amounts) != l.ContentHash {
				report.ContentMismatch = append(report.ContentMismatch, l.Sequence)
			}

			latest[l.MarketIndex] = l.Sequence
			prevSeq = l.Sequence
			prevHash = l.StateHash
		}
	}
	report.AsOfSequence = prevSeq

	for market, seq := range latest {
		wm, err := qs.getWatermark(ctx, market)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err != nil || wm.sequence < seq {
			report.StaleProjections = append(report.StaleProjections, market)
		}
	}
	sort.Slice(report.StaleProjections, func(i, j int) bool {
		return report.StaleProjections[i] < report.StaleProjections[j]
	})

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.ContentMismatch) == 0 &&
		len(report.StaleProjections) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context, marketIndex uint16) (watermark, error) {
	var seq, decimals int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence, decimals FROM projections.watermark WHERE market_index = $1
	`, int(marketIndex)).Scan(&seq, &decimals)
	if errors.Is(err, sql.ErrNoRows) {
		return watermark{}, fmt.Errorf("%w: market %d has no snapshot", ErrNotFound, marketIndex)
	}
	if err != nil {
		return watermark{}, fmt.Errorf("watermark: %w", err)
	}
	return watermark{sequence: seq, decimals: uint32(decimals)}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTokenAmount(row rowScanner, marketIndex uint16, decimals uint32) (TokenAmountResponse, error) {
	var user, authority, amount string
	var seq int64
	if err := row.Scan(&user, &authority, &amount, &seq); err != nil {
		return TokenAmountResponse{}, err
	}
	a, err := persistence.ParseTokenAmountRow(user, authority, amount)
	if err != nil {
		return TokenAmountResponse{}, err
	}
	return NewTokenAmountResponse(marketIndex, decimals, seq, a), nil
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
