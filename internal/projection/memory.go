package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"SpotSnapshot/internal/core"
	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"
	"SpotSnapshot/internal/query"

	solana "github.com/gagliardetto/solana-go"
)

// DefaultRetainedSnapshots bounds the chain a MemoryProjection keeps for
// integrity checks.
const DefaultRetainedSnapshots = 1024

type marketView struct {
	snap *event.TokenAmountSnapshot
	keys []string // sorted user keys
	rows []extractor.UserTokenAmount
}

// MemoryProjection serves the query API without Postgres. It holds the
// newest snapshot of each market plus a bounded tail of the chain.
//
// It should be fed from the snapshotter's persistence channel so it sees
// every snapshot; fed from the lossy projection channel, VerifyIntegrity
// would report the dropped sequences as gaps.
type MemoryProjection struct {
	mu      sync.RWMutex
	markets map[uint16]*marketView
	chain   []*event.TokenAmountSnapshot
	retain  int
}

func NewMemoryProjection(retain int) *MemoryProjection {
	if retain <= 0 {
		retain = DefaultRetainedSnapshots
	}
	return &MemoryProjection{
		markets: make(map[uint16]*marketView),
		chain:   make([]*event.TokenAmountSnapshot, 0),
		retain:  retain,
	}
}

// Run applies snapshots until ctx is cancelled or the channel closes.
func (p *MemoryProjection) Run(ctx context.Context, inputChan <-chan *event.TokenAmountSnapshot) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-inputChan:
			if !ok {
				return nil
			}
			p.Apply(snap)
		}
	}
}

// Apply records snap. Snapshots older than the market's current one are
// ignored for queries but still join the retained chain.
func (p *MemoryProjection) Apply(snap *event.TokenAmountSnapshot) {
	rows := LatestPerUser(snap.Amounts)
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].User.String() < rows[j].User.String()
	})
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.User.String()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.chain = append(p.chain, snap)
	if len(p.chain) > p.retain {
		p.chain = p.chain[len(p.chain)-p.retain:]
	}

	if cur, ok := p.markets[snap.MarketIndex]; ok && cur.snap.Sequence >= snap.Sequence {
		return
	}
	p.markets[snap.MarketIndex] = &marketView{snap: snap, keys: keys, rows: rows}
}

func (p *MemoryProjection) view(marketIndex uint16) (*marketView, error) {
	v, ok := p.markets[marketIndex]
	if !ok {
		return nil, fmt.Errorf("%w: market %d has no snapshot", query.ErrNotFound, marketIndex)
	}
	return v, nil
}

func (p *MemoryProjection) ListTokenAmounts(
	_ context.Context,
	marketIndex uint16,
	limit int,
	afterUser string,
) (*query.TokenAmountList, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	v, err := p.view(marketIndex)
	if err != nil {
		return nil, err
	}
	limit = query.ClampLimit(limit)

	start := sort.Search(len(v.keys), func(i int) bool { return v.keys[i] > afterUser })
	end := start + limit
	list := &query.TokenAmountList{
		MarketIndex:  marketIndex,
		Decimals:     v.snap.Decimals,
		Amounts:      make([]query.TokenAmountResponse, 0, limit),
		AsOfSequence: v.snap.Sequence,
	}
	if end < len(v.rows) {
		list.NextCursor = v.keys[end-1]
	} else {
		end = len(v.rows)
	}
	for _, r := range v.rows[start:end] {
		list.Amounts = append(list.Amounts, query.NewTokenAmountResponse(marketIndex, v.snap.Decimals, v.snap.Sequence, r))
	}
	return list, nil
}

func (p *MemoryProjection) GetUserTokenAmount(
	_ context.Context,
	marketIndex uint16,
	user solana.PublicKey,
) (*query.UserTokenAmountResponse, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	v, err := p.view(marketIndex)
	if err != nil {
		return nil, err
	}
	key := user.String()
	i := sort.SearchStrings(v.keys, key)
	if i == len(v.keys) || v.keys[i] != key {
		return nil, fmt.Errorf("%w: user %s has no position in market %d", query.ErrNotFound, user, marketIndex)
	}
	return &query.UserTokenAmountResponse{
		TokenAmountResponse: query.NewTokenAmountResponse(marketIndex, v.snap.Decimals, v.snap.Sequence, v.rows[i]),
		AsOfSequence:        v.snap.Sequence,
	}, nil
}

func (p *MemoryProjection) ListByAuthority(_ context.Context, authority solana.PublicKey) (*query.AuthorityTokenAmounts, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := &query.AuthorityTokenAmounts{
		Authority: authority.String(),
		Amounts:   make([]query.TokenAmountResponse, 0),
	}
	for _, m := range p.sortedMarkets() {
		v := p.markets[m]
		for _, r := range v.rows {
			if !r.Authority.Equals(authority) {
				continue
			}
			out.Amounts = append(out.Amounts, query.NewTokenAmountResponse(m, v.snap.Decimals, v.snap.Sequence, r))
			if v.snap.Sequence > out.AsOfSequence {
				out.AsOfSequence = v.snap.Sequence
			}
		}
	}
	return out, nil
}

func (p *MemoryProjection) GetLatestSnapshot(_ context.Context, marketIndex uint16) (*query.SnapshotResponse, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	v, err := p.view(marketIndex)
	if err != nil {
		return nil, err
	}
	return query.NewSnapshotResponse(v.snap, true), nil
}

// VerifyIntegrity checks the retained chain. The first retained snapshot is
// trusted as the anchor once older ones have been evicted.
func (p *MemoryProjection) VerifyIntegrity(_ context.Context) (*query.IntegrityReport, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	report := &query.IntegrityReport{}
	if len(p.chain) == 0 {
		report.IsHealthy = true
		return report, nil
	}

	prevSeq := p.chain[0].Sequence - 1
	prevHash := p.chain[0].PrevHash
	if prevSeq == 0 {
		prevHash = core.GenesisHash()
	}

	for _, s := range p.chain {
		report.CheckedSnapshots++
		if s.Sequence != prevSeq+1 {
			report.SequenceGaps = append(report.SequenceGaps, s.Sequence)
		}
		if s.PrevHash != prevHash || s.StateHash != core.ChainHash(s.PrevHash, s.Sequence, s.ContentHash) {
			report.HashChainBreaks = append(report.HashChainBreaks, s.Sequence)
		}
		if core.DigestAmounts(s.MarketIndex, s.Decimals, s.Amounts) != s.ContentHash {
			report.ContentMismatch = append(report.ContentMismatch, s.Sequence)
		}
		prevSeq = s.Sequence
		prevHash = s.StateHash
	}
	report.AsOfSequence = prevSeq

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.ContentMismatch) == 0
	return report, nil
}

func (p *MemoryProjection) sortedMarkets() []uint16 {
	markets := make([]uint16, 0, len(p.markets))
	for m := range p.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i] < markets[j] })
	return markets
}
