package projection_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"SpotSnapshot/internal/core"
	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"
	"SpotSnapshot/internal/projection"
	"SpotSnapshot/internal/query"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

type chainBuilder struct {
	hasher *core.SnapshotHasher
	seq    int64
}

func newChainBuilder() *chainBuilder {
	return &chainBuilder{hasher: core.NewSnapshotHasher()}
}

func (b *chainBuilder) next(market uint16, decimals uint32, amounts ...extractor.UserTokenAmount) *event.TokenAmountSnapshot {
	b.seq++
	content := core.DigestAmounts(market, decimals, amounts)
	state := b.hasher.ComputeHash(b.seq, content)
	snap := &event.TokenAmountSnapshot{
		SnapshotID:  uuid.New(),
		Sequence:    b.seq,
		MarketIndex: market,
		Decimals:    decimals,
		Amounts:     amounts,
		ContentHash: content,
		PrevHash:    b.hasher.GetPrevHash(),
		StateHash:   state,
		Trigger:     event.TriggerScheduled,
	}
	b.hasher.Advance(state)
	return snap
}

func amount(user, authority solana.PublicKey, v int64) extractor.UserTokenAmount {
	return extractor.UserTokenAmount{User: user, Authority: authority, TokenAmount: big.NewInt(v)}
}

func TestMemoryProjection_QueriesLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	alice := solana.NewWallet().PublicKey()
	userA := solana.NewWallet().PublicKey()
	userB := solana.NewWallet().PublicKey()

	b := newChainBuilder()
	p := projection.NewMemoryProjection(0)
	p.Apply(b.next(1, 9, amount(userA, alice, 100_000_000_000), amount(userB, alice, -5)))
	p.Apply(b.next(6, 6, amount(userA, alice, 7)))
	p.Apply(b.next(1, 9, amount(userA, alice, 110_000_000_000)))

	got, err := p.GetUserTokenAmount(ctx, 1, userA)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.TokenAmount != "110000000000" || got.UIAmount != "110.000000000" || got.AsOfSequence != 3 {
		t.Errorf("user A: got %+v", got)
	}

	if _, err := p.GetUserTokenAmount(ctx, 1, userB); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("closed position: want ErrNotFound, got %v", err)
	}
	if _, err := p.ListTokenAmounts(ctx, 2, 10, ""); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("unknown market: want ErrNotFound, got %v", err)
	}

	byAuth, err := p.ListByAuthority(ctx, alice)
	if err != nil {
		t.Fatalf("by authority: %v", err)
	}
	if len(byAuth.Amounts) != 2 || byAuth.Amounts[0].MarketIndex != 1 || byAuth.Amounts[1].MarketIndex != 6 {
		t.Errorf("by authority: got %+v", byAuth.Amounts)
	}
	if byAuth.AsOfSequence != 3 {
		t.Errorf("as_of_sequence: got %d, want 3", byAuth.AsOfSequence)
	}

	latest, err := p.GetLatestSnapshot(ctx, 6)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Sequence != 2 || len(latest.Amounts) != 1 {
		t.Errorf("latest market 6: got seq %d with %d rows", latest.Sequence, len(latest.Amounts))
	}
}

func TestMemoryProjection_Paginates(t *testing.T) {
	ctx := context.Background()
	authority := solana.NewWallet().PublicKey()

	rows := make([]extractor.UserTokenAmount, 5)
	for i := range rows {
		rows[i] = amount(solana.NewWallet().PublicKey(), authority, int64(i))
	}
	p := projection.NewMemoryProjection(0)
	p.Apply(newChainBuilder().next(1, 6, rows...))

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		page, err := p.ListTokenAmounts(ctx, 1, 2, cursor)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		pages++
		for _, a := range page.Amounts {
			if a.User <= cursor {
				t.Errorf("page %d: %s not after cursor %s", pages, a.User, cursor)
			}
			seen[a.User] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if pages != 3 || len(seen) != 5 {
		t.Errorf("pagination: got %d pages and %d users, want 3 and 5", pages, len(seen))
	}
}

func TestMemoryProjection_IgnoresOlderSnapshot(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	b := newChainBuilder()
	first := b.next(1, 6, amount(user, user, 1))
	second := b.next(1, 6, amount(user, user, 2))

	p := projection.NewMemoryProjection(0)
	p.Apply(second)
	p.Apply(first)

	got, err := p.GetUserTokenAmount(context.Background(), 1, user)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TokenAmount != "2" {
		t.Errorf("token amount: got %s, want 2", got.TokenAmount)
	}
}

func TestMemoryProjection_VerifyIntegrity(t *testing.T) {
	ctx := context.Background()
	user := solana.NewWallet().PublicKey()

	t.Run("healthy chain", func(t *testing.T) {
		b := newChainBuilder()
		p := projection.NewMemoryProjection(0)
		for i := int64(1); i <= 4; i++ {
			p.Apply(b.next(uint16(i%2), 6, amount(user, user, i)))
		}
		report, err := p.VerifyIntegrity(ctx)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if !report.IsHealthy || report.CheckedSnapshots != 4 || report.AsOfSequence != 4 {
			t.Errorf("report: got %+v", report)
		}
	})

	t.Run("gap and tampered rows", func(t *testing.T) {
		b := newChainBuilder()
		s1 := b.next(1, 6, amount(user, user, 1))
		_ = b.next(1, 6, amount(user, user, 2))
		s3 := b.next(1, 6, amount(user, user, 3))

		tampered := *s3
		tampered.Amounts = []extractor.UserTokenAmount{amount(user, user, 999)}

		p := projection.NewMemoryProjection(0)
		p.Apply(s1)
		p.Apply(&tampered)

		report, err := p.VerifyIntegrity(ctx)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if report.IsHealthy {
			t.Fatal("expected unhealthy report")
		}
		if len(report.SequenceGaps) != 1 || report.SequenceGaps[0] != 3 {
			t.Errorf("gaps: got %v, want [3]", report.SequenceGaps)
		}
		if len(report.HashChainBreaks) != 1 || report.HashChainBreaks[0] != 3 {
			t.Errorf("chain breaks: got %v, want [3]", report.HashChainBreaks)
		}
		if len(report.ContentMismatch) != 1 || report.ContentMismatch[0] != 3 {
			t.Errorf("content mismatch: got %v, want [3]", report.ContentMismatch)
		}
	})

	t.Run("evicted prefix", func(t *testing.T) {
		b := newChainBuilder()
		p := projection.NewMemoryProjection(2)
		for i := int64(1); i <= 5; i++ {
			p.Apply(b.next(1, 6, amount(user, user, i)))
		}
		report, err := p.VerifyIntegrity(ctx)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if !report.IsHealthy || report.CheckedSnapshots != 2 {
			t.Errorf("report: got %+v", report)
		}
	})
}

func TestMemoryProjection_RunDrainsChannel(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	in := make(chan *event.TokenAmountSnapshot, 1)
	in <- newChainBuilder().next(3, 6, amount(user, user, 42))
	close(in)

	p := projection.NewMemoryProjection(0)
	if err := p.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := p.GetUserTokenAmount(context.Background(), 3, user); err != nil {
		t.Errorf("applied snapshot not visible: %v", err)
	}
}

func TestLatestPerUser(t *testing.T) {
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()

	got := projection.LatestPerUser([]extractor.UserTokenAmount{
		amount(a, a, 1), amount(b, b, 2), amount(a, a, 3),
	})
	if len(got) != 2 {
		t.Fatalf("rows: got %d, want 2", len(got))
	}
	if !got[0].User.Equals(a) || got[0].TokenAmount.Int64() != 3 {
		t.Errorf("row 0: got %s %s, want %s 3", got[0].User, got[0].TokenAmount, a)
	}
	if !got[1].User.Equals(b) {
		t.Errorf("row 1: got %s, want %s", got[1].User, b)
	}
}
