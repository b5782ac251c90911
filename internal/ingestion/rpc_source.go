package ingestion

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"SpotSnapshot/internal/observability"
	"SpotSnapshot/internal/protocol"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
)

// RPCSource pulls accounts from a Solana RPC node with getProgramAccounts.
// One call fetches the requested spot market (discriminator + market_index
// memcmp), a second fetches every user account of the program.
type RPCSource struct {
	client     *rpc.Client
	programID  solana.PublicKey
	commitment rpc.CommitmentType
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

// ParseCommitment maps processed|confirmed|finalized, defaulting to confirmed.
func ParseCommitment(s string) rpc.CommitmentType {
	switch s {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

func NewRPCSource(
	rpcURL string,
	programID solana.PublicKey,
	commitment rpc.CommitmentType,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *RPCSource {
	return &RPCSource{
		client:     rpc.New(rpcURL),
		programID:  programID,
		commitment: commitment,
		logger:     logger,
		metrics:    metrics,
	}
}

// SpotMarketFilters selects the SpotMarket account with marketIndex.
func SpotMarketFilters(marketIndex uint16) []rpc.RPCFilter {
	idx := make([]byte, 2)
	binary.LittleEndian.PutUint16(idx, marketIndex)
	return []rpc.RPCFilter{
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(protocol.SpotMarketDiscriminator[:])}},
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: protocol.SpotMarketMarketIndexOffset, Bytes: solana.Base58(idx)}},
	}
}

// UserFilters selects every User account.
func UserFilters() []rpc.RPCFilter {
	return []rpc.RPCFilter{
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(protocol.UserDiscriminator[:])}},
		{DataSize: protocol.UserAccountSize},
	}
}

func (s *RPCSource) FetchRecords(ctx context.Context, marketIndex uint16) ([]protocol.AccountRecord, error) {
	start := time.Now()

	markets, err := s.fetch(ctx, SpotMarketFilters(marketIndex))
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("fetch spot market %d: %w", marketIndex, err)
	}
	users, err := s.fetch(ctx, UserFilters())
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("fetch users: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SourceFetchDuration.WithLabelValues("rpc").Observe(time.Since(start).Seconds())
		s.metrics.SourceAccounts.WithLabelValues("rpc", protocol.RecordKindSpotMarket.String()).Set(float64(len(markets)))
		s.metrics.SourceAccounts.WithLabelValues("rpc", protocol.RecordKindUser.String()).Set(float64(len(users)))
	}

	s.logger.Debug().
		Uint16("market_index", marketIndex).
		Int("markets", len(markets)).
		Int("users", len(users)).
		Dur("took", time.Since(start)).
		Msg("fetched program accounts")

	return append(markets, users...), nil
}

func (s *RPCSource) fetch(ctx context.Context, filters []rpc.RPCFilter) ([]protocol.AccountRecord, error) {
	out, err := s.client.GetProgramAccountsWithOpts(ctx, s.programID, &rpc.GetProgramAccountsOpts{
		Commitment: s.commitment,
		Encoding:   solana.EncodingBase64,
		Filters:    filters,
	})
	if err != nil {
		return nil, err
	}

	records := make([]protocol.AccountRecord, 0, len(out))
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		records = append(records, protocol.AccountRecord{
			Pubkey: keyed.Pubkey,
			Data:   keyed.Account.Data.GetBinary(),
		})
	}
	return records, nil
}

func (s *RPCSource) countError() {
	if s.metrics != nil {
		s.metrics.SourceFetchErrors.WithLabelValues("rpc").Inc()
	}
}
