// Package extractor pulls per-user token amounts for one spot market out of an
// unordered batch of raw protocol accounts.
package extractor

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	spotmath "SpotSnapshot/internal/math"
	"SpotSnapshot/internal/observability"
	"SpotSnapshot/internal/protocol"

	solana "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

// ErrMarketNotFound means the batch held no spot market with the requested index.
var ErrMarketNotFound = errors.New("spot market not found in batch")

// BalanceComputationError is returned when converting one user's scaled
// balance fails. The whole extraction fails with it.
type BalanceComputationError struct {
	User solana.PublicKey
	Err  error
}

func (e *BalanceComputationError) Error() string {
	return fmt.Sprintf("compute token amount for user %s: %v", e.User, e.Err)
}

func (e *BalanceComputationError) Unwrap() error {
	return e.Err
}

// UserTokenAmount is one user's signed balance in a market.
type UserTokenAmount struct {
	// User account address
	User solana.PublicKey `json:"user"`
	// Wallet that controls the user account
	Authority solana.PublicKey `json:"authority"`
	// Base units; positive for deposit, negative for borrow
	TokenAmount *big.Int `json:"token_amount"`
}

// Extractor is stateless; one value can serve concurrent calls as long as the
// callers do not mutate the record buffers while a call runs.
type Extractor struct {
	decoder protocol.Decoder
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// New creates an Extractor. metrics may be nil.
func New(decoder protocol.Decoder, logger zerolog.Logger, metrics *observability.Metrics) *Extractor {
	return &Extractor{
		decoder: decoder,
		logger:  logger,
		metrics: metrics,
	}
}

// GetTokenAmounts runs an Extractor with the current protocol layout and no
// logging or metrics.
func GetTokenAmounts(records []protocol.AccountRecord, marketIndex uint16) ([]UserTokenAmount, error) {
	return New(protocol.NewDecoder(), zerolog.Nop(), nil).Extract(records, marketIndex)
}

// Extract returns the token amount of every user with a position in
// marketIndex, in the order the user records appear in records.
func (e *Extractor) Extract(records []protocol.AccountRecord, marketIndex uint16) ([]UserTokenAmount, error) {
	_, amounts, err := e.ExtractMarket(records, marketIndex)
	return amounts, err
}

type decodedUser struct {
	key  solana.PublicKey
	user *protocol.User
}

// ExtractMarket is Extract that also hands back the resolved spot market.
func (e *Extractor) ExtractMarket(
	records []protocol.AccountRecord,
	marketIndex uint16,
) (*protocol.SpotMarket, []UserTokenAmount, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ExtractDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var market *protocol.SpotMarket
	var users []decodedUser
	marketHits := 0

	// Pass 1: classify and decode.
	for _, rec := range records {
		kind := e.decoder.Classify(rec.Data)
		e.countRecord(kind)

		switch kind {
		case protocol.RecordKindSpotMarket:
			m, err := e.decoder.DecodeSpotMarket(rec.Data)
			if err != nil {
				e.logger.Debug().Err(err).Str("account", rec.Pubkey.String()).Msg("skip undecodable spot market")
				continue
			}
			if m.MarketIndex != marketIndex {
				continue
			}
			// Last one wins when the batch repeats a market index.
			market = m
			marketHits++

		case protocol.RecordKindUser:
			u, err := e.decoder.DecodeUser(rec.Data)
			if err != nil {
				e.logger.Debug().Err(err).Str("user", rec.Pubkey.String()).Msg("skip undecodable user")
				e.countSkip("decode_error")
				continue
			}
			users = append(users, decodedUser{key: rec.Pubkey, user: u})
		}
	}

	if market == nil {
		return nil, nil, fmt.Errorf("%w: market_index=%d", ErrMarketNotFound, marketIndex)
	}
	if marketHits > 1 {
		e.logger.Warn().
			Uint16("market_index", marketIndex).
			Int("records", marketHits).
			Msg("batch holds duplicate spot market records, using the last one")
		if e.metrics != nil {
			e.metrics.DuplicateMarkets.WithLabelValues(strconv.Itoa(int(marketIndex))).Inc()
		}
	}

	// Pass 2: join users against the resolved market.
	amounts := make([]UserTokenAmount, 0, len(users))
	for _, du := range users {
		position, ok := du.user.SpotPosition(marketIndex)
		if !ok {
			e.countSkip("no_position")
			continue
		}

		amount, err := spotmath.GetSignedTokenAmount(position.ScaledBalance, market, position.BalanceType)
		if err != nil {
			if e.metrics != nil {
				e.metrics.BalanceComputeErrors.Inc()
			}
			return nil, nil, &BalanceComputationError{User: du.key, Err: err}
		}

		amounts = append(amounts, UserTokenAmount{
			User:        du.key,
			Authority:   du.user.Authority,
			TokenAmount: amount,
		})
	}

	e.logger.Debug().
		Uint16("market_index", marketIndex).
		Int("records", len(records)).
		Int("users", len(users)).
		Int("amounts", len(amounts)).
		Msg("extracted token amounts")

	return market, amounts, nil
}

func (e *Extractor) countRecord(kind protocol.RecordKind) {
	if e.metrics != nil {
		e.metrics.RecordsClassified.WithLabelValues(kind.String()).Inc()
	}
}

func (e *Extractor) countSkip(reason string) {
	if e.metrics != nil {
		e.metrics.UsersSkipped.WithLabelValues(reason).Inc()
	}
}
