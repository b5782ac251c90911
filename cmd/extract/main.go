package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SpotSnapshot/internal/extractor"
	"SpotSnapshot/internal/ingestion"
	spotmath "SpotSnapshot/internal/math"
	"SpotSnapshot/internal/observability"
	"SpotSnapshot/internal/protocol"

	solana "github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

type outputRow struct {
	User        string `json:"user"`
	Authority   string `json:"authority"`
	TokenAmount string `json:"token_amount"`
	UIAmount    string `json:"ui_amount"`
}

func main() {
	godotenv.Load()

	var (
		rpcURL     = flag.String("rpc", os.Getenv("SPOT_RPC_URL"), "Solana RPC endpoint")
		file       = flag.String("file", "", "read accounts from a JSON batch file instead of RPC")
		market     = flag.Uint("market", 0, "spot market index")
		program    = flag.String("program", protocol.DriftProgramID.String(), "program owning the accounts")
		commitment = flag.String("commitment", "confirmed", "processed|confirmed|finalized")
		dump       = flag.String("dump", "", "also write the fetched accounts to this batch file")
		timeout    = flag.Duration("timeout", 2*time.Minute, "fetch timeout")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: extract [-rpc URL | -file PATH] -market N\n\n")
		fmt.Fprintf(os.Stderr, "Prints one JSON object per user with a position in the market.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := observability.NewCLILogger("extract")

	if *market > 0xFFFF {
		logger.Fatal().Uint("market", *market).Msg("market index out of range")
	}
	marketIndex := uint16(*market)

	var source ingestion.RecordSource
	switch {
	case *file != "":
		source = ingestion.NewFileSource(*file)
	case *rpcURL != "":
		programID, err := solana.PublicKeyFromBase58(*program)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid program id")
		}
		source = ingestion.NewRPCSource(*rpcURL, programID, ingestion.ParseCommitment(*commitment), logger, nil)
	default:
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	records, err := source.FetchRecords(ctx, marketIndex)
	if err != nil {
		logger.Fatal().Err(err).Msg("fetch accounts")
	}
	logger.Info().Int("records", len(records)).Msg("accounts fetched")

	if *dump != "" {
		data, err := ingestion.MarshalAccountBatch(records)
		if err != nil {
			logger.Fatal().Err(err).Msg("encode batch")
		}
		if err := os.WriteFile(*dump, data, 0o644); err != nil {
			logger.Fatal().Err(err).Msg("write batch")
		}
		logger.Info().Str("path", *dump).Msg("batch written")
	}

	ext := extractor.New(protocol.NewDecoder(), logger, nil)
	spotMarket, amounts, err := ext.ExtractMarket(records, marketIndex)
	if err != nil {
		logger.Fatal().Err(err).Msg("extract")
	}

	out := bufio.NewWriter(os.Stdout)
	enc := json.NewEncoder(out)
	for _, a := range amounts {
		if err := enc.Encode(outputRow{
			User:        a.User.String(),
			Authority:   a.Authority.String(),
			TokenAmount: a.TokenAmount.String(),
			UIAmount:    spotmath.FormatTokenAmount(a.TokenAmount, spotMarket.Decimals),
		}); err != nil {
			logger.Fatal().Err(err).Msg("write output")
		}
	}
	if err := out.Flush(); err != nil {
		logger.Fatal().Err(err).Msg("write output")
	}

	logger.Info().
		Uint16("market_index", marketIndex).
		Uint32("decimals", spotMarket.Decimals).
		Int("users", len(amounts)).
		Msg("extraction complete")
}
