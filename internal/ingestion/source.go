package ingestion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"SpotSnapshot/internal/protocol"

	solana "github.com/gagliardetto/solana-go"
)

// RecordSource hands out the account batch a snapshot of one market is
// computed from. Sources may return more accounts than needed; the extractor
// filters.
type RecordSource interface {
	FetchRecords(ctx context.Context, marketIndex uint16) ([]protocol.AccountRecord, error)
}

// --- JSON batch format ---
// {"accounts":[{"pubkey":"<base58>","data":"<base64>"}]}

type accountJSON struct {
	Pubkey string `json:"pubkey"`
	Data   string `json:"data"`
}

type accountBatchJSON struct {
	Accounts []accountJSON `json:"accounts"`
}

// ParseAccountBatch decodes a JSON account batch, keeping file order.
func ParseAccountBatch(data []byte) ([]protocol.AccountRecord, error) {
	var batch accountBatchJSON
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse account batch: %w", err)
	}

	records := make([]protocol.AccountRecord, 0, len(batch.Accounts))
	for i, a := range batch.Accounts {
		key, err := solana.PublicKeyFromBase58(a.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("parse accounts[%d].pubkey: %w", i, err)
		}
		raw, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, fmt.Errorf("parse accounts[%d].data: %w", i, err)
		}
		records = append(records, protocol.AccountRecord{Pubkey: key, Data: raw})
	}
	return records, nil
}

// MarshalAccountBatch is the inverse of ParseAccountBatch.
func MarshalAccountBatch(records []protocol.AccountRecord) ([]byte, error) {
	batch := accountBatchJSON{Accounts: make([]accountJSON, 0, len(records))}
	for _, r := range records {
		batch.Accounts = append(batch.Accounts, accountJSON{
			Pubkey: r.Pubkey.String(),
			Data:   base64.StdEncoding.EncodeToString(r.Data),
		})
	}
	return json.MarshalIndent(batch, "", "  ")
}

// FileSource serves a JSON account batch from disk. The file is re-read on
// every fetch so it can be replaced while the service runs.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) FetchRecords(ctx context.Context, _ uint16) ([]protocol.AccountRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read account batch %s: %w", s.path, err)
	}
	return ParseAccountBatch(data)
}

// StaticSource serves a fixed in-memory batch.
type StaticSource struct {
	Records []protocol.AccountRecord
}

func (s *StaticSource) FetchRecords(ctx context.Context, _ uint16) ([]protocol.AccountRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Records, nil
}
