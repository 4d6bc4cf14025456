package chain

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a contract event tracked by the indexer.
type EventType string

const (
	InvestmentReceived    EventType = "InvestmentReceived"
	CampaignStatusUpdated EventType = "CampaignStatusUpdated"
	ProfitDistributed     EventType = "ProfitDistributed"
	WithdrawalRequested   EventType = "WithdrawalRequested"
	WithdrawalApproved    EventType = "WithdrawalApproved"
	WithdrawalExecuted    EventType = "WithdrawalExecuted"
	VoteCast              EventType = "VoteCast"
)

// DefaultOrder is the dispatch priority: investments, then status updates and
// profits, then the withdrawal lifecycle, then votes.
var DefaultOrder = []EventType{
	InvestmentReceived,
	CampaignStatusUpdated,
	ProfitDistributed,
	WithdrawalRequested,
	WithdrawalApproved,
	WithdrawalExecuted,
	VoteCast,
}

// ErrNotFound is returned when the node has no record of the requested object.
var ErrNotFound = errors.New("not found")

// Envelope is one decoded on-chain event occurrence.
type Envelope struct {
	EventType   EventType
	TxHash      string
	BlockNumber uint64
	BlockHash   string
	LogIndex    uint
	Contract    string
	CampaignID  *uint64
	Fields      map[string]any
	// DecodeErr is set when the raw log could not be decoded against the ABI.
	DecodeErr error
}

// TxInfo is the subset of transaction data the indexer needs.
type TxInfo struct {
	Hash        string
	BlockNumber uint64
}

// Payload serializes the decoded fields for the audit ledger.
func (e Envelope) Payload() (string, error) {
	out := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = jsonValue(v)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", e.EventType, err)
	}
	return string(b), nil
}

// jsonValue renders ABI values in a lossless, string-friendly form.
func jsonValue(v any) any {
	switch t := v.(type) {
	case *big.Int:
		if t == nil {
			return nil
		}
		return t.String()
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case []byte:
		return "0x" + hex.EncodeToString(t)
	case [32]byte:
		return "0x" + hex.EncodeToString(t[:])
	default:
		return v
	}
}
