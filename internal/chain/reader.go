package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Reader is the indexer's view of the chain. Implementations do not retry;
// callers decide retry policy.
type Reader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (time.Time, error)
	Transaction(ctx context.Context, hash string) (TxInfo, error)
	// Logs returns envelopes ordered by block number, then log index.
	Logs(ctx context.Context, eventType EventType, fromBlock, toBlock uint64) ([]Envelope, error)
}

// BlockClient captures the subset of ethclient used by the reader.
type BlockClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Dial builds an RPC client to an EVM node.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return c, nil
}

// RPCReader implements Reader on top of a node client and a contract registry.
type RPCReader struct {
	client   BlockClient
	registry *Registry
}

var _ Reader = (*RPCReader)(nil)

// NewReader builds a reader for the registry's contract.
func NewReader(client BlockClient, registry *Registry) (*RPCReader, error) {
	if client == nil || registry == nil {
		return nil, errors.New("client and registry are required")
	}
	return &RPCReader{client: client, registry: registry}, nil
}

// CurrentHeight returns the latest block number known to the node.
func (r *RPCReader) CurrentHeight(ctx context.Context) (uint64, error) {
	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// BlockTimestamp returns the wall-clock time of a block.
func (r *RPCReader) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	header, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return time.Time{}, fmt.Errorf("header %d: %w", number, ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("header %d: %w", number, err)
	}
	if header == nil {
		return time.Time{}, fmt.Errorf("header %d: %w", number, ErrNotFound)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// Transaction resolves the block containing a mined transaction.
func (r *RPCReader) Transaction(ctx context.Context, hash string) (TxInfo, error) {
	receipt, err := r.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxInfo{}, fmt.Errorf("receipt %s: %w", hash, ErrNotFound)
		}
		return TxInfo{}, fmt.Errorf("receipt %s: %w", hash, err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return TxInfo{}, fmt.Errorf("receipt %s: %w", hash, ErrNotFound)
	}
	return TxInfo{Hash: receipt.TxHash.Hex(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

// Logs fetches and decodes the contract's logs of one event type in [fromBlock, toBlock].
func (r *RPCReader) Logs(ctx context.Context, eventType EventType, fromBlock, toBlock uint64) ([]Envelope, error) {
	if fromBlock > toBlock {
		return nil, nil
	}
	topic, ok := r.registry.Topic(eventType)
	if !ok {
		return nil, fmt.Errorf("event type %s not tracked", eventType)
	}

	address := r.registry.Address()
	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter %s logs [%d,%d]: %w", eventType, fromBlock, toBlock, err)
	}

	envelopes := make([]Envelope, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || lg.Address != address {
			continue
		}
		if len(lg.Topics) == 0 || lg.Topics[0] != topic {
			continue
		}
		if lg.BlockNumber < fromBlock || lg.BlockNumber > toBlock {
			continue
		}
		envelopes = append(envelopes, r.registry.Decode(eventType, lg))
	}

	sort.SliceStable(envelopes, func(a, b int) bool {
		if envelopes[a].BlockNumber == envelopes[b].BlockNumber {
			return envelopes[a].LogIndex < envelopes[b].LogIndex
		}
		return envelopes[a].BlockNumber < envelopes[b].BlockNumber
	})
	return envelopes, nil
}
