package health

import (
	"context"
	"fmt"

	"github.com/devblac/chainsync/internal/chain"
	"github.com/devblac/chainsync/internal/indexer"
	"github.com/devblac/chainsync/internal/storage"
)

// RPCPing checks the node answers a head query.
func RPCPing(reader chain.Reader) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if _, err := reader.CurrentHeight(ctx); err != nil {
			return fmt.Errorf("rpc: %w", err)
		}
		return nil
	}
}

// Lag measures the distance between the safe head and the contract checkpoint.
func Lag(store *storage.Store, reader chain.Reader, contract string, confirmations uint64) func(ctx context.Context) (uint64, error) {
	return func(ctx context.Context) (uint64, error) {
		height, err := reader.CurrentHeight(ctx)
		if err != nil {
			return 0, err
		}
		safe, ok := indexer.SafeHead(height, confirmations)
		if !ok {
			return 0, nil
		}
		cp, found, err := store.GetCheckpoint(ctx, contract)
		if err != nil {
			return 0, err
		}
		if !found {
			return safe, nil
		}
		if cp.LastProcessedBlock >= safe {
			return 0, nil
		}
		return safe - cp.LastProcessedBlock, nil
	}
}
