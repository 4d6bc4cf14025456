package main

import (
	"context"
	"fmt"

	"github.com/devblac/chainsync/internal/chain"
	"github.com/devblac/chainsync/internal/config"
	"github.com/devblac/chainsync/internal/storage"
	"github.com/ethereum/go-ethereum/ethclient"
)

// chainHandles bundles the node client with the contract's decoding registry.
type chainHandles struct {
	client   *ethclient.Client
	registry *chain.Registry
	reader   *chain.RPCReader
}

func (h *chainHandles) Close() {
	if h.client != nil {
		h.client.Close()
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	store, err := storage.OpenDriver(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func newRegistry(cfg *config.Config) (*chain.Registry, error) {
	a, err := chain.LoadABI(cfg.Contract.ABIPath)
	if err != nil {
		return nil, err
	}
	return chain.NewRegistry(cfg.Contract.Address, a, cfg.Contract.Events)
}

func dialChain(ctx context.Context, cfg *config.Config) (*chainHandles, error) {
	registry, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}
	reader, err := chain.NewReader(client, registry)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &chainHandles{client: client, registry: registry, reader: reader}, nil
}
