package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/chainsync/internal/chain"
	"github.com/devblac/chainsync/internal/sink"
	"github.com/spf13/cobra"
)

const validateTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, ABI and sinks, and ping the RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		registry, err := newRegistry(cfg)
		if err != nil {
			return fmt.Errorf("abi invalid: %w", err)
		}
		fmt.Fprintf(out, "- contract %s: tracking %v\n", cfg.Contract.Address, registry.Types())

		routes, err := sink.BuildRoutes(cfg.Sinks)
		if err != nil {
			return fmt.Errorf("sinks invalid: %w", err)
		}
		sink.CloseRoutes(routes)
		fmt.Fprintf(out, "- sinks: %d OK\n", len(routes))

		ctx, cancel := context.WithTimeout(cmd.Context(), validateTimeout)
		defer cancel()

		client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		defer client.Close()

		chainID, err := client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("call eth_chainId: %w", err)
		}
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("call eth_blockNumber: %w", err)
		}
		fmt.Fprintf(out, "- rpc: chainId %s, head %d OK\n", chainID, head)
		if head < cfg.Contract.DeploymentBlock {
			fmt.Fprintf(out, "  warning: head is below deployment block %d\n", cfg.Contract.DeploymentBlock)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}
