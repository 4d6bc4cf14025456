package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/devblac/chainsync/internal/indexer"
	"github.com/spf13/cobra"
)

var flagStateFailures int

func init() {
	stateCmd.Flags().IntVar(&flagStateFailures, "failures", 20, "Maximum outstanding failures to list")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show checkpoint, safe head, lag and outstanding failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		cp, ok, err := store.GetCheckpoint(ctx, cfg.Contract.Address)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(out, "checkpoint: %d (updated %s)\n", cp.LastProcessedBlock, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Fprintln(out, "checkpoint: none (not started)")
		}

		handles, err := dialChain(ctx, cfg)
		if err != nil {
			fmt.Fprintf(out, "head: unavailable (%v)\n", err)
		} else {
			defer handles.Close()
			height, err := handles.reader.CurrentHeight(ctx)
			if err != nil {
				fmt.Fprintf(out, "head: unavailable (%v)\n", err)
			} else {
				safe, _ := indexer.SafeHead(height, cfg.Sync.Confirmations())
				var lag uint64
				if safe > cp.LastProcessedBlock {
					lag = safe - cp.LastProcessedBlock
				}
				fmt.Fprintf(out, "head: %d  safe head: %d  lag: %d blocks\n", height, safe, lag)
			}
		}

		failures, err := store.ListFailures(ctx, cfg.Contract.Address, flagStateFailures)
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			fmt.Fprintln(out, "failures: none")
			return nil
		}
		fmt.Fprintf(out, "failures: %d\n", len(failures))
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "BLOCK\tEVENT\tTX\tATTEMPTS\tLAST ERROR")
		for _, f := range failures {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", f.BlockNumber, f.EventType, f.TransactionHash, f.Attempts, f.LastError)
		}
		return tw.Flush()
	},
}
