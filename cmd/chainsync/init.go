package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagInitForce bool

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite an existing config file")
}

const sampleConfig = `version: 1

contract:
  address: "0x0000000000000000000000000000000000000000"
  deployment_block: 1
  # abi_path: ./abi/campaigns.json   # defaults to the embedded campaign ABI
  # events: [InvestmentReceived, VoteCast]

chain:
  rpc_url: ${RPC_URL}

sync:
  polling_interval_seconds: 15
  block_confirmations: 12
  max_block_range: 2000

database:
  driver: sqlite                     # sqlite | postgres | mysql
  dsn: chainsync.db

log:
  level: info
  format: text
  # file: ./logs/chainsync.log

telemetry:
  otlp_endpoint: ""

lease:
  redis_addr: ""
  ttl: 2m

sinks:
  - id: ops
    type: slack
    webhook_url: ${SLACK_WEBHOOK_URL}
    events: [InvestmentReceived, WithdrawalExecuted]
    where:
      - "amount >= ether(1)"
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !flagInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cfgPath, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		return nil
	},
}
