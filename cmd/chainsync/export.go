package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/chainsync/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagExportFormat string
	flagExportLimit  int
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "csv", "Output format: csv|json")
	exportCmd.Flags().IntVar(&flagExportLimit, "limit", 0, "Maximum records (0 = all)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the processed-event ledger as csv or json",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListProcessed(cmd.Context(), cfg.Contract.Address, flagExportLimit)
		if err != nil {
			return err
		}
		return writeLedger(cmd.OutOrStdout(), flagExportFormat, records)
	},
}

type ledgerRow struct {
	TransactionHash string          `json:"transaction_hash"`
	EventType       string          `json:"event_type"`
	BlockNumber     uint64          `json:"block_number"`
	LogIndex        uint64          `json:"log_index"`
	CampaignID      *uint64         `json:"campaign_id,omitempty"`
	EventData       json.RawMessage `json:"event_data"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

func writeLedger(w io.Writer, format string, records []storage.ProcessedEvent) error {
	switch strings.ToLower(format) {
	case "json":
		rows := make([]ledgerRow, 0, len(records))
		for _, r := range records {
			data := json.RawMessage(r.EventData)
			if !json.Valid(data) {
				data = json.RawMessage("{}")
			}
			rows = append(rows, ledgerRow{
				TransactionHash: r.TransactionHash,
				EventType:       r.EventType,
				BlockNumber:     r.BlockNumber,
				LogIndex:        r.LogIndex,
				CampaignID:      r.CampaignID,
				EventData:       data,
				ProcessedAt:     r.ProcessedAt,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"transaction_hash", "event_type", "block_number", "log_index", "campaign_id", "event_data", "processed_at"}); err != nil {
			return err
		}
		for _, r := range records {
			campaign := ""
			if r.CampaignID != nil {
				campaign = strconv.FormatUint(*r.CampaignID, 10)
			}
			if err := cw.Write([]string{
				r.TransactionHash,
				r.EventType,
				strconv.FormatUint(r.BlockNumber, 10),
				strconv.FormatUint(r.LogIndex, 10),
				campaign,
				r.EventData,
				r.ProcessedAt.UTC().Format(time.RFC3339),
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
