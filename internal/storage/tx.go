package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Tx is the unit of work handed to event handlers. Queries use ? placeholders
// regardless of the underlying database.
type Tx struct {
	tx      *sql.Tx
	dialect dialect
	now     func() time.Time
}

// ExecContext runs a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(query), args...)
}

// RecordProcessed appends a ledger entry; the primary key rejects a second insert.
func (t *Tx) RecordProcessed(ctx context.Context, rec ProcessedEvent) error {
	if rec.TransactionHash == "" || rec.EventType == "" {
		return errors.New("tx hash and event type required")
	}
	processedAt := rec.ProcessedAt
	if processedAt.IsZero() {
		processedAt = t.now()
	}
	if rec.EventData == "" {
		rec.EventData = "{}"
	}
	_, err := t.ExecContext(ctx, `
INSERT INTO processed_events (transaction_hash, event_type, contract_address, block_number, log_index, campaign_id, event_data, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, normalize(rec.TransactionHash), rec.EventType, normalize(rec.ContractAddress), rec.BlockNumber, rec.LogIndex,
		nullUint(rec.CampaignID), rec.EventData, processedAt.UTC())
	if err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}

// ClearFailure removes any outstanding failure row for the event.
func (t *Tx) ClearFailure(ctx context.Context, txHash, eventType string) error {
	if _, err := t.ExecContext(ctx, `
DELETE FROM event_failures WHERE transaction_hash = ? AND event_type = ?;
`, normalize(txHash), eventType); err != nil {
		return fmt.Errorf("clear failure: %w", err)
	}
	return nil
}
