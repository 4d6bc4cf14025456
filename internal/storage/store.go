package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTxUnavailable wraps failures to begin or commit a unit of work. They say
// nothing about the event being applied and should abort the caller's batch.
var ErrTxUnavailable = errors.New("transaction unavailable")

// Store wraps SQL-backed persistence for checkpoints, the processed-event ledger, and failures.
type Store struct {
	db      *sql.DB
	dialect dialect
	nowFunc func() time.Time
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	return OpenDriver("sqlite", path)
}

// OpenDriver connects to the given driver (sqlite, postgres, mysql) and applies the schema.
func OpenDriver(driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	dsn, err = d.prepareDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if d.name == "sqlite" {
		// a single connection keeps pragmas and write ordering consistent
		db.SetMaxOpenConns(1)
		if err := configure(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := migrate(db, d); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: d, nowFunc: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// Dialect reports the configured database flavour.
func (s *Store) Dialect() string {
	return s.dialect.name
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB, d dialect) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.nowFunc().UTC()
}

// Checkpoint is the last fully processed block for a contract.
type Checkpoint struct {
	ContractAddress    string
	LastProcessedBlock uint64
	UpdatedAt          time.Time
}

// EnsureCheckpoint creates the checkpoint row with seed if missing and returns the stored value.
func (s *Store) EnsureCheckpoint(ctx context.Context, contract string, seed uint64) (Checkpoint, error) {
	contract = normalize(contract)
	if contract == "" {
		return Checkpoint{}, errors.New("contract address required")
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.ensureCheckpoint), contract, seed, s.now()); err != nil {
		return Checkpoint{}, fmt.Errorf("seed checkpoint: %w", err)
	}
	cp, ok, err := s.GetCheckpoint(ctx, contract)
	if err != nil {
		return Checkpoint{}, err
	}
	if !ok {
		return Checkpoint{}, fmt.Errorf("checkpoint for %s missing after seed", contract)
	}
	return cp, nil
}

// GetCheckpoint retrieves the checkpoint for a contract.
func (s *Store) GetCheckpoint(ctx context.Context, contract string) (Checkpoint, bool, error) {
	cp := Checkpoint{ContractAddress: normalize(contract)}
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT last_processed_block, updated_at FROM checkpoints WHERE contract_address = ?;
`), cp.ContractAddress)
	switch err := row.Scan(&cp.LastProcessedBlock, &cp.UpdatedAt); {
	case err == nil:
		return cp, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return Checkpoint{}, false, nil
	default:
		return Checkpoint{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
}

// AdvanceCheckpoint moves the checkpoint forward to block; lower values are ignored.
func (s *Store) AdvanceCheckpoint(ctx context.Context, contract string, block uint64) error {
	contract = normalize(contract)
	if contract == "" {
		return errors.New("contract address required")
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.advanceCheckpoint), contract, block, s.now()); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// ProcessedEvent is an idempotency ledger entry.
type ProcessedEvent struct {
	TransactionHash string
	EventType       string
	ContractAddress string
	BlockNumber     uint64
	LogIndex        uint64
	CampaignID      *uint64
	EventData       string
	ProcessedAt     time.Time
}

// IsProcessed reports whether (txHash, eventType) is already in the ledger.
func (s *Store) IsProcessed(ctx context.Context, txHash, eventType string) (bool, error) {
	if txHash == "" || eventType == "" {
		return false, errors.New("tx hash and event type required")
	}
	var one int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT 1 FROM processed_events WHERE transaction_hash = ? AND event_type = ?;
`), normalize(txHash), eventType).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("check ledger: %w", err)
	}
}

// ListProcessed returns ledger entries for a contract ordered by block, newest last.
func (s *Store) ListProcessed(ctx context.Context, contract string, limit int) ([]ProcessedEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
SELECT transaction_hash, event_type, contract_address, block_number, log_index, campaign_id, event_data, processed_at
FROM processed_events
WHERE contract_address = ?
ORDER BY block_number ASC, log_index ASC
LIMIT ?;
`), normalize(contract), limit)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	defer rows.Close()

	var out []ProcessedEvent
	for rows.Next() {
		var (
			rec      ProcessedEvent
			campaign sql.NullInt64
		)
		if err := rows.Scan(&rec.TransactionHash, &rec.EventType, &rec.ContractAddress, &rec.BlockNumber,
			&rec.LogIndex, &campaign, &rec.EventData, &rec.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		if campaign.Valid {
			id := uint64(campaign.Int64)
			rec.CampaignID = &id
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	return out, nil
}

// EventFailure tracks an event whose handler has not yet succeeded.
type EventFailure struct {
	TransactionHash string
	EventType       string
	ContractAddress string
	BlockNumber     uint64
	Attempts        int
	LastError       string
	UpdatedAt       time.Time
}

// RecordFailure upserts a failure row, incrementing attempts.
func (s *Store) RecordFailure(ctx context.Context, f EventFailure) error {
	if f.TransactionHash == "" || f.EventType == "" {
		return errors.New("tx hash and event type required")
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.recordFailure),
		normalize(f.TransactionHash), f.EventType, normalize(f.ContractAddress), f.BlockNumber, f.LastError, s.now())
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// ListFailures returns outstanding failures for a contract, lowest block first.
func (s *Store) ListFailures(ctx context.Context, contract string, limit int) ([]EventFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
SELECT transaction_hash, event_type, contract_address, block_number, attempts, last_error, updated_at
FROM event_failures
WHERE contract_address = ?
ORDER BY block_number ASC
LIMIT ?;
`), normalize(contract), limit)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []EventFailure
	for rows.Next() {
		var f EventFailure
		if err := rows.Scan(&f.TransactionHash, &f.EventType, &f.ContractAddress, &f.BlockNumber,
			&f.Attempts, &f.LastError, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	return out, nil
}

// WithTx executes a callback inside a transaction; the transaction is rolled back
// if the callback returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w: %w", ErrTxUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{tx: sqlTx, dialect: s.dialect, now: s.now}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w: %w", ErrTxUnavailable, err)
	}
	return nil
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func nullUint(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
