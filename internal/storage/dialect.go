package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// dialect carries the statements that differ between supported databases.
type dialect struct {
	name   string
	driver string
	schema []string

	ensureCheckpoint  string
	advanceCheckpoint string
	recordFailure     string
}

func dialectFor(name string) (dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect, nil
	case "mysql":
		return mysqlDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported driver %q", name)
	}
}

// rebind rewrites ? placeholders into $n for postgres.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// prepareDSN adjusts driver-specific connection options the store relies on.
func (d dialect) prepareDSN(dsn string) (string, error) {
	if d.name != "mysql" {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

const upsertCheckpointGuarded = `
INSERT INTO checkpoints (contract_address, last_processed_block, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(contract_address) DO UPDATE SET
  last_processed_block = excluded.last_processed_block,
  updated_at = excluded.updated_at
WHERE checkpoints.last_processed_block < excluded.last_processed_block;
`

const upsertFailure = `
INSERT INTO event_failures (transaction_hash, event_type, contract_address, block_number, attempts, last_error, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(transaction_hash, event_type) DO UPDATE SET
  attempts = event_failures.attempts + 1,
  block_number = excluded.block_number,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at;
`

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: []string{`
CREATE TABLE IF NOT EXISTS checkpoints (
  contract_address      TEXT PRIMARY KEY,
  last_processed_block  INTEGER NOT NULL,
  updated_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS processed_events (
  transaction_hash  TEXT NOT NULL,
  event_type        TEXT NOT NULL,
  contract_address  TEXT NOT NULL,
  block_number      INTEGER NOT NULL,
  log_index         INTEGER NOT NULL,
  campaign_id       INTEGER,
  event_data        TEXT NOT NULL,
  processed_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(transaction_hash, event_type)
);

CREATE INDEX IF NOT EXISTS processed_events_block_idx
  ON processed_events(contract_address, block_number);

CREATE TABLE IF NOT EXISTS event_failures (
  transaction_hash  TEXT NOT NULL,
  event_type        TEXT NOT NULL,
  contract_address  TEXT NOT NULL,
  block_number      INTEGER NOT NULL,
  attempts          INTEGER NOT NULL,
  last_error        TEXT NOT NULL,
  updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(transaction_hash, event_type)
);
`},
	ensureCheckpoint: `
INSERT INTO checkpoints (contract_address, last_processed_block, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(contract_address) DO NOTHING;
`,
	advanceCheckpoint: upsertCheckpointGuarded,
	recordFailure:     upsertFailure,
}

var postgresDialect = dialect{
	name:   "postgres",
	driver: "pgx",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			contract_address      TEXT PRIMARY KEY,
			last_processed_block  BIGINT NOT NULL,
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			transaction_hash  TEXT NOT NULL,
			event_type        TEXT NOT NULL,
			contract_address  TEXT NOT NULL,
			block_number      BIGINT NOT NULL,
			log_index         BIGINT NOT NULL,
			campaign_id       BIGINT,
			event_data        TEXT NOT NULL,
			processed_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (transaction_hash, event_type)
		)`,
		`CREATE INDEX IF NOT EXISTS processed_events_block_idx
			ON processed_events (contract_address, block_number)`,
		`CREATE TABLE IF NOT EXISTS event_failures (
			transaction_hash  TEXT NOT NULL,
			event_type        TEXT NOT NULL,
			contract_address  TEXT NOT NULL,
			block_number      BIGINT NOT NULL,
			attempts          BIGINT NOT NULL,
			last_error        TEXT NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (transaction_hash, event_type)
		)`,
	},
	ensureCheckpoint: `
INSERT INTO checkpoints (contract_address, last_processed_block, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (contract_address) DO NOTHING`,
	advanceCheckpoint: upsertCheckpointGuarded,
	recordFailure:     upsertFailure,
}

var mysqlDialect = dialect{
	name:   "mysql",
	driver: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			contract_address      VARCHAR(42) NOT NULL,
			last_processed_block  BIGINT UNSIGNED NOT NULL,
			updated_at            DATETIME(6) NOT NULL,
			PRIMARY KEY (contract_address)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			transaction_hash  VARCHAR(66) NOT NULL,
			event_type        VARCHAR(64) NOT NULL,
			contract_address  VARCHAR(42) NOT NULL,
			block_number      BIGINT UNSIGNED NOT NULL,
			log_index         BIGINT UNSIGNED NOT NULL,
			campaign_id       BIGINT UNSIGNED NULL,
			event_data        MEDIUMTEXT NOT NULL,
			processed_at      DATETIME(6) NOT NULL,
			PRIMARY KEY (transaction_hash, event_type),
			KEY processed_events_block_idx (contract_address, block_number)
		)`,
		`CREATE TABLE IF NOT EXISTS event_failures (
			transaction_hash  VARCHAR(66) NOT NULL,
			event_type        VARCHAR(64) NOT NULL,
			contract_address  VARCHAR(42) NOT NULL,
			block_number      BIGINT UNSIGNED NOT NULL,
			attempts          BIGINT UNSIGNED NOT NULL,
			last_error        TEXT NOT NULL,
			updated_at        DATETIME(6) NOT NULL,
			PRIMARY KEY (transaction_hash, event_type)
		)`,
	},
	ensureCheckpoint: `
INSERT IGNORE INTO checkpoints (contract_address, last_processed_block, updated_at)
VALUES (?, ?, ?)`,
	// updated_at is assigned before last_processed_block so it still sees the old value.
	advanceCheckpoint: `
INSERT INTO checkpoints (contract_address, last_processed_block, updated_at)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE
  updated_at = IF(VALUES(last_processed_block) > last_processed_block, VALUES(updated_at), updated_at),
  last_processed_block = GREATEST(last_processed_block, VALUES(last_processed_block))`,
	recordFailure: `
INSERT INTO event_failures (transaction_hash, event_type, contract_address, block_number, attempts, last_error, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?)
ON DUPLICATE KEY UPDATE
  attempts = attempts + 1,
  block_number = VALUES(block_number),
  last_error = VALUES(last_error),
  updated_at = VALUES(updated_at)`,
}
