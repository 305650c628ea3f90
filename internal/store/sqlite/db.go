// Package sqlite implements the ledger, audit and receipt stores on a
// single-file SQLite database through the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open creates or opens a SQLite database at dbPath with WAL mode and foreign
// keys enabled. The pool is limited to one connection, which serializes
// writers and keeps ":memory:" databases shared across calls.
func Open(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Migrate creates the schema. It is safe to call more than once.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("sqlite: run migrations: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (1)`); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}
	return nil
}

// Times are stored as unix microseconds; amounts as decimal TEXT.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS bets (
    id                  INTEGER PRIMARY KEY,
    creator             TEXT NOT NULL,
    title               TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    outcomes            TEXT NOT NULL,
    investment_deadline INTEGER NOT NULL,
    settlement_deadline INTEGER NOT NULL,
    external_ref        TEXT NOT NULL DEFAULT '',
    settled             INTEGER NOT NULL DEFAULT 0,
    winning_outcome     INTEGER NOT NULL DEFAULT 0,
    paid_out            TEXT NOT NULL DEFAULT '0',
    created_at          INTEGER NOT NULL,
    settled_at          INTEGER,
    CHECK (investment_deadline < settlement_deadline)
);

CREATE TABLE IF NOT EXISTS outcome_pools (
    bet_id       INTEGER NOT NULL REFERENCES bets(id),
    outcome      INTEGER NOT NULL,
    total_staked TEXT NOT NULL DEFAULT '0',
    PRIMARY KEY (bet_id, outcome)
);

CREATE TABLE IF NOT EXISTS positions (
    bet_id     INTEGER NOT NULL,
    outcome    INTEGER NOT NULL,
    investor   TEXT NOT NULL,
    amount     TEXT NOT NULL,
    claimed    INTEGER NOT NULL DEFAULT 0,
    payout     TEXT,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (bet_id, outcome, investor),
    FOREIGN KEY (bet_id, outcome) REFERENCES outcome_pools (bet_id, outcome)
);

CREATE INDEX IF NOT EXISTS idx_positions_investor ON positions(investor);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS applied_txs (
    tx_id      TEXT PRIMARY KEY,
    bet_id     INTEGER NOT NULL,
    payout     TEXT,
    applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tx_receipts (
    tx_id        TEXT PRIMARY KEY,
    command_type TEXT NOT NULL,
    caller       TEXT NOT NULL,
    status       TEXT NOT NULL,
    bet_id       INTEGER NOT NULL DEFAULT 0,
    payout       TEXT,
    error_kind   TEXT NOT NULL DEFAULT '',
    error_code   TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    submitted_at INTEGER NOT NULL,
    resolved_at  INTEGER
);
`
