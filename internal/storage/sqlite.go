package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/crypto"
)

// DB is a Backend on a SQLite database.
type DB struct {
	db *sql.DB
}

var _ Backend = (*DB)(nil)

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS covalues (
    id TEXT PRIMARY KEY,
    header BLOB NOT NULL,
    header_cid TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    covalue_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    tx_index INTEGER NOT NULL,
    payload BLOB NOT NULL,
    made_at INTEGER NOT NULL,
    signature TEXT,
    payload_cid TEXT NOT NULL,
    PRIMARY KEY (covalue_id, session_id, tx_index),
    FOREIGN KEY (covalue_id) REFERENCES covalues(id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_made_at ON transactions(covalue_id, made_at);`
	_, err := d.db.Exec(schema)
	return err
}

// --- Header ---

// PutHeader stores the header of id unless it is already present.
func (d *DB) PutHeader(id cojson.CoID, header []byte, cid string) error {
	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO covalues (id, header, header_cid) VALUES (?, ?, ?)`,
		string(id), header, cid,
	)
	if err != nil {
		return fmt.Errorf("put header: %w", err)
	}
	return nil
}

// Header returns the stored header bytes and CID of id.
func (d *DB) Header(id cojson.CoID) ([]byte, string, error) {
	var header []byte
	var cid string
	err := d.db.QueryRow(
		`SELECT header, header_cid FROM covalues WHERE id = ?`, string(id),
	).Scan(&header, &cid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get header: %w", err)
	}
	return header, cid, nil
}

// IDs lists every stored CoValue.
func (d *DB) IDs() ([]cojson.CoID, error) {
	rows, err := d.db.Query(`SELECT id FROM covalues ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list covalues: %w", err)
	}
	defer rows.Close()

	var ids []cojson.CoID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan covalue: %w", err)
		}
		ids = append(ids, cojson.CoID(id))
	}
	return ids, rows.Err()
}

// --- Transactions ---

// PutRows stores rows of id in one SQL transaction. Rows already present
// are kept as they are.
func (d *DB) PutRows(id cojson.CoID, rows []Row) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO transactions
		 (covalue_id, session_id, tx_index, payload, made_at, signature, payload_cid)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var sig sql.NullString
		if r.Signature != "" {
			sig = sql.NullString{String: string(r.Signature), Valid: true}
		}
		if _, err := stmt.Exec(string(id), string(r.Session), r.TxIndex, r.Payload, r.MadeAt, sig, r.CID); err != nil {
			return fmt.Errorf("insert transaction %s[%d]: %w", r.Session, r.TxIndex, err)
		}
	}
	return tx.Commit()
}

// Rows returns the rows of one session from index from on.
func (d *DB) Rows(id cojson.CoID, session cojson.SessionID, from int) ([]Row, error) {
	rows, err := d.db.Query(
		`SELECT tx_index, payload, made_at, signature, payload_cid FROM transactions
		 WHERE covalue_id = ? AND session_id = ? AND tx_index >= ?
		 ORDER BY tx_index`,
		string(id), string(session), from,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r := Row{Session: session}
		var sig sql.NullString
		if err := rows.Scan(&r.TxIndex, &r.Payload, &r.MadeAt, &sig, &r.CID); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		r.Signature = crypto.Signature(sig.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sessions returns the row count of every stored session of id.
func (d *DB) Sessions(id cojson.CoID) (map[cojson.SessionID]int, error) {
	rows, err := d.db.Query(
		`SELECT session_id, COUNT(*) FROM transactions WHERE covalue_id = ? GROUP BY session_id`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	defer rows.Close()

	out := map[cojson.SessionID]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out[cojson.SessionID(s)] = n
	}
	return out, rows.Err()
}
