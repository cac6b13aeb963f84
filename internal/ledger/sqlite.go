package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the state document in a single-row table. The
// conditional write is an UPDATE guarded by the version column; zero rows
// affected means another worker won the race.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database, runs migrations, and
// seeds the state row if absent.
func NewSQLiteStore(db *sql.DB, now time.Time) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(now); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return s, nil
}

// OpenDB opens a sqlite database in WAL mode, shared by the ledger store
// and the recorder.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) migrate(now time.Time) error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS ledger_state (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		version    INTEGER NOT NULL,
		doc        TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}

	seed := newState(now.UTC().Format("2006-01-02"))
	seed.UpdatedAt = now.UTC()
	doc, err := json.Marshal(seed)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO ledger_state (id, version, doc, updated_at) VALUES (1, 0, ?, ?)`,
		string(doc), now.UTC().UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	var version int64
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT version, doc FROM ledger_state WHERE id = 1`).
		Scan(&version, &doc)
	if err != nil {
		return State{}, fmt.Errorf("load ledger state: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return State{}, fmt.Errorf("decode ledger state: %w", err)
	}
	state.Version = version
	return state, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, expect int64, next State) error {
	next.Version = expect + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode ledger state: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_state SET version = ?, doc = ?, updated_at = ? WHERE id = 1 AND version = ?`,
		next.Version, string(doc), time.Now().UTC().UnixMilli(), expect,
	)
	if err != nil {
		return fmt.Errorf("write ledger state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrContended
	}
	return nil
}
