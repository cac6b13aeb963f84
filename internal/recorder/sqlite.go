package recorder

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// SQLiteRecorder writes history rows into the shared sqlite database.
type SQLiteRecorder struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteRecorder runs migrations and returns a recorder over db.
func NewSQLiteRecorder(db *sql.DB, log zerolog.Logger) (*SQLiteRecorder, error) {
	r := &SQLiteRecorder{db: db, log: log}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("migrate recorder: %w", err)
	}
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trade_history (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol       TEXT NOT NULL,
			direction    TEXT NOT NULL,
			entry_price  REAL NOT NULL,
			exit_price   REAL NOT NULL,
			quantity     REAL NOT NULL,
			leverage     INTEGER NOT NULL,
			score        INTEGER NOT NULL,
			realized_pnl TEXT NOT NULL,
			exit_reason  TEXT NOT NULL,
			opened_at    INTEGER NOT NULL,
			closed_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_closed_at ON trade_history (closed_at)`,
		`CREATE TABLE IF NOT EXISTS trade_opens (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol       TEXT NOT NULL,
			direction    TEXT NOT NULL,
			score        INTEGER NOT NULL,
			entry_price  REAL NOT NULL,
			quantity     REAL NOT NULL,
			leverage     INTEGER NOT NULL,
			risk_dollars TEXT NOT NULL,
			tp_price     REAL NOT NULL,
			sl_price     REAL NOT NULL,
			atr          REAL NOT NULL,
			volume_ratio REAL NOT NULL,
			night_pump   INTEGER NOT NULL,
			session      TEXT NOT NULL,
			opened_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_opens_opened_at ON trade_opens (opened_at)`,
		`CREATE TABLE IF NOT EXISTS skipped_trades (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol    TEXT NOT NULL,
			score     INTEGER NOT NULL,
			direction TEXT NOT NULL,
			reason    TEXT NOT NULL,
			detail    TEXT NOT NULL,
			at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skipped_trades_at ON skipped_trades (at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordOpen(ctx context.Context, t OpenedTrade) error {
	pump := 0
	if t.NightPump {
		pump = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO trade_opens
		 (symbol, direction, score, entry_price, quantity, leverage, risk_dollars, tp_price, sl_price, atr, volume_ratio, night_pump, session, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, string(t.Direction), t.Score, t.EntryPrice, t.Quantity,
		t.Leverage, t.Risk, t.TPPrice, t.SLPrice, t.ATR, t.VolumeRatio,
		pump, t.Session, t.OpenedAt.UTC().UnixMilli(),
	)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("trade open write failed")
		return fmt.Errorf("record open: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) RecordClose(ctx context.Context, t ClosedTrade) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO trade_history
		 (symbol, direction, entry_price, exit_price, quantity, leverage, score, realized_pnl, exit_reason, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, string(t.Direction), t.EntryPrice, t.ExitPrice, t.Quantity,
		t.Leverage, t.Score, t.RealizedPnL, string(t.ExitReason),
		t.OpenedAt.UTC().UnixMilli(), t.ClosedAt.UTC().UnixMilli(),
	)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("trade history write failed")
		return fmt.Errorf("record close: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) RecordSkip(ctx context.Context, s SkippedTrade) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO skipped_trades (symbol, score, direction, reason, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.Symbol, s.Score, string(s.Direction), string(s.Reason), s.Detail,
		s.At.UTC().UnixMilli(),
	)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", s.Symbol).Msg("skip log write failed")
		return fmt.Errorf("record skip: %w", err)
	}
	return nil
}
