package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
)

var (
	_ conversation.SnapshotStore = (*SQLiteStore)(nil)
	_ conversation.ActivityIndex = (*SQLiteStore)(nil)
)

// SQLiteStore is the durable state for shopkeeper: conversation snapshots,
// learned response patterns, sent insights, turn metrics, persona
// assignments and the business tables.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention between the turn
	// handlers and the background workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversation_snapshots (
			identity TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			persona TEXT NOT NULL DEFAULT '',
			snapshot BLOB NOT NULL,
			last_activity_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversation_snapshots_activity_idx ON conversation_snapshots(last_activity_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS response_patterns (
			persona TEXT NOT NULL,
			intent_type TEXT NOT NULL,
			context_tag TEXT NOT NULL,
			template TEXT NOT NULL,
			success_rate REAL NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			variables_json TEXT NOT NULL DEFAULT '[]',
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(persona, intent_type, context_tag)
		);`,
		`CREATE TABLE IF NOT EXISTS proactive_insights (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			insight_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			confidence REAL NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			data_json TEXT NOT NULL DEFAULT '{}',
			actions_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL DEFAULT 0,
			sent_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS proactive_insights_dedup_idx ON proactive_insights(identity, insight_type, title, sent_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identity TEXT NOT NULL DEFAULT '',
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS metrics_lookup_idx ON metrics(identity, metric, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS persona_assignments (
			user_id TEXT PRIMARY KEY,
			persona TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS inventory_items (
			sku TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			supplier TEXT NOT NULL DEFAULT '',
			quantity REAL NOT NULL DEFAULT 0,
			reorder_point REAL NOT NULL DEFAULT 0,
			unit_cost REAL NOT NULL DEFAULT 0,
			unit_price REAL NOT NULL DEFAULT 0,
			turnover REAL NOT NULL DEFAULT 0,
			stockouts_30d INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS inventory_items_name_idx ON inventory_items(name COLLATE NOCASE);`,
		`CREATE TABLE IF NOT EXISTS sales_transactions (
			id TEXT PRIMARY KEY,
			sku TEXT NOT NULL,
			quantity REAL NOT NULL,
			amount REAL NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			sold_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS sales_transactions_time_idx ON sales_transactions(sold_at_ms);`,
		`CREATE TABLE IF NOT EXISTS suppliers (
			name TEXT PRIMARY KEY,
			contact TEXT NOT NULL DEFAULT '',
			products_json TEXT NOT NULL DEFAULT '[]',
			on_time_rate REAL NOT NULL DEFAULT 1,
			quality_score REAL NOT NULL DEFAULT 1,
			volume_share REAL NOT NULL DEFAULT 0,
			lead_time_days REAL NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS cash_flow (
			week_start_ms INTEGER PRIMARY KEY,
			net_flow REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cash_balances (
			as_of_ms INTEGER PRIMARY KEY,
			balance REAL NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, identity string) (*conversation.Context, error) {
	row := s.db.QueryRowContext(ctx, `SELECT snapshot FROM conversation_snapshots WHERE identity = ?`, identity)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conversation.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return conversation.DecodeSnapshot(raw)
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, c *conversation.Context) error {
	raw, err := conversation.EncodeSnapshot(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO conversation_snapshots(identity, user_id, persona, snapshot, last_activity_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(identity) DO UPDATE SET
	user_id = excluded.user_id,
	persona = excluded.persona,
	snapshot = excluded.snapshot,
	last_activity_ms = excluded.last_activity_ms,
	updated_at_ms = excluded.updated_at_ms`,
		c.Identity, c.UserID, string(c.Persona), raw, c.LastActivityAt.UnixMilli(), nowMS())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListActiveIdentities(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT identity FROM conversation_snapshots
WHERE last_activity_ms >= ?
ORDER BY identity`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list active identities: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// SnapshotCount reports how many contexts are persisted.
func (s *SQLiteStore) SnapshotCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
