package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // driver for "sqlite"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

// Store is the on-device store: progress records, the pending outbox, the
// settings record and a key-value table for caches.
type Store struct {
	DB *sqlx.DB
	tx *sqlx.Tx // set on the view handed to Atomic callbacks
}

// queryer is what both *sqlx.DB and *sqlx.Tx offer.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) q() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.DB
}

// withTx runs fn in the current transaction, or in a new one.
func (s *Store) withTx(ctx context.Context, fn func(q queryer) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Atomic runs fn in one transaction. The pool holds a single connection, so
// every other call waits until fn returns.
func (s *Store) Atomic(ctx context.Context, fn func(progress.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return s.withTx(ctx, func(q queryer) error {
		return fn(&Store{DB: s.DB, tx: q.(*sqlx.Tx)})
	})
}

var (
	_ progress.Store = (*Store)(nil)
	_ progress.KV    = (*Store)(nil)
)

// Open opens (or creates) the SQLite file at path and migrates it. Use
// ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlstore: path is required")
	}
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	// single writer; also keeps a :memory: database on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlstore: pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS progress (
  section      TEXT NOT NULL,
  item_id      TEXT NOT NULL,
  correct      INTEGER NOT NULL DEFAULT 0,
  incorrect    INTEGER NOT NULL DEFAULT 0,
  last_attempt INTEGER NOT NULL DEFAULT 0, -- unix nanos, 0 = never
  version      INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (section, item_id)
);

CREATE TABLE IF NOT EXISTS pending (
  section           TEXT NOT NULL,
  item_id           TEXT NOT NULL,
  correct           INTEGER NOT NULL DEFAULT 0,
  incorrect         INTEGER NOT NULL DEFAULT 0,
  last_attempt      INTEGER NOT NULL DEFAULT 0,
  version           INTEGER NOT NULL DEFAULT 0,
  status            TEXT NOT NULL DEFAULT 'pending',
  retry_count       INTEGER NOT NULL DEFAULT 0,
  last_sync_attempt INTEGER NOT NULL DEFAULT 0,
  last_error        TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (section, item_id)
);

CREATE TABLE IF NOT EXISTS settings (
  id        INTEGER PRIMARY KEY CHECK (id = 1),
  data      TEXT NOT NULL,
  last_sync INTEGER NOT NULL DEFAULT 0 -- unix nanos, kept apart from data
);

CREATE TABLE IF NOT EXISTS kv (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`

type itemRow struct {
	Section     string `db:"section"`
	ItemID      string `db:"item_id"`
	Correct     int    `db:"correct"`
	Incorrect   int    `db:"incorrect"`
	LastAttempt int64  `db:"last_attempt"`
	Version     int64  `db:"version"`
}

func (r itemRow) item() progress.Item {
	return progress.Item{
		Section: r.Section, ItemID: r.ItemID,
		Correct: r.Correct, Incorrect: r.Incorrect,
		LastAttempt: fromNanos(r.LastAttempt), Version: r.Version,
	}
}

type pendingRow struct {
	itemRow
	Status          string `db:"status"`
	RetryCount      int    `db:"retry_count"`
	LastSyncAttempt int64  `db:"last_sync_attempt"`
	LastError       string `db:"last_error"`
}

func (r pendingRow) pending() progress.PendingItem {
	return progress.PendingItem{
		Item:            r.item(),
		Status:          progress.Status(r.Status),
		RetryCount:      r.RetryCount,
		LastSyncAttempt: fromNanos(r.LastSyncAttempt),
		LastError:       r.LastError,
	}
}

func (s *Store) GetItem(ctx context.Context, k progress.Key) (progress.Item, error) {
	var r itemRow
	err := s.q().GetContext(ctx, &r, `
		SELECT section, item_id, correct, incorrect, last_attempt, version
		FROM progress WHERE section=? AND item_id=?`, k.Section, k.ItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.Item{}, progress.ErrNotFound
	}
	if err != nil {
		return progress.Item{}, err
	}
	return r.item(), nil
}

func (s *Store) PutItem(ctx context.Context, it progress.Item) error {
	if !it.Key().Valid() {
		return progress.ErrInvalidItem
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO progress (section, item_id, correct, incorrect, last_attempt, version)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (section, item_id) DO UPDATE SET
			correct=excluded.correct,
			incorrect=excluded.incorrect,
			last_attempt=excluded.last_attempt,
			version=excluded.version`,
		it.Section, it.ItemID, it.Correct, it.Incorrect, toNanos(it.LastAttempt), it.Version)
	return err
}

func (s *Store) ListItems(ctx context.Context, section string) ([]progress.Item, error) {
	var rows []itemRow
	q := `SELECT section, item_id, correct, incorrect, last_attempt, version FROM progress`
	var args []any
	if section != "" {
		q += ` WHERE section=?`
		args = append(args, section)
	}
	q += ` ORDER BY section, item_id`
	if err := s.q().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]progress.Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}

func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(q queryer) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM progress`); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `DELETE FROM pending`)
		return err
	})
}

// Replace wipes progress and the outbox and writes the given records in one
// transaction. On any error nothing changes.
func (s *Store) Replace(ctx context.Context, items []progress.Item, pending []progress.PendingItem, st progress.Settings) error {
	buf, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(q queryer) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM progress`); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM pending`); err != nil {
			return err
		}
		for _, it := range items {
			if !it.Key().Valid() {
				return progress.ErrInvalidItem
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO progress (section, item_id, correct, incorrect, last_attempt, version)
				VALUES (?,?,?,?,?,?)`,
				it.Section, it.ItemID, it.Correct, it.Incorrect, toNanos(it.LastAttempt), it.Version); err != nil {
				return fmt.Errorf("restore item %s: %w", it.Key(), err)
			}
		}
		for _, p := range pending {
			if !p.Key().Valid() {
				return progress.ErrInvalidItem
			}
			if p.Status == "" {
				p.Status = progress.StatusPending
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO pending (section, item_id, correct, incorrect, last_attempt, version,
				                     status, retry_count, last_sync_attempt, last_error)
				VALUES (?,?,?,?,?,?,?,?,?,?)`,
				p.Section, p.ItemID, p.Correct, p.Incorrect, toNanos(p.LastAttempt), p.Version,
				string(p.Status), p.RetryCount, toNanos(p.LastSyncAttempt), p.LastError); err != nil {
				return fmt.Errorf("restore pending %s: %w", p.Key(), err)
			}
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO settings (id, data, last_sync) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET data=excluded.data, last_sync=excluded.last_sync`,
			string(buf), toNanos(st.LastSync))
		return err
	})
}

func (s *Store) GetPending(ctx context.Context, k progress.Key) (progress.PendingItem, error) {
	var r pendingRow
	err := s.q().GetContext(ctx, &r, `
		SELECT section, item_id, correct, incorrect, last_attempt, version,
		       status, retry_count, last_sync_attempt, last_error
		FROM pending WHERE section=? AND item_id=?`, k.Section, k.ItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.PendingItem{}, progress.ErrNotFound
	}
	if err != nil {
		return progress.PendingItem{}, err
	}
	return r.pending(), nil
}

func (s *Store) Enqueue(ctx context.Context, p progress.PendingItem) error {
	if !p.Key().Valid() {
		return progress.ErrInvalidItem
	}
	if p.Status == "" {
		p.Status = progress.StatusPending
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO pending (section, item_id, correct, incorrect, last_attempt, version,
		                     status, retry_count, last_sync_attempt, last_error)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (section, item_id) DO UPDATE SET
			correct=excluded.correct,
			incorrect=excluded.incorrect,
			last_attempt=excluded.last_attempt,
			version=excluded.version,
			status=excluded.status,
			retry_count=excluded.retry_count,
			last_sync_attempt=excluded.last_sync_attempt,
			last_error=excluded.last_error`,
		p.Section, p.ItemID, p.Correct, p.Incorrect, toNanos(p.LastAttempt), p.Version,
		string(p.Status), p.RetryCount, toNanos(p.LastSyncAttempt), p.LastError)
	return err
}

func (s *Store) ListPending(ctx context.Context) ([]progress.PendingItem, error) {
	var rows []pendingRow
	if err := s.q().SelectContext(ctx, &rows, `
		SELECT section, item_id, correct, incorrect, last_attempt, version,
		       status, retry_count, last_sync_attempt, last_error
		FROM pending ORDER BY section, item_id`); err != nil {
		return nil, err
	}
	out := make([]progress.PendingItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.pending())
	}
	return out, nil
}

func (s *Store) MarkSynced(ctx context.Context, k progress.Key, version int64) (bool, error) {
	res, err := s.q().ExecContext(ctx,
		`DELETE FROM pending WHERE section=? AND item_id=? AND version=?`,
		k.Section, k.ItemID, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) MarkFailed(ctx context.Context, k progress.Key, version int64, lastErr string, at time.Time) error {
	_, err := s.q().ExecContext(ctx, `
		UPDATE pending
		   SET status='failed', retry_count=retry_count+1, last_error=?, last_sync_attempt=?
		 WHERE section=? AND item_id=? AND version=?`,
		lastErr, toNanos(at), k.Section, k.ItemID, version)
	return err
}

func (s *Store) GetSettings(ctx context.Context) (progress.Settings, error) {
	var row struct {
		Data     string `db:"data"`
		LastSync int64  `db:"last_sync"`
	}
	err := s.q().GetContext(ctx, &row, `SELECT data, last_sync FROM settings WHERE id=1`)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.DefaultSettings(), nil
	}
	if err != nil {
		return progress.Settings{}, err
	}
	st := progress.DefaultSettings()
	if err := json.Unmarshal([]byte(row.Data), &st); err != nil {
		return progress.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	st.LastSync = fromNanos(row.LastSync)
	return st, nil
}

func (s *Store) PutSettings(ctx context.Context, st progress.Settings) error {
	buf, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.q().ExecContext(ctx, `
		INSERT INTO settings (id, data, last_sync) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			data=excluded.data,
			last_sync=MAX(settings.last_sync, excluded.last_sync)`,
		string(buf), toNanos(st.LastSync))
	return err
}

func (s *Store) SetLastSync(ctx context.Context, at time.Time) error {
	buf, err := json.Marshal(progress.DefaultSettings())
	if err != nil {
		return err
	}
	_, err = s.q().ExecContext(ctx, `
		INSERT INTO settings (id, data, last_sync) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET last_sync=excluded.last_sync`,
		string(buf), toNanos(at))
	return err
}

func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.q().GetContext(ctx, &v, `SELECT value FROM kv WHERE key=?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) PutValue(ctx context.Context, key, value string) error {
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
