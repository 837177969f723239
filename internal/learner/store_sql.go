package learner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

// SQLStore works on both drivers opened by internal/db; the $n placeholders
// are understood by pgx and modernc sqlite alike.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) GetProgress(ctx context.Context, userID string, k progress.Key) (progress.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT section,item_id,correct,incorrect,last_attempt,version
		FROM progress WHERE user_id=$1 AND section=$2 AND item_id=$3`, userID, k.Section, k.ItemID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.Item{}, ErrNotFound
	}
	return it, err
}

func (s *SQLStore) PutProgress(ctx context.Context, userID string, it progress.Item) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO progress (user_id,section,item_id,correct,incorrect,last_attempt,version,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id,section,item_id) DO UPDATE SET
			correct=EXCLUDED.correct, incorrect=EXCLUDED.incorrect,
			last_attempt=EXCLUDED.last_attempt, version=EXCLUDED.version, updated_at=EXCLUDED.updated_at`,
		userID, it.Section, it.ItemID, it.Correct, it.Incorrect, toUnixNano(it.LastAttempt), it.Version, time.Now().Unix())
	return err
}

func (s *SQLStore) ListProgress(ctx context.Context, userID, section string) ([]progress.Item, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if section == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT section,item_id,correct,incorrect,last_attempt,version
			FROM progress WHERE user_id=$1 ORDER BY section,item_id`, userID)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT section,item_id,correct,incorrect,last_attempt,version
			FROM progress WHERE user_id=$1 AND section=$2 ORDER BY item_id`, userID, section)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []progress.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteProgress(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE user_id=$1`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) GetSettings(ctx context.Context, userID string) (progress.Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE user_id=$1`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.Settings{}, ErrNotFound
	}
	if err != nil {
		return progress.Settings{}, err
	}
	st := progress.DefaultSettings()
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return progress.Settings{}, err
	}
	return st, nil
}

func (s *SQLStore) PutSettings(ctx context.Context, userID string, st progress.Settings) error {
	buf, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO settings (user_id,data,updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE SET data=EXCLUDED.data, updated_at=EXCLUDED.updated_at`,
		userID, string(buf), time.Now().Unix())
	return err
}

type scanner interface{ Scan(dest ...any) error }

func scanItem(sc scanner) (progress.Item, error) {
	var it progress.Item
	var last int64
	if err := sc.Scan(&it.Section, &it.ItemID, &it.Correct, &it.Incorrect, &last, &it.Version); err != nil {
		return progress.Item{}, err
	}
	if last != 0 {
		it.LastAttempt = time.Unix(0, last).UTC()
	}
	return it, nil
}

// last_attempt keeps nanoseconds so an exact resend compares equal.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
