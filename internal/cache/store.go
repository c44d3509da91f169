package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// SQLStore is the durable cache layer backed by the board_cache table in
// the same SQLite database as the item store.
type SQLStore struct {
	DB            *sql.DB
	Now           func() time.Time
	MaxEntryBytes int
}

func (s SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var payload, expiresAt string
	err := s.DB.QueryRowContext(ctx, `SELECT payload, expires_at FROM board_cache WHERE key=?`, key).
		Scan(&payload, &expiresAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || s.now().After(exp) {
		_, _ = s.DB.ExecContext(ctx, `DELETE FROM board_cache WHERE key=?`, key)
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s SQLStore) Put(ctx context.Context, key, pipelineID string, e Entry, ttl time.Duration) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if s.MaxEntryBytes > 0 && len(payload) > s.MaxEntryBytes {
		// oversized entries stay memory-only
		return nil
	}
	now := s.now().UTC()
	_, err = s.DB.ExecContext(ctx, `INSERT INTO board_cache(key,pipeline_id,payload,created_at,expires_at) VALUES (?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, created_at=excluded.created_at, expires_at=excluded.expires_at`,
		key, pipelineID, string(payload), now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339))
	return err
}

func (s SQLStore) DeletePipeline(ctx context.Context, pipelineID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM board_cache WHERE pipeline_id=?`, pipelineID)
	return err
}

func (s SQLStore) DeleteAll(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM board_cache`)
	return err
}
