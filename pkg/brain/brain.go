// Package brain is the durable per-user store: deterministic profiles with
// versioned merges, and a key/value table with optional expiry used for
// behavior signals.
package brain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nous-labs/attune/pkg/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id    TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	expires_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at) WHERE expires_at IS NOT NULL;
`

const timeLayout = "2006-01-02 15:04:05"

// maxMergeAttempts bounds optimistic retries when two writers race on one profile.
const maxMergeAttempts = 4

// ErrConflict is returned when a profile merge loses every retry.
var ErrConflict = errors.New("profile version conflict")

// Brain is a SQLite-backed store.
type Brain struct {
	db     *sql.DB
	path   string
	limits memory.Limits
	now    func() time.Time
}

// Stats holds brain statistics.
type Stats struct {
	Profiles  int
	KVEntries int
	Expiring  int
}

// Open opens (creating if needed) the brain at the given directory path.
func Open(path string) (*Brain, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create brain dir: %w", err)
	}
	dbPath := filepath.Join(path, "state.db")

	// WAL for concurrent reads with a single writer.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open brain db: %w", err)
	}
	// One writer connection; WAL snapshots cannot be upgraded across connections.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping brain db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init brain schema: %w", err)
	}

	b := &Brain{db: db, path: path, limits: memory.DefaultLimits(), now: time.Now}
	stats := b.Stats()
	slog.Info("brain opened", "path", path, "profiles", stats.Profiles, "kv", stats.KVEntries)
	return b, nil
}

// SetLimits overrides the profile caps applied on merge.
func (b *Brain) SetLimits(lim memory.Limits) { b.limits = lim }

// Close closes the brain database.
func (b *Brain) Close() error {
	return b.db.Close()
}

// Path returns the brain root directory.
func (b *Brain) Path() string {
	return b.path
}

// Stats returns row counts.
func (b *Brain) Stats() Stats {
	var s Stats
	b.db.QueryRow("SELECT COUNT(*) FROM profiles").Scan(&s.Profiles)
	b.db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&s.KVEntries)
	b.db.QueryRow("SELECT COUNT(*) FROM kv WHERE expires_at IS NOT NULL").Scan(&s.Expiring)
	return s
}

// --- Profiles ---

// GetProfile returns the stored profile, or an empty one.
func (b *Brain) GetProfile(ctx context.Context, userID string) (memory.UserProfile, error) {
	p, _, err := b.loadProfile(ctx, b.db, userID)
	return p, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Brain) loadProfile(ctx context.Context, q queryer, userID string) (memory.UserProfile, bool, error) {
	var (
		data    string
		version int64
	)
	err := q.QueryRowContext(ctx, "SELECT data, version FROM profiles WHERE user_id = ?", userID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.UserProfile{}, false, nil
	}
	if err != nil {
		return memory.UserProfile{}, false, fmt.Errorf("load profile %s: %w", userID, err)
	}
	var p memory.UserProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return memory.UserProfile{}, false, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	p.Version = version
	return p, true, nil
}

// MergeProfile applies patch inside a transaction. The update is guarded by
// the version read in the same transaction and retried on conflict.
func (b *Brain) MergeProfile(ctx context.Context, userID string, patch memory.ProfilePatch) (memory.UserProfile, error) {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		p, retry, err := b.tryMerge(ctx, userID, patch)
		if err != nil {
			return memory.UserProfile{}, err
		}
		if !retry {
			return p, nil
		}
		slog.Debug("profile merge conflict, retrying", "user", userID, "attempt", attempt+1)
	}
	return memory.UserProfile{}, fmt.Errorf("merge profile %s: %w", userID, ErrConflict)
}

func (b *Brain) tryMerge(ctx context.Context, userID string, patch memory.ProfilePatch) (memory.UserProfile, bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.UserProfile{}, false, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	current, exists, err := b.loadProfile(ctx, tx, userID)
	if err != nil {
		return memory.UserProfile{}, false, err
	}
	merged, changed := memory.ApplyPatch(current, patch, b.limits)
	if !changed {
		return current, false, nil
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return memory.UserProfile{}, false, fmt.Errorf("encode profile: %w", err)
	}
	now := b.now().UTC().Format(timeLayout)

	var res sql.Result
	if exists {
		res, err = tx.ExecContext(ctx,
			`UPDATE profiles SET data = ?, version = ?, updated_at = ? WHERE user_id = ? AND version = ?`,
			string(data), merged.Version, now, userID, current.Version)
	} else {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO profiles (user_id, data, version, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(user_id) DO NOTHING`,
			userID, string(data), merged.Version, now)
	}
	if err != nil {
		return memory.UserProfile{}, false, fmt.Errorf("write profile %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memory.UserProfile{}, true, nil
	}
	if err := tx.Commit(); err != nil {
		return memory.UserProfile{}, false, fmt.Errorf("commit profile %s: %w", userID, err)
	}
	return merged, false, nil
}

// --- KV Operations ---

// KVGet retrieves a live value. Missing and expired keys return "", false.
func (b *Brain) KVGet(ctx context.Context, key string) (string, bool, error) {
	var (
		value   string
		expires sql.NullString
	)
	err := b.db.QueryRowContext(ctx, "SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	if expires.Valid && !parseTime(expires.String).After(b.now().UTC()) {
		return "", false, nil
	}
	return value, true, nil
}

// KVSet stores a value with no expiry.
func (b *Brain) KVSet(ctx context.Context, key, value string) error {
	return b.KVSetTTL(ctx, key, value, 0)
}

// KVSetTTL stores a value that expires after ttl (zero means never).
func (b *Brain) KVSetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	now := b.now().UTC()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).Format(timeLayout)
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		key, value, now.Format(timeLayout), expires,
	)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes expired KV rows and returns how many were removed.
func (b *Brain) PurgeExpired(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?",
		b.now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purge expired kv: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{
		timeLayout,
		time.RFC3339,
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
