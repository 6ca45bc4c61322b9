package kv

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteBucket is a persistent bucket stored in the kv_store table.
type SQLiteBucket struct {
	db   *sql.DB
	name string
}

// NewSQLiteBucket creates a new SQLite-backed bucket.
func NewSQLiteBucket(db *sql.DB, name string) *SQLiteBucket {
	return &SQLiteBucket{db: db, name: name}
}

func (b *SQLiteBucket) Name() string {
	return b.name
}

func (b *SQLiteBucket) IsPersistent() bool {
	return true
}

func (b *SQLiteBucket) Store(key string, value any, opts *StoreOptions) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %q: %w", key, err)
	}

	now := time.Now().UTC()
	var expiresAt *int64
	if exp := expiry(opts, now); !exp.IsZero() {
		unix := exp.Unix()
		expiresAt = &unix
	}

	_, err = b.db.Exec(`
		INSERT INTO kv_store (bucket, key, value, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, b.name, key, string(data), expiresAt, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to store %q: %w", key, err)
	}
	return nil
}

// row reads the raw stored value. Expired rows are removed and reported missing.
func (b *SQLiteBucket) row(key string) (string, bool, error) {
	var raw string
	var expiresAt sql.NullInt64

	err := b.db.QueryRow(`
		SELECT value, expires_at FROM kv_store WHERE bucket = ? AND key = ?
	`, b.name, key).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}

	if expiresAt.Valid && time.Now().UTC().Unix() > expiresAt.Int64 {
		_, _ = b.db.Exec(`DELETE FROM kv_store WHERE bucket = ? AND key = ?`, b.name, key)
		return "", false, nil
	}
	return raw, true, nil
}

func decode(key, raw string) (any, error) {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return value, nil
}

func (b *SQLiteBucket) Get(key string) (any, error) {
	raw, ok, err := b.row(key)
	if err != nil || !ok {
		return nil, err
	}
	return decode(key, raw)
}

// Take deletes and returns the row in a single statement.
func (b *SQLiteBucket) Take(key string) (any, error) {
	var raw string
	var expiresAt sql.NullInt64

	err := b.db.QueryRow(`
		DELETE FROM kv_store WHERE bucket = ? AND key = ?
		RETURNING value, expires_at
	`, b.name, key).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take %q: %w", key, err)
	}

	if expiresAt.Valid && time.Now().UTC().Unix() > expiresAt.Int64 {
		return nil, nil
	}
	return decode(key, raw)
}

func (b *SQLiteBucket) Exists(key string) (bool, error) {
	_, ok, err := b.row(key)
	return ok, err
}

func (b *SQLiteBucket) Delete(key string) (bool, error) {
	result, err := b.db.Exec(`DELETE FROM kv_store WHERE bucket = ? AND key = ?`, b.name, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete %q: %w", key, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// DeleteIf only removes the row if it still holds the value that match inspected.
func (b *SQLiteBucket) DeleteIf(key string, match func(value any) bool) (bool, error) {
	raw, ok, err := b.row(key)
	if err != nil || !ok {
		return false, err
	}

	value, err := decode(key, raw)
	if err != nil {
		return false, err
	}
	if !match(value) {
		return false, nil
	}

	result, err := b.db.Exec(`
		DELETE FROM kv_store WHERE bucket = ? AND key = ? AND value = ?
	`, b.name, key, raw)
	if err != nil {
		return false, fmt.Errorf("failed to delete %q: %w", key, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (b *SQLiteBucket) Keys(prefix string) ([]string, error) {
	rows, err := b.db.Query(`
		SELECT key FROM kv_store
		WHERE bucket = ? AND substr(key, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, b.name, len(prefix), prefix, time.Now().UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *SQLiteBucket) Clear() error {
	if _, err := b.db.Exec(`DELETE FROM kv_store WHERE bucket = ?`, b.name); err != nil {
		return fmt.Errorf("failed to clear bucket %q: %w", b.name, err)
	}
	return nil
}

// CleanupExpired removes all expired rows of every bucket.
func CleanupExpired(db *sql.DB) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, time.Now().UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired entries: %w", err)
	}
	return result.RowsAffected()
}
