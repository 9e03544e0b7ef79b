package storage

import (
	"context"
	"database/sql"
	"time"
)

// Preference keys shared by the service, the session tracker and sync.
const (
	PrefSyncEnabled      = "sync_enabled"
	PrefSyncFolderPath   = "sync_folder_path"
	PrefLastExportDate   = "last_export_date"
	PrefLastImportDate   = "last_import_date"
	PrefLastNotifyDate   = "last_notify_date"
	PrefSessionDate      = "session_date"
	PrefSessionCompleted = "session_completed"
	PrefSessionLimit     = "session_limit"
)

// GetPreference returns the stored value and whether the key exists. A
// missing key is not an error.
func (s *SQLiteStorage) GetPreference(ctx context.Context, key string) (string, bool, error) {
	return getPreference(ctx, s.db, key)
}

// SetPreference stores value under key, replacing any previous value.
func (s *SQLiteStorage) SetPreference(ctx context.Context, key, value string, now time.Time) error {
	return wrapErr("set preference", setPreference(ctx, s.db, key, value, now))
}

func getPreference(ctx context.Context, q querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("get preference", err)
	}
	return value, true, nil
}

func setPreference(ctx context.Context, q querier, key, value string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, formatTime(now))
	return err
}
