// Package settings is the runtime-modifiable key/value store: per-TV display
// mode, the global animation mode, and the YouTube API key. Values persist
// across restarts in the shared SQLite store (see the store package) and are
// re-read during program execution rather than cached, matching piwall2's
// SettingsDb design.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dasl-/piwallgo/tvid"
)

// Well-known setting keys.
const (
	DisplayMode   = "display_mode"   // per-TV
	AnimationMode = "animation_mode" // global
	YouTubeAPIKey = "youtube_api_key"
)

// tvIDDelim separates a base setting name from the tv_id it's scoped to,
// e.g. "display_mode__livingroom_1".
const tvIDDelim = "__"

// DB is the settings store, backed by a *sql.DB shared with the queue
// package.
type DB struct {
	db *sql.DB
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sql.DB) *DB {
	return &DB{db: db}
}

// Set upserts a single key, reporting whether exactly one row was affected.
func (d *DB) Set(ctx context.Context, key, value string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return false, fmt.Errorf("settings: set %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settings: set %s: %w", key, err)
	}
	return n >= 1, nil
}

// SetMulti upserts every key in kv within a single statement, reporting
// whether all of them were affected.
func (d *DB) SetMulti(ctx context.Context, kv map[string]string) (bool, error) {
	if len(kv) == 0 {
		return true, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO settings (key, value, updated_at) VALUES ")
	params := make([]any, 0, len(kv)*2)
	first := true
	for key, value := range kv {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString("(?, ?, CURRENT_TIMESTAMP)")
		params = append(params, key, value)
	}
	sb.WriteString(" ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at")

	res, err := d.db.ExecContext(ctx, sb.String(), params...)
	if err != nil {
		return false, fmt.Errorf("settings: set_multi: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settings: set_multi: %w", err)
	}
	return int(n) >= len(kv), nil
}

// ToggleMulti flips every key in keys between toggleValue1 and
// toggleValue2: keys currently at toggleValue1 become toggleValue2 and vice
// versa, in one statement, matching piwall2's settingsdb.toggle_multi.
func (d *DB) ToggleMulti(ctx context.Context, keys []string, toggleValue1, toggleValue2 string) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	params := make([]any, 0, len(keys)+3)
	params = append(params, toggleValue1, toggleValue2, toggleValue1)
	for _, k := range keys {
		params = append(params, k)
	}

	res, err := d.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE settings SET value = CASE WHEN value = ? THEN ? ELSE ? END WHERE key IN (%s)`, placeholders),
		params...,
	)
	if err != nil {
		return false, fmt.Errorf("settings: toggle_multi: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settings: toggle_multi: %w", err)
	}
	return int(n) == len(keys), nil
}

// Get returns key's value, or def if the key isn't set.
func (d *DB) Get(ctx context.Context, key, def string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return value, nil
}

// GetMulti returns a value for every key in keys, defaulting missing ones to
// def. Every requested key is guaranteed to be present in the result.
func (d *DB) GetMulti(ctx context.Context, keys []string, def string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, k := range keys {
		result[k] = def
	}
	if len(keys) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM settings WHERE key IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("settings: get_multi: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("settings: get_multi: %w", err)
		}
		result[key] = value
	}
	return result, rows.Err()
}

// IsEnabled reports whether key's value is "1" or "true".
func (d *DB) IsEnabled(ctx context.Context, key string, def bool) (bool, error) {
	defStr := "0"
	if def {
		defStr = "1"
	}
	v, err := d.Get(ctx, key, defStr)
	if err != nil {
		return def, err
	}
	return v == "1" || v == "true", nil
}

// TVKey composes the per-TV settings key for a base setting name, e.g.
// TVKey(DisplayMode, someID) -> "display_mode__<id>".
func TVKey(setting string, id tvid.ID) string {
	return setting + tvIDDelim + string(id)
}

// TVIDFromKey extracts the tv_id portion of a per-TV settings key built by
// TVKey.
func TVIDFromKey(key string) (tvid.ID, error) {
	_, rest, ok := strings.Cut(key, tvIDDelim)
	if !ok {
		return "", fmt.Errorf("settings: key %q has no tv_id component", key)
	}
	return tvid.ID(rest), nil
}

// TVSettings returns, for every tv_id, its display mode (defaulting to
// defaultDisplayMode if unset). Every id in ids is guaranteed to be present.
func (d *DB) TVSettings(ctx context.Context, ids []tvid.ID, defaultDisplayMode string) (map[tvid.ID]string, error) {
	keys := make([]string, len(ids))
	keyToID := make(map[string]tvid.ID, len(ids))
	for i, id := range ids {
		k := TVKey(DisplayMode, id)
		keys[i] = k
		keyToID[k] = id
	}

	raw, err := d.GetMulti(ctx, keys, defaultDisplayMode)
	if err != nil {
		return nil, err
	}

	result := make(map[tvid.ID]string, len(ids))
	for k, v := range raw {
		result[keyToID[k]] = v
	}
	return result, nil
}
