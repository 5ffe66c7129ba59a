package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Settings is an in-memory view of the settings table. Setters stage values; Save writes
// the changed keys back in one transaction. It implements spread.ConfigStore.
type Settings struct {
	db     *sql.DB
	values map[string]string
	dirty  map[string]struct{}
	mu     sync.Mutex
}

// LoadSettings reads every row of the settings table.
func LoadSettings(ctx context.Context, db *sql.DB) (*Settings, error) {
	s := &Settings{db: db, dirty: map[string]struct{}{}}

	err := s.Reload(ctx)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Reload replaces the cached values with the table contents and drops staged changes.
func (s *Settings) Reload(ctx context.Context) error {
	ctx = contextOrBackground(ctx)

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return fmt.Errorf("query settings: %w", err)
	}

	defer func() {
		closeErr := rows.Close()
		if closeErr != nil {
			slog.Warn("rows close failed", "err", closeErr)
		}
	}()

	values := map[string]string{}

	for rows.Next() {
		var key, value string

		scanErr := rows.Scan(&key, &value)
		if scanErr != nil {
			return fmt.Errorf("scan setting row: %w", scanErr)
		}

		values[key] = value
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return fmt.Errorf("iterate setting rows: %w", rowsErr)
	}

	s.mu.Lock()
	s.values = values
	s.dirty = map[string]struct{}{}
	s.mu.Unlock()

	return nil
}

func (s *Settings) raw(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[key]

	return value, ok
}

func (s *Settings) stage(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	s.dirty[key] = struct{}{}
}

// HasKey reports whether key has a stored or staged value.
func (s *Settings) HasKey(key string) bool {
	_, ok := s.raw(key)

	return ok
}

// Int returns key as an integer. Values that do not parse are reported as missing.
func (s *Settings) Int(key string) (int64, bool) {
	value, ok := s.raw(key)
	if !ok {
		return 0, false
	}

	return parseInt(value)
}

// String returns key as text. JSON string literals are unquoted.
func (s *Settings) String(key string) (string, bool) {
	value, ok := s.raw(key)
	if !ok {
		return "", false
	}

	var decoded string
	if json.Unmarshal([]byte(value), &decoded) == nil {
		return decoded, true
	}

	return value, true
}

// IntMap returns key as a map of integers. Entries whose key or value is not an integer
// are skipped; a value that is not a JSON object yields an empty map.
func (s *Settings) IntMap(key string) (map[int64]int64, bool) {
	value, ok := s.raw(key)
	if !ok {
		return nil, false
	}

	var decoded map[string]json.RawMessage

	err := json.Unmarshal([]byte(value), &decoded)
	if err != nil {
		slog.Warn("setting is not an integer map", "key", key, "err", err)

		return map[int64]int64{}, true
	}

	out := make(map[int64]int64, len(decoded))

	for rawKey, rawValue := range decoded {
		id, keyErr := strconv.ParseInt(strings.TrimSpace(rawKey), 10, 64)
		if keyErr != nil {
			continue
		}

		n, valueOK := parseInt(string(rawValue))
		if !valueOK {
			continue
		}

		out[id] = n
	}

	return out, true
}

// SetInt is part of the spread.ConfigStore contract.
func (s *Settings) SetInt(key string, value int64) {
	s.stage(key, strconv.FormatInt(value, 10))
}

// SetString is part of the spread.ConfigStore contract.
func (s *Settings) SetString(key, value string) {
	encoded, _ := json.Marshal(value)
	s.stage(key, string(encoded))
}

// SetIntMap is part of the spread.ConfigStore contract.
func (s *Settings) SetIntMap(key string, value map[int64]int64) {
	encoded := make(map[string]int64, len(value))
	for id, n := range value {
		encoded[strconv.FormatInt(id, 10)] = n
	}

	// Marshal sorts map keys, so the stored text is stable.
	data, _ := json.Marshal(encoded)
	s.stage(key, string(data))
}

// Save writes every staged key. Keys that were not touched are left as they are in the
// table, so concurrent writers only race on keys they both changed.
func (s *Settings) Save(ctx context.Context) error {
	ctx = contextOrBackground(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dirty) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save settings transaction: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			rollbackTx(tx)
		}
	}()

	now := time.Now().UTC()

	for _, key := range slices.Sorted(maps.Keys(s.dirty)) {
		_, execErr := tx.ExecContext(ctx, `
INSERT INTO settings (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, s.values[key], now)
		if execErr != nil {
			return fmt.Errorf("save setting %q: %w", key, execErr)
		}
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return fmt.Errorf("commit save settings transaction: %w", commitErr)
	}

	committed = true
	s.dirty = map[string]struct{}{}

	return nil
}

func parseInt(raw string) (int64, bool) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)

	n, err := strconv.ParseInt(raw, 10, 64)
	if err == nil {
		return n, true
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}

	return int64(f), true
}
