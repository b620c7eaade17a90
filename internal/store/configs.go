package store

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SetConfigEntry writes one (scope, key) value, replacing any prior value.
func (s *Store) SetConfigEntry(scope, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	INSERT INTO config_entries (scope, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set config entry: %w", err)
	}
	return nil
}

// GetConfigEntry returns the value for (scope, key), or "" when unset.
func (s *Store) GetConfigEntry(scope, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM config_entries WHERE scope = ? AND key = ?`,
		scope, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config entry: %w", err)
	}
	return value, nil
}

// ListConfigEntries returns all entries in a scope.
func (s *Store) ListConfigEntries(scope string) ([]*ConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT scope, key, value, updated_at FROM config_entries
	WHERE scope = ? ORDER BY key`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list config entries: %w", err)
	}
	defer rows.Close()

	var entries []*ConfigEntry
	for rows.Next() {
		e := &ConfigEntry{}
		if err := rows.Scan(&e.Scope, &e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SeedConfigFromYAML loads a YAML file of scope → key → value maps and
// upserts every entry. Missing file is not an error; the seed is optional.
func (s *Store) SeedConfigFromYAML(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read config seed: %w", err)
	}

	var doc map[string]map[string]string
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse config seed: %w", err)
	}

	count := 0
	for scope, entries := range doc {
		for key, value := range entries {
			if err := s.SetConfigEntry(scope, key, value); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}
