// Package policystore keeps the small pieces of durable state that don't
// belong in a session's append-only log: per-model policy overrides and the
// grounding-model choice history. Backed by sqlite with an in-memory cache.
package policystore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ModelPolicy overrides loop defaults for models whose id contains Pattern.
type ModelPolicy struct {
	Pattern     string   // matched by substring against the model id
	Temperature *float32 // nil = keep the configured default
	AutoAccept  []string // tool names auto-accepted when this model plans
}

// Store is the sqlite-backed policy store.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache []ModelPolicy // ordered by pattern for deterministic matching
}

// Open opens (creating if needed) the policy database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("policystore: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("policystore: init schema: %w", err)
	}
	if err := s.loadCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS model_policies (
		pattern TEXT PRIMARY KEY,
		temperature REAL,
		auto_accept TEXT DEFAULT '[]',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS grounding_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		model TEXT NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_grounding_session ON grounding_history(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) loadCache() error {
	rows, err := s.db.Query(`SELECT pattern, temperature, auto_accept FROM model_policies ORDER BY pattern`)
	if err != nil {
		return fmt.Errorf("policystore: load policies: %w", err)
	}
	defer rows.Close()

	var policies []ModelPolicy
	for rows.Next() {
		var p ModelPolicy
		var temp sql.NullFloat64
		var acceptJSON string
		if err := rows.Scan(&p.Pattern, &temp, &acceptJSON); err != nil {
			return fmt.Errorf("policystore: scan policy: %w", err)
		}
		if temp.Valid {
			t := float32(temp.Float64)
			p.Temperature = &t
		}
		if err := json.Unmarshal([]byte(acceptJSON), &p.AutoAccept); err != nil {
			return fmt.Errorf("policystore: parse auto_accept for %q: %w", p.Pattern, err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policystore: iterate policies: %w", err)
	}

	s.mu.Lock()
	s.cache = policies
	s.mu.Unlock()
	return nil
}

// PolicyFor returns the first policy whose pattern is a substring of model.
func (s *Store) PolicyFor(model string) (ModelPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cache {
		if strings.Contains(model, p.Pattern) {
			return p, true
		}
	}
	return ModelPolicy{}, false
}

// SetPolicy upserts a policy and refreshes the cache.
func (s *Store) SetPolicy(p ModelPolicy) error {
	acceptJSON, err := json.Marshal(p.AutoAccept)
	if err != nil {
		return fmt.Errorf("policystore: marshal auto_accept: %w", err)
	}
	var temp interface{}
	if p.Temperature != nil {
		temp = float64(*p.Temperature)
	}
	_, err = s.db.Exec(`
		INSERT INTO model_policies (pattern, temperature, auto_accept, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			temperature = excluded.temperature,
			auto_accept = excluded.auto_accept,
			updated_at = excluded.updated_at
	`, p.Pattern, temp, string(acceptJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("policystore: upsert policy: %w", err)
	}
	return s.loadCache()
}

// RecordGroundingModel logs which grounding model served a session's turn.
func (s *Store) RecordGroundingModel(sessionID, model string) error {
	_, err := s.db.Exec(`INSERT INTO grounding_history (session_id, model) VALUES (?, ?)`,
		sessionID, model)
	if err != nil {
		return fmt.Errorf("policystore: record grounding model: %w", err)
	}
	return nil
}

// GroundingHistory returns the most recent grounding-model choices for a
// session, newest first.
func (s *Store) GroundingHistory(sessionID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT model FROM grounding_history
		WHERE session_id = ?
		ORDER BY id DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("policystore: query history: %w", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("policystore: scan history: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
