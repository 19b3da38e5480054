package knowledge

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// ErrPlanNotFound is returned when a requested plan is not stored.
var ErrPlanNotFound = errors.New("plan not found")

// Store is the SQLite-backed Provider implementation.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// Compile-time interface check.
var _ Provider = (*Store)(nil)

// Open opens the knowledge database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.path
}

// migrate applies all pending schema migrations.
func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Decisions},
		{2, migrationV2Plans},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Decisions = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	pattern_id TEXT NOT NULL,
	score REAL NOT NULL DEFAULT 0.0,
	confidence REAL NOT NULL DEFAULT 0.0,
	terminal INTEGER NOT NULL DEFAULT 0,
	made_at DATETIME NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_task_id ON decisions(task_id);
CREATE INDEX IF NOT EXISTS idx_decisions_pattern_id ON decisions(pattern_id);

CREATE TABLE IF NOT EXISTS decision_outcomes (
	decision_id TEXT NOT NULL REFERENCES decisions(id),
	success INTEGER NOT NULL,
	detail TEXT,
	observed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_decision_id ON decision_outcomes(decision_id);
`

const migrationV2Plans = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	objective_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plans_objective_id ON plans(objective_id);
`

// SaveDecisionOutcome records a decision and its observed outcome.
// The full decision is kept as JSON so backtracking history survives
// schema evolution; the indexed columns exist for pattern queries.
func (s *Store) SaveDecisionOutcome(decision models.Decision, outcome models.DecisionOutcome) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", decision.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO decisions
			(id, task_id, decision_type, pattern_id, score, confidence, terminal, made_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, decision.ID, decision.TaskID, string(decision.Type), decision.Selected.PatternID,
		decision.Selected.Score, decision.Confidence, boolToInt(decision.Terminal),
		formatTime(decision.Timestamp), string(payload))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert decision %s: %w", decision.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO decision_outcomes (decision_id, success, detail, observed_at)
		VALUES (?, ?, ?, ?)
	`, outcome.DecisionID, boolToInt(outcome.Success), outcome.Detail, formatTime(outcome.ObservedAt))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert outcome for %s: %w", outcome.DecisionID, err)
	}

	return tx.Commit()
}

// QueryHistoricalPatterns aggregates outcome history for the given
// pattern IDs. Patterns with no recorded outcomes are omitted.
func (s *Store) QueryHistoricalPatterns(patternIDs []string) ([]Pattern, error) {
	if len(patternIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT d.pattern_id,
		       COUNT(o.decision_id),
		       COALESCE(SUM(o.success), 0),
		       COALESCE(MAX(o.observed_at), '')
		FROM decisions d
		JOIN decision_outcomes o ON o.decision_id = d.id
		WHERE d.pattern_id IN (?` + repeatPlaceholder(len(patternIDs)-1) + `)
		GROUP BY d.pattern_id
		ORDER BY d.pattern_id
	`
	args := make([]any, len(patternIDs))
	for i, id := range patternIDs {
		args[i] = id
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var lastUsed string
		if err := rows.Scan(&p.PatternID, &p.Uses, &p.Successes, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan pattern row: %w", err)
		}
		if p.Uses > 0 {
			p.SuccessRate = float64(p.Successes) / float64(p.Uses)
		}
		if lastUsed != "" {
			if t, err := parseTime(lastUsed); err == nil {
				p.LastUsed = t
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePlan durably stores the plan. The plan is serialized wholesale so
// a reload reproduces the exact task ordering and edge set.
func (s *Store) SavePlan(plan *models.TaskPlan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", plan.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn.Exec(`
		INSERT OR REPLACE INTO plans (id, objective_id, created_at, payload)
		VALUES (?, ?, ?, ?)
	`, plan.ID, plan.ObjectiveID, formatTime(plan.CreatedAt), string(payload))
	if err != nil {
		return fmt.Errorf("insert plan %s: %w", plan.ID, err)
	}
	return nil
}

// LoadPlan reloads a stored plan by ID.
func (s *Store) LoadPlan(planID string) (*models.TaskPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	row := s.conn.QueryRow("SELECT payload FROM plans WHERE id = ?", planID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}

	plan := &models.TaskPlan{}
	if err := json.Unmarshal([]byte(payload), plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", planID, err)
	}
	return plan, nil
}

// repeatPlaceholder returns n copies of ", ?" for IN clauses.
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
