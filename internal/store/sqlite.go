package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/apistation/apistation/internal/migrations"
	"github.com/apistation/apistation/internal/types"
)

// DB is the sqlite-backed implementation of RunStore, HistoryStore and
// VariableStore.
type DB struct {
	db *sql.DB
}

// OpenDB opens (creating if needed) the engine database and applies
// pending migrations.
func OpenDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// CreateRun inserts a new run row in RUNNING state.
func (d *DB) CreateRun(run *types.RunResult) error {
	_, err := d.db.Exec(`
		INSERT INTO runs (id, collection_id, team_id, status, started_at, iteration_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.CollectionID, run.TeamID, string(run.Status), run.StartedAt, run.IterationCount)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// AppendIteration persists one finished iteration. Assertions are stored
// as a JSON array.
func (d *DB) AppendIteration(it *types.RunIteration) error {
	assertionsJSON, err := json.Marshal(it.Assertions)
	if err != nil {
		return fmt.Errorf("failed to marshal assertions: %w", err)
	}

	_, err = d.db.Exec(`
		INSERT INTO run_iterations
		(run_id, iteration, request_id, request_name, method, url, status, duration_ms, size, passed, skipped, assertions, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.RunID, it.Iteration, it.RequestID, it.RequestName, it.Method, it.URL,
		it.Status, it.DurationMs, it.Size, boolToInt(it.Passed), boolToInt(it.Skipped),
		string(assertionsJSON), it.Error)
	if err != nil {
		return fmt.Errorf("failed to insert iteration: %w", err)
	}
	return nil
}

// FinalizeRun writes the terminal state and counters.
func (d *DB) FinalizeRun(run *types.RunResult) error {
	_, err := d.db.Exec(`
		UPDATE runs
		SET status = ?, completed_at = ?, requests_total = ?, requests_passed = ?,
		    requests_failed = ?, assertions_total = ?, assertions_passed = ?,
		    assertions_failed = ?, duration_ms = ?, iteration_count = ?
		WHERE id = ?
	`, string(run.Status), run.CompletedAt, run.RequestsTotal, run.RequestsPassed,
		run.RequestsFailed, run.AssertionsTotal, run.AssertionsPassed,
		run.AssertionsFailed, run.DurationMs, run.IterationCount, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// Run loads a run with its ordered iterations.
func (d *DB) Run(id string) (*types.RunResult, error) {
	run := &types.RunResult{}
	var status string
	var completedAt sql.NullTime
	err := d.db.QueryRow(`
		SELECT id, collection_id, team_id, status, started_at, completed_at,
		       iteration_count, requests_total, requests_passed, requests_failed,
		       assertions_total, assertions_passed, assertions_failed, duration_ms
		FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &run.CollectionID, &run.TeamID, &status, &run.StartedAt,
		&completedAt, &run.IterationCount, &run.RequestsTotal, &run.RequestsPassed,
		&run.RequestsFailed, &run.AssertionsTotal, &run.AssertionsPassed,
		&run.AssertionsFailed, &run.DurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	run.Status = types.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}

	rows, err := d.db.Query(`
		SELECT run_id, iteration, request_id, request_name, method, url, status,
		       duration_ms, size, passed, skipped, assertions, error
		FROM run_iterations WHERE run_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load iterations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it types.RunIteration
		var passed, skipped int
		var assertionsJSON, itErr sql.NullString
		if err := rows.Scan(&it.RunID, &it.Iteration, &it.RequestID, &it.RequestName,
			&it.Method, &it.URL, &it.Status, &it.DurationMs, &it.Size,
			&passed, &skipped, &assertionsJSON, &itErr); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		it.Passed = passed != 0
		it.Skipped = skipped != 0
		it.Error = itErr.String
		if assertionsJSON.Valid && assertionsJSON.String != "" {
			// Malformed serialized assertions degrade to an empty list.
			_ = json.Unmarshal([]byte(assertionsJSON.String), &it.Assertions)
		}
		run.Iterations = append(run.Iterations, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return run, nil
}

// Append inserts a history entry.
func (d *DB) Append(entry *types.HistoryEntry) error {
	headersJSON, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	responseHeadersJSON, err := json.Marshal(entry.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal response headers: %w", err)
	}

	_, err = d.db.Exec(`
		INSERT INTO history
		(id, timestamp, request_name, method, url, headers, body,
		 response_status, response_headers, response_body, duration_ms, size, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp, entry.RequestName, entry.Method, entry.URL,
		string(headersJSON), entry.Body, entry.ResponseStatus,
		string(responseHeadersJSON), entry.ResponseBody, entry.DurationMs,
		entry.Size, entry.Error)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// List returns the most recent history entries, newest first.
func (d *DB) List(limit int) ([]*types.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.db.Query(`
		SELECT id, timestamp, request_name, method, url, headers, body,
		       response_status, response_headers, response_body, duration_ms, size, error
		FROM history ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*types.HistoryEntry
	for rows.Next() {
		entry := &types.HistoryEntry{}
		var headersJSON, responseHeadersJSON, body, responseBody, entryErr sql.NullString
		var timestamp time.Time
		if err := rows.Scan(&entry.ID, &timestamp, &entry.RequestName, &entry.Method,
			&entry.URL, &headersJSON, &body, &entry.ResponseStatus,
			&responseHeadersJSON, &responseBody, &entry.DurationMs, &entry.Size,
			&entryErr); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.Timestamp = timestamp
		entry.Body = body.String
		entry.ResponseBody = responseBody.String
		entry.Error = entryErr.String
		if headersJSON.Valid {
			_ = json.Unmarshal([]byte(headersJSON.String), &entry.Headers)
		}
		if responseHeadersJSON.Valid {
			_ = json.Unmarshal([]byte(responseHeadersJSON.String), &entry.ResponseHeaders)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}

	return entries, nil
}

// GlobalVariables returns enabled team-scoped variables.
func (d *DB) GlobalVariables(teamID string) (map[string]string, error) {
	return d.variablesFor("global", teamID)
}

// CollectionVariables returns enabled collection-scoped variables.
func (d *DB) CollectionVariables(collectionID string) (map[string]string, error) {
	return d.variablesFor("collection", collectionID)
}

// EnvironmentVariables returns enabled environment-scoped variables.
func (d *DB) EnvironmentVariables(environmentID string) (map[string]string, error) {
	return d.variablesFor("environment", environmentID)
}

// SetVariable upserts a variable for a scope owner.
func (d *DB) SetVariable(scope, ownerID string, v types.Variable) error {
	_, err := d.db.Exec(`
		INSERT INTO variables (scope, owner_id, key, value, enabled, secret)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, owner_id, key)
		DO UPDATE SET value = excluded.value, enabled = excluded.enabled, secret = excluded.secret
	`, scope, ownerID, v.Key, v.Value, boolToInt(v.Enabled), boolToInt(v.Secret))
	if err != nil {
		return fmt.Errorf("failed to upsert variable %s: %w", v.Key, err)
	}
	return nil
}

func (d *DB) variablesFor(scope, ownerID string) (map[string]string, error) {
	rows, err := d.db.Query(`
		SELECT key, value FROM variables
		WHERE scope = ? AND owner_id = ? AND enabled = 1
	`, scope, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s variables: %w", scope, err)
	}
	defer rows.Close()

	vars := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		vars[key] = value
	}
	return vars, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
