// Package stats aggregates recorded request history into per-endpoint
// statistics. Endpoints are normalized so /users/42 and /users/43 count
// as one.
package stats

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/apistation/apistation/internal/migrations"
)

// cacheTTL bounds how stale served statistics may be.
const cacheTTL = 30 * time.Second

// Stats summarizes all recorded calls to one normalized endpoint.
type Stats struct {
	Method        string
	Endpoint      string
	TotalCalls    int
	SuccessCount  int // 2xx and 3xx
	ErrorCount    int // 4xx and 5xx
	NetworkErrors int // status 0: DNS failures, timeouts, refused connections
	AvgDurationMs float64
	MinDurationMs int64
	MaxDurationMs int64
	TotalBytes    int64
	StatusCodes   map[int]int
	LastCalled    time.Time
}

// Manager computes statistics over the engine's history database.
type Manager struct {
	db    *sql.DB
	cache *statsCache
}

// NewManager opens the statistics view over the database at dbPath.
func NewManager(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open statistics database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to statistics database: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Manager{
		db:    db,
		cache: newStatsCache(cacheTTL),
	}, nil
}

// PerEndpoint aggregates the full history by method and normalized URL,
// most-called endpoints first. Results are cached briefly.
func (m *Manager) PerEndpoint() ([]Stats, error) {
	if cached, ok := m.cache.get(); ok {
		return cached, nil
	}

	rows, err := m.db.Query(`
		SELECT method, url, response_status, duration_ms, size, timestamp
		FROM history
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	byEndpoint := make(map[string]*Stats)
	for rows.Next() {
		var method, url string
		var status int
		var durationMs, size int64
		var timestamp time.Time
		if err := rows.Scan(&method, &url, &status, &durationMs, &size, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		endpoint := NormalizeURL(url)
		key := method + " " + endpoint
		s, ok := byEndpoint[key]
		if !ok {
			s = &Stats{
				Method:        method,
				Endpoint:      endpoint,
				MinDurationMs: durationMs,
				StatusCodes:   make(map[int]int),
			}
			byEndpoint[key] = s
		}

		s.TotalCalls++
		s.StatusCodes[status]++
		switch {
		case status == 0:
			s.NetworkErrors++
		case status < 400:
			s.SuccessCount++
		default:
			s.ErrorCount++
		}

		// Running average keeps a single pass over the rows.
		s.AvgDurationMs += (float64(durationMs) - s.AvgDurationMs) / float64(s.TotalCalls)
		if durationMs < s.MinDurationMs {
			s.MinDurationMs = durationMs
		}
		if durationMs > s.MaxDurationMs {
			s.MaxDurationMs = durationMs
		}
		s.TotalBytes += size
		if timestamp.After(s.LastCalled) {
			s.LastCalled = timestamp
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}

	result := make([]Stats, 0, len(byEndpoint))
	for _, s := range byEndpoint {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TotalCalls != result[j].TotalCalls {
			return result[i].TotalCalls > result[j].TotalCalls
		}
		if result[i].Endpoint != result[j].Endpoint {
			return result[i].Endpoint < result[j].Endpoint
		}
		return result[i].Method < result[j].Method
	})

	m.cache.set(result)
	return result, nil
}

// Clear deletes all recorded history.
func (m *Manager) Clear() error {
	if _, err := m.db.Exec(`DELETE FROM history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	m.cache.invalidate()
	return nil
}

// Close releases the database connection.
func (m *Manager) Close() error {
	return m.db.Close()
}
