package store

import (
	"fmt"
	"sync"

	"github.com/apistation/apistation/internal/types"
)

// MemoryRuns is an in-memory RunStore. Snapshots are copied on write so a
// concurrent reader of a running run observes previously completed
// iterations without racing the run loop.
type MemoryRuns struct {
	mu         sync.RWMutex
	runs       map[string]types.RunResult
	iterations map[string][]types.RunIteration
}

// NewMemoryRuns creates an empty in-memory run store.
func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{
		runs:       make(map[string]types.RunResult),
		iterations: make(map[string][]types.RunIteration),
	}
}

// CreateRun stores the initial run snapshot.
func (m *MemoryRuns) CreateRun(run *types.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *run
	snapshot.Iterations = nil
	m.runs[run.ID] = snapshot
	return nil
}

// AppendIteration records one finished iteration.
func (m *MemoryRuns) AppendIteration(it *types.RunIteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations[it.RunID] = append(m.iterations[it.RunID], *it)
	return nil
}

// FinalizeRun replaces the stored run snapshot with its terminal state.
func (m *MemoryRuns) FinalizeRun(run *types.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *run
	snapshot.Iterations = nil
	m.runs[run.ID] = snapshot
	return nil
}

// Run returns a run with its recorded iterations.
func (m *MemoryRuns) Run(id string) (*types.RunResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	run.Iterations = append([]types.RunIteration(nil), m.iterations[id]...)
	return &run, nil
}
