package store

import (
	"errors"
	"testing"

	"github.com/apistation/apistation/internal/types"
)

func TestMemoryCollectionLookup(t *testing.T) {
	m := NewMemory()
	col := &types.Collection{ID: "col-1", TeamID: "team-1", Name: "API"}
	m.AddCollection(col,
		[]*types.Folder{{ID: "f-1", CollectionID: "col-1", Name: "Users"}},
		[]*types.Request{{ID: "r-1", CollectionID: "col-1", Name: "List", Method: "GET", URL: "https://example.com"}},
	)

	got, err := m.Collection("col-1")
	if err != nil {
		t.Fatalf("Collection() error = %v", err)
	}
	if got.Name != "API" {
		t.Errorf("Name = %q", got.Name)
	}

	folders, err := m.Folders("col-1")
	if err != nil {
		t.Fatalf("Folders() error = %v", err)
	}
	if len(folders) != 1 || folders[0].ID != "f-1" {
		t.Errorf("Folders() = %v", folders)
	}

	requests, err := m.Requests("col-1")
	if err != nil {
		t.Fatalf("Requests() error = %v", err)
	}
	if len(requests) != 1 {
		t.Errorf("Requests() = %v", requests)
	}

	req, err := m.Request("r-1")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if req.Name != "List" {
		t.Errorf("Request().Name = %q", req.Name)
	}
}

func TestMemoryNotFound(t *testing.T) {
	m := NewMemory()

	if _, err := m.Collection("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Collection() error = %v, want ErrNotFound", err)
	}
	if _, err := m.Request("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Request() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryVariablesAreCopied(t *testing.T) {
	m := NewMemory()
	source := map[string]string{"host": "a"}
	m.SetGlobalVariables("team-1", source)
	source["host"] = "mutated"

	vars, err := m.GlobalVariables("team-1")
	if err != nil {
		t.Fatalf("GlobalVariables() error = %v", err)
	}
	if vars["host"] != "a" {
		t.Errorf("vars = %v, want the value captured at set time", vars)
	}

	// The returned map is a copy too.
	vars["host"] = "caller-mutated"
	again, _ := m.GlobalVariables("team-1")
	if again["host"] != "a" {
		t.Errorf("store was mutated through a returned map: %v", again)
	}
}

func TestMemoryRunsRoundtrip(t *testing.T) {
	m := NewMemoryRuns()
	run := &types.RunResult{ID: "run-1", Status: types.RunStatusRunning}
	if err := m.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := m.AppendIteration(&types.RunIteration{RunID: "run-1", Iteration: 1, Passed: true}); err != nil {
		t.Fatalf("AppendIteration() error = %v", err)
	}

	// A reader during the run sees the appended iteration.
	mid, err := m.Run("run-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if mid.Status != types.RunStatusRunning || len(mid.Iterations) != 1 {
		t.Errorf("mid-run snapshot = %+v", mid)
	}

	run.Status = types.RunStatusCompleted
	if err := m.FinalizeRun(run); err != nil {
		t.Fatalf("FinalizeRun() error = %v", err)
	}

	final, _ := m.Run("run-1")
	if final.Status != types.RunStatusCompleted {
		t.Errorf("Status = %s, want completed", final.Status)
	}

	if _, err := m.Run("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Run() error = %v, want ErrNotFound", err)
	}
}
