package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/apistation/apistation/internal/config"
	"github.com/apistation/apistation/internal/proxy"
	"github.com/apistation/apistation/internal/sandbox"
	"github.com/apistation/apistation/internal/store"
	"github.com/apistation/apistation/internal/types"
)

type fixture struct {
	memory *store.Memory
	runs   store.RunStore
	runner *Runner
}

func newFixture(t *testing.T, runs store.RunStore) *fixture {
	t.Helper()
	limits := config.DefaultLimits()
	limits.MinTimeoutMs = 1

	memory := store.NewMemory()
	if runs == nil {
		runs = store.NewMemoryRuns()
	}
	executor := proxy.NewExecutor(limits, nil)
	sb := sandbox.New(limits)

	return &fixture{
		memory: memory,
		runs:   runs,
		runner: New(memory, memory, runs, executor, sb, limits),
	}
}

func (f *fixture) addCollection(requests ...*types.Request) *types.Collection {
	col := &types.Collection{ID: "col-1", TeamID: "team-1", Name: "Smoke"}
	f.memory.AddCollection(col, nil, requests)
	return col
}

func TestStartRunSingleRequest(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{
		ID: "r1", CollectionID: "col-1", Name: "Ping", Method: "GET", URL: server.URL,
	})

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1", TeamID: "team-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if run.Status != types.RunStatusCompleted {
		t.Errorf("Status = %s, want completed", run.Status)
	}
	if calls != 1 {
		t.Errorf("server calls = %d, want 1", calls)
	}
	if run.RequestsTotal != 1 || run.RequestsPassed != 1 || run.RequestsFailed != 0 {
		t.Errorf("counters = %d/%d/%d, want 1 total, 1 passed", run.RequestsTotal, run.RequestsPassed, run.RequestsFailed)
	}
	if len(run.Iterations) != 1 || !run.Iterations[0].Passed {
		t.Errorf("Iterations = %+v, want one passed", run.Iterations)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt = nil, want set")
	}
}

func TestStartRunUnknownCollection(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "missing"}); err == nil {
		t.Fatal("expected error for unknown collection")
	}
}

func TestStartRunCrossTeamLooksLikeNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.addCollection(&types.Request{ID: "r1", CollectionID: "col-1", Method: "GET", URL: "http://example.com"})

	_, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1", TeamID: "other-team"})
	if err == nil {
		t.Fatal("expected error for cross-team access")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want a not-found error", err)
	}
}

func TestStartRunFailedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{ID: "r1", CollectionID: "col-1", Method: "GET", URL: server.URL})

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if run.Status != types.RunStatusFailed {
		t.Errorf("Status = %s, want failed", run.Status)
	}
	if run.Iterations[0].Passed {
		t.Error("iteration passed on a 404")
	}
}

func TestStartRunAssertionFailureFailsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count": 1}`))
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{
		ID: "r1", CollectionID: "col-1", Method: "GET", URL: server.URL,
		PostScript: `pm.test("count is 2", function() {
			pm.expect(pm.response.json().count).to.equal(2);
		});`,
	})

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if run.Status != types.RunStatusFailed {
		t.Errorf("Status = %s, want failed (2xx with a failed assertion)", run.Status)
	}
	if run.AssertionsTotal != 1 || run.AssertionsFailed != 1 {
		t.Errorf("assertion counters = %d total / %d failed, want 1/1", run.AssertionsTotal, run.AssertionsFailed)
	}
}

func TestStartRunDataCycling(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Query().Get("user"))
		mu.Unlock()
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{
		ID: "r1", CollectionID: "col-1", Method: "GET",
		URL:   server.URL + "?user={{name}}",
		Query: nil,
	})

	run, err := f.runner.StartRun(context.Background(), RunSpec{
		CollectionID: "col-1",
		Iterations:   3,
		Data: []map[string]string{
			{"name": "alice"},
			{"name": "bob"},
		},
	})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if run.IterationCount != 3 {
		t.Errorf("IterationCount = %d, want 3", run.IterationCount)
	}
	want := []string{"alice", "bob", "alice"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %q, want %q (rows must cycle)", i, seen[i], want[i])
		}
	}
}

func TestStartRunIterationsFromRowCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{ID: "r1", CollectionID: "col-1", Method: "GET", URL: server.URL})

	run, err := f.runner.StartRun(context.Background(), RunSpec{
		CollectionID: "col-1",
		Iterations:   1,
		Data: []map[string]string{
			{"n": "1"}, {"n": "2"}, {"n": "3"}, {"n": "4"},
		},
	})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if run.IterationCount != 4 {
		t.Errorf("IterationCount = %d, want the row count 4", run.IterationCount)
	}
	if run.RequestsTotal != 4 {
		t.Errorf("RequestsTotal = %d, want 4", run.RequestsTotal)
	}
}

func TestStartRunVariableCarryoverWithinIteration(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Write([]byte(`{"token": "t-99"}`))
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(
		&types.Request{
			ID: "r1", CollectionID: "col-1", Name: "Login", Method: "GET",
			URL: server.URL + "/login", SortOrder: 1,
			PostScript: `pm.variables.set("token", pm.response.json().token);`,
		},
		&types.Request{
			ID: "r2", CollectionID: "col-1", Name: "Me", Method: "GET",
			URL: server.URL + "/me/{{token}}", SortOrder: 2,
		},
	)

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.Status != types.RunStatusCompleted {
		t.Fatalf("Status = %s: %+v", run.Status, run.Iterations)
	}

	if len(paths) != 2 {
		t.Fatalf("paths = %v, want 2", paths)
	}
	if paths[1] != "/me/t-99" {
		t.Errorf("second request path = %q, want the token set by the first", paths[1])
	}
}

func TestStartRunVariablesResetPerIteration(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{
		ID: "r1", CollectionID: "col-1", Method: "GET",
		URL:        server.URL + "/{{leak}}",
		PostScript: `pm.variables.set("leak", "leaked");`,
	})

	// The post script writes a variable; it must not survive into the
	// next iteration's resolution.
	_, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1", Iterations: 2})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want 2", paths)
	}

	for i, p := range paths {
		if p == "/leaked" {
			t.Errorf("paths[%d] = %q, variable leaked across iterations", i, p)
		}
	}
}

func TestStartRunPreScriptCancelSkips(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{
		ID: "r1", CollectionID: "col-1", Method: "GET", URL: server.URL,
		PreScript: `pm.cancel();`,
	})

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if calls != 0 {
		t.Errorf("server calls = %d, want 0 (request skipped)", calls)
	}
	it := run.Iterations[0]
	if !it.Skipped {
		t.Error("Skipped = false, want true")
	}
	if run.RequestsTotal != 1 || run.RequestsPassed != 0 || run.RequestsFailed != 0 {
		t.Errorf("counters = %d/%d/%d, want skipped counted in total only",
			run.RequestsTotal, run.RequestsPassed, run.RequestsFailed)
	}
	if run.Status != types.RunStatusCompleted {
		t.Errorf("Status = %s, want completed (skips are not failures)", run.Status)
	}
}

func TestStartRunExtraction(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Write([]byte(`{"session": {"id": "s-7"}}`))
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(
		&types.Request{
			ID: "r1", CollectionID: "col-1", Name: "Open", Method: "GET",
			URL: server.URL + "/open", SortOrder: 1,
			Extract: map[string]string{"sessionId": "session.id"},
		},
		&types.Request{
			ID: "r2", CollectionID: "col-1", Name: "Use", Method: "GET",
			URL: server.URL + "/session/{{sessionId}}", SortOrder: 2,
		},
	)

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.Status != types.RunStatusCompleted {
		t.Fatalf("Status = %s: %+v", run.Status, run.Iterations)
	}
	if paths[1] != "/session/s-7" {
		t.Errorf("second path = %q, want the extracted session id", paths[1])
	}
}

func TestStartRunExtractionFailureAddsAssertion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"other": 1}`))
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{
		ID: "r1", CollectionID: "col-1", Method: "GET", URL: server.URL,
		Extract: map[string]string{"x": "missing.path"},
	})

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if run.Status != types.RunStatusFailed {
		t.Errorf("Status = %s, want failed", run.Status)
	}
	it := run.Iterations[0]
	if len(it.Assertions) != 1 || it.Assertions[0].Passed {
		t.Fatalf("Assertions = %v, want one failed extraction assertion", it.Assertions)
	}
	if it.Assertions[0].Name != "Variable extraction" {
		t.Errorf("assertion name = %q", it.Assertions[0].Name)
	}
}

func TestStartRunEnvironmentVariables(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{
		ID: "r1", CollectionID: "col-1", Method: "GET", URL: server.URL + "/{{region}}",
	})
	f.memory.SetCollectionVariables("col-1", map[string]string{"region": "collection"})
	f.memory.SetEnvironmentVariables("env-1", map[string]string{"region": "environment"})

	_, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1", EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if gotPath != "/environment" {
		t.Errorf("path = %q, want the environment value shadowing the collection", gotPath)
	}
}

// cancellingRuns flags the run for cancellation once the first iteration
// has been persisted, exercising the cooperative check points.
type cancellingRuns struct {
	*store.MemoryRuns
	runner func() *Runner
	once   sync.Once
}

func (c *cancellingRuns) AppendIteration(it *types.RunIteration) error {
	c.once.Do(func() {
		if err := c.runner().Cancel(it.RunID); err != nil {
			panic(err)
		}
	})
	return c.MemoryRuns.AppendIteration(it)
}

func TestStartRunCancellation(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	runs := &cancellingRuns{MemoryRuns: store.NewMemoryRuns()}
	f := newFixture(t, runs)
	runs.runner = func() *Runner { return f.runner }

	f.addCollection(&types.Request{ID: "r1", CollectionID: "col-1", Method: "GET", URL: server.URL})

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1", Iterations: 10})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if run.Status != types.RunStatusCancelled {
		t.Errorf("Status = %s, want cancelled", run.Status)
	}
	if calls != 1 {
		t.Errorf("server calls = %d, want 1 (remaining iterations skipped)", calls)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.runner.Cancel("nope"); err == nil {
		t.Fatal("expected error for unknown run id")
	}
}

func TestStartRunTransportFailureIsFailedIteration(t *testing.T) {
	f := newFixture(t, nil)
	f.addCollection(&types.Request{
		ID: "r1", CollectionID: "col-1", Method: "GET",
		URL: "http://192.0.2.1:1/", TimeoutMs: 200,
	})

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if run.Status != types.RunStatusFailed {
		t.Errorf("Status = %s, want failed", run.Status)
	}
	it := run.Iterations[0]
	if it.Status != 0 || it.Error == "" {
		t.Errorf("iteration = %+v, want status 0 with an error message", it)
	}
}

func TestStartRunPreScriptRewritesRequest(t *testing.T) {
	var gotPath, gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Signed")
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{
		ID: "r1", CollectionID: "col-1", Method: "GET", URL: server.URL + "/original",
		PreScript: `
			pm.request.url = pm.request.url.replace("/original", "/rewritten");
			pm.request.headers["X-Signed"] = "sig-1";
		`,
	})

	if _, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1"}); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if gotPath != "/rewritten" {
		t.Errorf("path = %q, want the script-rewritten URL", gotPath)
	}
	if gotHeader != "sig-1" {
		t.Errorf("X-Signed = %q, want the injected header", gotHeader)
	}
}

func TestRunLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	f := newFixture(t, nil)
	f.addCollection(&types.Request{ID: "r1", CollectionID: "col-1", Method: "GET", URL: server.URL})

	run, err := f.runner.StartRun(context.Background(), RunSpec{CollectionID: "col-1"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	stored, err := f.runner.Run(run.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stored.Status != types.RunStatusCompleted {
		t.Errorf("stored Status = %s, want completed", stored.Status)
	}
	if len(stored.Iterations) != 1 {
		t.Errorf("stored Iterations = %d, want 1", len(stored.Iterations))
	}
}
