// Package runner orchestrates collection runs: folder traversal,
// iteration expansion, script and HTTP threading, counters and
// cooperative cancellation.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/apistation/apistation/internal/auth"
	"github.com/apistation/apistation/internal/config"
	"github.com/apistation/apistation/internal/extract"
	"github.com/apistation/apistation/internal/proxy"
	"github.com/apistation/apistation/internal/sandbox"
	"github.com/apistation/apistation/internal/scope"
	"github.com/apistation/apistation/internal/store"
	"github.com/apistation/apistation/internal/types"
)

// RunSpec describes one collection run request.
type RunSpec struct {
	CollectionID  string
	TeamID        string
	EnvironmentID string

	// Iterations is the requested iteration count. The effective count is
	// max(Iterations, 1, number of data rows).
	Iterations int

	// DataFile optionally seeds iterations from a CSV or JSON file. Data
	// takes precedence when both are set.
	DataFile string
	Data     []map[string]string

	// DelayMs overrides the configured inter-request delay when >= 0.
	DelayMs int64
}

// activeRun is the registry entry shared between the run loop and
// concurrent Cancel calls. The flag is atomic because setter and checker
// execute on different goroutines.
type activeRun struct {
	cancel atomic.Bool

	mu  sync.Mutex
	run *types.RunResult
}

// Runner executes collection runs. Runs for different collections may
// execute concurrently, bounded by a weighted semaphore; requests within
// one run are strictly sequential.
type Runner struct {
	collections store.CollectionStore
	variables   store.VariableStore
	runs        store.RunStore
	executor    *proxy.Executor
	sandbox     *sandbox.Sandbox
	limits      config.Limits

	mu     sync.Mutex
	active map[string]*activeRun
	sem    *semaphore.Weighted
}

// New creates a runner wired to its collaborators.
func New(collections store.CollectionStore, variables store.VariableStore, runs store.RunStore, executor *proxy.Executor, sb *sandbox.Sandbox, limits config.Limits) *Runner {
	return &Runner{
		collections: collections,
		variables:   variables,
		runs:        runs,
		executor:    executor,
		sandbox:     sb,
		limits:      limits,
		active:      make(map[string]*activeRun),
		sem:         semaphore.NewWeighted(limits.MaxConcurrentRuns),
	}
}

// Cancel flags a running run for cancellation. The run loop observes the
// flag at its next check point; an HTTP call or script already executing
// is allowed to finish. Returns store.ErrNotFound for unknown run ids.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	entry, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: run %s", store.ErrNotFound, runID)
	}

	entry.cancel.Store(true)
	entry.mu.Lock()
	if entry.run.Status == types.RunStatusRunning {
		entry.run.Status = types.RunStatusCancelled
	}
	entry.mu.Unlock()
	return nil
}

// StartRun executes a full collection run synchronously and returns the
// finished RunResult with all recorded iterations. The run is persisted
// incrementally: the run row on creation and every iteration as it
// completes, so a concurrent reader observes progress.
func (r *Runner) StartRun(ctx context.Context, spec RunSpec) (*types.RunResult, error) {
	col, err := r.collections.Collection(spec.CollectionID)
	if err != nil {
		return nil, err
	}
	if spec.TeamID != "" && col.TeamID != spec.TeamID {
		// Cross-team access looks identical to a missing collection.
		return nil, fmt.Errorf("%w: collection %s", store.ErrNotFound, spec.CollectionID)
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire run slot: %w", err)
	}
	defer r.sem.Release(1)

	rows := spec.Data
	if len(rows) == 0 && spec.DataFile != "" {
		if rows, err = LoadDataFile(spec.DataFile); err != nil {
			return nil, err
		}
	}

	iterations := spec.Iterations
	if iterations < 1 {
		iterations = 1
	}
	if len(rows) > iterations {
		iterations = len(rows)
	}

	folders, err := r.collections.Folders(spec.CollectionID)
	if err != nil {
		return nil, err
	}
	requests, err := r.collections.Requests(spec.CollectionID)
	if err != nil {
		return nil, err
	}
	ordered := flatten(folders, requests)
	foldersByID := make(map[string]*types.Folder, len(folders))
	for _, folder := range folders {
		foldersByID[folder.ID] = folder
	}

	run := &types.RunResult{
		ID:             uuid.NewString(),
		CollectionID:   col.ID,
		TeamID:         col.TeamID,
		Status:         types.RunStatusRunning,
		StartedAt:      time.Now(),
		IterationCount: iterations,
	}
	if err := r.runs.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	entry := &activeRun{run: run}
	r.mu.Lock()
	r.active[run.ID] = entry
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, run.ID)
		r.mu.Unlock()
	}()

	delay := r.limits.RequestDelayMs
	if spec.DelayMs >= 0 {
		delay = spec.DelayMs
	}

	r.runLoop(entry, col, spec, ordered, foldersByID, rows, iterations, delay)

	r.finalize(entry)
	return run, nil
}

// runLoop drives iterations and requests, checking the cancellation flag
// between each.
func (r *Runner) runLoop(entry *activeRun, col *types.Collection, spec RunSpec, ordered []*types.Request, foldersByID map[string]*types.Folder, rows []map[string]string, iterations int, delayMs int64) {
	run := entry.run

	for iter := 0; iter < iterations; iter++ {
		if entry.cancel.Load() {
			return
		}

		// Rows are reused cyclically when shorter than the iteration
		// count; a fresh copy per iteration keeps iterations isolated.
		var seed map[string]string
		if len(rows) > 0 {
			seed = rows[iter%len(rows)]
		}

		var carried *types.ScriptContext
		for reqIdx, req := range ordered {
			if entry.cancel.Load() {
				return
			}

			it := r.executeRequest(entry, col, spec, req, foldersByID, iter, seed, &carried)

			entry.mu.Lock()
			run.Iterations = append(run.Iterations, *it)
			entry.mu.Unlock()
			// Persistence problems must not abort the run.
			_ = r.runs.AppendIteration(it)

			last := iter == iterations-1 && reqIdx == len(ordered)-1
			if delayMs > 0 && !last && !entry.cancel.Load() {
				time.Sleep(time.Duration(delayMs) * time.Millisecond)
			}
		}
	}
}

// executeRequest runs one request inside an iteration: pre scripts, HTTP
// execution, extraction and post scripts. Any internal panic is recovered
// into a failed iteration so the run can continue.
func (r *Runner) executeRequest(entry *activeRun, col *types.Collection, spec RunSpec, req *types.Request, foldersByID map[string]*types.Folder, iter int, seed map[string]string, carried **types.ScriptContext) (it *types.RunIteration) {
	it = &types.RunIteration{
		RunID:       entry.run.ID,
		Iteration:   iter + 1,
		RequestID:   req.ID,
		RequestName: req.Name,
		Method:      req.Method,
		URL:         req.URL,
	}

	defer func() {
		if rec := recover(); rec != nil {
			it.Passed = false
			it.Error = fmt.Sprintf("internal error: %v", rec)
			r.count(entry, it)
		}
	}()

	sctx := types.NewScriptContext()
	if *carried != nil {
		// Variable state carries over from the previous request within
		// this iteration.
		sctx.CopyVariables(*carried)
	} else if seed != nil {
		for k, v := range seed {
			sctx.Locals[k] = v
		}
	}

	sctx.Request = requestSnapshot(req)
	chain := folderChain(req, foldersByID)

	// Pre-request scripts: collection, folders outermost-first, request.
	preScripts := make([]string, 0, len(chain)+2)
	preScripts = append(preScripts, col.PreScript)
	for _, folder := range chain {
		preScripts = append(preScripts, folder.PreScript)
	}
	preScripts = append(preScripts, req.PreScript)

	for _, script := range preScripts {
		r.sandbox.Run(script, sctx, sandbox.PhasePre)
		if sctx.Cancelled {
			break
		}
	}

	*carried = sctx

	if sctx.Cancelled {
		it.Skipped = true
		it.Error = "cancelled by pre-request script"
		it.Assertions = sctx.Assertions
		r.count(entry, it)
		return it
	}

	effective := applySnapshot(req, sctx.Request)
	it.Method = effective.Method
	it.URL = effective.URL

	loader := scope.Loader{Variables: r.variables}
	base, err := loader.Load(col.TeamID, col.ID, spec.EnvironmentID, nil)
	if err != nil {
		it.Error = err.Error()
		r.count(entry, it)
		return it
	}
	src := scope.Overlay(base, sctx.Globals, sctx.CollectionVars, sctx.Environment, sctx.Locals)

	effAuth := auth.Effective(effective, foldersByID, col)
	resp, err := r.executor.Execute(effective, src, effAuth)
	if err != nil {
		it.Error = err.Error()
		it.Assertions = sctx.Assertions
		r.count(entry, it)
		return it
	}

	it.Status = resp.Status
	it.DurationMs = resp.DurationMs
	it.Size = resp.Size
	if resp.Error != "" {
		it.Error = resp.Error
	}

	if len(req.Extract) > 0 && resp.Status > 0 {
		extracted, err := extract.Variables(req.Extract, resp.Body)
		if err != nil {
			sctx.Assertions = append(sctx.Assertions, types.Assertion{
				Name:    "Variable extraction",
				Passed:  false,
				Message: err.Error(),
			})
		}
		for k, v := range extracted {
			sctx.Locals[k] = v
		}
	}

	// Post-response scripts: request, folders innermost-first, collection.
	sctx.Request = nil
	sctx.Response = &types.ResponseSnapshot{
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Headers:    resp.Headers,
		Body:       resp.Body,
		DurationMs: resp.DurationMs,
	}

	postScripts := make([]string, 0, len(chain)+2)
	postScripts = append(postScripts, req.PostScript)
	for i := len(chain) - 1; i >= 0; i-- {
		postScripts = append(postScripts, chain[i].PostScript)
	}
	postScripts = append(postScripts, col.PostScript)

	for _, script := range postScripts {
		r.sandbox.Run(script, sctx, sandbox.PhasePost)
	}

	*carried = sctx

	it.Assertions = sctx.Assertions
	it.Passed = passed(resp.Status, sctx.Assertions)
	r.count(entry, it)
	return it
}

// passed implements the pass rule: 0 < status < 400 and every captured
// assertion passed.
func passed(status int, assertions []types.Assertion) bool {
	if status <= 0 || status >= 400 {
		return false
	}
	for _, a := range assertions {
		if !a.Passed {
			return false
		}
	}
	return true
}

// count updates the run counters for a finished iteration. Skipped
// iterations count toward the total but neither pass nor fail.
func (r *Runner) count(entry *activeRun, it *types.RunIteration) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	run := entry.run
	run.RequestsTotal++
	if !it.Skipped {
		if it.Passed {
			run.RequestsPassed++
		} else {
			run.RequestsFailed++
		}
	}
	for _, a := range it.Assertions {
		run.AssertionsTotal++
		if a.Passed {
			run.AssertionsPassed++
		} else {
			run.AssertionsFailed++
		}
	}
}

// finalize sets the terminal state and persists the completed run. There
// is no "run crashed" state; every exit path lands here.
func (r *Runner) finalize(entry *activeRun) {
	entry.mu.Lock()
	run := entry.run
	now := time.Now()
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()

	if entry.cancel.Load() || run.Status == types.RunStatusCancelled {
		run.Status = types.RunStatusCancelled
	} else if run.RequestsFailed > 0 {
		run.Status = types.RunStatusFailed
	} else {
		run.Status = types.RunStatusCompleted
	}
	entry.mu.Unlock()

	_ = r.runs.FinalizeRun(run)
}

// requestSnapshot builds the mutable request view given to pre-request
// scripts. Values are the authored ones, before variable resolution.
func requestSnapshot(req *types.Request) *types.RequestSnapshot {
	headers := make(map[string]string)
	for _, h := range req.Headers {
		if !h.Disabled {
			headers[h.Key] = h.Value
		}
	}
	return &types.RequestSnapshot{
		Method:  req.Method,
		URL:     req.URL,
		Headers: headers,
		Body:    req.Body.Raw,
	}
}

// applySnapshot folds script mutations of the request snapshot back into
// a copy of the stored request.
func applySnapshot(req *types.Request, snapshot *types.RequestSnapshot) *types.Request {
	effective := *req
	if snapshot == nil {
		return &effective
	}

	effective.Method = snapshot.Method
	effective.URL = snapshot.URL

	headers := make([]types.Param, 0, len(snapshot.Headers))
	for k, v := range snapshot.Headers {
		headers = append(headers, types.Param{Key: k, Value: v})
	}
	effective.Headers = headers

	switch {
	case effective.Body.Type == types.BodyRaw:
		effective.Body.Raw = snapshot.Body
	case effective.Body.Type == "" && snapshot.Body != "":
		effective.Body = types.Body{Type: types.BodyRaw, Raw: snapshot.Body}
	}
	return &effective
}

// Run returns a run with its iterations from the run store.
func (r *Runner) Run(id string) (*types.RunResult, error) {
	return r.runs.Run(id)
}
