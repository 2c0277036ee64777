// Package sandbox executes untrusted pre-request and post-response
// scripts in an isolated goja interpreter. Scripts get no filesystem,
// network, process or host object access; a watchdog interrupts the VM
// when the wall-clock timeout expires.
package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/apistation/apistation/internal/config"
	"github.com/apistation/apistation/internal/types"
)

// Phase selects which script API surface is exposed.
type Phase int

const (
	PhasePre Phase = iota
	PhasePost
)

// scriptAssertionName is the name used for the synthetic assertion that
// records a script-level failure (timeout or uncaught exception).
const scriptAssertionName = "Script execution"

// Sandbox runs scripts against a ScriptContext. A Sandbox is stateless
// and safe for concurrent use; every Run creates a fresh VM.
type Sandbox struct {
	timeout    time.Duration
	consoleCap int
}

// New creates a sandbox with the configured script timeout and console
// buffer cap.
func New(limits config.Limits) *Sandbox {
	return &Sandbox{
		timeout:    time.Duration(limits.ScriptTimeoutMs) * time.Millisecond,
		consoleCap: limits.ConsoleCap,
	}
}

// Run executes script against sctx, mutating it in place: variable maps
// are fully replaced by the script's final view, assertions and console
// lines are appended, and the cancellation flag is carried over. Script
// failures of any kind are converted to a single failed assertion; Run
// never returns an error and never propagates a script exception.
func (s *Sandbox) Run(script string, sctx *types.ScriptContext, phase Phase) {
	if strings.TrimSpace(script) == "" {
		return
	}

	vm := goja.New()

	// Scripts operate on copies; the final maps replace the context's
	// maps wholesale after execution.
	globals := copyVars(sctx.Globals)
	collection := copyVars(sctx.CollectionVars)
	environment := copyVars(sctx.Environment)
	locals := copyVars(sctx.Locals)

	host := &hostState{sandbox: s, vm: vm, sctx: sctx}

	pm := vm.NewObject()
	pm.Set("globals", host.scopeObject(globals))
	pm.Set("collectionVariables", host.scopeObject(collection))
	pm.Set("environment", host.scopeObject(environment))
	// Local scope keeps the legacy "variables" name.
	pm.Set("variables", host.scopeObject(locals))

	var reqObj *goja.Object
	if phase == PhasePre && sctx.Request != nil {
		reqObj = host.requestObject(sctx.Request)
		pm.Set("request", reqObj)
		pm.Set("cancel", func(goja.FunctionCall) goja.Value {
			host.cancelled = true
			return goja.Undefined()
		})
	}
	if phase == PhasePost && sctx.Response != nil {
		pm.Set("response", host.responseObject(sctx.Response))
	}

	pm.Set("test", host.testFunc())

	vm.Set("pm", pm)
	vm.Set("console", host.consoleObject())

	if _, err := vm.RunString(expectPrelude); err != nil {
		// The prelude is embedded and must always compile.
		sctx.Console = append(sctx.Console, fmt.Sprintf("warning: failed to initialize script runtime: %v", err))
		return
	}

	s.execute(vm, script, host)

	// Read back the script's final state. A malformed read-back degrades
	// to a warning, never aborts the run.
	sctx.Globals = globals
	sctx.CollectionVars = collection
	sctx.Environment = environment
	sctx.Locals = locals
	sctx.Assertions = append(sctx.Assertions, host.assertions...)
	if host.cancelled {
		sctx.Cancelled = true
	}
	if phase == PhasePre && reqObj != nil {
		if err := readBackRequest(reqObj, sctx.Request); err != nil {
			host.logLine(fmt.Sprintf("warning: failed to read back request state: %v", err))
		}
	}
}

// execute runs the script body under the hard timeout. On timeout the VM
// is interrupted (forcibly terminated, not merely signalled) and the
// context receives a single failed "Script execution" assertion.
func (s *Sandbox) execute(vm *goja.Runtime, script string, host *hostState) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("script panic: %v", r)
			}
		}()
		_, err := vm.RunString(script)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			host.assertions = append(host.assertions, types.Assertion{
				Name:    scriptAssertionName,
				Passed:  false,
				Message: scriptErrorMessage(err),
			})
		}
	case <-time.After(s.timeout):
		vm.Interrupt("timeout")
		<-done
		host.assertions = append(host.assertions, types.Assertion{
			Name:    scriptAssertionName,
			Passed:  false,
			Message: fmt.Sprintf("script timed out after %s", s.timeout),
		})
	}
}

// scriptErrorMessage extracts a readable message from a goja error.
func scriptErrorMessage(err error) string {
	var exc *goja.Exception
	if ok := asException(err, &exc); ok {
		return exc.Value().String()
	}
	return err.Error()
}

func asException(err error, target **goja.Exception) bool {
	exc, ok := err.(*goja.Exception)
	if ok {
		*target = exc
	}
	return ok
}

// hostState collects everything the script writes back to the host.
type hostState struct {
	sandbox    *Sandbox
	vm         *goja.Runtime
	sctx       *types.ScriptContext
	assertions []types.Assertion
	cancelled  bool
}

// scopeObject exposes get/set/has/unset over one variable map.
func (h *hostState) scopeObject(vars map[string]string) *goja.Object {
	obj := h.vm.NewObject()
	obj.Set("get", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		if value, ok := vars[key]; ok {
			return h.vm.ToValue(value)
		}
		return goja.Undefined()
	})
	obj.Set("set", func(call goja.FunctionCall) goja.Value {
		vars[call.Argument(0).String()] = call.Argument(1).String()
		return goja.Undefined()
	})
	obj.Set("has", func(call goja.FunctionCall) goja.Value {
		_, ok := vars[call.Argument(0).String()]
		return h.vm.ToValue(ok)
	})
	obj.Set("unset", func(call goja.FunctionCall) goja.Value {
		delete(vars, call.Argument(0).String())
		return goja.Undefined()
	})
	return obj
}

// requestObject exposes the mutable request snapshot to pre-request
// scripts. Fields are plain properties so scripts may overwrite them.
func (h *hostState) requestObject(snapshot *types.RequestSnapshot) *goja.Object {
	obj := h.vm.NewObject()
	obj.Set("url", snapshot.URL)
	obj.Set("method", snapshot.Method)
	obj.Set("body", snapshot.Body)
	headers := h.vm.NewObject()
	for k, v := range snapshot.Headers {
		headers.Set(k, v)
	}
	obj.Set("headers", headers)
	return obj
}

// responseObject exposes the read-only response snapshot to post-response
// scripts.
func (h *hostState) responseObject(snapshot *types.ResponseSnapshot) *goja.Object {
	obj := h.vm.NewObject()
	obj.Set("code", snapshot.Status)
	obj.Set("status", snapshot.StatusText)
	obj.Set("responseTime", snapshot.DurationMs)

	headers := h.vm.NewObject()
	for k, vs := range snapshot.Headers {
		headers.Set(k, strings.Join(vs, ", "))
	}
	obj.Set("headers", headers)

	body := snapshot.Body
	obj.Set("text", func(goja.FunctionCall) goja.Value {
		return h.vm.ToValue(body)
	})

	var parsed any
	var parseErr error
	parsedOnce := false
	obj.Set("json", func(goja.FunctionCall) goja.Value {
		if !parsedOnce {
			parseErr = json.Unmarshal([]byte(body), &parsed)
			parsedOnce = true
		}
		if parseErr != nil {
			panic(h.vm.ToValue("response body is not valid JSON: " + parseErr.Error()))
		}
		return h.vm.ToValue(parsed)
	})

	return obj
}

// testFunc implements pm.test(name, fn): pass if fn raises no error, fail
// with the error's message otherwise.
func (h *hostState) testFunc() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			h.assertions = append(h.assertions, types.Assertion{
				Name:    name,
				Passed:  false,
				Message: "test body is not a function",
			})
			return goja.Undefined()
		}

		if _, err := fn(goja.Undefined()); err != nil {
			h.assertions = append(h.assertions, types.Assertion{
				Name:    name,
				Passed:  false,
				Message: scriptErrorMessage(err),
			})
		} else {
			h.assertions = append(h.assertions, types.Assertion{Name: name, Passed: true})
		}
		return goja.Undefined()
	}
}

// consoleObject captures console output into the context's capped buffer
// instead of any real output stream.
func (h *hostState) consoleObject() *goja.Object {
	obj := h.vm.NewObject()
	log := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, formatValue(arg))
		}
		h.logLine(strings.Join(parts, " "))
		return goja.Undefined()
	}
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		obj.Set(level, log)
	}
	return obj
}

// logLine appends a console line, enforcing the cap with a single marker.
func (h *hostState) logLine(line string) {
	limit := h.sandbox.consoleCap
	if len(h.sctx.Console) > limit {
		return
	}
	if len(h.sctx.Console) == limit {
		h.sctx.Console = append(h.sctx.Console, "... console output truncated")
		return
	}
	h.sctx.Console = append(h.sctx.Console, line)
}

// formatValue renders a script value for console capture.
func formatValue(v goja.Value) string {
	exported := v.Export()
	switch exported.(type) {
	case map[string]any, []any:
		if data, err := json.Marshal(exported); err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%v", exported)
}

// readBackRequest copies the possibly-overwritten request fields out of
// the VM after a pre-request script ran.
func readBackRequest(obj *goja.Object, snapshot *types.RequestSnapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	snapshot.URL = obj.Get("url").String()
	snapshot.Method = obj.Get("method").String()
	snapshot.Body = obj.Get("body").String()

	headers := map[string]string{}
	exported := obj.Get("headers").Export()
	raw, ok := exported.(map[string]any)
	if !ok {
		return fmt.Errorf("headers is not an object")
	}
	for k, v := range raw {
		headers[k] = fmt.Sprintf("%v", v)
	}
	snapshot.Headers = headers
	return nil
}

func copyVars(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
