package types

// RequestSnapshot is the mutable view of a request exposed to pre-request
// scripts.
type RequestSnapshot struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ResponseSnapshot is the read-only view of a response exposed to
// post-response scripts.
type ResponseSnapshot struct {
	Status     int                 `json:"status"`
	StatusText string              `json:"statusText"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	DurationMs int64               `json:"durationMs"`
}

// ScriptContext is the mutable, per-execution state threaded through
// script phases. Each context is exclusively owned by one execution; the
// final variable maps seed the next request's context within the same run.
type ScriptContext struct {
	Globals        map[string]string
	CollectionVars map[string]string
	Environment    map[string]string
	Locals         map[string]string

	Request  *RequestSnapshot
	Response *ResponseSnapshot

	Assertions []Assertion
	Console    []string
	Cancelled  bool
}

// NewScriptContext returns a context with all four scope maps allocated.
func NewScriptContext() *ScriptContext {
	return &ScriptContext{
		Globals:        map[string]string{},
		CollectionVars: map[string]string{},
		Environment:    map[string]string{},
		Locals:         map[string]string{},
	}
}

// CopyVariables copies the four scope maps from src, replacing the
// receiver's maps. Used to carry variable state from one request to the
// next within an iteration.
func (c *ScriptContext) CopyVariables(src *ScriptContext) {
	c.Globals = copyMap(src.Globals)
	c.CollectionVars = copyMap(src.CollectionVars)
	c.Environment = copyMap(src.Environment)
	c.Locals = copyMap(src.Locals)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
