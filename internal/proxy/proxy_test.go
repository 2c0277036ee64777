package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apistation/apistation/internal/config"
	"github.com/apistation/apistation/internal/scope"
	"github.com/apistation/apistation/internal/types"
)

func testLimits() config.Limits {
	limits := config.DefaultLimits()
	limits.MinTimeoutMs = 1
	limits.MaxRedirects = 3
	return limits
}

func TestExecuteResolvesVariables(t *testing.T) {
	var gotPath, gotHeader, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Trace")
		gotQuery = r.URL.Query().Get("env")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	e := NewExecutor(testLimits(), nil)
	req := &types.Request{
		Method: "GET",
		URL:    server.URL + "/{{version}}/users",
		Headers: []types.Param{
			{Key: "X-Trace", Value: "{{trace}}"},
			{Key: "X-Skipped", Value: "nope", Disabled: true},
		},
		Query:           []types.Param{{Key: "env", Value: "{{envName}}"}},
		FollowRedirects: true,
	}
	src := scope.Sources{
		Environment: map[string]string{"version": "v2", "trace": "t-1", "envName": "staging"},
	}

	resp, err := e.Execute(req, src, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if gotPath != "/v2/users" {
		t.Errorf("path = %q, want %q", gotPath, "/v2/users")
	}
	if gotHeader != "t-1" {
		t.Errorf("X-Trace = %q, want %q", gotHeader, "t-1")
	}
	if gotQuery != "staging" {
		t.Errorf("env query = %q, want %q", gotQuery, "staging")
	}
	if resp.Body != "ok" {
		t.Errorf("Body = %q, want %q", resp.Body, "ok")
	}
	if resp.Size != 2 {
		t.Errorf("Size = %d, want 2", resp.Size)
	}
}

func TestExecuteMissingURL(t *testing.T) {
	e := NewExecutor(testLimits(), nil)

	_, err := e.Execute(&types.Request{Method: "GET"}, scope.Sources{}, nil)
	if err == nil {
		t.Fatal("Execute() expected error for missing URL")
	}
}

func TestExecuteConnectionFailure(t *testing.T) {
	e := NewExecutor(testLimits(), nil)
	req := &types.Request{
		Method: "GET",
		// Reserved TEST-NET-1 address, nothing listens there.
		URL:       "http://192.0.2.1:1/",
		TimeoutMs: 200,
	}

	resp, err := e.Execute(req, scope.Sources{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v, transport failures must not be errors", err)
	}

	if resp.Status != 0 {
		t.Errorf("Status = %d, want 0", resp.Status)
	}
	if resp.Error == "" {
		t.Error("Error is empty, want the transport failure message")
	}
}

func TestExecuteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the response until the client gives up.
		<-r.Context().Done()
	}))
	defer server.Close()

	e := NewExecutor(testLimits(), nil)
	req := &types.Request{Method: "GET", URL: server.URL, TimeoutMs: 100}

	resp, err := e.Execute(req, scope.Sources{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.Status != 0 {
		t.Errorf("Status = %d, want 0", resp.Status)
	}
	if !strings.Contains(resp.StatusText, "timed out") {
		t.Errorf("StatusText = %q, want a timeout message", resp.StatusText)
	}
}

func TestExecuteFollowsRedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/hop", http.StatusFound)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		// Relative location, must resolve against the current URL.
		http.Redirect(w, r, "/final", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("landed"))
	})

	e := NewExecutor(testLimits(), nil)
	req := &types.Request{Method: "GET", URL: server.URL + "/start", FollowRedirects: true}

	resp, err := e.Execute(req, scope.Sources{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if resp.Body != "landed" {
		t.Errorf("Body = %q, want %q", resp.Body, "landed")
	}
	if len(resp.RedirectChain) != 2 {
		t.Fatalf("RedirectChain = %v, want 2 hops", resp.RedirectChain)
	}
	if resp.RedirectChain[1] != "/final" {
		t.Errorf("RedirectChain[1] = %q, want the raw location %q", resp.RedirectChain[1], "/final")
	}
}

func TestExecuteRedirectsDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	e := NewExecutor(testLimits(), nil)
	req := &types.Request{Method: "GET", URL: server.URL, FollowRedirects: false}

	resp, err := e.Execute(req, scope.Sources{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.Status != http.StatusFound {
		t.Errorf("Status = %d, want %d", resp.Status, http.StatusFound)
	}
	if len(resp.RedirectChain) != 0 {
		t.Errorf("RedirectChain = %v, want empty", resp.RedirectChain)
	}
}

func TestExecuteRedirectLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer server.Close()

	limits := testLimits()
	e := NewExecutor(limits, nil)
	req := &types.Request{Method: "GET", URL: server.URL, FollowRedirects: true}

	resp, err := e.Execute(req, scope.Sources{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.Status != http.StatusFound {
		t.Errorf("Status = %d, want %d", resp.Status, http.StatusFound)
	}
	if len(resp.RedirectChain) != limits.MaxRedirects {
		t.Errorf("RedirectChain has %d hops, want %d", len(resp.RedirectChain), limits.MaxRedirects)
	}
	if !strings.Contains(resp.StatusText, "redirect limit reached") {
		t.Errorf("StatusText = %q, want the redirect limit marker", resp.StatusText)
	}
}

func TestExecuteBodyTruncation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	limits := testLimits()
	limits.MaxBodyBytes = 10
	e := NewExecutor(limits, nil)

	resp, err := e.Execute(&types.Request{Method: "GET", URL: server.URL}, scope.Sources{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if !strings.HasPrefix(resp.Body, strings.Repeat("x", 10)) {
		t.Errorf("Body = %q, want the first 10 bytes kept", resp.Body)
	}
	if !strings.Contains(resp.Body, "truncated") {
		t.Errorf("Body = %q, want the truncation marker", resp.Body)
	}
	if resp.Size != 100 {
		t.Errorf("Size = %d, want the full response size 100", resp.Size)
	}
}

func TestExecuteGraphQL(t *testing.T) {
	var gotMethod, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"data":{}}`))
	}))
	defer server.Close()

	e := NewExecutor(testLimits(), nil)
	req := &types.Request{
		Method: "GET", // forced to POST
		URL:    server.URL,
		Body: types.Body{
			Type: types.BodyGraphQL,
			GraphQL: &types.GraphQLBody{
				Query:         "query Hero($id: ID!) { hero(id: $id) { name } }",
				Variables:     `{"id": "{{heroID}}"}`,
				OperationName: "Hero",
			},
		},
	}
	src := scope.Sources{Locals: map[string]string{"heroID": "42"}}

	resp, err := e.Execute(req, src, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("Status = %d, want 200", resp.Status)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}

	var envelope map[string]any
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if _, ok := envelope["query"]; !ok {
		t.Error("envelope has no query field")
	}
	vars, ok := envelope["variables"].(map[string]any)
	if !ok {
		t.Fatalf("variables = %v, want an object", envelope["variables"])
	}
	if vars["id"] != "42" {
		t.Errorf("variables.id = %v, want %q", vars["id"], "42")
	}
	if envelope["operationName"] != "Hero" {
		t.Errorf("operationName = %v, want %q", envelope["operationName"], "Hero")
	}
}

func TestExecuteGraphQLInvalidVariables(t *testing.T) {
	e := NewExecutor(testLimits(), nil)
	req := &types.Request{
		Method: "POST",
		URL:    "http://example.com",
		Body: types.Body{
			Type:    types.BodyGraphQL,
			GraphQL: &types.GraphQLBody{Query: "{ hero }", Variables: "not json"},
		},
	}

	if _, err := e.Execute(req, scope.Sources{}, nil); err == nil {
		t.Fatal("Execute() expected error for invalid graphql variables")
	}
}

func TestExecuteURLEncodedBody(t *testing.T) {
	var gotContentType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	e := NewExecutor(testLimits(), nil)
	req := &types.Request{
		Method: "POST",
		URL:    server.URL,
		Body: types.Body{
			Type: types.BodyURLEncoded,
			Form: []types.Param{
				{Key: "name", Value: "{{who}}"},
				{Key: "off", Value: "x", Disabled: true},
			},
		},
	}
	src := scope.Sources{Globals: map[string]string{"who": "alice"}}

	resp, err := e.Execute(req, src, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody != "name=alice" {
		t.Errorf("body = %q, want %q", gotBody, "name=alice")
	}
}

func TestExecuteAuthHeaderWinsOverRequestHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	e := NewExecutor(testLimits(), nil)
	req := &types.Request{
		Method:  "GET",
		URL:     server.URL,
		Headers: []types.Param{{Key: "Authorization", Value: "Bearer stale"}},
	}
	spec := &types.AuthSpec{Type: types.AuthBearer, Token: "fresh"}

	if _, err := e.Execute(req, scope.Sources{}, spec); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotAuth != "Bearer fresh" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer fresh")
	}
}

func TestExecuteAPIKeyQueryAuth(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("api_key")
	}))
	defer server.Close()

	e := NewExecutor(testLimits(), nil)
	req := &types.Request{Method: "GET", URL: server.URL}
	spec := &types.AuthSpec{Type: types.AuthAPIKey, Key: "api_key", Value: "secret", AddTo: "query"}

	if _, err := e.Execute(req, scope.Sources{}, spec); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("api_key = %q, want %q", gotKey, "secret")
	}
}

func TestClampTimeout(t *testing.T) {
	limits := config.DefaultLimits()

	tests := []struct {
		name   string
		input  int64
		wantMs int64
	}{
		{name: "zero uses default", input: 0, wantMs: DefaultTimeoutMs},
		{name: "below minimum clamps up", input: 10, wantMs: limits.MinTimeoutMs},
		{name: "above maximum clamps down", input: 10_000_000, wantMs: limits.MaxTimeoutMs},
		{name: "in range unchanged", input: 2500, wantMs: 2500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampTimeout(tt.input, limits)
			if got.Milliseconds() != tt.wantMs {
				t.Errorf("clampTimeout(%d) = %v, want %dms", tt.input, got, tt.wantMs)
			}
		})
	}
}
