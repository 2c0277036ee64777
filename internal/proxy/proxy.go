// Package proxy builds and sends HTTP requests on behalf of the engine.
// Transport failures are returned as status-0 responses, never as errors,
// so callers always receive a uniform result type.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apistation/apistation/internal/auth"
	"github.com/apistation/apistation/internal/config"
	"github.com/apistation/apistation/internal/scope"
	"github.com/apistation/apistation/internal/store"
	"github.com/apistation/apistation/internal/types"
)

const (
	defaultUserAgent = "apistation/1.0"

	// DefaultTimeoutMs is used when a request declares no timeout, before
	// clamping to the configured bounds.
	DefaultTimeoutMs = 30000

	truncationMarker = "\n... [body truncated]"

	tcpDialTimeout       = 5 * time.Second
	tcpKeepAliveInterval = 30 * time.Second
	tlsHandshakeTimeout  = 5 * time.Second
	idleConnTimeout      = 90 * time.Second
)

// Executor sends resolved requests. It is safe for concurrent use; the
// underlying transport pools connections across executions.
type Executor struct {
	limits    config.Limits
	transport *http.Transport
	history   store.HistoryStore
}

// NewExecutor creates an executor with the given limits. history may be
// nil to disable history recording entirely.
func NewExecutor(limits config.Limits, history store.HistoryStore) *Executor {
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     idleConnTimeout,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   tcpDialTimeout,
			KeepAlive: tcpKeepAliveInterval,
		}).DialContext,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
	}

	return &Executor{
		limits:    limits,
		transport: transport,
		history:   history,
	}
}

// Execute resolves and sends a request. authSpec is the effective auth to
// apply; pass nil to use the request's own auth as is. The returned error
// is non-nil only for invalid input (e.g. missing URL); every
// transport-level failure is reported inside the response with status 0.
func (e *Executor) Execute(req *types.Request, src scope.Sources, authSpec *types.AuthSpec) (*types.ProxyResponse, error) {
	vars := src.Merged()

	rawURL := strings.TrimSpace(scope.ResolveMerged(req.URL, vars))
	if rawURL == "" {
		return nil, fmt.Errorf("%w: request has no URL", store.ErrValidation)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	// Build headers: defaults, then resolved request headers, then auth
	// headers (auth wins on conflicting keys).
	headers := map[string]string{
		"User-Agent": defaultUserAgent,
	}
	for _, h := range req.Headers {
		if h.Disabled {
			continue
		}
		headers[scope.ResolveMerged(h.Key, vars)] = scope.ResolveMerged(h.Value, vars)
	}

	if authSpec == nil {
		authSpec = req.Auth
	}
	resolved := auth.Resolve(authSpec, src)
	for k, v := range resolved.Headers {
		headers[k] = v
	}

	body, contentType, err := buildBody(&req.Body, vars)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	if req.Body.Type == types.BodyGraphQL {
		// GraphQL is always a JSON POST.
		method = http.MethodPost
		headers["Content-Type"] = "application/json"
	}

	target, err := buildURL(rawURL, req.Query, resolved.Query, vars)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL %q: %v", store.ErrValidation, rawURL, err)
	}

	timeout := clampTimeout(req.TimeoutMs, e.limits)
	client := &http.Client{
		Timeout:   timeout,
		Transport: e.transport,
		// Redirects are followed manually so the chain can be captured.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp := e.send(client, method, target, headers, body, req.FollowRedirects, timeout)

	if req.RecordHistory && e.history != nil {
		e.recordHistory(req, headers, body, resp)
	}

	return resp, nil
}

// send issues the request, manually following 3xx redirects up to the
// configured hop count. The same method and body are reused on each hop
// and relative Location values resolve against the previous URI.
func (e *Executor) send(client *http.Client, method string, target *url.URL, headers map[string]string, body []byte, followRedirects bool, timeout time.Duration) *types.ProxyResponse {
	start := time.Now()
	var chain []string

	current := target
	for hop := 0; ; hop++ {
		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}

		httpReq, err := http.NewRequest(method, current.String(), reader)
		if err != nil {
			return failureResponse(err, time.Since(start), timeout, chain)
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		httpResp, err := client.Do(httpReq)
		duration := time.Since(start)
		if err != nil {
			return failureResponse(err, duration, timeout, chain)
		}

		location := httpResp.Header.Get("Location")
		redirected := followRedirects && httpResp.StatusCode >= 300 && httpResp.StatusCode < 400 && location != ""

		if redirected && hop < e.limits.MaxRedirects {
			chain = append(chain, location)
			next, err := url.Parse(location)
			if err != nil {
				resp := e.readResponse(httpResp, duration, chain)
				resp.StatusText = httpResp.Status + " (unparseable redirect location)"
				return resp
			}
			io.Copy(io.Discard, httpResp.Body)
			httpResp.Body.Close()
			current = current.ResolveReference(next)
			continue
		}

		resp := e.readResponse(httpResp, duration, chain)
		if redirected {
			// Hop limit reached while still redirected: return the last
			// hop rather than failing.
			resp.StatusText = httpResp.Status + " (redirect limit reached)"
		}
		return resp
	}
}

// readResponse drains the body up to the configured maximum, appending a
// visible marker when truncated.
func (e *Executor) readResponse(httpResp *http.Response, duration time.Duration, chain []string) *types.ProxyResponse {
	defer httpResp.Body.Close()

	resp := &types.ProxyResponse{
		Status:        httpResp.StatusCode,
		StatusText:    httpResp.Status,
		Headers:       httpResp.Header,
		ContentType:   httpResp.Header.Get("Content-Type"),
		DurationMs:    duration.Milliseconds(),
		RedirectChain: chain,
	}

	limit := e.limits.MaxBodyBytes
	bodyBytes, err := io.ReadAll(io.LimitReader(httpResp.Body, int64(limit)+1))
	if err != nil {
		resp.Error = fmt.Sprintf("failed to read response body: %v", err)
		return resp
	}

	resp.Size = len(bodyBytes)
	if len(bodyBytes) > limit {
		resp.Body = string(bodyBytes[:limit]) + truncationMarker
		// Drain the remainder so the connection can be reused, and keep
		// counting so Size reports the full response.
		if n, err := io.Copy(io.Discard, httpResp.Body); err == nil {
			resp.Size += int(n)
		}
	} else {
		resp.Body = string(bodyBytes)
	}

	return resp
}

// recordHistory writes a history entry in the background. Failures are
// swallowed; recording must never block or fail the primary response.
func (e *Executor) recordHistory(req *types.Request, headers map[string]string, body []byte, resp *types.ProxyResponse) {
	entry := &types.HistoryEntry{
		ID:             uuid.NewString(),
		Timestamp:      time.Now(),
		RequestName:    req.Name,
		Method:         req.Method,
		URL:            req.URL,
		Headers:        headers,
		Body:           string(body),
		ResponseStatus: resp.Status,
		ResponseBody:   resp.Body,
		DurationMs:     resp.DurationMs,
		Size:           resp.Size,
		Error:          resp.Error,
	}
	entry.ResponseHeaders = make(map[string]string, len(resp.Headers))
	for k, vs := range resp.Headers {
		entry.ResponseHeaders[k] = strings.Join(vs, ", ")
	}
	resp.HistoryID = entry.ID

	go func() {
		defer func() { recover() }()
		_ = e.history.Append(entry)
	}()
}

// buildURL resolves declared query parameters and appends auth query
// parameters to the target URL.
func buildURL(rawURL string, query []types.Param, authQuery map[string]string, vars map[string]string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("missing scheme")
	}

	values := u.Query()
	for _, p := range query {
		if p.Disabled {
			continue
		}
		values.Add(scope.ResolveMerged(p.Key, vars), scope.ResolveMerged(p.Value, vars))
	}
	for k, v := range authQuery {
		values.Set(k, v)
	}
	u.RawQuery = values.Encode()

	return u, nil
}

// clampTimeout bounds the declared timeout to the configured [min, max].
func clampTimeout(timeoutMs int64, limits config.Limits) time.Duration {
	if timeoutMs <= 0 {
		timeoutMs = DefaultTimeoutMs
	}
	if timeoutMs < limits.MinTimeoutMs {
		timeoutMs = limits.MinTimeoutMs
	}
	if timeoutMs > limits.MaxTimeoutMs {
		timeoutMs = limits.MaxTimeoutMs
	}
	return time.Duration(timeoutMs) * time.Millisecond
}

// failureResponse maps a transport error to the uniform status-0 result.
func failureResponse(err error, elapsed time.Duration, timeout time.Duration, chain []string) *types.ProxyResponse {
	statusText := "connection failed"
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, context.DeadlineExceeded):
		statusText = fmt.Sprintf("request timed out after %s", timeout)
	case errors.Is(err, context.Canceled):
		statusText = "request interrupted"
	}

	return &types.ProxyResponse{
		Status:        0,
		StatusText:    statusText,
		DurationMs:    elapsed.Milliseconds(),
		RedirectChain: chain,
		Error:         err.Error(),
	}
}
