package types

import "time"

// VariableScope identifies one of the four variable buckets. Later scopes
// override earlier ones when merged.
type VariableScope int

const (
	ScopeGlobal VariableScope = iota
	ScopeCollection
	ScopeEnvironment
	ScopeLocal
)

// String returns the scope name used in script APIs and serialized output.
func (s VariableScope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeCollection:
		return "collection"
	case ScopeEnvironment:
		return "environment"
	case ScopeLocal:
		return "local"
	}
	return "unknown"
}

// Variable is a single key/value pair from a variable store. Secret is a
// display-only flag upstream and never affects resolution.
type Variable struct {
	Key     string `json:"key" yaml:"key"`
	Value   string `json:"value" yaml:"value"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Secret  bool   `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// AuthType enumerates the supported authentication mechanisms.
type AuthType string

const (
	AuthNone    AuthType = "none"
	AuthInherit AuthType = "inherit"
	AuthBearer  AuthType = "bearer"
	AuthBasic   AuthType = "basic"
	AuthAPIKey  AuthType = "apikey"
	AuthOAuth2  AuthType = "oauth2"
	AuthJWT     AuthType = "jwt"
)

// AuthSpec is the stored authentication configuration of a request, folder
// or collection. Field values may contain {{variable}} placeholders.
type AuthSpec struct {
	Type     AuthType `json:"type" yaml:"type"`
	Token    string   `json:"token,omitempty" yaml:"token,omitempty"`       // bearer, oauth2, jwt
	Username string   `json:"username,omitempty" yaml:"username,omitempty"` // basic
	Password string   `json:"password,omitempty" yaml:"password,omitempty"` // basic
	Key      string   `json:"key,omitempty" yaml:"key,omitempty"`           // apikey: parameter name
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`       // apikey: parameter value
	AddTo    string   `json:"addTo,omitempty" yaml:"addTo,omitempty"`       // apikey: "header" or "query", default header
}

// Param is an ordered key/value pair used for headers, query parameters and
// form fields. Disabled params are kept in the entity graph but skipped
// during execution.
type Param struct {
	Key      string `json:"key" yaml:"key"`
	Value    string `json:"value" yaml:"value"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// BodyType enumerates request body kinds.
type BodyType string

const (
	BodyNone       BodyType = "none"
	BodyRaw        BodyType = "raw"
	BodyURLEncoded BodyType = "urlencoded"
	BodyMultipart  BodyType = "multipart"
	BodyGraphQL    BodyType = "graphql"
	BodyBinary     BodyType = "binary"
)

// GraphQLBody holds a GraphQL operation. Query and Variables are resolved
// separately before being wrapped in the JSON envelope.
type GraphQLBody struct {
	Query         string `json:"query" yaml:"query"`
	Variables     string `json:"variables,omitempty" yaml:"variables,omitempty"`
	OperationName string `json:"operationName,omitempty" yaml:"operationName,omitempty"`
}

// Body is a request body declaration.
type Body struct {
	Type        BodyType     `json:"type" yaml:"type"`
	Raw         string       `json:"raw,omitempty" yaml:"raw,omitempty"`
	ContentType string       `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Form        []Param      `json:"form,omitempty" yaml:"form,omitempty"`
	GraphQL     *GraphQLBody `json:"graphql,omitempty" yaml:"graphql,omitempty"`
}

// Collection is the root of an entity graph owned by a team.
type Collection struct {
	ID         string    `json:"id"`
	TeamID     string    `json:"teamId"`
	Name       string    `json:"name"`
	Auth       *AuthSpec `json:"auth,omitempty"`
	PreScript  string    `json:"preScript,omitempty"`
	PostScript string    `json:"postScript,omitempty"`
}

// Folder is a node in a collection's folder tree. ParentID is empty for
// root folders. Parent links are expected to form a tree; walks over them
// are depth-bounded to tolerate a corrupted pointer.
type Folder struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collectionId"`
	ParentID     string    `json:"parentId,omitempty"`
	Name         string    `json:"name"`
	SortOrder    int       `json:"sortOrder"`
	Auth         *AuthSpec `json:"auth,omitempty"`
	PreScript    string    `json:"preScript,omitempty"`
	PostScript   string    `json:"postScript,omitempty"`
}

// Request is a stored request specification with its sub-entities.
type Request struct {
	ID           string `json:"id"`
	CollectionID string `json:"collectionId"`
	FolderID     string `json:"folderId,omitempty"`
	Name         string `json:"name"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	SortOrder    int    `json:"sortOrder"`

	Headers []Param   `json:"headers,omitempty"`
	Query   []Param   `json:"query,omitempty"`
	Body    Body      `json:"body,omitempty"`
	Auth    *AuthSpec `json:"auth,omitempty"`

	PreScript  string `json:"preScript,omitempty"`
	PostScript string `json:"postScript,omitempty"`

	// Extract maps variable names to JMESPath expressions evaluated against
	// a JSON response body after execution.
	Extract map[string]string `json:"extract,omitempty"`

	TimeoutMs       int64 `json:"timeoutMs,omitempty"`
	FollowRedirects bool  `json:"followRedirects"`
	RecordHistory   bool  `json:"recordHistory,omitempty"`
}

// ProxyResponse is the uniform result of a single HTTP execution.
// Transport-level failures are reported with Status 0 and a descriptive
// StatusText, never as an error to the caller.
type ProxyResponse struct {
	Status        int                 `json:"status"`
	StatusText    string              `json:"statusText"`
	Headers       map[string][]string `json:"headers,omitempty"`
	Body          string              `json:"body,omitempty"`
	DurationMs    int64               `json:"duration"`
	Size          int                 `json:"size"`
	ContentType   string              `json:"contentType,omitempty"`
	RedirectChain []string            `json:"redirectChain,omitempty"`
	HistoryID     string              `json:"historyId,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// Assertion is a single recorded test result.
type Assertion struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// RunStatus is the lifecycle state of a collection run. Running is the
// only non-terminal state.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunResult is the aggregate record of a collection run. Counters are
// mutated only by the runner while the run is active; iterations are
// append-only.
type RunResult struct {
	ID           string     `json:"id"`
	CollectionID string     `json:"collectionId"`
	TeamID       string     `json:"teamId"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`

	IterationCount   int   `json:"iterationCount"`
	RequestsTotal    int   `json:"requestsTotal"`
	RequestsPassed   int   `json:"requestsPassed"`
	RequestsFailed   int   `json:"requestsFailed"`
	AssertionsTotal  int   `json:"assertionsTotal"`
	AssertionsPassed int   `json:"assertionsPassed"`
	AssertionsFailed int   `json:"assertionsFailed"`
	DurationMs       int64 `json:"durationMs"`

	Iterations []RunIteration `json:"iterations,omitempty"`
}

// RunIteration is an immutable snapshot of one request execution inside a
// run.
type RunIteration struct {
	RunID       string      `json:"runId"`
	Iteration   int         `json:"iteration"`
	RequestID   string      `json:"requestId"`
	RequestName string      `json:"requestName"`
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Status      int         `json:"status"`
	DurationMs  int64       `json:"durationMs"`
	Size        int         `json:"size"`
	Passed      bool        `json:"passed"`
	Skipped     bool        `json:"skipped,omitempty"`
	Assertions  []Assertion `json:"assertions,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// HistoryEntry represents a saved request/response pair.
type HistoryEntry struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	RequestName     string            `json:"requestName,omitempty"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	ResponseStatus  int               `json:"responseStatus"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	DurationMs      int64             `json:"durationMs"`
	Size            int               `json:"size"`
	Error           string            `json:"error,omitempty"`
}
