// Package auth converts auth specifications into concrete headers and
// query parameters, including the inherit-from-parent walk over the
// folder tree.
package auth

import (
	"encoding/base64"
	"fmt"

	"github.com/apistation/apistation/internal/scope"
	"github.com/apistation/apistation/internal/types"
)

// maxWalkDepth bounds the folder chain walk so a corrupted parent pointer
// cannot loop forever.
const maxWalkDepth = 64

// Resolved is the immutable output of auth resolution: headers and query
// parameters to merge into the outgoing request.
type Resolved struct {
	Headers map[string]string
	Query   map[string]string
}

// Empty reports whether the resolution produced nothing.
func (r Resolved) Empty() bool {
	return len(r.Headers) == 0 && len(r.Query) == 0
}

// Resolve converts an auth spec into concrete headers/query parameters.
// Every config value is passed through the variable resolver first, since
// auth configuration may itself contain placeholders. None and inherit
// specs yield an empty result.
func Resolve(spec *types.AuthSpec, src scope.Sources) Resolved {
	resolved := Resolved{
		Headers: map[string]string{},
		Query:   map[string]string{},
	}

	if spec == nil || spec.Type == "" || spec.Type == types.AuthNone || spec.Type == types.AuthInherit {
		return resolved
	}

	vars := src.Merged()
	r := func(s string) string { return scope.ResolveMerged(s, vars) }

	switch spec.Type {
	case types.AuthBearer, types.AuthOAuth2, types.AuthJWT:
		// OAuth2 and JWT-bearer reduce to passthrough of a pre-obtained
		// token; no acquisition flow runs here.
		if token := r(spec.Token); token != "" {
			resolved.Headers["Authorization"] = "Bearer " + token
		}

	case types.AuthBasic:
		creds := r(spec.Username) + ":" + r(spec.Password)
		resolved.Headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))

	case types.AuthAPIKey:
		key := r(spec.Key)
		if key == "" {
			return resolved
		}
		value := r(spec.Value)
		if spec.AddTo == "query" {
			resolved.Query[key] = value
		} else {
			resolved.Headers[key] = value
		}
	}

	return resolved
}

// Effective walks the inheritance chain for a request whose own auth is
// absent or inherit: request -> folder chain upward -> collection. It
// returns the nearest concrete spec, or nil when nothing concrete is
// found. An explicit none at any level stops the walk, so a request or
// folder can opt out of inherited credentials. folders maps folder id to
// folder for the owning collection.
func Effective(req *types.Request, folders map[string]*types.Folder, col *types.Collection) *types.AuthSpec {
	if spec, settled := settle(req.Auth); settled {
		return spec
	}

	visited := make(map[string]bool)
	folderID := req.FolderID
	for depth := 0; folderID != "" && depth < maxWalkDepth; depth++ {
		if visited[folderID] {
			break
		}
		visited[folderID] = true

		folder, ok := folders[folderID]
		if !ok {
			break
		}
		if spec, settled := settle(folder.Auth); settled {
			return spec
		}
		folderID = folder.ParentID
	}

	if col != nil {
		if spec, settled := settle(col.Auth); settled {
			return spec
		}
	}
	return nil
}

// settle classifies a spec for the inheritance walk: a concrete spec is
// the result, an explicit none ends the walk with no auth, anything else
// keeps walking.
func settle(spec *types.AuthSpec) (*types.AuthSpec, bool) {
	if concrete(spec) {
		return spec, true
	}
	if spec != nil && spec.Type == types.AuthNone {
		return nil, true
	}
	return nil, false
}

// concrete reports whether a spec carries a usable auth type.
func concrete(spec *types.AuthSpec) bool {
	return spec != nil && spec.Type != "" && spec.Type != types.AuthNone && spec.Type != types.AuthInherit
}

// Describe returns a short human-readable label for an auth spec, used in
// CLI output.
func Describe(spec *types.AuthSpec) string {
	if !concrete(spec) {
		return "none"
	}
	if spec.Type == types.AuthAPIKey {
		dest := spec.AddTo
		if dest == "" {
			dest = "header"
		}
		return fmt.Sprintf("apikey (%s)", dest)
	}
	return string(spec.Type)
}
