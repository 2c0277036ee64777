// Package scope merges the four variable scopes and substitutes
// {{name}} placeholders.
package scope

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/apistation/apistation/internal/store"
)

// Variable placeholder pattern: {{varName}}
var varPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Sources holds the four variable scopes of one execution. Merge order is
// Global (lowest) < Collection < Environment < Local (highest).
type Sources struct {
	Globals     map[string]string
	Collection  map[string]string
	Environment map[string]string
	Locals      map[string]string
}

// Merged flattens the four scopes into a single lookup map, later scopes
// shadowing earlier ones. Nil maps contribute nothing.
func (s Sources) Merged() map[string]string {
	merged := make(map[string]string)
	for _, m := range []map[string]string{s.Globals, s.Collection, s.Environment, s.Locals} {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// Resolve replaces every {{name}} placeholder in input with the merged
// scope value. Unmatched placeholders are left verbatim. The function is
// pure and safe for concurrent use.
func Resolve(input string, src Sources) string {
	return ResolveMerged(input, src.Merged())
}

// ResolveMerged substitutes placeholders against an already-merged map.
func ResolveMerged(input string, vars map[string]string) string {
	if !strings.Contains(input, "{{") {
		return input
	}
	return varPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-2]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// ExtractNames returns the unique placeholder names found in input.
func ExtractNames(input string) []string {
	matches := varPattern.FindAllStringSubmatch(input, -1)
	seen := make(map[string]bool)
	var names []string
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}

// Loader builds Sources from the upstream variable store. Every Load call
// re-reads the store so no staleness is introduced by the engine.
type Loader struct {
	Variables store.VariableStore
}

// Load assembles the store-backed scopes for a team/collection/environment
// triple. Empty ids contribute an empty scope. The locals map is taken as
// is (caller-owned).
func (l *Loader) Load(teamID, collectionID, environmentID string, locals map[string]string) (Sources, error) {
	src := Sources{Locals: locals}

	if l.Variables == nil {
		return src, nil
	}

	var err error
	if teamID != "" {
		if src.Globals, err = l.Variables.GlobalVariables(teamID); err != nil {
			return src, fmt.Errorf("failed to load global variables: %w", err)
		}
	}
	if collectionID != "" {
		if src.Collection, err = l.Variables.CollectionVariables(collectionID); err != nil {
			return src, fmt.Errorf("failed to load collection variables: %w", err)
		}
	}
	if environmentID != "" {
		if src.Environment, err = l.Variables.EnvironmentVariables(environmentID); err != nil {
			return src, fmt.Errorf("failed to load environment variables: %w", err)
		}
	}

	return src, nil
}

// Overlay returns a copy of base with each scope's entries shadowed by the
// corresponding script-context map. Script writes stay local to the
// execution; the store itself is never touched.
func Overlay(base Sources, globals, collection, environment, locals map[string]string) Sources {
	return Sources{
		Globals:     overlayMap(base.Globals, globals),
		Collection:  overlayMap(base.Collection, collection),
		Environment: overlayMap(base.Environment, environment),
		Locals:      overlayMap(base.Locals, locals),
	}
}

func overlayMap(base, over map[string]string) map[string]string {
	if len(over) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
