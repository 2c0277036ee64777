// Package collection loads a collection entity graph from a YAML or JSON
// file into the engine's types, for the CLI and tests. The persistence
// service normally supplies this graph.
package collection

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/apistation/apistation/internal/types"
)

// fileCollection is the on-disk shape of a collection file.
type fileCollection struct {
	Name        string            `yaml:"name" json:"name"`
	Team        string            `yaml:"team,omitempty" json:"team,omitempty"`
	Auth        *types.AuthSpec   `yaml:"auth,omitempty" json:"auth,omitempty"`
	PreScript   string            `yaml:"preScript,omitempty" json:"preScript,omitempty"`
	PostScript  string            `yaml:"postScript,omitempty" json:"postScript,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Folders     []fileFolder      `yaml:"folders,omitempty" json:"folders,omitempty"`
	Requests    []fileRequest     `yaml:"requests,omitempty" json:"requests,omitempty"`
}

type fileFolder struct {
	Name       string          `yaml:"name" json:"name"`
	Auth       *types.AuthSpec `yaml:"auth,omitempty" json:"auth,omitempty"`
	PreScript  string          `yaml:"preScript,omitempty" json:"preScript,omitempty"`
	PostScript string          `yaml:"postScript,omitempty" json:"postScript,omitempty"`
	Folders    []fileFolder    `yaml:"folders,omitempty" json:"folders,omitempty"`
	Requests   []fileRequest   `yaml:"requests,omitempty" json:"requests,omitempty"`
}

type fileRequest struct {
	Name            string            `yaml:"name" json:"name"`
	Method          string            `yaml:"method" json:"method"`
	URL             string            `yaml:"url" json:"url"`
	Headers         []types.Param     `yaml:"headers,omitempty" json:"headers,omitempty"`
	Query           []types.Param     `yaml:"query,omitempty" json:"query,omitempty"`
	Body            types.Body        `yaml:"body,omitempty" json:"body,omitempty"`
	Auth            *types.AuthSpec   `yaml:"auth,omitempty" json:"auth,omitempty"`
	PreScript       string            `yaml:"preScript,omitempty" json:"preScript,omitempty"`
	PostScript      string            `yaml:"postScript,omitempty" json:"postScript,omitempty"`
	Extract         map[string]string `yaml:"extract,omitempty" json:"extract,omitempty"`
	TimeoutMs       int64             `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	FollowRedirects *bool             `yaml:"followRedirects,omitempty" json:"followRedirects,omitempty"`
	RecordHistory   bool              `yaml:"recordHistory,omitempty" json:"recordHistory,omitempty"`
}

// Bundle is a loaded collection entity graph plus its variable maps.
type Bundle struct {
	Collection  *types.Collection
	Folders     []*types.Folder
	Requests    []*types.Request
	Variables   map[string]string
	Environment map[string]string
}

// Load parses a collection file. JSON files may contain comments and
// trailing commas; anything else is parsed as YAML.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection file: %w", err)
	}

	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data = jsonc.ToJSON(data)
	}

	var fc fileCollection
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse collection file: %w", err)
	}
	if fc.Name == "" {
		fc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if fc.Team == "" {
		fc.Team = "local"
	}

	return build(&fc)
}

// LoadEnvironment parses a standalone environment file: a flat
// name -> value mapping in YAML or JSON. Values from such a file
// replace the collection file's inline environment block.
func LoadEnvironment(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment file: %w", err)
	}

	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data = jsonc.ToJSON(data)
	}

	vars := map[string]string{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("failed to parse environment file: %w", err)
	}
	return vars, nil
}

func build(fc *fileCollection) (*Bundle, error) {
	bundle := &Bundle{
		Collection: &types.Collection{
			ID:         uuid.NewString(),
			TeamID:     fc.Team,
			Name:       fc.Name,
			Auth:       fc.Auth,
			PreScript:  fc.PreScript,
			PostScript: fc.PostScript,
		},
		Variables:   fc.Variables,
		Environment: fc.Environment,
	}

	for i, req := range fc.Requests {
		built, err := buildRequest(&req, bundle.Collection.ID, "", i)
		if err != nil {
			return nil, err
		}
		bundle.Requests = append(bundle.Requests, built)
	}

	for i := range fc.Folders {
		if err := buildFolder(bundle, &fc.Folders[i], "", i, 0); err != nil {
			return nil, err
		}
	}

	return bundle, nil
}

// maxNesting caps folder nesting in a file, matching the engine's walk
// bound.
const maxNesting = 64

func buildFolder(bundle *Bundle, ff *fileFolder, parentID string, order, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("folder %q exceeds maximum nesting depth", ff.Name)
	}

	folder := &types.Folder{
		ID:           uuid.NewString(),
		CollectionID: bundle.Collection.ID,
		ParentID:     parentID,
		Name:         ff.Name,
		SortOrder:    order,
		Auth:         ff.Auth,
		PreScript:    ff.PreScript,
		PostScript:   ff.PostScript,
	}
	bundle.Folders = append(bundle.Folders, folder)

	for i, req := range ff.Requests {
		built, err := buildRequest(&req, bundle.Collection.ID, folder.ID, i)
		if err != nil {
			return err
		}
		bundle.Requests = append(bundle.Requests, built)
	}

	for i := range ff.Folders {
		if err := buildFolder(bundle, &ff.Folders[i], folder.ID, i, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func buildRequest(fr *fileRequest, collectionID, folderID string, order int) (*types.Request, error) {
	if fr.URL == "" {
		return nil, fmt.Errorf("request %q has no URL", fr.Name)
	}

	followRedirects := true
	if fr.FollowRedirects != nil {
		followRedirects = *fr.FollowRedirects
	}

	return &types.Request{
		ID:              uuid.NewString(),
		CollectionID:    collectionID,
		FolderID:        folderID,
		Name:            fr.Name,
		Method:          fr.Method,
		URL:             fr.URL,
		SortOrder:       order,
		Headers:         fr.Headers,
		Query:           fr.Query,
		Body:            fr.Body,
		Auth:            fr.Auth,
		PreScript:       fr.PreScript,
		PostScript:      fr.PostScript,
		Extract:         fr.Extract,
		TimeoutMs:       fr.TimeoutMs,
		FollowRedirects: followRedirects,
		RecordHistory:   fr.RecordHistory,
	}, nil
}
