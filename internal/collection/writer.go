package collection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/apistation/apistation/internal/types"
)

// Write saves a bundle as a collection file Load can read back. The
// extension picks the format: .json writes JSON, anything else YAML.
func Write(bundle *Bundle, path string) error {
	fc := toFileCollection(bundle)

	var data []byte
	var err error
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data, err = json.MarshalIndent(fc, "", "  ")
	} else {
		data, err = yaml.Marshal(fc)
	}
	if err != nil {
		return fmt.Errorf("failed to encode collection: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write collection file: %w", err)
	}
	return nil
}

// toFileCollection rebuilds the nested file shape from the flat entity
// graph.
func toFileCollection(bundle *Bundle) *fileCollection {
	fc := &fileCollection{
		Name:        bundle.Collection.Name,
		Team:        bundle.Collection.TeamID,
		Auth:        bundle.Collection.Auth,
		PreScript:   bundle.Collection.PreScript,
		PostScript:  bundle.Collection.PostScript,
		Variables:   bundle.Variables,
		Environment: bundle.Environment,
	}

	requestsByFolder := make(map[string][]*types.Request)
	for _, req := range bundle.Requests {
		requestsByFolder[req.FolderID] = append(requestsByFolder[req.FolderID], req)
	}
	childrenByParent := make(map[string][]*types.Folder)
	for _, folder := range bundle.Folders {
		childrenByParent[folder.ParentID] = append(childrenByParent[folder.ParentID], folder)
	}

	for _, req := range requestsByFolder[""] {
		fc.Requests = append(fc.Requests, toFileRequest(req))
	}

	var buildFolders func(parentID string, depth int) []fileFolder
	buildFolders = func(parentID string, depth int) []fileFolder {
		if depth > maxNesting {
			return nil
		}
		var out []fileFolder
		for _, folder := range childrenByParent[parentID] {
			ff := fileFolder{
				Name:       folder.Name,
				Auth:       folder.Auth,
				PreScript:  folder.PreScript,
				PostScript: folder.PostScript,
			}
			for _, req := range requestsByFolder[folder.ID] {
				ff.Requests = append(ff.Requests, toFileRequest(req))
			}
			ff.Folders = buildFolders(folder.ID, depth+1)
			out = append(out, ff)
		}
		return out
	}
	fc.Folders = buildFolders("", 0)

	return fc
}

func toFileRequest(req *types.Request) fileRequest {
	fr := fileRequest{
		Name:          req.Name,
		Method:        req.Method,
		URL:           req.URL,
		Headers:       req.Headers,
		Query:         req.Query,
		Body:          req.Body,
		Auth:          req.Auth,
		PreScript:     req.PreScript,
		PostScript:    req.PostScript,
		Extract:       req.Extract,
		TimeoutMs:     req.TimeoutMs,
		RecordHistory: req.RecordHistory,
	}
	if !req.FollowRedirects {
		disabled := false
		fr.FollowRedirects = &disabled
	}
	return fr
}
