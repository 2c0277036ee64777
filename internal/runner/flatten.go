package runner

import (
	"sort"

	"github.com/apistation/apistation/internal/types"
)

// maxTreeDepth bounds folder tree walks so a corrupted parent pointer
// cannot loop forever.
const maxTreeDepth = 64

// flatten orders a collection's requests depth-first: requests attached
// directly to the collection first, then each root folder in sort order,
// with a folder's own requests before its subfolders.
func flatten(folders []*types.Folder, requests []*types.Request) []*types.Request {
	byFolder := make(map[string][]*types.Request)
	for _, req := range requests {
		byFolder[req.FolderID] = append(byFolder[req.FolderID], req)
	}
	for _, group := range byFolder {
		sortRequests(group)
	}

	children := make(map[string][]*types.Folder)
	for _, folder := range folders {
		children[folder.ParentID] = append(children[folder.ParentID], folder)
	}
	for _, group := range children {
		sortFolders(group)
	}

	ordered := make([]*types.Request, 0, len(requests))
	ordered = append(ordered, byFolder[""]...)

	visited := make(map[string]bool)
	var walk func(folder *types.Folder, depth int)
	walk = func(folder *types.Folder, depth int) {
		if depth > maxTreeDepth || visited[folder.ID] {
			return
		}
		visited[folder.ID] = true

		ordered = append(ordered, byFolder[folder.ID]...)
		for _, child := range children[folder.ID] {
			walk(child, depth+1)
		}
	}

	for _, root := range children[""] {
		walk(root, 0)
	}

	return ordered
}

// folderChain returns the folders from the request's folder up to the
// root, ordered outermost-first. The walk is bounded and cycle-safe.
func folderChain(req *types.Request, foldersByID map[string]*types.Folder) []*types.Folder {
	var chain []*types.Folder
	visited := make(map[string]bool)

	folderID := req.FolderID
	for depth := 0; folderID != "" && depth < maxTreeDepth; depth++ {
		if visited[folderID] {
			break
		}
		visited[folderID] = true

		folder, ok := foldersByID[folderID]
		if !ok {
			break
		}
		chain = append(chain, folder)
		folderID = folder.ParentID
	}

	// Reverse: collected innermost-first, callers want outermost-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func sortRequests(requests []*types.Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		if requests[i].SortOrder != requests[j].SortOrder {
			return requests[i].SortOrder < requests[j].SortOrder
		}
		return requests[i].Name < requests[j].Name
	})
}

func sortFolders(folders []*types.Folder) {
	sort.SliceStable(folders, func(i, j int) bool {
		if folders[i].SortOrder != folders[j].SortOrder {
			return folders[i].SortOrder < folders[j].SortOrder
		}
		return folders[i].Name < folders[j].Name
	})
}
