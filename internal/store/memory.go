package store

import (
	"fmt"
	"sync"

	"github.com/apistation/apistation/internal/types"
)

// Memory is an in-memory CollectionStore and VariableStore. It backs the
// CLI's file-loaded collections and tests; the maps are copied on write
// and reads are lock-protected, so it is safe for concurrent runs.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*types.Collection
	folders     map[string][]*types.Folder
	requests    map[string][]*types.Request
	globals     map[string]map[string]string
	colVars     map[string]map[string]string
	envVars     map[string]map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]*types.Collection),
		folders:     make(map[string][]*types.Folder),
		requests:    make(map[string][]*types.Request),
		globals:     make(map[string]map[string]string),
		colVars:     make(map[string]map[string]string),
		envVars:     make(map[string]map[string]string),
	}
}

// AddCollection registers a collection with its folders and requests.
func (m *Memory) AddCollection(col *types.Collection, folders []*types.Folder, requests []*types.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[col.ID] = col
	m.folders[col.ID] = folders
	m.requests[col.ID] = requests
}

// SetGlobalVariables replaces the global variables of a team.
func (m *Memory) SetGlobalVariables(teamID string, vars map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globals[teamID] = copyStringMap(vars)
}

// SetCollectionVariables replaces the variables of a collection.
func (m *Memory) SetCollectionVariables(collectionID string, vars map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.colVars[collectionID] = copyStringMap(vars)
}

// SetEnvironmentVariables replaces the variables of an environment.
func (m *Memory) SetEnvironmentVariables(environmentID string, vars map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envVars[environmentID] = copyStringMap(vars)
}

// Collection returns a collection by id.
func (m *Memory) Collection(id string) (*types.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", ErrNotFound, id)
	}
	return col, nil
}

// Folders returns the folders of a collection.
func (m *Memory) Folders(collectionID string) ([]*types.Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.folders[collectionID], nil
}

// Requests returns the requests of a collection.
func (m *Memory) Requests(collectionID string) ([]*types.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[collectionID], nil
}

// Request returns a single request by id.
func (m *Memory) Request(id string) (*types.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, requests := range m.requests {
		for _, req := range requests {
			if req.ID == id {
				return req, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
}

// GlobalVariables returns a team's global variables.
func (m *Memory) GlobalVariables(teamID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyStringMap(m.globals[teamID]), nil
}

// CollectionVariables returns a collection's variables.
func (m *Memory) CollectionVariables(collectionID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyStringMap(m.colVars[collectionID]), nil
}

// EnvironmentVariables returns an environment's variables.
func (m *Memory) EnvironmentVariables(environmentID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyStringMap(m.envVars[environmentID]), nil
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
