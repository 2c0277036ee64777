// Package store defines the persistence boundary of the execution engine.
// During a run the entity graph is read-only; the engine writes only run
// results and optional history entries.
package store

import (
	"errors"

	"github.com/apistation/apistation/internal/types"
)

// ErrNotFound is returned for unknown entity ids and cross-team access.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned for structurally invalid input.
var ErrValidation = errors.New("invalid input")

// CollectionStore supplies the entity graph of a collection.
type CollectionStore interface {
	// Collection returns the collection by id, or ErrNotFound.
	Collection(id string) (*types.Collection, error)

	// Folders returns all folders of a collection.
	Folders(collectionID string) ([]*types.Folder, error)

	// Requests returns all requests of a collection with sub-entities.
	Requests(collectionID string) ([]*types.Request, error)

	// Request returns a single request by id, or ErrNotFound.
	Request(id string) (*types.Request, error)
}

// VariableStore supplies enabled variables per scope owner. Each call
// re-reads the underlying store so a changed variable is visible on the
// next resolution.
type VariableStore interface {
	GlobalVariables(teamID string) (map[string]string, error)
	CollectionVariables(collectionID string) (map[string]string, error)
	EnvironmentVariables(environmentID string) (map[string]string, error)
}

// RunStore persists run results. AppendIteration is called after every
// iteration so a concurrent reader of a running run observes completed
// iterations.
type RunStore interface {
	CreateRun(run *types.RunResult) error
	AppendIteration(it *types.RunIteration) error
	FinalizeRun(run *types.RunResult) error

	// Run returns a run with its ordered iterations, or ErrNotFound.
	Run(id string) (*types.RunResult, error)
}

// HistoryStore records request/response pairs. Writes are fire-and-forget
// from the executor's perspective; failures never affect the response.
type HistoryStore interface {
	Append(entry *types.HistoryEntry) error
	List(limit int) ([]*types.HistoryEntry, error)
}
