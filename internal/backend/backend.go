// Package backend defines the extraction backends and the fan-out that
// runs them against an item's contexts.
package backend

import (
	"context"
	"errors"

	"github.com/sells-group/expense-extractor/internal/model"
)

var (
	// ErrUnavailable marks a backend that could not be reached.
	ErrUnavailable = errors.New("backend: unavailable")
	// ErrTimeout marks a call that ran past its per-call deadline.
	ErrTimeout = errors.New("backend: call timed out")
	// ErrInvalidResponse marks a reachable backend that returned output
	// the adapter could not parse into candidates.
	ErrInvalidResponse = errors.New("backend: invalid response")
)

// Backend produces field candidates from one context. Extract returns
// (nil, nil) when the context carries no units the backend can read.
type Backend interface {
	Name() string
	Class() model.BackendClass
	Extract(ctx context.Context, ec model.Context, schema *model.Schema) ([]model.FieldCandidate, error)
}

// CallError records one failed backend call. A failed call never hides
// the results of its siblings; the merge sees whatever settled.
type CallError struct {
	Backend   string
	ContextID string
	Err       error
}

func (e CallError) Error() string {
	return e.Backend + " on " + e.ContextID + ": " + e.Err.Error()
}

func (e CallError) Unwrap() error { return e.Err }
