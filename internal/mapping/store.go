package mapping

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrNotFound    = errors.New("mapping not found")
	ErrInvalidName = errors.New("invalid mapping name")
)

// Store persists mapping documents keyed by source name. Save has
// atomic whole-document replace semantics: a concurrent Load observes
// either the old or the new document in full, never a partial write.
type Store interface {
	// Load returns the document stored under name, or ErrNotFound.
	Load(ctx context.Context, name string) (*Document, error)

	// Save validates and stores document text under name, replacing any
	// existing document. Idempotent.
	Save(ctx context.Context, name string, text []byte) error

	// List returns the names of all stored documents.
	List(ctx context.Context) ([]string, error)
}
