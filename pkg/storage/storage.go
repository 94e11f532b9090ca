package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist in storage.
var ErrNotFound = errors.New("not found")

// Storage is the flat key-value backend behind the YAML repositories. Task
// and agent records are stored one document per path, e.g. "tasks/<id>.yaml".
// Implementations back onto the local filesystem or S3.
type Storage interface {
	// Read returns the document at path, or an error wrapping ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write replaces the document at path, creating it if needed.
	Write(ctx context.Context, path string, data []byte) error
	// Delete removes the document at path.
	Delete(ctx context.Context, path string) error
	// List returns the paths of all documents directly under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}
