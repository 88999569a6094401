// Package assetstore stores tile images and uploads keyed by (container, file).
package assetstore

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned when a requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidName is returned for container or file names that could escape
// the store root.
var ErrInvalidName = errors.New("invalid object name")

// Store is the contract for the asset store the mosaic pipeline reads from.
type Store interface {
	// Get returns the raw bytes of an object.
	// Returns ErrObjectNotFound if the object does not exist.
	Get(ctx context.Context, container, name string) ([]byte, error)

	// Put stores an object, overwriting any previous content.
	Put(ctx context.Context, container, name string, data []byte) error

	// Delete removes an object. No error if it doesn't exist.
	Delete(ctx context.Context, container, name string) error

	// List returns the object names stored in a container.
	List(ctx context.Context, container string) ([]string, error)
}
