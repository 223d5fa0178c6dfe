// Package storage provides the object store backing room persistence: one
// blob per room, holding the serialized replicated document.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Download when no blob exists for the key. A
// missing blob is the expected state for a room that was never saved.
var ErrNotFound = errors.New("storage: object not found")

// ObjectStore is the persistence backend. Upload overwrites.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}
