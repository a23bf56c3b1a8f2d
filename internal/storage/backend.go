// Package storage implements persistence backends for the document store.
package storage

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"
)

// Record is one stored document.
type Record struct {
	Path       string          `json:"path"`       // full document path, e.g. "users/42"
	Collection string          `json:"collection"` // parent collection path, e.g. "users"
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
}

// ID returns the last path segment.
func (r *Record) ID() string {
	_, id := SplitPath(r.Path)
	return id
}

// Backend defines the interface for storage backends.
type Backend interface {
	// Store persists a record, replacing any existing one at the same path.
	Store(r *Record) error

	// Load retrieves a record. Missing records yield an errors.NotFound error.
	Load(path string) (*Record, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(path string) error

	// LoadChildren gets every record directly inside a collection.
	LoadChildren(collection string) ([]*Record, error)

	// Exists checks if a record exists.
	Exists(path string) bool

	// Clear removes all data.
	Clear() error

	// BeginTransaction starts an atomic operation.
	BeginTransaction() (Transaction, error)

	// Close closes the storage backend.
	Close() error
}

// Transaction represents an atomic storage operation.
type Transaction interface {
	Store(r *Record) error
	Delete(path string) error
	Commit() error
	Rollback() error
}

// SplitPath splits a document path into its collection path and id.
func SplitPath(path string) (collection, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidDocumentPath reports whether path names a document: an even,
// non-zero number of non-empty segments.
func ValidDocumentPath(path string) bool {
	segs := strings.Split(path, "/")
	return len(segs)%2 == 0 && nonEmpty(segs)
}

// ValidCollectionPath reports whether path names a collection: an odd
// number of non-empty segments.
func ValidCollectionPath(path string) bool {
	segs := strings.Split(path, "/")
	return len(segs)%2 == 1 && nonEmpty(segs)
}

func nonEmpty(segs []string) bool {
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}

func notFound(path string) error {
	return errors.NotFoundf("document %q", path)
}

// Open creates the backend named by kind.
func Open(kind, path, url string) (Backend, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(path)
	case "postgresql", "postgres":
		return NewPostgresStorage(url)
	default:
		return nil, errors.NotValidf("store type %q", kind)
	}
}
