package docstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/zot/chatops/internal/storage"
)

// Snapshot is the state of one document at a point in time.
type Snapshot struct {
	Ref     *DocumentRef
	Data    map[string]any
	Version int64
	exists  bool
}

// NewSnapshot builds a snapshot of an existing document, for fakes and tests.
func NewSnapshot(ref *DocumentRef, data map[string]any, version int64) *Snapshot {
	return &Snapshot{Ref: ref, Data: data, Version: version, exists: true}
}

// Exists reports whether the document existed when the snapshot was taken.
func (s *Snapshot) Exists() bool {
	return s != nil && s.exists
}

// ID returns the document id.
func (s *Snapshot) ID() string {
	return s.Ref.ID()
}

// Map returns the document data, or an empty map for a missing document.
func (s *Snapshot) Map() map[string]any {
	if !s.Exists() || s.Data == nil {
		return map[string]any{}
	}
	return s.Data
}

// ChangeType classifies a change notification.
type ChangeType int

const (
	Added ChangeType = iota
	Modified
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one entry of a notification batch.
type Change struct {
	Type ChangeType
	Doc  *Snapshot
}

// DocumentRef addresses one document.
type DocumentRef struct {
	store *Store
	path  string
}

// Path returns the full document path.
func (r *DocumentRef) Path() string { return r.path }

// ID returns the last path segment.
func (r *DocumentRef) ID() string {
	_, id := storage.SplitPath(r.path)
	return id
}

// Parent returns the collection holding this document.
func (r *DocumentRef) Parent() *CollectionRef {
	coll, _ := storage.SplitPath(r.path)
	return r.store.Collection(coll)
}

// Collection returns a subcollection of this document.
func (r *DocumentRef) Collection(name string) *CollectionRef {
	return r.store.Collection(r.path + "/" + name)
}

func (r *DocumentRef) check() error {
	if !storage.ValidDocumentPath(r.path) {
		return errors.NotValidf("document path %q", r.path)
	}
	return nil
}

// Get reads the document. A missing document is not an error; check Exists.
func (r *DocumentRef) Get(ctx context.Context) (*Snapshot, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.store.load(r)
}

// Set replaces the document with data, creating it if needed.
func (r *DocumentRef) Set(ctx context.Context, data map[string]any) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.store.commit(ctx, write{kind: opSet, path: r.path, data: data})
}

// Create writes data only if the document does not exist yet.
func (r *DocumentRef) Create(ctx context.Context, data map[string]any) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.store.commit(ctx, write{kind: opCreate, path: r.path, data: data})
}

// Update overlays top-level fields on an existing document.
// A missing document yields an errors.NotFound error.
func (r *DocumentRef) Update(ctx context.Context, fields map[string]any) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.store.commit(ctx, write{kind: opUpdate, path: r.path, data: fields})
}

// Delete removes the document. Deleting a missing document does nothing.
func (r *DocumentRef) Delete(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.store.commit(ctx, write{kind: opDelete, path: r.path})
}

// Watch subscribes to changes of this document. The first batch holds
// the current state: Added if the document exists, Removed otherwise.
func (r *DocumentRef) Watch() (*Subscription, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.store.watch(docTopic(r.path), func() ([]Change, error) {
		snap, err := r.store.load(r)
		if err != nil {
			return nil, err
		}
		if !snap.Exists() {
			return []Change{{Type: Removed, Doc: snap}}, nil
		}
		return []Change{{Type: Added, Doc: snap}}, nil
	})
}

// CollectionRef addresses one collection.
type CollectionRef struct {
	store *Store
	path  string
}

// Path returns the full collection path.
func (c *CollectionRef) Path() string { return c.path }

// ID returns the last path segment.
func (c *CollectionRef) ID() string {
	_, id := storage.SplitPath(c.path)
	return id
}

// Doc returns a reference to a document in this collection.
func (c *CollectionRef) Doc(id string) *DocumentRef {
	return c.store.Doc(c.path + "/" + id)
}

func (c *CollectionRef) check() error {
	if !storage.ValidCollectionPath(c.path) {
		return errors.NotValidf("collection path %q", c.path)
	}
	return nil
}

// List reads every document of the collection, ordered by id.
func (c *CollectionRef) List(ctx context.Context) ([]*Snapshot, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.list(c.path)
}

// Add creates a document with a generated id.
func (c *CollectionRef) Add(ctx context.Context, data map[string]any) (*DocumentRef, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	ref := c.Doc(uuid.NewString())
	if err := ref.Create(ctx, data); err != nil {
		return nil, err
	}
	return ref, nil
}

// Watch subscribes to changes of this collection. The first batch lists
// every current document as Added and may be empty.
func (c *CollectionRef) Watch() (*Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.store.watch(collectionTopic(c.path), func() ([]Change, error) {
		docs, err := c.store.list(c.path)
		if err != nil {
			return nil, err
		}
		changes := make([]Change, 0, len(docs))
		for _, d := range docs {
			changes = append(changes, Change{Type: Added, Doc: d})
		}
		return changes, nil
	})
}

func (s *Store) list(path string) ([]*Snapshot, error) {
	recs, err := s.backend.LoadChildren(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	snaps := make([]*Snapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := s.snapshot(rec)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
