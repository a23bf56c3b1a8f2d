// Package commit writes entity changes back to their documents as diffs.
package commit

import (
	"context"
	"encoding/json"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
	"github.com/mohae/deepcopy"

	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/model"
)

// Manager tracks one entity against the document data it was loaded from.
// Commit sends only fields that differ from that original.
type Manager[T any] struct {
	entity   *T
	original map[string]any
	target   *docstore.DocumentRef
}

// New captures a deep copy of original. A nil original means nothing is
// known to be stored, so the first commit sends every field.
func New[T any](entity *T, original map[string]any, target *docstore.DocumentRef) *Manager[T] {
	snapshot := map[string]any{}
	if original != nil {
		snapshot = deepcopy.Copy(original).(map[string]any)
	}
	return &Manager[T]{entity: entity, original: snapshot, target: target}
}

// Load decodes snap into entity (which holds defaults) and manages it.
func Load[T any](entity *T, snap *docstore.Snapshot) (*Manager[T], error) {
	if err := model.Decode(snap.Map(), entity); err != nil {
		return nil, errors.Annotatef(err, "loading %q", snap.Ref.Path())
	}
	return New(entity, snap.Map(), snap.Ref), nil
}

// Entity returns the managed entity.
func (m *Manager[T]) Entity() *T {
	return m.entity
}

// Target returns the document the entity is written to.
func (m *Manager[T]) Target() *docstore.DocumentRef {
	return m.target
}

// Encode renders the entity as document data.
func (m *Manager[T]) Encode() (map[string]any, error) {
	raw, err := json.Marshal(m.entity)
	if err != nil {
		return nil, errors.Annotate(err, "encoding entity")
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Annotate(err, "encoding entity")
	}
	return data, nil
}

// Diff returns the fields that are new or changed since the original.
func (m *Manager[T]) Diff() (map[string]any, error) {
	current, err := m.Encode()
	if err != nil {
		return nil, err
	}
	diffs := map[string]any{}
	for k, v := range current {
		if old, ok := m.original[k]; !ok || !cmp.Equal(old, v) {
			diffs[k] = v
		}
	}
	return diffs, nil
}

// Commit writes the diff. With a transaction the update is staged and runs
// when the transaction commits; without one it is written now. An empty
// diff writes nothing. A missing target falls back to Create.
func (m *Manager[T]) Commit(ctx context.Context, tx *docstore.Transaction) error {
	diffs, err := m.Diff()
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		return nil
	}
	if tx != nil {
		err = tx.Update(m.target, diffs)
	} else {
		err = m.target.Update(ctx, diffs)
	}
	if errors.Is(err, errors.NotFound) {
		return m.Create(ctx, tx)
	}
	if err != nil {
		return errors.Annotatef(err, "committing %q", m.target.Path())
	}
	m.rebase(diffs)
	return nil
}

// Create writes the whole entity, replacing anything at the target.
func (m *Manager[T]) Create(ctx context.Context, tx *docstore.Transaction) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if tx != nil {
		err = tx.Set(m.target, data)
	} else {
		err = m.target.Set(ctx, data)
	}
	if err != nil {
		return errors.Annotatef(err, "creating %q", m.target.Path())
	}
	m.original = map[string]any{}
	m.rebase(data)
	return nil
}

// rebase folds written fields into the original so the next diff is
// relative to what was sent.
func (m *Manager[T]) rebase(written map[string]any) {
	for k, v := range written {
		m.original[k] = deepcopy.Copy(v)
	}
}
