// Package docstore is a document/collection store with change notifications
// and optimistic transactions on top of a storage backend.
package docstore

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/storage"
)

// Store owns a backend and the notification hub for it.
// All writes pass through the store so that watchers see every change.
type Store struct {
	backend storage.Backend
	hub     *pubsub.SimpleHub
	logger  *zap.Logger
	clock   clock.Clock

	attempts int
	delay    time.Duration

	mu sync.Mutex // serializes writes, commits and watch registration

	// highest version read or written; new writes go above it so a deleted
	// and recreated document never repeats a version a transaction read
	seq atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithRetry sets the transaction retry policy.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Store) {
		// non-positive values keep the defaults; retry.Call rejects them
		if attempts > 0 {
			s.attempts = attempts
		}
		if delay > 0 {
			s.delay = delay
		}
	}
}

// WithClock sets the clock used between transaction attempts.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store over backend.
func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		hub:      pubsub.NewSimpleHub(nil),
		logger:   zap.NewNop(),
		clock:    clock.WallClock,
		attempts: 5,
		delay:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Doc returns a reference to the document at path.
func (s *Store) Doc(path string) *DocumentRef {
	return &DocumentRef{store: s, path: path}
}

// Collection returns a reference to the collection at path.
func (s *Store) Collection(path string) *CollectionRef {
	return &CollectionRef{store: s, path: path}
}

func docTopic(path string) string        { return "doc:" + path }
func collectionTopic(path string) string { return "col:" + path }

// load reads a document; a missing document yields a snapshot that does not exist.
func (s *Store) load(ref *DocumentRef) (*Snapshot, error) {
	rec, err := s.backend.Load(ref.path)
	if errors.Is(err, errors.NotFound) {
		return &Snapshot{Ref: ref}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s.snapshot(rec)
}

func (s *Store) snapshot(rec *storage.Record) (*Snapshot, error) {
	var data map[string]any
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		return nil, errors.Annotatef(err, "decoding %q", rec.Path)
	}
	s.observe(rec.Version)
	return &Snapshot{
		Ref:     s.Doc(rec.Path),
		Data:    data,
		Version: rec.Version,
		exists:  true,
	}, nil
}

type opKind int

const (
	opSet opKind = iota
	opCreate
	opUpdate
	opDelete
)

// write is one staged mutation.
type write struct {
	kind opKind
	path string
	data map[string]any
}

// apply runs writes atomically and publishes the resulting changes.
// Caller must hold s.mu.
func (s *Store) apply(ctx context.Context, writes []write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.backend.BeginTransaction()
	if err != nil {
		return errors.Trace(err)
	}

	current := make(map[string]*Snapshot)
	get := func(path string) (*Snapshot, error) {
		if snap, ok := current[path]; ok {
			return snap, nil
		}
		snap, err := s.load(s.Doc(path))
		if err != nil {
			return nil, err
		}
		current[path] = snap
		return snap, nil
	}

	var changes []Change
	for _, w := range writes {
		prev, err := get(w.path)
		if err != nil {
			tx.Rollback()
			return err
		}
		var next map[string]any
		switch w.kind {
		case opCreate:
			if prev.Exists() {
				tx.Rollback()
				return errors.AlreadyExistsf("document %q", w.path)
			}
			next = w.data
		case opUpdate:
			if !prev.Exists() {
				tx.Rollback()
				return errors.NotFoundf("document %q", w.path)
			}
			next = merge(prev.Data, w.data)
		case opSet:
			next = w.data
		case opDelete:
			if !prev.Exists() {
				continue
			}
			if err := tx.Delete(w.path); err != nil {
				tx.Rollback()
				return err
			}
			current[w.path] = &Snapshot{Ref: s.Doc(w.path), Version: prev.Version}
			changes = append(changes, Change{Type: Removed, Doc: prev})
			continue
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			tx.Rollback()
			return errors.Annotatef(err, "encoding %q", w.path)
		}
		coll, _ := storage.SplitPath(w.path)
		rec := &storage.Record{Path: w.path, Collection: coll, Data: encoded, Version: s.nextVersion(prev.Version)}
		if err := tx.Store(rec); err != nil {
			tx.Rollback()
			return err
		}
		snap, err := s.snapshot(rec)
		if err != nil {
			tx.Rollback()
			return err
		}
		current[w.path] = snap
		kind := Modified
		if !prev.Exists() {
			kind = Added
		}
		changes = append(changes, Change{Type: kind, Doc: snap})
	}

	if err := tx.Commit(); err != nil {
		return errors.Trace(err)
	}
	s.publish(changes)
	return nil
}

// observe raises seq to v.
func (s *Store) observe(v int64) {
	for {
		cur := s.seq.Load()
		if v <= cur || s.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}

// nextVersion returns a version above prev and above every version seen.
// Caller must hold s.mu.
func (s *Store) nextVersion(prev int64) int64 {
	v := max(prev, s.seq.Load()) + 1
	s.observe(v)
	return v
}

// publish fans changes out to document and collection topics.
// Collection subscribers get one batch per commit.
func (s *Store) publish(changes []Change) {
	batches := make(map[string][]Change)
	var order []string
	for _, c := range changes {
		s.hub.Publish(docTopic(c.Doc.Ref.path), []Change{c})
		coll := c.Doc.Ref.Parent().path
		if _, ok := batches[coll]; !ok {
			order = append(order, coll)
		}
		batches[coll] = append(batches[coll], c)
	}
	for _, coll := range order {
		s.hub.Publish(collectionTopic(coll), batches[coll])
	}
	if len(changes) > 0 {
		s.logger.Debug("published changes", zap.Int("changes", len(changes)), zap.Int("collections", len(order)))
	}
}

func (s *Store) commit(ctx context.Context, writes ...write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ctx, writes)
}

// merge overlays top-level fields onto a copy of base.
func merge(base, fields map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
