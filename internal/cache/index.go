package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zot/chatops/internal/docstore"
)

// Index lazily mirrors the id set of one collection. Document contents are
// never mirrored. Nothing is subscribed until the first IDs call.
type Index struct {
	ref    *docstore.CollectionRef
	logger *zap.Logger

	startMu sync.Mutex
	started bool
	closed  bool
	sub     *docstore.Subscription

	mu  sync.RWMutex
	ids map[string]struct{}

	loaded     chan struct{}
	loadedOnce sync.Once
	tomb       tomb.Tomb
}

// NewIndex creates an unloaded index cache for ref.
func NewIndex(ref *docstore.CollectionRef, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		ref:    ref,
		logger: logger.With(zap.String("collection", ref.Path())),
		ids:    make(map[string]struct{}),
		loaded: make(chan struct{}),
	}
}

// Loaded reports whether the first batch has been applied.
func (i *Index) Loaded() bool {
	select {
	case <-i.loaded:
		return true
	default:
		return false
	}
}

// IDs returns the collection's ids in sorted order. The first call starts
// the subscription and waits for the initial batch.
func (i *Index) IDs(ctx context.Context) ([]string, error) {
	if i.Loaded() {
		return i.list(), nil
	}
	if err := i.start(); err != nil {
		return nil, err
	}
	select {
	case <-i.loaded:
		return i.list(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-i.tomb.Dying():
		return nil, ErrClosed
	}
}

func (i *Index) start() error {
	i.startMu.Lock()
	defer i.startMu.Unlock()
	if i.closed {
		return ErrClosed
	}
	if i.started {
		return nil
	}
	sub, err := i.ref.Watch()
	if err != nil {
		return errors.Annotatef(err, "watching %q", i.ref.Path())
	}
	i.sub = sub
	i.started = true
	i.tomb.Go(i.loop)
	i.logger.Debug("index cache subscribed")
	return nil
}

func (i *Index) loop() error {
	for {
		select {
		case <-i.tomb.Dying():
			return nil
		case batch := <-i.sub.Changes():
			i.apply(batch)
		}
	}
}

// apply inserts added ids and drops removed ones. Modified is ignored.
func (i *Index) apply(batch []docstore.Change) {
	i.mu.Lock()
	for _, c := range batch {
		switch c.Type {
		case docstore.Added:
			i.ids[c.Doc.ID()] = struct{}{}
		case docstore.Removed:
			delete(i.ids, c.Doc.ID())
		}
	}
	size := len(i.ids)
	i.mu.Unlock()

	i.loadedOnce.Do(func() { close(i.loaded) })
	i.logger.Debug("index cache updated", zap.Int("changes", len(batch)), zap.Int("ids", size))
}

func (i *Index) list() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ids := make([]string, 0, len(i.ids))
	for id := range i.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Contains reports whether id is in the loaded set.
func (i *Index) Contains(id string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.ids[id]
	return ok
}

// Close cancels the subscription if one was started.
func (i *Index) Close() error {
	i.startMu.Lock()
	i.closed = true
	started := i.started
	i.startMu.Unlock()

	i.tomb.Kill(nil)
	if !started {
		return nil
	}
	i.sub.Close()
	return i.tomb.Wait()
}
