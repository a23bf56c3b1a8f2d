// Package cache mirrors remote documents and collection id sets locally,
// kept current by the document store's change notifications.
package cache

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/mohae/deepcopy"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zot/chatops/internal/docstore"
)

// ErrClosed is returned by waits on a closed cache.
const ErrClosed = errors.ConstError("cache closed")

// Document is an eager mirror of one document. It subscribes on
// construction and replaces its snapshot wholesale on every notification.
type Document struct {
	ref    *docstore.DocumentRef
	sub    *docstore.Subscription
	logger *zap.Logger

	mu       sync.RWMutex
	snapshot map[string]any
	updates  int

	ready     chan struct{}
	readyOnce sync.Once
	tomb      tomb.Tomb
}

// NewDocument subscribes to ref and starts mirroring it.
func NewDocument(ref *docstore.DocumentRef, logger *zap.Logger) (*Document, error) {
	sub, err := ref.Watch()
	if err != nil {
		return nil, errors.Annotatef(err, "watching %q", ref.Path())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Document{
		ref:      ref,
		sub:      sub,
		logger:   logger.With(zap.String("document", ref.Path())),
		snapshot: map[string]any{},
		ready:    make(chan struct{}),
	}
	d.tomb.Go(d.loop)
	return d, nil
}

func (d *Document) loop() error {
	for {
		select {
		case <-d.tomb.Dying():
			return nil
		case batch := <-d.sub.Changes():
			d.apply(batch)
		}
	}
}

// apply takes the last change of a batch; a one-element batch is that element.
func (d *Document) apply(batch []docstore.Change) {
	if len(batch) == 0 {
		return
	}
	last := batch[len(batch)-1]
	next := map[string]any{}
	if last.Type != docstore.Removed {
		next = deepcopy.Copy(last.Doc.Map()).(map[string]any)
	}

	d.mu.Lock()
	d.snapshot = next
	d.updates++
	d.mu.Unlock()

	d.readyOnce.Do(func() { close(d.ready) })
	d.logger.Debug("document cache updated", zap.Stringer("change", last.Type), zap.Int("fields", len(next)))
}

// Get returns a copy of the latest snapshot. It never blocks on the
// network and returns an empty map before the first notification.
func (d *Document) Get() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return deepcopy.Copy(d.snapshot).(map[string]any)
}

// Updates returns how many notifications have been applied.
func (d *Document) Updates() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updates
}

// Ready is closed once the first notification has been applied.
func (d *Document) Ready() <-chan struct{} {
	return d.ready
}

// Wait blocks until the first notification, the context ends, or the cache closes.
func (d *Document) Wait(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.tomb.Dying():
		return ErrClosed
	}
}

// Ref returns the mirrored document.
func (d *Document) Ref() *docstore.DocumentRef {
	return d.ref
}

// Close cancels the subscription. No notification is applied after Close returns.
func (d *Document) Close() error {
	d.tomb.Kill(nil)
	d.sub.Close()
	return d.tomb.Wait()
}
