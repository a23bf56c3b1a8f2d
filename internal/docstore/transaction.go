package docstore

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// ErrConflict is returned when a document read by a transaction changed
// before the transaction committed.
const ErrConflict = errors.ConstError("transaction conflict")

// TxFunc is the body of a transaction. It may run more than once.
type TxFunc func(ctx context.Context, tx *Transaction) error

// Transaction stages writes and records the versions of documents it read.
// Writes become visible only when the transaction commits.
type Transaction struct {
	store  *Store
	reads  map[string]int64
	writes []write
	staged map[string]*Snapshot // view of documents after staged writes
}

func newTransaction(s *Store) *Transaction {
	return &Transaction{
		store:  s,
		reads:  make(map[string]int64),
		staged: make(map[string]*Snapshot),
	}
}

// current returns the document as this transaction sees it, recording the
// read version the first time the backend is consulted.
func (tx *Transaction) current(ref *DocumentRef) (*Snapshot, error) {
	if snap, ok := tx.staged[ref.path]; ok {
		return snap, nil
	}
	snap, err := tx.store.load(ref)
	if err != nil {
		return nil, err
	}
	if _, seen := tx.reads[ref.path]; !seen {
		tx.reads[ref.path] = snap.Version
	}
	return snap, nil
}

// Get reads a document inside the transaction.
func (tx *Transaction) Get(ctx context.Context, ref *DocumentRef) (*Snapshot, error) {
	if err := ref.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tx.current(ref)
}

// Set stages a full replacement of the document.
func (tx *Transaction) Set(ref *DocumentRef, data map[string]any) error {
	if err := ref.check(); err != nil {
		return err
	}
	tx.stage(write{kind: opSet, path: ref.path, data: data}, &Snapshot{Ref: ref, Data: data, exists: true})
	return nil
}

// Create stages the creation of a document that must not exist.
func (tx *Transaction) Create(ref *DocumentRef, data map[string]any) error {
	if err := ref.check(); err != nil {
		return err
	}
	snap, err := tx.current(ref)
	if err != nil {
		return err
	}
	if snap.Exists() {
		return errors.AlreadyExistsf("document %q", ref.path)
	}
	tx.stage(write{kind: opCreate, path: ref.path, data: data}, &Snapshot{Ref: ref, Data: data, exists: true})
	return nil
}

// Update stages a field update. The document's existence is checked now,
// so a missing document yields errors.NotFound at staging time.
func (tx *Transaction) Update(ref *DocumentRef, fields map[string]any) error {
	if err := ref.check(); err != nil {
		return err
	}
	snap, err := tx.current(ref)
	if err != nil {
		return err
	}
	if !snap.Exists() {
		return errors.NotFoundf("document %q", ref.path)
	}
	tx.stage(write{kind: opUpdate, path: ref.path, data: fields},
		&Snapshot{Ref: ref, Data: merge(snap.Data, fields), Version: snap.Version, exists: true})
	return nil
}

// Delete stages the removal of a document.
func (tx *Transaction) Delete(ref *DocumentRef) error {
	if err := ref.check(); err != nil {
		return err
	}
	tx.stage(write{kind: opDelete, path: ref.path}, &Snapshot{Ref: ref})
	return nil
}

func (tx *Transaction) stage(w write, after *Snapshot) {
	tx.writes = append(tx.writes, w)
	tx.staged[w.path] = after
}

// Pending returns the number of staged writes.
func (tx *Transaction) Pending() int {
	return len(tx.writes)
}

func (tx *Transaction) commit(ctx context.Context) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, version := range tx.reads {
		snap, err := s.load(s.Doc(path))
		if err != nil {
			return err
		}
		if snap.Version != version {
			return errors.Annotatef(ErrConflict, "%q moved from version %d to %d", path, version, snap.Version)
		}
	}
	if len(tx.writes) == 0 {
		return nil
	}
	return s.apply(ctx, tx.writes)
}

// RunTransaction runs fn in a fresh transaction and commits its writes,
// retrying on conflict per the store's retry policy. Any other error from
// fn aborts without writing.
func (s *Store) RunTransaction(ctx context.Context, fn TxFunc) error {
	attempt := 0
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempt++
			tx := newTransaction(s)
			if lastErr = fn(ctx, tx); lastErr != nil {
				return lastErr
			}
			lastErr = tx.commit(ctx)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrConflict)
		},
		NotifyFunc: func(err error, i int) {
			s.logger.Debug("retrying transaction", zap.Int("attempt", i), zap.Error(err))
		},
		Attempts: s.attempts,
		Delay:    s.delay,
		Clock:    s.clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) {
		return errors.Annotatef(lastErr, "transaction failed after %d attempts", attempt)
	}
	if err != nil && ctx.Err() != nil {
		return errors.Trace(ctx.Err())
	}
	return err
}
