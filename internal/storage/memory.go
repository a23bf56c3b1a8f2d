package storage

import (
	"sort"
	"sync"

	"github.com/juju/errors"
)

// MemoryStorage is an in-memory storage backend.
type MemoryStorage struct {
	records    map[string]*Record
	childIndex map[string]map[string]struct{} // collection -> document paths
	mu         sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records:    make(map[string]*Record),
		childIndex: make(map[string]map[string]struct{}),
	}
}

// Store persists a record to memory.
func (m *MemoryStorage) Store(r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(r)
	return nil
}

func (m *MemoryStorage) storeLocked(r *Record) {
	m.records[r.Path] = copyRecord(r)
	children, ok := m.childIndex[r.Collection]
	if !ok {
		children = make(map[string]struct{})
		m.childIndex[r.Collection] = children
	}
	children[r.Path] = struct{}{}
}

// Load retrieves a record from memory.
func (m *MemoryStorage) Load(path string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[path]
	if !ok {
		return nil, notFound(path)
	}
	return copyRecord(r), nil
}

// Delete removes a record from memory.
func (m *MemoryStorage) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(path)
	return nil
}

func (m *MemoryStorage) deleteLocked(path string) {
	r, ok := m.records[path]
	if !ok {
		return
	}
	delete(m.records, path)
	if children := m.childIndex[r.Collection]; children != nil {
		delete(children, path)
		if len(children) == 0 {
			delete(m.childIndex, r.Collection)
		}
	}
}

// LoadChildren gets all records of a collection, ordered by path.
func (m *MemoryStorage) LoadChildren(collection string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	children := m.childIndex[collection]
	paths := make([]string, 0, len(children))
	for p := range children {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	result := make([]*Record, 0, len(paths))
	for _, p := range paths {
		result = append(result, copyRecord(m.records[p]))
	}
	return result, nil
}

// Exists checks if a record exists.
func (m *MemoryStorage) Exists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[path]
	return ok
}

// Clear removes all data.
func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]*Record)
	m.childIndex = make(map[string]map[string]struct{})
	return nil
}

// BeginTransaction starts an atomic operation.
func (m *MemoryStorage) BeginTransaction() (Transaction, error) {
	return &memoryTransaction{storage: m}, nil
}

// Close closes the storage backend.
func (m *MemoryStorage) Close() error {
	return nil
}

// Count returns the number of stored records.
func (m *MemoryStorage) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	return &cp
}

type memoryOp struct {
	record *Record // nil for deletes
	path   string
}

// memoryTransaction queues operations and applies them under one lock.
type memoryTransaction struct {
	storage *MemoryStorage
	ops     []memoryOp
	done    bool
}

func (tx *memoryTransaction) Store(r *Record) error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.ops = append(tx.ops, memoryOp{record: copyRecord(r), path: r.Path})
	return nil
}

func (tx *memoryTransaction) Delete(path string) error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.ops = append(tx.ops, memoryOp{path: path})
	return nil
}

// Commit applies all queued operations in order.
func (tx *memoryTransaction) Commit() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true

	tx.storage.mu.Lock()
	defer tx.storage.mu.Unlock()
	for _, op := range tx.ops {
		if op.record != nil {
			tx.storage.storeLocked(op.record)
		} else {
			tx.storage.deleteLocked(op.path)
		}
	}
	return nil
}

// Rollback discards all queued operations.
func (tx *memoryTransaction) Rollback() error {
	tx.done = true
	tx.ops = nil
	return nil
}
