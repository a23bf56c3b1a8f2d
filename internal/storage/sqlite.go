package storage

import (
	"database/sql"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage is a SQLite storage backend.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage backend.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "initializing sqlite schema")
	}
	return s, nil
}

func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			path TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			data TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`)
	return err
}

const sqliteUpsert = `
	INSERT OR REPLACE INTO documents (path, collection, data, version)
	VALUES (?, ?, ?, ?)
`

// Store persists a record to SQLite.
func (s *SQLiteStorage) Store(r *Record) error {
	_, err := s.db.Exec(sqliteUpsert, r.Path, r.Collection, string(r.Data), r.Version)
	return errors.Trace(err)
}

// Load retrieves a record from SQLite.
func (s *SQLiteStorage) Load(path string) (*Record, error) {
	r := &Record{Path: path}
	var data string
	err := s.db.QueryRow(`
		SELECT collection, data, version FROM documents WHERE path = ?
	`, path).Scan(&r.Collection, &data, &r.Version)
	if err == sql.ErrNoRows {
		return nil, notFound(path)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.Data = []byte(data)
	return r, nil
}

// Delete removes a record from SQLite.
func (s *SQLiteStorage) Delete(path string) error {
	_, err := s.db.Exec("DELETE FROM documents WHERE path = ?", path)
	return errors.Trace(err)
}

// LoadChildren gets all records of a collection, ordered by path.
func (s *SQLiteStorage) LoadChildren(collection string) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT path, data, version FROM documents WHERE collection = ? ORDER BY path
	`, collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var children []*Record
	for rows.Next() {
		r := &Record{Collection: collection}
		var data string
		if err := rows.Scan(&r.Path, &data, &r.Version); err != nil {
			return nil, errors.Trace(err)
		}
		r.Data = []byte(data)
		children = append(children, r)
	}
	return children, rows.Err()
}

// Exists checks if a record exists.
func (s *SQLiteStorage) Exists(path string) bool {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM documents WHERE path = ?", path).Scan(&count)
	return err == nil && count > 0
}

// Clear removes all data.
func (s *SQLiteStorage) Clear() error {
	_, err := s.db.Exec("DELETE FROM documents")
	return errors.Trace(err)
}

// BeginTransaction starts an atomic operation.
func (s *SQLiteStorage) BeginTransaction() (Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &sqlTransaction{tx: tx, upsert: sqliteUpsert, del: "DELETE FROM documents WHERE path = ?"}, nil
}

// Close closes the storage backend.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// sqlTransaction implements Transaction for database/sql backends.
type sqlTransaction struct {
	tx     *sql.Tx
	upsert string
	del    string
}

func (t *sqlTransaction) Store(r *Record) error {
	_, err := t.tx.Exec(t.upsert, r.Path, r.Collection, string(r.Data), r.Version)
	return errors.Trace(err)
}

func (t *sqlTransaction) Delete(path string) error {
	_, err := t.tx.Exec(t.del, path)
	return errors.Trace(err)
}

func (t *sqlTransaction) Commit() error {
	return errors.Trace(t.tx.Commit())
}

func (t *sqlTransaction) Rollback() error {
	return errors.Trace(t.tx.Rollback())
}
