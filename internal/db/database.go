// Package db is the bot's view of the document store: users, counters,
// quizzes and the censor list, with the caches that keep reads local.
package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/cache"
	"github.com/zot/chatops/internal/commit"
	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/model"
)

// Well-known locations in the store.
const (
	UsersCollection     = "users"
	CountersCollection  = "counters"
	MessagingCollection = "messaging"
	CensorDoc           = "config/censor"
	QuizIndexDoc        = "quizzes/index"
)

// Database wraps the store with the bot's entities.
type Database struct {
	store  *docstore.Store
	logger *zap.Logger

	censor    *cache.Document
	quizIndex *cache.Document

	mu      sync.Mutex
	quizzes map[string]*cache.Index // collection id -> ids

	messaging *Messaging
	callbacks chan Callback
}

// Open runs first-time setup and starts the caches and the messaging
// service.
func Open(ctx context.Context, store *docstore.Store, logger *zap.Logger) (*Database, error) {
	d := &Database{
		store:     store,
		logger:    logger.Named("db"),
		quizzes:   make(map[string]*cache.Index),
		callbacks: make(chan Callback, callbackBuffer),
	}
	if err := d.Setup(ctx); err != nil {
		return nil, err
	}
	var err error
	if d.censor, err = cache.NewDocument(store.Doc(CensorDoc), d.logger); err != nil {
		return nil, errors.Trace(err)
	}
	if d.quizIndex, err = cache.NewDocument(store.Doc(QuizIndexDoc), d.logger); err != nil {
		d.censor.Close()
		return nil, errors.Trace(err)
	}
	if d.messaging, err = NewMessaging(store.Collection(MessagingCollection), d.callbacks, d.logger); err != nil {
		d.censor.Close()
		d.quizIndex.Close()
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Setup creates the documents the bot expects, leaving existing ones alone.
func (d *Database) Setup(ctx context.Context) error {
	defaults := []struct {
		path string
		data map[string]any
	}{
		{CensorDoc, map[string]any{"data": []any{}}},
		{QuizIndexDoc, map[string]any{"subjects": []any{}}},
	}
	for _, def := range defaults {
		err := d.store.Doc(def.path).Create(ctx, def.data)
		if err == nil {
			d.logger.Info("created default document", zap.String("path", def.path))
			continue
		}
		if !errors.Is(err, errors.AlreadyExists) {
			return errors.Annotatef(err, "setting up %s", def.path)
		}
	}
	return nil
}

// Store returns the underlying document store.
func (d *Database) Store() *docstore.Store {
	return d.store
}

// Callbacks delivers work queued by store listeners for the bot loop.
func (d *Database) Callbacks() <-chan Callback {
	return d.callbacks
}

// RunTransaction runs fn in a store transaction.
func (d *Database) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	return d.store.RunTransaction(ctx, fn)
}

// WaitReady blocks until the document caches hold their first snapshot.
func (d *Database) WaitReady(ctx context.Context) error {
	if err := d.censor.Wait(ctx); err != nil {
		return err
	}
	return d.quizIndex.Wait(ctx)
}

// CensorList returns the disallowed substrings.
func (d *Database) CensorList() []string {
	return toStrings(d.censor.Get()["data"])
}

// GetUser loads a user, creating the document on first access.
func (d *Database) GetUser(ctx context.Context, id string, tx *docstore.Transaction) (*commit.Manager[model.User], error) {
	ref := d.store.Collection(UsersCollection).Doc(id)
	snap, err := get(ctx, ref, tx)
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		m := commit.New(model.NewUser(id), nil, ref)
		if err := m.Create(ctx, tx); err != nil {
			return nil, err
		}
		return m, nil
	}
	return commit.Load(model.NewUser(id), snap)
}

// GetCounter loads a counter. A missing counter starts at zero and is
// created by its first commit.
func (d *Database) GetCounter(ctx context.Context, name string, tx *docstore.Transaction) (*commit.Manager[model.Counter], error) {
	ref := d.store.Collection(CountersCollection).Doc(name)
	snap, err := get(ctx, ref, tx)
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return commit.New(model.NewCounter(name), nil, ref), nil
	}
	return commit.Load(model.NewCounter(name), snap)
}

// QuizSubjects lists the subjects advertised by the quiz index.
func (d *Database) QuizSubjects() []string {
	return toStrings(d.quizIndex.Get()["subjects"])
}

// QuizCollections returns the subject to collection mapping of the index.
func (d *Database) QuizCollections() map[string]string {
	out := map[string]string{}
	for k, v := range d.quizIndex.Get() {
		if name, ok := v.(string); ok && k != "subjects" {
			out[k] = name
		}
	}
	return out
}

// quizCollection maps a subject to its question collection. Several
// subjects may share one collection.
func (d *Database) quizCollection(subject string) (*docstore.CollectionRef, bool) {
	name, ok := d.quizIndex.Get()[subject].(string)
	if !ok || name == "" || subject == "subjects" {
		return nil, false
	}
	return d.store.Doc(QuizIndexDoc).Collection(name), true
}

// QuizList returns the question ids of a subject, or nil for an unknown
// subject.
func (d *Database) QuizList(ctx context.Context, subject string) ([]string, error) {
	coll, ok := d.quizCollection(subject)
	if !ok {
		return nil, nil
	}
	d.mu.Lock()
	idx, ok := d.quizzes[coll.ID()]
	if !ok {
		idx = cache.NewIndex(coll, d.logger)
		d.quizzes[coll.ID()] = idx
	}
	d.mu.Unlock()
	return idx.IDs(ctx)
}

// GetQuiz loads one question of a subject.
func (d *Database) GetQuiz(ctx context.Context, subject, id string) (*model.Quiz, error) {
	coll, ok := d.quizCollection(subject)
	if !ok {
		return nil, errors.NotFoundf("quiz subject %q", subject)
	}
	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, errors.NotFoundf("quiz %s/%s", subject, id)
	}
	return model.DecodeQuiz(id, snap.Map())
}

// Close stops the caches and the messaging service.
func (d *Database) Close() error {
	d.mu.Lock()
	indexes := d.quizzes
	d.quizzes = map[string]*cache.Index{}
	d.mu.Unlock()
	var errs []error
	for _, idx := range indexes {
		errs = append(errs, idx.Close())
	}
	errs = append(errs, d.messaging.Close(), d.censor.Close(), d.quizIndex.Close())
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func get(ctx context.Context, ref *docstore.DocumentRef, tx *docstore.Transaction) (*docstore.Snapshot, error) {
	if tx != nil {
		return tx.Get(ctx, ref)
	}
	return ref.Get(ctx)
}

// toStrings converts a decoded JSON array to strings.
func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	default:
		return nil
	}
}
