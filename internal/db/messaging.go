package db

import (
	"context"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/model"
)

const callbackBuffer = 64

// Callback kinds.
const (
	CallbackMessage = "message"
)

// Callback is work a store listener hands to the bot loop.
type Callback struct {
	Event string
	Data  map[string]string
}

// Messaging watches a collection for queued messages. Every added document
// becomes a "message" callback and is then deleted.
type Messaging struct {
	coll   *docstore.CollectionRef
	sub    *docstore.Subscription
	out    chan<- Callback
	logger *zap.Logger
	tomb   tomb.Tomb
}

// NewMessaging subscribes to coll. Documents already queued are delivered
// first.
func NewMessaging(coll *docstore.CollectionRef, out chan<- Callback, logger *zap.Logger) (*Messaging, error) {
	sub, err := coll.Watch()
	if err != nil {
		return nil, err
	}
	m := &Messaging{coll: coll, sub: sub, out: out, logger: logger.Named("messaging")}
	m.tomb.Go(m.loop)
	return m, nil
}

func (m *Messaging) loop() error {
	for {
		select {
		case <-m.tomb.Dying():
			return nil
		case batch := <-m.sub.Changes():
			for _, change := range batch {
				if change.Type != docstore.Added {
					continue
				}
				if !m.handle(change.Doc) {
					return nil
				}
			}
		}
	}
}

// handle queues one message and deletes its document. It returns false
// when the service is shutting down.
func (m *Messaging) handle(snap *docstore.Snapshot) bool {
	msg, err := model.DecodeMessage(snap.ID(), snap.Map())
	if err != nil {
		m.logger.Warn("dropping malformed message", zap.String("path", snap.Ref.Path()), zap.Error(err))
	} else {
		cb := Callback{Event: CallbackMessage, Data: map[string]string{
			"target":  msg.Target,
			"content": msg.Content,
		}}
		select {
		case m.out <- cb:
		case <-m.tomb.Dying():
			return false
		}
	}
	ctx := m.tomb.Context(context.Background())
	if err := snap.Ref.Delete(ctx); err != nil {
		m.logger.Warn("deleting delivered message", zap.String("path", snap.Ref.Path()), zap.Error(err))
	}
	return true
}

// Close stops the service.
func (m *Messaging) Close() error {
	m.tomb.Kill(nil)
	m.sub.Close()
	return m.tomb.Wait()
}
