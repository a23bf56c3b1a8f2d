package router

import (
	"context"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/transport"
)

// Transactor runs a function inside a retrying store transaction.
type Transactor interface {
	RunTransaction(ctx context.Context, fn docstore.TxFunc) error
}

// Context is what an endpoint needs from the running bot.
type Context struct {
	Transport transport.Transport
	Store     Transactor
	Logger    *zap.Logger
}

func (x *Context) logger() *zap.Logger {
	if x.Logger == nil {
		return zap.NewNop()
	}
	return x.Logger
}

// Func handles a routed event.
type Func func(ctx context.Context, x *Context, ev *transport.Event, groups []string) error

// TxFunc handles a routed event inside a transaction. It may run more than
// once when the transaction conflicts.
type TxFunc func(ctx context.Context, x *Context, ev *transport.Event, groups []string, tx *docstore.Transaction) error

// Endpoint wraps a handler with acknowledgement and failure reactions.
type Endpoint struct {
	name        string
	fn          Func
	txFn        TxFunc
	acknowledge bool
}

// EndpointOption configures an endpoint.
type EndpointOption func(*Endpoint)

// WithoutAcknowledge suppresses the working reaction. Catch-all filters use
// it so every chat message is not decorated.
func WithoutAcknowledge() EndpointOption {
	return func(e *Endpoint) { e.acknowledge = false }
}

// NewEndpoint builds an endpoint around fn.
func NewEndpoint(name string, fn Func, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{name: name, fn: fn, acknowledge: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewTxEndpoint builds an endpoint whose handler runs in a transaction.
func NewTxEndpoint(name string, fn TxFunc, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{name: name, txFn: fn, acknowledge: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the endpoint name used in logs and errors.
func (e *Endpoint) Name() string { return e.name }

// Transactional reports whether the handler needs a transaction.
func (e *Endpoint) Transactional() bool { return e.txFn != nil }

// Acknowledges reports whether the working reaction is shown.
func (e *Endpoint) Acknowledges() bool { return e.acknowledge }

// Invoke runs the handler. A failed handler leaves the failure reaction on
// the event and its error is returned for the caller to report.
func (e *Endpoint) Invoke(ctx context.Context, x *Context, ev *transport.Event, groups []string) error {
	log := x.logger().With(zap.String("endpoint", e.name), zap.String("message", ev.ID))
	shown := false
	if e.acknowledge {
		if err := x.Transport.AddReaction(ctx, ev.ChannelID, ev.ID, transport.ReactionWorking); err != nil {
			log.Warn("acknowledge failed", zap.Error(err))
		} else {
			shown = true
		}
	}

	err := e.run(ctx, x, ev, groups)

	if shown {
		if rerr := x.Transport.RemoveReaction(ctx, ev.ChannelID, ev.ID, transport.ReactionWorking); rerr != nil {
			log.Warn("removing acknowledgement failed", zap.Error(rerr))
		}
	}
	if err != nil {
		if rerr := x.Transport.AddReaction(ctx, ev.ChannelID, ev.ID, transport.ReactionFailed); rerr != nil {
			log.Warn("failure reaction failed", zap.Error(rerr))
		}
		return errors.Annotatef(err, "endpoint %s", e.name)
	}
	return nil
}

func (e *Endpoint) run(ctx context.Context, x *Context, ev *transport.Event, groups []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	if e.txFn == nil {
		return e.fn(ctx, x, ev, groups)
	}
	if x.Store == nil {
		return errors.NotSupportedf("transactional endpoint %s without a store", e.name)
	}
	return x.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Transaction) error {
		return e.txFn(ctx, x, ev, groups, tx)
	})
}
