// Package bot routes chat events to command handlers and runs the event loop.
package bot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/blob"
	"github.com/zot/chatops/internal/config"
	"github.com/zot/chatops/internal/db"
	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/services"
	"github.com/zot/chatops/internal/transport"
)

// IndexCommand lists every command. Routing continues after it, so the
// catch-all filter still sees the message.
const IndexCommand = ".index"

// Options are the bot's collaborators. Config, Transport and DB are required.
type Options struct {
	Config    *config.Config
	Logger    *zap.Logger
	Transport transport.Transport
	DB        *db.Database
	Services  services.Services
	Bucket    blob.Bucket
	Clock     clock.Clock
	Rand      *rand.Rand
}

// Bot dispatches events through its routing table.
type Bot struct {
	config    *config.Config
	logger    *zap.Logger
	transport transport.Transport
	db        *db.Database
	services  services.Services
	bucket    blob.Bucket
	clock     clock.Clock

	randMu sync.Mutex
	rand   *rand.Rand

	x       *router.Context
	builtin []*router.Pattern
	filter  *router.Pattern
	routes  atomic.Pointer[router.RoutingList]
}

// New creates a bot with the default routing table.
func New(opts Options) *Bot {
	b := &Bot{
		config:    opts.Config,
		logger:    opts.Logger,
		transport: opts.Transport,
		db:        opts.DB,
		services:  opts.Services,
		bucket:    opts.Bucket,
		clock:     opts.Clock,
		rand:      opts.Rand,
	}
	if b.logger == nil {
		b.logger = opts.Config.Logger()
	}
	b.logger = b.logger.Named("bot")
	if b.services == nil {
		b.services = services.Disabled{}
	}
	if b.bucket == nil {
		b.bucket = blob.None{}
	}
	if b.clock == nil {
		b.clock = clock.WallClock
	}
	if b.rand == nil {
		b.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	b.x = &router.Context{Transport: b.transport, Store: b.db, Logger: b.logger}
	b.builtin, b.filter = b.defaultPatterns()
	b.SetCommands(nil)
	return b
}

// Routes returns the current routing table.
func (b *Bot) Routes() *router.RoutingList {
	return b.routes.Load()
}

// SetCommands installs scripted commands between the built-in commands and
// the catch-all filter. It replaces any previously installed set.
func (b *Bot) SetCommands(scripted []*router.Pattern) {
	patterns := make([]*router.Pattern, 0, len(b.builtin)+len(scripted)+1)
	patterns = append(patterns, b.builtin...)
	patterns = append(patterns, scripted...)
	patterns = append(patterns, b.filter)
	b.routes.Store(router.NewRoutingList(patterns...))
}

// Context returns the context endpoints are invoked with.
func (b *Bot) Context() *router.Context {
	return b.x
}

// Index renders the command listing sent for IndexCommand.
func (b *Bot) Index() string {
	var sb strings.Builder
	for p := range b.Routes().LeafPatterns() {
		fmt.Fprintf(&sb, "%s\n```re\n%s```", p.Description(), p.Match())
	}
	return sb.String()
}

// HandleEvent routes one event and runs its handler. A handler failure is
// reported to the channel with the fallback message and returned.
func (b *Bot) HandleEvent(ctx context.Context, ev *transport.Event) (err error) {
	if self := b.config.Transport.SelfID; self != "" && ev.Author.ID == self {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic handling %s: %v", ev.ID, r)
			b.logger.Error("handler panic", zap.String("message", ev.ID), zap.Any("panic", r))
		}
	}()

	if ev.Text == IndexCommand {
		if _, err := b.transport.Send(ctx, ev.ChannelID, transport.Text(b.Index())); err != nil {
			b.logger.Warn("sending index", zap.Error(err))
		}
	}

	trace, ep, groups := b.Routes().Forward(ev.Text)
	if ep == nil {
		return nil
	}
	matches := make([]string, len(trace))
	for i, p := range trace {
		matches[i] = p.Match()
	}
	b.logger.Info("routing event",
		zap.String("message", ev.ID),
		zap.String("channel", ev.ChannelID),
		zap.String("author", ev.Author.Name),
		zap.String("authorId", ev.Author.ID),
		zap.Strings("trace", matches),
		zap.String("endpoint", ep.Name()),
	)
	b.config.Log(2, "content: %q", ev.Text)

	if err := ep.Invoke(ctx, b.x, ev, groups); err != nil {
		b.logger.Error("handler failed",
			zap.String("endpoint", ep.Name()),
			zap.String("message", ev.ID),
			zap.Strings("trace", matches),
			zap.Error(err),
		)
		if _, serr := b.transport.Send(ctx, ev.ChannelID, transport.Text(b.config.Bot.FallbackMessage)); serr != nil {
			b.logger.Warn("sending fallback reply", zap.Error(serr))
		}
		return err
	}
	return nil
}

// Run handles events until ctx is done or events is closed. Store callbacks
// are drained on a fixed tick. Run waits for in-flight handlers before
// returning.
func (b *Bot) Run(ctx context.Context, events <-chan *transport.Event) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	tick := b.config.Bot.CallbackTick.Duration()
	next := b.clock.After(tick)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			wg.Go(func() {
				b.HandleEvent(ctx, ev)
			})
		case <-next:
			b.DrainCallbacks(ctx)
			next = b.clock.After(tick)
		}
	}
}

// DrainCallbacks handles every callback queued so far without waiting for
// more.
func (b *Bot) DrainCallbacks(ctx context.Context) int {
	n := 0
	for {
		select {
		case cb := <-b.db.Callbacks():
			b.handleCallback(ctx, cb)
			n++
		default:
			return n
		}
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb db.Callback) {
	b.logger.Info("db callback", zap.String("event", cb.Event), zap.Any("data", cb.Data))
	switch cb.Event {
	case db.CallbackMessage:
		target, content := cb.Data["target"], cb.Data["content"]
		if target == "" {
			b.logger.Warn("message callback without target")
			return
		}
		if _, err := b.transport.Send(ctx, target, transport.Text(content)); err != nil {
			b.logger.Warn("delivering queued message", zap.String("target", target), zap.Error(err))
		}
	default:
		b.logger.Warn("unknown callback", zap.String("event", cb.Event))
	}
}

func (b *Bot) intn(n int) int {
	b.randMu.Lock()
	defer b.randMu.Unlock()
	return b.rand.IntN(n)
}

func (b *Bot) shuffle(n int, swap func(i, j int)) {
	b.randMu.Lock()
	defer b.randMu.Unlock()
	b.rand.Shuffle(n, swap)
}

// reply sends text to the event's channel.
func reply(ctx context.Context, x *router.Context, ev *transport.Event, text string) error {
	_, err := x.Transport.Send(ctx, ev.ChannelID, transport.Text(text))
	return errors.Trace(err)
}
