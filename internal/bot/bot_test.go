package bot

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/config"
	"github.com/zot/chatops/internal/db"
	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/services"
	"github.com/zot/chatops/internal/storage"
	"github.com/zot/chatops/internal/transport"
	"github.com/zot/chatops/internal/transport/transporttest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	// the genai client pulls in opencensus, which starts a worker at init
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fakeServices struct {
	score services.Score
	label services.Label
	err   error
}

func (f *fakeServices) Sentiment(context.Context, string) (services.Score, error) {
	return f.score, f.err
}

func (f *fakeServices) Classify(context.Context, []byte, string) (services.Label, error) {
	return f.label, f.err
}

type harness struct {
	bot   *Bot
	rec   *transporttest.Recorder
	store *docstore.Store
	db    *db.Database
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Transport.SelfID = "bot"
	cfg.Quiz.Timeout = config.Duration(150 * time.Millisecond)
	cfg.Quiz.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.Bot.CallbackTick = config.Duration(5 * time.Millisecond)

	store := docstore.New(storage.NewMemoryStorage(), docstore.WithRetry(5, time.Millisecond))
	d, err := db.Open(context.Background(), store, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.WaitReady(ctx))

	rec := transporttest.New()
	b := New(Options{
		Config:    cfg,
		Logger:    zap.NewNop(),
		Transport: rec,
		DB:        d,
		Services:  &fakeServices{},
		Rand:      rand.New(rand.NewPCG(1, 2)),
	})
	return &harness{bot: b, rec: rec, store: store, db: d}
}

func msg(text string) *transport.Event {
	return &transport.Event{
		ID:        "m1",
		Text:      text,
		ChannelID: "c1",
		Author:    transport.Author{ID: "u1", Name: "alice"},
	}
}

// TestCounterIncrement walks a counter from 4 to 5.
func TestCounterIncrement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ref := h.store.Doc("counters/score")
	require.NoError(t, ref.Set(ctx, map[string]any{"name": "score", "value": 4}))

	require.NoError(t, h.bot.HandleEvent(ctx, msg(".counter score +")))
	assert.Equal(t, []string{`Counter "score" is now at 5.`}, h.rec.Texts())

	snap, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, snap.Data["value"])

	ops := h.rec.ReactionOps()
	require.Len(t, ops, 2)
	assert.Equal(t, transport.ReactionWorking, ops[0].Emoji)
	assert.False(t, ops[1].Add)
}

// TestCounterDecrementAtZero refuses to go below zero and writes nothing.
func TestCounterDecrementAtZero(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ref := h.store.Doc("counters/score")
	require.NoError(t, ref.Set(ctx, map[string]any{"name": "score", "value": 0}))
	before, err := ref.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, h.bot.HandleEvent(ctx, msg(".counter score -")))
	assert.Equal(t, []string{"Counter is already 0, cannot decrement."}, h.rec.Texts())

	after, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.EqualValues(t, 0, after.Data["value"])
}

// TestCounterCreatesMissing starts a new counter at zero.
func TestCounterCreatesMissing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.bot.HandleEvent(ctx, msg(".counter new thing +")))
	assert.Equal(t, []string{`Counter "new thing" is now at 1.`}, h.rec.Texts())
}

// TestUnmatchedEvent produces no handler invocation and no reply.
func TestUnmatchedEvent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bot.HandleEvent(context.Background(), msg("")))
	assert.Empty(t, h.rec.SentCopy())
	assert.Empty(t, h.rec.ReactionOps())
	assert.Empty(t, h.rec.DeletedCopy())
}

// TestIgnoresSelf drops the bot's own messages.
func TestIgnoresSelf(t *testing.T) {
	h := newHarness(t)
	ev := msg(".counter score +")
	ev.Author.ID = "bot"
	require.NoError(t, h.bot.HandleEvent(context.Background(), ev))
	assert.Empty(t, h.rec.SentCopy())
}

// TestHandlerFailure sends the fallback reply and marks the message failed.
func TestHandlerFailure(t *testing.T) {
	h := newHarness(t)
	h.bot.SetCommands([]*router.Pattern{
		router.Route(`\.boom`, router.NewEndpoint("boom", func(context.Context, *router.Context, *transport.Event, []string) error {
			return errors.New("kaboom")
		}), "Always fails"),
	})

	err := h.bot.HandleEvent(context.Background(), msg(".boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, []string{config.DefaultConfig().Bot.FallbackMessage}, h.rec.Texts())
	ops := h.rec.ReactionOps()
	assert.Equal(t, transport.ReactionFailed, ops[len(ops)-1].Emoji)
}

// TestIndex lists every leaf and keeps routing afterwards.
func TestIndex(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bot.HandleEvent(context.Background(), msg(".index")))
	texts := h.rec.Texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Increment (+) or decrement (-) a named counter\n```re\n\\.counter (.+) (\\+|\\-)$```")
	assert.Contains(t, texts[0], "Chat filter\n```re\n.+```")

	// the filter ran too and recorded the author
	snap, err := h.store.Doc("users/u1").Get(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Exists())
}

// TestDefaultRoutes checks every built-in leaf is reachable through its
// parents with a representative text.
func TestDefaultRoutes(t *testing.T) {
	h := newHarness(t)
	samples := map[string]string{
		"counter.edit": ".counter score +",
		"proxy.embed":  ".proxy embed\n.t Title",
		"quiz.random":  ".quiz geography",
		"ai.classify":  ".ai iv3",
		"ai.sentiment": ".sentiment what a day",
		"chatfilter":   "hello",
	}
	seen := map[string]bool{}
	for p := range h.bot.Routes().LeafPatterns() {
		name := p.Endpoint().Name()
		text, ok := samples[name]
		require.True(t, ok, "no sample for %s", name)
		_, ep, _ := h.bot.Routes().Forward(text)
		require.NotNil(t, ep, name)
		assert.Equal(t, name, ep.Name())
		seen[name] = true
	}
	assert.Len(t, seen, len(samples))
}

// TestScriptedCommandsBeforeFilter verifies installed commands win over the
// catch-all.
func TestScriptedCommandsBeforeFilter(t *testing.T) {
	h := newHarness(t)
	ep := router.NewEndpoint("hello", func(ctx context.Context, x *router.Context, ev *transport.Event, _ []string) error {
		return reply(ctx, x, ev, "hi!")
	})
	h.bot.SetCommands([]*router.Pattern{router.Route(`\.hello`, ep, "Greets")})
	require.NoError(t, h.bot.HandleEvent(context.Background(), msg(".hello")))
	assert.Equal(t, []string{"hi!"}, h.rec.Texts())

	h.bot.SetCommands(nil)
	_, found, _ := h.bot.Routes().Forward(".hello")
	assert.Equal(t, "chatfilter", found.Name())
}

// TestChatFilter deletes disallowed and censored text unless exempt.
func TestChatFilter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.bot.HandleEvent(ctx, msg("look https://tenor.com/xyz")))
	assert.Equal(t, []string{"m1"}, h.rec.DeletedCopy())
	assert.Empty(t, h.rec.ReactionOps())

	require.NoError(t, h.store.Doc(db.CensorDoc).Set(ctx, map[string]any{"data": []any{"darn"}}))
	require.Eventually(t, func() bool { return len(h.db.CensorList()) == 1 }, waitFor, tick)

	ev := msg("oh darn it")
	ev.ID = "m2"
	require.NoError(t, h.bot.HandleEvent(ctx, ev))
	assert.Equal(t, []string{"m1", "m2"}, h.rec.DeletedCopy())

	user, err := h.store.Doc("users/u1").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Data["name"])

	require.NoError(t, h.store.Doc("users/u1").Update(ctx, map[string]any{"censor_exempt": true}))
	ev.ID = "m3"
	require.NoError(t, h.bot.HandleEvent(ctx, ev))
	assert.Equal(t, []string{"m1", "m2"}, h.rec.DeletedCopy())
}

// TestClassify labels an attached image.
func TestClassify(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bot.services = &fakeServices{label: services.Label{Name: "tabby cat", Probability: 0.875}}

	require.NoError(t, h.bot.HandleEvent(ctx, msg(".ai ")))
	ev := msg(".ai iv3")
	ev.Attachments = []transport.Attachment{{URL: "https://cdn/cat.png", ContentType: "image/png"}}
	require.NoError(t, h.bot.HandleEvent(ctx, ev))
	h.rec.Files["https://cdn/cat.png"] = []byte("\x89PNG\r\n\x1a\n")
	require.NoError(t, h.bot.HandleEvent(ctx, ev))

	assert.Equal(t, []string{"No image attached", "Unable to download image", "87.5% tabby cat"}, h.rec.Texts())
}

// TestSentiment replies with the signed strength.
func TestSentiment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.bot.HandleEvent(ctx, msg(".sentiment great")))

	h.bot.services = services.Disabled{}
	require.NoError(t, h.bot.HandleEvent(ctx, msg(".sentiment great")))

	h.bot.services = &fakeServices{score: services.Score{Score: 0.5, Magnitude: 2}}
	require.NoError(t, h.bot.HandleEvent(ctx, msg(".sentiment great")))

	assert.Equal(t, []string{
		"Sentiment 0.00 (score 0.00, magnitude 0.00)",
		"Sentiment analysis is not available",
		"Sentiment 1.00 (score 0.50, magnitude 2.00)",
	}, h.rec.Texts())
}

// TestProxyEmbed posts the parsed embed.
func TestProxyEmbed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bot.HandleEvent(context.Background(), msg(".proxy e\n.t Hello\n.d World")))
	sent := h.rec.SentCopy()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Reply.Embed)
	assert.Equal(t, "Hello", sent[0].Reply.Embed.Title)
	assert.Equal(t, "World", sent[0].Reply.Embed.Description)
}

// TestRunDeliversQueuedMessages drains messaging callbacks on the tick.
func TestRunDeliversQueuedMessages(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan *transport.Event)
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx, events) }()

	_, err := h.store.Collection(db.MessagingCollection).Add(context.Background(), map[string]any{
		"target":  "announcements",
		"content": "deploy finished",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, s := range h.rec.SentCopy() {
			if s.ChannelID == "announcements" && s.Reply.Text == "deploy finished" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	events <- msg(".counter runs +")
	require.Eventually(t, func() bool {
		for _, text := range h.rec.Texts() {
			if strings.HasPrefix(text, `Counter "runs"`) {
				return true
			}
		}
		return false
	}, waitFor, tick)

	cancel()
	require.NoError(t, <-done)
}
