package router

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/storage"
	"github.com/zot/chatops/internal/transport"
	"github.com/zot/chatops/internal/transport/transporttest"
)

func event() *transport.Event {
	return &transport.Event{ID: "m1", ChannelID: "c1", Text: ".x", Author: transport.Author{ID: "u1"}}
}

func testContext(rec *transporttest.Recorder) *Context {
	store := docstore.New(storage.NewMemoryStorage(), docstore.WithRetry(3, time.Millisecond))
	return &Context{Transport: rec, Store: store, Logger: zap.NewNop()}
}

func emojis(ops []transporttest.ReactionOp) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		sign := "-"
		if op.Add {
			sign = "+"
		}
		out = append(out, sign+op.Emoji)
	}
	return out
}

// TestInvokeSuccess verifies the working reaction is shown then removed.
func TestInvokeSuccess(t *testing.T) {
	rec := transporttest.New()
	var got []string
	ep := NewEndpoint("echo", func(_ context.Context, _ *Context, _ *transport.Event, groups []string) error {
		got = groups
		return nil
	})
	require.NoError(t, ep.Invoke(context.Background(), testContext(rec), event(), []string{"a"}))
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, []string{"+" + transport.ReactionWorking, "-" + transport.ReactionWorking}, emojis(rec.ReactionOps()))
}

// TestInvokeFailure verifies a failing handler leaves exactly one failure
// reaction and its error is returned.
func TestInvokeFailure(t *testing.T) {
	rec := transporttest.New()
	boom := errors.New("boom")
	ep := NewEndpoint("fail", func(context.Context, *Context, *transport.Event, []string) error {
		return boom
	})
	err := ep.Invoke(context.Background(), testContext(rec), event(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "endpoint fail")
	assert.Equal(t, []string{
		"+" + transport.ReactionWorking,
		"-" + transport.ReactionWorking,
		"+" + transport.ReactionFailed,
	}, emojis(rec.ReactionOps()))
}

// TestInvokeWithoutAcknowledge verifies silent endpoints only signal failure.
func TestInvokeWithoutAcknowledge(t *testing.T) {
	rec := transporttest.New()
	ok := NewEndpoint("quiet", func(context.Context, *Context, *transport.Event, []string) error { return nil }, WithoutAcknowledge())
	require.NoError(t, ok.Invoke(context.Background(), testContext(rec), event(), nil))
	assert.Empty(t, rec.ReactionOps())

	bad := NewEndpoint("quiet", func(context.Context, *Context, *transport.Event, []string) error {
		return errors.New("no")
	}, WithoutAcknowledge())
	require.Error(t, bad.Invoke(context.Background(), testContext(rec), event(), nil))
	assert.Equal(t, []string{"+" + transport.ReactionFailed}, emojis(rec.ReactionOps()))
}

// TestInvokePanic verifies a panicking handler is reported as a failure.
func TestInvokePanic(t *testing.T) {
	rec := transporttest.New()
	ep := NewEndpoint("panic", func(context.Context, *Context, *transport.Event, []string) error {
		panic("oops")
	})
	err := ep.Invoke(context.Background(), testContext(rec), event(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
	ops := emojis(rec.ReactionOps())
	assert.Equal(t, "+"+transport.ReactionFailed, ops[len(ops)-1])
}

// TestInvokeAcknowledgeFailure verifies a failed acknowledgement does not
// stop the handler.
func TestInvokeAcknowledgeFailure(t *testing.T) {
	rec := transporttest.New()
	rec.ReactionErr = errors.New("rate limited")
	ran := false
	ep := NewEndpoint("ack", func(context.Context, *Context, *transport.Event, []string) error {
		ran = true
		return nil
	})
	require.NoError(t, ep.Invoke(context.Background(), testContext(rec), event(), nil))
	assert.True(t, ran)
}

// TestInvokeTransaction verifies transactional handlers get a transaction
// whose writes are committed on success and dropped on failure.
func TestInvokeTransaction(t *testing.T) {
	ctx := context.Background()
	rec := transporttest.New()
	x := testContext(rec)
	store := x.Store.(*docstore.Store)
	ref := store.Doc("counters/score")

	ep := NewTxEndpoint("write", func(ctx context.Context, _ *Context, _ *transport.Event, _ []string, tx *docstore.Transaction) error {
		require.NotNil(t, tx)
		return tx.Set(ref, map[string]any{"name": "score", "value": 1})
	})
	assert.True(t, ep.Transactional())
	require.NoError(t, ep.Invoke(ctx, x, event(), nil))
	snap, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Exists())

	other := store.Doc("counters/other")
	failing := NewTxEndpoint("abort", func(ctx context.Context, _ *Context, _ *transport.Event, _ []string, tx *docstore.Transaction) error {
		if err := tx.Set(other, map[string]any{"value": 2}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, failing.Invoke(ctx, x, event(), nil))
	snap, err = other.Get(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}
