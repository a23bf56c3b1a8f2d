package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/config"
	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SetLogger(zap.NewNop())
	cfg.Dir = t.TempDir()
	cfg.Transport.Port = 0
	cfg.Bot.CallbackTick = config.Duration(10 * time.Millisecond)
	return cfg
}

func nop(context.Context, *router.Context, *transport.Event, []string) error { return nil }

func TestHTTPEndpoint(t *testing.T) {
	routes := router.NewRoutingList(
		router.Route(`\.a`, router.NewEndpoint("a", nop), "A"),
		router.Route(`\.b`, router.NewEndpoint("b", nop), "B"),
	)
	connected := false
	gateway := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewHTTPEndpoint("/gateway", gateway, func() bool { return connected }, func() *router.RoutingList { return routes })

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"connected":false,"commands":2}`, w.Body.String())

	connected = true
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/commands", nil))
	var cmds []Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmds))
	assert.Equal(t, []Command{{Description: "A", Pattern: `\.a`}, {Description: "B", Pattern: `\.b`}}, cmds)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/gateway", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestNewRejectsUnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Type = "bogus"
	_, err := New(context.Background(), cfg, "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	cmdDir := filepath.Join(cfg.Dir, "commands")
	require.NoError(t, os.MkdirAll(cmdDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cmdDir, "hello.lua"),
		[]byte(`command([[\.hello]], "Say hello", function() return "hi" end)`), 0o644))

	srv, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)
	defer srv.Close()
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	base := fmt.Sprintf("http://%s", srv.Addr())
	resp, err := http.Get(base + "/commands")
	require.NoError(t, err)
	var cmds []Command
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cmds))
	resp.Body.Close()

	var descriptions []string
	for _, c := range cmds {
		descriptions = append(descriptions, c.Description)
	}
	assert.Contains(t, descriptions, "Say hello")
	assert.Equal(t, "Chat filter", descriptions[len(descriptions)-1])

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunWithoutScripts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lua.Enabled = false
	srv, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)
	defer srv.Close()

	for p := range srv.Bot().Routes().LeafPatterns() {
		assert.False(t, strings.HasPrefix(p.Endpoint().Name(), "lua."))
	}
}
