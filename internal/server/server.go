// Package server wires the bot's components together and runs them.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zot/chatops/internal/blob"
	"github.com/zot/chatops/internal/bot"
	"github.com/zot/chatops/internal/config"
	"github.com/zot/chatops/internal/db"
	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/lua"
	"github.com/zot/chatops/internal/mcp"
	"github.com/zot/chatops/internal/services"
	"github.com/zot/chatops/internal/storage"
	"github.com/zot/chatops/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Server owns every long-lived component of the bot.
type Server struct {
	config *config.Config
	logger *zap.Logger

	store     *docstore.Store
	db        *db.Database
	bucket    blob.Bucket
	gateway   *transport.Gateway
	bot       *bot.Bot
	scripts   *lua.Scripts
	hotLoader *lua.HotLoader
	mcp       *mcp.Server

	httpEndpoint *HTTPEndpoint
	httpServer   *http.Server
	listener     net.Listener

	// MCP speaks over these; stdio unless replaced
	mcpIn  io.Reader
	mcpOut io.Writer
}

// New opens storage and builds the bot. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, version string) (_ *Server, err error) {
	logger := cfg.Logger()
	s := &Server{config: cfg, logger: logger, mcpIn: os.Stdin, mcpOut: os.Stdout}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	backend, err := storage.Open(cfg.Store.Type, cfg.ResolvePath(cfg.Store.Path), cfg.Store.URL)
	if err != nil {
		return nil, errors.Annotate(err, "opening store")
	}
	s.store = docstore.New(backend,
		docstore.WithRetry(cfg.Store.RetryAttempts, cfg.Store.RetryDelay.Duration()),
		docstore.WithLogger(logger),
	)
	if s.db, err = db.Open(ctx, s.store, logger); err != nil {
		return nil, errors.Annotate(err, "opening database")
	}

	svcs, err := services.New(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Annotate(err, "creating services")
	}
	if s.bucket, err = blob.Open(ctx, cfg); err != nil {
		return nil, errors.Annotate(err, "opening blob storage")
	}

	s.gateway = transport.NewGateway(cfg, logger)
	s.bot = bot.New(bot.Options{
		Config:    cfg,
		Logger:    logger,
		Transport: s.gateway,
		DB:        s.db,
		Services:  svcs,
		Bucket:    s.bucket,
	})

	if cfg.Lua.Enabled {
		if err := s.setupLua(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.MCP.Enabled {
		var reloader mcp.Reloader
		if s.scripts != nil {
			reloader = s.scripts
		}
		s.mcp = mcp.New(version, s.bot, s.db, reloader, logger)
	}

	s.httpEndpoint = NewHTTPEndpoint(cfg.Transport.Path, s.gateway, s.gateway.Connected, s.bot.Routes)
	return s, nil
}

// setupLua loads scripted commands and watches their directory when it
// exists.
func (s *Server) setupLua(ctx context.Context) error {
	dir := s.config.ResolvePath(s.config.Lua.Path)
	s.scripts = lua.New(dir, s.logger, s.bot.SetCommands)
	if err := s.scripts.LoadDir(ctx); err != nil {
		return errors.Annotate(err, "loading scripts")
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}
	hl, err := lua.NewHotLoader(dir, s.scripts, nil, s.logger)
	if err != nil {
		return errors.Annotate(err, "creating hot loader")
	}
	s.hotLoader = hl
	return nil
}

// Bot returns the bot.
func (s *Server) Bot() *bot.Bot { return s.bot }

// DB returns the bot database.
func (s *Server) DB() *db.Database { return s.db }

// Bucket returns the blob storage.
func (s *Server) Bucket() blob.Bucket { return s.bucket }

// Listen binds the gateway address. Run calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.config.Transport.Host, s.config.Transport.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", addr)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound gateway address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves until ctx ends or a component fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:           s.httpEndpoint,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gateway listening", zap.Stringer("addr", s.listener.Addr()), zap.String("path", s.config.Transport.Path))
		if err := s.httpServer.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
			return errors.Annotate(err, "serving http")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.gateway.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return s.bot.Run(ctx, s.gateway.Events())
	})
	if s.hotLoader != nil {
		g.Go(func() error {
			return s.hotLoader.Run(ctx)
		})
	}
	if s.mcp != nil {
		g.Go(func() error {
			return s.mcp.Serve(ctx, s.mcpIn, s.mcpOut)
		})
	}
	return g.Wait()
}

// Close releases storage and scripts. It is safe after Run returns.
func (s *Server) Close() error {
	if s.listener != nil && s.httpServer == nil {
		s.listener.Close()
	}
	if s.hotLoader != nil {
		s.hotLoader.Stop()
	}
	if s.scripts != nil {
		s.scripts.Close()
	}
	if s.gateway != nil {
		s.gateway.Close()
	}
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
