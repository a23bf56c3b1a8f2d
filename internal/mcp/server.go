// Package mcp exposes an admin surface over the Model Context Protocol. It
// lists and dry-runs commands, reads counters and queues outbound messages.
package mcp

import (
	"context"
	"encoding/json"
	"io"

	"github.com/juju/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/commit"
	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/model"
	"github.com/zot/chatops/internal/router"
)

// CommandsURI is the resource holding the command index.
const CommandsURI = "chatops://commands"

// Routes exposes the live routing list.
type Routes interface {
	Routes() *router.RoutingList
}

// Data is the part of the bot database the tools use.
type Data interface {
	GetCounter(ctx context.Context, name string, tx *docstore.Transaction) (*commit.Manager[model.Counter], error)
	QuizSubjects() []string
	Store() *docstore.Store
}

// Reloader reloads scripted commands.
type Reloader interface {
	LoadDir(ctx context.Context) error
}

// Server is the MCP admin server.
type Server struct {
	mcp     *server.MCPServer
	routes  Routes
	data    Data
	scripts Reloader
	logger  *zap.Logger
}

// New registers the admin tools. scripts may be nil when scripted commands
// are disabled; the reload tool is then left out.
func New(version string, routes Routes, data Data, scripts Reloader, logger *zap.Logger) *Server {
	s := &Server{
		routes:  routes,
		data:    data,
		scripts: scripts,
		logger:  logger.Named("mcp"),
	}
	s.mcp = server.NewMCPServer(
		"chatops",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
		server.WithInstructions("Inspect and exercise the chat bot: list its commands, dry-run routing, read counters and queue messages."),
	)

	s.mcp.AddTool(mcp.NewTool("list_commands",
		mcp.WithDescription("List every command the bot answers, in routing order"),
	), s.listCommands)
	s.mcp.AddTool(mcp.NewTool("route",
		mcp.WithDescription("Show which command a message would run without running it"),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
	), s.route)
	s.mcp.AddTool(mcp.NewTool("counter",
		mcp.WithDescription("Read a named counter"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Counter name")),
	), s.counter)
	s.mcp.AddTool(mcp.NewTool("quiz_subjects",
		mcp.WithDescription("List the quiz subjects"),
	), s.quizSubjects)
	s.mcp.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Queue a message for the bot to post"),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Target channel id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
	), s.sendMessage)
	if scripts != nil {
		s.mcp.AddTool(mcp.NewTool("reload_scripts",
			mcp.WithDescription("Reload every scripted command from disk"),
		), s.reloadScripts)
	}

	s.mcp.AddResource(mcp.NewResource(CommandsURI, "commands",
		mcp.WithResourceDescription("Command index"),
		mcp.WithMIMEType("application/json"),
	), s.commandsResource)
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over in and out until ctx ends or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	s.logger.Info("serving MCP on stdio")
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.Trace(err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
