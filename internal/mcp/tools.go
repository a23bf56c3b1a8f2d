package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/db"
)

// CommandInfo describes one leaf command.
type CommandInfo struct {
	Description string `json:"description"`
	Pattern     string `json:"pattern"`
	Endpoint    string `json:"endpoint"`
}

// RouteResult is what a dry run would do.
type RouteResult struct {
	Matched  bool     `json:"matched"`
	Endpoint string   `json:"endpoint,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	Trace    []string `json:"trace,omitempty"`
}

func (s *Server) commands() []CommandInfo {
	var out []CommandInfo
	for p := range s.routes.Routes().LeafPatterns() {
		out = append(out, CommandInfo{
			Description: p.Description(),
			Pattern:     p.Match(),
			Endpoint:    p.Endpoint().Name(),
		})
	}
	return out
}

func (s *Server) listCommands(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.commands())
}

func (s *Server) route(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	trace, ep, groups := s.routes.Routes().Forward(text)
	res := RouteResult{Matched: ep != nil}
	if ep != nil {
		res.Endpoint = ep.Name()
		res.Groups = groups
		for _, p := range trace {
			res.Trace = append(res.Trace, p.Match())
		}
	}
	return jsonResult(res)
}

func (s *Server) counter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.data.GetCounter(ctx, name, nil)
	if err != nil {
		s.logger.Warn("reading counter", zap.String("name", name), zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(m.Entity())
}

func (s *Server) quizSubjects(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjects := s.data.QuizSubjects()
	if subjects == nil {
		subjects = []string{}
	}
	return jsonResult(subjects)
}

func (s *Server) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channel, err := req.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ref, err := s.data.Store().Collection(db.MessagingCollection).Add(ctx, map[string]any{
		"target":  channel,
		"content": text,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("queued " + ref.ID()), nil
}

func (s *Server) reloadScripts(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.scripts.LoadDir(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("reloaded"), nil
}

func (s *Server) commandsResource(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(s.commands())
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
