// Package mcp serves the tool runtime as an MCP (Model Context Protocol)
// server over stdio. Clients get two tools: run_code executes a tool's run
// function and check_code type-checks or lints its source.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/tool"
)

// Tool names exposed to clients.
const (
	ToolRunCode   = "run_code"
	ToolCheckCode = "check_code"
)

// Server adapts a tool.Service to MCP.
type Server struct {
	service tool.Service
	mcp     *server.MCPServer
	logger  *slog.Logger
}

// NewServer builds the MCP server and registers its tools.
func NewServer(svc tool.Service, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: svc,
		mcp:     server.NewMCPServer("coderunner", version, server.WithToolCapabilities(false)),
		logger:  logger,
	}

	s.mcp.AddTool(mcp.NewTool(ToolRunCode,
		mcp.WithDescription("Run a TypeScript or Python tool in a sandbox and return its JSON result. "+
			"The code must define run(configurations, parameters)."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Entrypoint source code.")),
		mcp.WithString("language", mcp.Required(), mcp.Enum("typescript", "python"), mcp.Description("Source language.")),
		mcp.WithObject("configurations", mcp.Description("Tool configurations passed as the first argument.")),
		mcp.WithObject("parameters", mcp.Description("Call parameters passed as the second argument.")),
		mcp.WithString("context_id", mcp.Description("Groups runs that share a cache and home directory.")),
		mcp.WithNumber("timeout_ms", mcp.Description("Wall-clock limit in milliseconds.")),
	), s.handleRun)

	s.mcp.AddTool(mcp.NewTool(ToolCheckCode,
		mcp.WithDescription("Type-check (TypeScript) or lint (Python) tool source and return diagnostics."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Entrypoint source code.")),
		mcp.WithString("language", mcp.Required(), mcp.Enum("typescript", "python"), mcp.Description("Source language.")),
	), s.handleCheck)

	return s
}

// MCPServer returns the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over in and out until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := toolRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := request.GetArguments()
	if req.Configurations, err = rawArgument(args, "configurations"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.Parameters, err = rawArgument(args, "parameters"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req.Context.ContextID = request.GetString("context_id", "")
	if ms := request.GetFloat("timeout_ms", 0); ms > 0 {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	req = req.WithIdentity()

	s.logger.InfoContext(ctx, "mcp run",
		slog.String("execution_id", req.Context.ExecutionID),
		slog.String("language", string(req.Language)),
	)

	res, err := s.service.Run(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}
	return mcp.NewToolResultText(string(res.Data)), nil
}

func (s *Server) handleCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := toolRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	diagnostics, err := s.service.Check(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}
	if len(diagnostics) == 0 {
		return mcp.NewToolResultText("no diagnostics"), nil
	}
	data, err := json.Marshal(diagnostics)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolRequest reads the code and language arguments shared by both tools.
func toolRequest(request mcp.CallToolRequest) (tool.Request, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return tool.Request{}, err
	}
	rawLang, err := request.RequireString("language")
	if err != nil {
		return tool.Request{}, err
	}
	lang, err := tool.ParseLanguage(rawLang)
	if err != nil {
		return tool.Request{}, err
	}
	entry := "index.ts"
	if lang == tool.Python {
		entry = "main.py"
	}
	return tool.Request{Language: lang, Code: execution.SingleFile(entry, code)}, nil
}

// rawArgument re-encodes an object argument. Missing means nil.
func rawArgument(args map[string]any, name string) (json.RawMessage, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", name, err)
	}
	return data, nil
}

// describeError renders a failure with its kind and stack for the client.
func describeError(err error) string {
	var ee *sandbox.ExecutionError
	if !errors.As(err, &ee) {
		return err.Error()
	}
	msg := fmt.Sprintf("%s: %s", ee.Kind, err.Error())
	if ee.Stack != "" {
		msg += "\n" + ee.Stack
	}
	return msg
}
