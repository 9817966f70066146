// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Manifold tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ferrost/manifold/internal/inject"
	"github.com/ferrost/manifold/internal/reconcile"
	"github.com/ferrost/manifold/internal/registry"
)

// Server wraps the MCP server with Manifold tools.
type Server struct {
	mcp    *server.MCPServer
	reg    registry.Store
	engine *reconcile.Engine
	inject func(ctx context.Context, filename string, content []byte) (*inject.Result, error)
}

// New creates a new MCP server with all Manifold tools registered.
// injectFn stages content and runs it through the pipeline; the API
// service provides the same behavior over HTTP.
func New(reg registry.Store, engine *reconcile.Engine, injectFn func(ctx context.Context, filename string, content []byte) (*inject.Result, error)) *Server {
	s := &Server{reg: reg, engine: engine, inject: injectFn}

	s.mcp = server.NewMCPServer(
		"Manifold",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_manifests",
		mcp.WithDescription("List every registered manifest with its app id, depot id, and current manifest id."),
	), s.listManifests)

	s.mcp.AddTool(mcp.NewTool("inject_manifest",
		mcp.WithDescription("Inject a manifest script: validate, install into the library, archive, and register. "+
			"Content MUST follow the canonical script format (addappid + setManifestid statements). "+
			"Read the contract first via the get_script_contract tool or the manifold://script-format resource."),
		mcp.WithString("filename", mcp.Required(), mcp.Description("Script filename (e.g. 1245620.lua)")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Lua script content following the Manifold script contract")),
	), s.injectManifest)

	s.mcp.AddTool(mcp.NewTool("check_updates",
		mcp.WithDescription("Check every registered manifest against the latest upstream version. Read-only; nothing is modified."),
	), s.checkUpdates)

	s.mcp.AddTool(mcp.NewTool("apply_update",
		mcp.WithDescription("Apply one pending update surfaced by check_updates. "+
			"Pass back the exact current and latest manifest ids from the check; a stale current id is rejected."),
		mcp.WithNumber("app_id", mcp.Required(), mcp.Description("App id of the entry")),
		mcp.WithNumber("depot_id", mcp.Required(), mcp.Description("Depot id of the entry")),
		mcp.WithString("current", mcp.Required(), mcp.Description("Manifest id the check observed in the registry")),
		mcp.WithString("latest", mcp.Required(), mcp.Description("Manifest id to update to")),
	), s.applyUpdate)

	s.mcp.AddTool(mcp.NewTool("get_script_contract",
		mcp.WithDescription("Returns the canonical Manifold script format contract. "+
			"Call this before injecting manifests to ensure correct structure."),
	), s.getScriptContract)

	// Resource: script format contract.
	s.mcp.AddResource(
		mcp.NewResource("manifold://script-format", "Script Format Contract",
			mcp.WithResourceDescription("Canonical manifest script format that all injected scripts must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readScriptFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) listManifests(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.reg.ListAll()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("no manifests registered"), nil
	}
	out, _ := json.MarshalIndent(entries, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) injectManifest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filename, err := req.RequireString("filename")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.inject(ctx, filename, []byte(content))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) checkUpdates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	outcomes, err := s.engine.Check(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(outcomes) == 0 {
		return mcp.NewToolResultText("no manifests registered"), nil
	}
	out, _ := json.MarshalIndent(outcomes, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) applyUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	appID, err := req.RequireInt("app_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	depotID, err := req.RequireInt("depot_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	current, err := req.RequireString("current")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	latest, err := req.RequireString("latest")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	outcome := reconcile.Outcome{
		Entry:   registry.Entry{AppID: appID, DepotID: depotID},
		State:   reconcile.StateUpdateAvailable,
		Current: current,
		Latest:  latest,
	}
	applied, err := s.engine.Apply(ctx, outcome)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated %d/%d to %s", applied.Entry.AppID, applied.Entry.DepotID, applied.Latest)), nil
}

func (s *Server) getScriptContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ScriptFormatContract), nil
}

func (s *Server) readScriptFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "manifold://script-format",
			MIMEType: "text/markdown",
			Text:     ScriptFormatContract,
		},
	}, nil
}
