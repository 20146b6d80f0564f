// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the change pipeline as tools via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/modelshift/internal/catalog"
	"github.com/starford/modelshift/internal/change"
)

const typesURI = "modelshift://types"

// Server wraps the MCP server with modelshift tools.
type Server struct {
	mcp     *server.MCPServer
	engine  *change.Engine
	catalog *catalog.Catalog
}

// New creates a new MCP server with all tools registered.
func New(engine *change.Engine, cat *catalog.Catalog, version string) *Server {
	s := &Server{engine: engine, catalog: cat}

	s.mcp = server.NewMCPServer(
		"modelshift",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("apply_change",
		mcp.WithDescription("Apply a natural-language change request to a SysML v2 model branch. "+
			"The model proposes create/update/delete operations which are committed as one new version."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Repository project id")),
		mcp.WithString("branch_id", mcp.Required(), mcp.Description("Branch to change")),
		mcp.WithString("change_request", mcp.Required(), mcp.Description("What to change, in plain language")),
	), s.applyChange)

	s.mcp.AddTool(mcp.NewTool("preview_context",
		mcp.WithDescription("Show the model excerpt a change request would be answered from, "+
			"with its token size against the full model. Nothing is committed."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Repository project id")),
		mcp.WithString("branch_id", mcp.Required(), mcp.Description("Branch to read")),
		mcp.WithString("change_request", mcp.Required(), mcp.Description("The change request to retrieve context for")),
	), s.previewContext)

	s.mcp.AddTool(mcp.NewTool("list_types",
		mcp.WithDescription("List the element types the change pipeline knows, with definitions and attributes."),
	), s.listTypes)

	s.mcp.AddResource(
		mcp.NewResource(typesURI, "Element Type Catalogue",
			mcp.WithResourceDescription("SysML v2 element types with definitions and attributes."),
			mcp.WithMIMEType("application/yaml"),
		),
		s.readTypesResource,
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

func requestArgs(req mcp.CallToolRequest) (change.Request, error) {
	var out change.Request
	var err error
	if out.ProjectID, err = req.RequireString("project_id"); err != nil {
		return out, err
	}
	if out.BranchID, err = req.RequireString("branch_id"); err != nil {
		return out, err
	}
	if out.ChangeRequest, err = req.RequireString("change_request"); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Server) applyChange(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	creq, err := requestArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := s.engine.Run(ctx, creq)
	out, _ := json.MarshalIndent(res, "", "  ")
	if res.Status != change.StatusSuccess {
		return mcp.NewToolResultError(string(out)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) previewContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	creq, err := requestArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	preview, err := s.engine.Preview(ctx, creq)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(preview, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listTypes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.catalog.Render(nil)), nil
}

func (s *Server) readTypesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      typesURI,
			MIMEType: "application/yaml",
			Text:     s.catalog.Render(nil),
		},
	}, nil
}
