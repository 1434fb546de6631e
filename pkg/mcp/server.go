package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/pipekit/internal/builder"
	"github.com/rendis/pipekit/internal/registry"
	"github.com/rendis/pipekit/internal/streaming"
)

// PipekitServerDeps holds the dependencies for creating a PipekitServer.
type PipekitServerDeps struct {
	Sessions *builder.Manager
	Registry *registry.Registry
	Hub      streaming.EventHub
	Logger   *slog.Logger
	Version  string
}

// PipekitServer wraps an MCP server with pipeline-editing tool handlers.
type PipekitServer struct {
	sessions  *builder.Manager
	registry  *registry.Registry
	hub       streaming.EventHub
	watchers  *SessionRegistry
	notifier  ClientNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewPipekitServer creates a PipekitServer with every tool registered.
func NewPipekitServer(deps PipekitServerDeps) *PipekitServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &PipekitServer{
		sessions: deps.Sessions,
		registry: deps.Registry,
		hub:      deps.Hub,
		watchers: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"pipekit",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Pipekit edits and runs data pipelines. Create or load a pipeline with pipeline.create or pipeline.load, "+
			"add nodes with node.add, wire them with edge.connect, configure them with node.configure, "+
			"then check with pipeline.validate and execute with pipeline.run. registry.list describes every node kind."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.watchers)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PipekitServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PipekitServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *PipekitServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: pipelineCreateTool(), Handler: s.handlePipelineCreate},
		{Tool: pipelineLoadTool(), Handler: s.handlePipelineLoad},
		{Tool: pipelineSaveTool(), Handler: s.handlePipelineSave},
		{Tool: pipelineListTool(), Handler: s.handlePipelineList},
		{Tool: nodeAddTool(), Handler: s.handleNodeAdd},
		{Tool: nodeRemoveTool(), Handler: s.handleNodeRemove},
		{Tool: nodeConfigureTool(), Handler: s.handleNodeConfigure},
		{Tool: nodeTestTool(), Handler: s.handleNodeTest},
		{Tool: edgeConnectTool(), Handler: s.handleEdgeConnect},
		{Tool: edgeRemoveTool(), Handler: s.handleEdgeRemove},
		{Tool: pipelineValidateTool(), Handler: s.handlePipelineValidate},
		{Tool: pipelineRunTool(), Handler: s.handlePipelineRun},
		{Tool: pipelineLayoutTool(), Handler: s.handlePipelineLayout},
		{Tool: pipelineDiagramTool(), Handler: s.handlePipelineDiagram},
		{Tool: registryListTool(), Handler: s.handleRegistryList},
	}
}

// --- Tool definitions ---

func pipelineIDParam() mcp.ToolOption {
	return mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("ID of an open or saved pipeline"))
}

func pipelineCreateTool() mcp.Tool {
	return mcp.NewTool("pipeline.create",
		mcp.WithDescription("Create an empty pipeline"),
		mcp.WithString("name", mcp.Description("Pipeline name")),
	)
}

func pipelineLoadTool() mcp.Tool {
	return mcp.NewTool("pipeline.load",
		mcp.WithDescription("Open a saved pipeline or import a pipeline snapshot"),
		mcp.WithString("pipeline_id", mcp.Description("ID of a saved pipeline")),
		mcp.WithObject("pipeline", mcp.Description("Pipeline snapshot with nodes and edges")),
	)
}

func pipelineSaveTool() mcp.Tool {
	return mcp.NewTool("pipeline.save",
		mcp.WithDescription("Persist a pipeline"),
		pipelineIDParam(),
	)
}

func pipelineListTool() mcp.Tool {
	return mcp.NewTool("pipeline.list",
		mcp.WithDescription("List open and saved pipelines"),
		mcp.WithString("name_contains", mcp.Description("Case-insensitive name filter for saved pipelines")),
		mcp.WithNumber("limit", mcp.Description("Maximum saved pipelines to return")),
	)
}

func nodeAddTool() mcp.Tool {
	return mcp.NewTool("node.add",
		mcp.WithDescription("Add an unconfigured node to a pipeline"),
		pipelineIDParam(),
		mcp.WithString("category", mcp.Required(),
			mcp.Enum("source", "transformation", "destination"),
			mcp.Description("Node category"),
		),
		mcp.WithString("subtype", mcp.Required(), mcp.Description("Node subtype, see registry.list")),
		mcp.WithNumber("x", mcp.Description("Canvas x position")),
		mcp.WithNumber("y", mcp.Description("Canvas y position")),
		mcp.WithString("label", mcp.Description("Display label (default: the registry label)")),
	)
}

func nodeRemoveTool() mcp.Tool {
	return mcp.NewTool("node.remove",
		mcp.WithDescription("Remove a node and its edges"),
		pipelineIDParam(),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to remove")),
	)
}

func nodeConfigureTool() mcp.Tool {
	return mcp.NewTool("node.configure",
		mcp.WithDescription("Replace a node's configuration and validate it"),
		pipelineIDParam(),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to configure")),
		mcp.WithObject("config", mcp.Required(), mcp.Description("Configuration object for the node's subtype")),
	)
}

func nodeTestTool() mcp.Tool {
	return mcp.NewTool("node.test",
		mcp.WithDescription("Preview a node against sample data from its upstream nodes"),
		pipelineIDParam(),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to test")),
	)
}

func edgeConnectTool() mcp.Tool {
	return mcp.NewTool("edge.connect",
		mcp.WithDescription("Connect two nodes"),
		pipelineIDParam(),
		mcp.WithString("source", mcp.Required(), mcp.Description("Upstream node ID")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Downstream node ID")),
	)
}

func edgeRemoveTool() mcp.Tool {
	return mcp.NewTool("edge.remove",
		mcp.WithDescription("Remove an edge"),
		pipelineIDParam(),
		mcp.WithString("edge_id", mcp.Required(), mcp.Description("ID of the edge to remove")),
	)
}

func pipelineValidateTool() mcp.Tool {
	return mcp.NewTool("pipeline.validate",
		mcp.WithDescription("Validate a pipeline's structure and node configurations"),
		pipelineIDParam(),
	)
}

func pipelineRunTool() mcp.Tool {
	return mcp.NewTool("pipeline.run",
		mcp.WithDescription("Execute a pipeline in dependency order"),
		pipelineIDParam(),
	)
}

func pipelineLayoutTool() mcp.Tool {
	return mcp.NewTool("pipeline.layout",
		mcp.WithDescription("Recompute node positions"),
		pipelineIDParam(),
		mcp.WithString("direction", mcp.Enum("TB", "LR"), mcp.Description("Layout direction (default: last used)")),
	)
}

func pipelineDiagramTool() mcp.Tool {
	return mcp.NewTool("pipeline.diagram",
		mcp.WithDescription("Render a pipeline diagram"),
		pipelineIDParam(),
		mcp.WithString("format", mcp.Required(), mcp.Enum("mermaid", "text"), mcp.Description("Output format")),
		mcp.WithString("direction", mcp.Enum("TB", "LR"), mcp.Description("Mermaid flow direction (default: TB)")),
	)
}

func registryListTool() mcp.Tool {
	return mcp.NewTool("registry.list",
		mcp.WithDescription("List node kinds and their configuration fields"),
		mcp.WithString("category",
			mcp.Enum("source", "transformation", "destination"),
			mcp.Description("Only list this category"),
		),
	)
}
