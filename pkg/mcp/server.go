package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chutney/internal/actions"
	"github.com/rendis/chutney/internal/eventbus"
	"github.com/rendis/chutney/internal/store"
	"github.com/rendis/chutney/pkg/schema"
)

// Executions is the execution control surface the tools drive.
type Executions interface {
	Start(ctx context.Context, scenario *schema.Scenario) (int64, error)
	Run(ctx context.Context, scenario *schema.Scenario) (*schema.ExecutionReport, error)
	Status(ctx context.Context, id int64) (*schema.ExecutionReport, error)
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
	List() []*store.ExecutionSummary
}

// ActionCatalog lists the actions an agent can run.
type ActionCatalog interface {
	List() []actions.TemplateInfo
}

// ServerDeps holds the dependencies of a Server.
type ServerDeps struct {
	Executions Executions
	Actions    ActionCatalog
	Bus        eventbus.Bus
	Notifier   Notifier
	Logger     *slog.Logger
	Version    string
}

// Server exposes scenario executions as MCP tools.
type Server struct {
	executions Executions
	actions    ActionCatalog
	bus        eventbus.Bus
	notifier   Notifier
	sessions   *SessionRegistry
	owners     *ownerIndex
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with every chutney tool registered.
// Without a Notifier, completion notifications go to the MCP session of the
// client that started the execution.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		executions: deps.Executions,
		actions:    deps.Actions,
		bus:        deps.Bus,
		sessions:   NewSessionRegistry(),
		owners:     newOwnerIndex(),
		logger:     logger.With(slog.String("component", "mcp")),
	}

	s.mcpServer = server.NewMCPServer(
		"chutney",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chutney runs test scenarios across a network of agents. Use chutney.run to execute a scenario, chutney.status to read its report, chutney.pause, chutney.resume and chutney.stop to control it, chutney.list to see recent executions and chutney.actions to discover the available step types."),
	)
	s.mcpServer.AddTools(s.tools()...)

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(s.mcpServer, s.sessions)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: commandTool("chutney.pause", "Pause a running execution before its next step"), Handler: s.handlePause},
		{Tool: commandTool("chutney.resume", "Resume a paused execution"), Handler: s.handleResume},
		{Tool: commandTool("chutney.stop", "Stop an execution; remaining steps are not executed"), Handler: s.handleStop},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: actionsTool(), Handler: s.handleActions},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("chutney.run",
		mcp.WithDescription("Execute a scenario"),
		mcp.WithString("scenario", mcp.Required(), mcp.Description("Scenario document in YAML or JSON")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution ends and return its report (default: false)")),
		mcp.WithString("client_id", mcp.Description("ID of the calling client, notified when the execution ends")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chutney.status",
		mcp.WithDescription("Get the report of an execution"),
		mcp.WithNumber("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func commandTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithNumber("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("chutney.list",
		mcp.WithDescription("List recent executions"),
		mcp.WithString("status",
			mcp.Enum("RUNNING", "PAUSED", "SUCCESS", "FAILURE", "STOPPED"),
			mcp.Description("Only return executions with this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions (default: 50)")),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("chutney.actions",
		mcp.WithDescription("List the step types this agent can run"),
	)
}
