package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Workflows is the controller surface the tools call.
type Workflows interface {
	Report(ctx context.Context, id string) (*controller.Report, error)
	Approve(ctx context.Context, id string, d workflow.ApprovalDecision) (*workflow.State, error)
	Abort(ctx context.Context, id string) (*workflow.State, error)
}

// Server is an MCP server for workflow operations.
type Server struct {
	mcp       *mcp.Server
	workflows Workflows
	metrics   *Metrics
	logger    *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "patchflow")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *logging.Logger

	// Meter records tool metrics. Optional.
	Meter metric.Meter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "patchflow",
		Version: "1.0.0",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates a new MCP server backed by workflows.
func NewServer(cfg *Config, workflows Workflows) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if workflows == nil {
		return nil, fmt.Errorf("workflows is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	logger := cfg.Logger.Named("mcp")
	s := &Server{
		mcp:       mcpServer,
		workflows: workflows,
		metrics:   NewMetrics(cfg.Meter, logger),
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

// Connect serves one session over transport. Used for in-process clients.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
