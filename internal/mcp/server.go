package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/migration"
	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
	"github.com/kuhlman-labs/crm-field-migrator/internal/storage"
)

// RunHistory is the part of the run store the tools read and queue into
type RunHistory interface {
	QueueRun(ctx context.Context, run *models.MigrationRun) error
	GetRun(ctx context.Context, id string) (*models.MigrationRun, error)
	GetRunOutcomes(ctx context.Context, id, status string) ([]models.RunRecordOutcome, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]*models.MigrationRun, error)
}

// Dependencies are the components the tools are built on
type Dependencies struct {
	Fields     fields.Lister
	Planner    *migration.Planner
	Analyzer   *migration.Analyzer
	Serializer *migration.Serializer
	Validator  *migration.Validator // optional; adds mapping checks to validate_plan and queue_plan
	Runs       RunHistory
	Category   fields.Category // default for list_fields
}

// Server wraps the MCP server and provides field migration tools
type Server struct {
	mcpServer *server.MCPServer
	sseServer *server.SSEServer
	deps      Dependencies
	logger    *slog.Logger
	addr      string
	mu        sync.RWMutex
	running   bool
}

// Config holds configuration for the MCP server
type Config struct {
	// Address to listen on (e.g., ":8081")
	Address string
}

// NewServer creates a new MCP server with field migration tools
func NewServer(deps Dependencies, logger *slog.Logger, cfg Config) *Server {
	if deps.Category == "" {
		deps.Category = fields.CategoryAccount
	}

	mcpServer := server.NewMCPServer(
		"CRM Field Migrator",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(`You are the CRM field migration assistant. You have tools that inspect custom
field metadata, build and analyze migration plans from mapping tables, recommend execution strategies,
validate exported plan documents, queue plans for execution and report on past runs.

Key capabilities:
- List custom fields and their options for a record category
- Analyze a mapping table for missing fields, type mismatches and value conflicts
- Recommend an execution strategy and estimate API calls
- Validate a reviewed plan document before it is executed
- Queue a plan for the background worker and follow its run history

Always analyze a plan and review its conflicts before queueing a live (non dry-run) execution.`),
	)

	s := &Server{
		mcpServer: mcpServer,
		deps:      deps,
		logger:    logger,
		addr:      cfg.Address,
	}

	s.registerTools()

	return s
}

// Start starts the MCP server on the configured address
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("MCP server already running")
	}
	s.running = true
	s.sseServer = server.NewSSEServer(s.mcpServer,
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
	)
	sse := s.sseServer
	s.mu.Unlock()

	s.logger.Info("Starting MCP server", "address", s.addr)

	// blocks until Stop
	if err := sse.Start(s.addr); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the MCP server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Stopping MCP server")
	s.running = false

	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown MCP server: %w", err)
		}
	}

	return nil
}

// IsRunning returns true if the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server's listening address
func (s *Server) Address() string {
	return s.addr
}

// registerTools registers all field migration tools with the MCP server
func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("list_fields",
			mcp.WithDescription("List the custom fields of a record category with their display type and allowed options."),
			mcp.WithString("category",
				mcp.Description("Record category (defaults to the configured category)"),
				mcp.Enum("Account", "Donation", "Event", "Activity", "Membership"),
			),
		),
		s.handleListFields,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("analyze_plan",
			mcp.WithDescription("Build a dry-run plan from a mapping table and report field conflicts (missing or incompatible fields) and value conflicts found in sampled records. Never writes to the CRM."),
			mcp.WithString("mapping_table",
				mcp.Required(),
				mcp.Description("YAML or JSON object mapping each source field to a target field name or to {field, option, strategy, transform, preserve_source}"),
			),
			mcp.WithString("resource_ids",
				mcp.Description("Comma-separated record IDs to analyze instead of the default working set"),
			),
		),
		s.handleAnalyzePlan,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("recommend_strategy",
			mcp.WithDescription("Recommend an execution strategy (parallel, put_batch or hybrid) for a mapping table and estimate the number of API calls."),
			mcp.WithString("mapping_table",
				mcp.Required(),
				mcp.Description("YAML or JSON mapping table"),
			),
			mcp.WithNumber("resource_count",
				mcp.Description("Expected number of records; omit when unknown"),
			),
		),
		s.handleRecommendStrategy,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("validate_plan",
			mcp.WithDescription("Import an exported plan document and check that every field it names still exists in the CRM. Reports stale exports and unbound transforms."),
			mcp.WithString("plan_document",
				mcp.Required(),
				mcp.Description("Plan document as exported by the migrator"),
			),
			mcp.WithString("format",
				mcp.Description("Document format (default yaml)"),
				mcp.Enum("yaml", "json", "csv"),
			),
		),
		s.handleValidatePlan,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("queue_plan",
			mcp.WithDescription("Validate a plan document and queue it for execution by the background worker. Returns the run ID to follow with get_run."),
			mcp.WithString("plan_document",
				mcp.Required(),
				mcp.Description("Plan document as exported by the migrator"),
			),
			mcp.WithString("format",
				mcp.Description("Document format (default yaml)"),
				mcp.Enum("yaml", "json", "csv"),
			),
			mcp.WithString("strategy",
				mcp.Description("Execution strategy (default auto)"),
				mcp.Enum("auto", "sequential", "parallel", "put_batch", "hybrid"),
			),
			mcp.WithBoolean("dry_run",
				mcp.Description("Override the document's dry_run setting"),
			),
		),
		s.handleQueuePlan,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List migration runs, newest first, with their status and record counts."),
			mcp.WithString("status",
				mcp.Description("Filter by run status"),
				mcp.Enum(models.ValidRunStatuses()...),
			),
			mcp.WithString("plan_id",
				mcp.Description("Filter by plan ID"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of runs to return (default 20, max 100)"),
			),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Get one migration run with its errors and warnings, optionally with per-record outcomes."),
			mcp.WithString("run_id",
				mcp.Required(),
				mcp.Description("Run ID returned by queue_plan or list_runs"),
			),
			mcp.WithBoolean("include_outcomes",
				mcp.Description("Include per-record outcomes"),
			),
			mcp.WithString("outcome_status",
				mcp.Description("Only include outcomes with this status"),
				mcp.Enum("successful", "failed", "skipped"),
			),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("suggest_fields",
			mcp.WithDescription("List existing custom fields whose names are similar to the given ones. Use it to correct misspelled or renamed fields in a mapping table."),
			mcp.WithString("fields",
				mcp.Required(),
				mcp.Description("Comma-separated field names to look up"),
			),
			mcp.WithString("category",
				mcp.Description("Record category (defaults to the configured category)"),
				mcp.Enum("Account", "Donation", "Event", "Activity", "Membership"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum candidates per field (default 3)"),
			),
		),
		s.handleSuggestFields,
	)
}
