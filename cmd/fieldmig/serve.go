package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/mcp"
	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
	"github.com/kuhlman-labs/crm-field-migrator/internal/storage"
	"github.com/kuhlman-labs/crm-field-migrator/internal/worker"
)

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect migration run history"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var filter storage.RunFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filter.Status != "" && !models.IsValidRunStatus(filter.Status) {
				return fmt.Errorf("unknown run status %q (valid: %v)", filter.Status, models.ValidRunStatuses())
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				db, err := a.database()
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()

				items, err := db.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				return printRuns(items)
			})
		},
	}
	cmd.Flags().StringVar(&filter.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&filter.PlanID, "plan-id", "", "filter by plan ID")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum runs to list")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var (
		outcomes bool
		status   string
	)
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				db, err := a.database()
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()

				run, err := db.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("run not found: %s", args[0])
				}
				var items []models.RunRecordOutcome
				if outcomes || status != "" {
					if items, err = db.GetRunOutcomes(ctx, run.ID, status); err != nil {
						return err
					}
				}
				return printRun(run, items)
			})
		},
	}
	cmd.Flags().BoolVar(&outcomes, "outcomes", false, "list per-record outcomes")
	cmd.Flags().StringVar(&status, "outcome-status", "", "only outcomes with this status (successful, failed, skipped)")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr    string
		workers int
		noMCP   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queued-run worker and the MCP tool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a, addr, workers, noMCP)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "mcp-address", "", "MCP listen address (default from config)")
	cmd.Flags().IntVar(&workers, "workers", 1, "runs executed concurrently")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "only run the worker")
	return cmd
}

func serve(ctx context.Context, a *app, addr string, workers int, noMCP bool) error {
	logger := a.logger

	db, err := a.database()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	executor, err := a.executor(nil, nil)
	if err != nil {
		return err
	}
	serializer, err := a.serializer()
	if err != nil {
		return err
	}

	runWorker, err := worker.NewRunWorker(worker.WorkerConfig{
		Executor:     executor,
		Serializer:   serializer,
		Queue:        db,
		Logger:       logger,
		PollInterval: a.cfg.Migration.PollInterval(),
		Workers:      workers,
	})
	if err != nil {
		return err
	}
	if err := runWorker.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := runWorker.Stop(); err != nil {
			logger.Warn("Failed to stop run worker", "error", err)
		}
	}()

	// keep field metadata warm between TTL expiries
	refresher := worker.NewFieldRefreshWorker(a.fields, []fields.Category{a.category}, a.cfg.Fields.CacheTTL(), logger)
	go refresher.Start(ctx)

	if noMCP {
		logger.Info("Serving queued runs", "category", a.category)
		<-ctx.Done()
		return nil
	}

	planner, err := a.planner()
	if err != nil {
		return err
	}
	analyzer, err := a.analyzer(0)
	if err != nil {
		return err
	}
	validator, err := a.validator()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = a.cfg.MCP.Address
	}
	mcpServer := mcp.NewServer(mcp.Dependencies{
		Fields:     a.fields,
		Planner:    planner,
		Analyzer:   analyzer,
		Serializer: serializer,
		Validator:  validator,
		Runs:       db,
		Category:   a.category,
	}, logger, mcp.Config{Address: addr})

	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpServer.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return mcpServer.Stop(shutdownCtx)
}
