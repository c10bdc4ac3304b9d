package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
	"github.com/kuhlman-labs/crm-field-migrator/internal/config"
	"github.com/kuhlman-labs/crm-field-migrator/internal/crm"
	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/logging"
	"github.com/kuhlman-labs/crm-field-migrator/internal/migration"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
	"github.com/kuhlman-labs/crm-field-migrator/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "fieldmig",
	Short: "CRM custom field migrator",
	Long: `fieldmig moves custom field data between CRM fields.

A migration starts from a mapping table: a YAML object keyed by source field whose
values name the target field (or an object with field, strategy, option and
transform keys). 'fieldmig plan' turns the table into a plan document, 'fieldmig
analyze' reports conflicts, and 'fieldmig execute' applies a reviewed plan. Plans
are dry runs unless --dry-run=false is passed or the document says otherwise.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDMIG")
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default ./configs/config.yaml or ./config.yaml)")
	flags.Bool("json", false, "output JSON")
	flags.String("category", "", "record category (Account, Donation, Event, Activity, Membership)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("fields.category", flags.Lookup("category"))
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("verbose", flags.Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(fieldsCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(recommendCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(benchmarkCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(serveCmd())
}

// app holds the components shared by the commands
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	levels   *logging.LevelManager
	category fields.Category
	client   *crm.Client
	fields   *fields.CachedProvider
	store    records.ReadWriter
	codec    *codec.Codec
}

func newApp() (*app, error) {
	cfg, err := config.LoadFrom(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	logger, levels := logging.NewLogger(cfg.Logging)
	levels.SetVerbose(viper.GetBool("verbose"))
	slog.SetDefault(logger)

	if err := cfg.CRM.Validate(); err != nil {
		return nil, fmt.Errorf("invalid CRM settings: %w", err)
	}
	client, err := crm.NewClient(crm.ConfigFromSettings(cfg.CRM, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create CRM client: %w", err)
	}

	category := fields.Category(cfg.Fields.Category)
	svc, err := client.Records(category)
	if err != nil {
		return nil, err
	}

	provider, err := fields.NewCachedProvider(fields.CachedProviderConfig{
		Source: client,
		TTL:    cfg.Fields.CacheTTL(),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		levels:   levels,
		category: category,
		client:   client,
		fields:   provider,
		store:    svc,
		codec:    codec.New(codec.Options{AllowFreeText: cfg.Migration.AllowFreeText}),
	}, nil
}

// withApp builds the app and runs fn with the command's context
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	return fn(cmd.Context(), a)
}

func (a *app) planner() (*migration.Planner, error) {
	return migration.NewPlanner(migration.PlannerConfig{
		Fields:         a.fields,
		Category:       a.category,
		BatchSize:      a.cfg.Migration.BatchSize,
		MaxWorkers:     a.cfg.Migration.MaxWorkers,
		MergeSeparator: a.cfg.Migration.MergeSeparator,
		Logger:         a.logger,
	})
}

func (a *app) analyzer(sampleSize int) (*migration.Analyzer, error) {
	return migration.NewAnalyzer(migration.AnalyzerConfig{
		Reader:     a.store,
		Fields:     a.fields,
		Codec:      a.codec,
		SampleSize: sampleSize,
		Logger:     a.logger,
	})
}

func (a *app) validator() (*migration.Validator, error) {
	return migration.NewValidator(migration.ValidatorConfig{
		Fields: a.fields,
		Logger: a.logger,
	})
}

func (a *app) discoverer(maxRecords int) (*migration.Discoverer, error) {
	return migration.NewDiscoverer(migration.DiscovererConfig{
		Reader:     a.store,
		Fields:     a.fields,
		Codec:      a.codec,
		MaxRecords: maxRecords,
		Workers:    a.cfg.Migration.MaxWorkers,
		Logger:     a.logger,
	})
}

func (a *app) serializer() (*migration.Serializer, error) {
	return migration.NewSerializer(migration.SerializerConfig{
		Fields:     a.fields,
		StaleAfter: a.cfg.Migration.StaleAfter(),
		Logger:     a.logger,
	})
}

func (a *app) executor(recorder migration.RunRecorder, progress migration.ProgressFunc) (*migration.Executor, error) {
	return migration.NewExecutor(migration.ExecutorConfig{
		Store:    a.store,
		Fields:   a.fields,
		Codec:    a.codec,
		Recorder: recorder,
		Progress: progress,
		Logger:   a.logger,
	})
}

func (a *app) database() (*storage.Database, error) {
	db, err := storage.NewDatabase(a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return db, nil
}
