// Command depupgrade runs the migration orchestration core described by the
// Migration Orchestration Core spec: a persistent, resumable workflow that
// plans, validates inside a sandbox container, and opens a pull request for
// a dependency upgrade. Command tree grounded on the teacher's
// cmd/docker-migrate/main.go (cobra root + PersistentPreRun logger/config
// bootstrap + subcommands for daemon mode and one-shot operations).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/artemis/depupgrade/internal/config"
	"github.com/artemis/depupgrade/internal/eventbus"
	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/reasoner"
	"github.com/artemis/depupgrade/internal/repogateway"
	"github.com/artemis/depupgrade/internal/runtime"
	"github.com/artemis/depupgrade/internal/service"
	"github.com/artemis/depupgrade/internal/store"
	"github.com/artemis/depupgrade/internal/validate"
	"github.com/artemis/depupgrade/internal/worker"
	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultReasonerModel = "claude-3-7-sonnet-20250219"

var (
	cfgFile string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "depupgrade",
	Short: "Automated dependency upgrade orchestrator",
	Long: `depupgrade plans, validates inside a sandbox container, and opens a
pull request for a project's dependency upgrades, retrying with an
automated diagnosis loop before escalating to a human.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}

		if cfg.LogLevel != "" {
			if l, err := observability.NewLogger(cfg.LogLevel); err == nil {
				logger = l
			} else {
				logger.Warn("failed to set configured log level, using default", zap.Error(err))
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the migration orchestration core as an HTTP/WebSocket service",
	Long:  "Starts the MigrationService façade and serves StartMigration/GetMigration/SubscribeMigration over HTTP and WebSocket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func buildService() (*service.MigrationService, error) {
	st, err := store.New(cfg.WorkflowPersistRoot)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	bus := eventbus.NewBus(logger, 256, service.StoreTerminalLookup{Store: st})

	rt, err := runtime.New(logger, "")
	if err != nil {
		return nil, fmt.Errorf("init container runtime: %w", err)
	}

	engine := validate.NewEngine(rt, logger)

	var reasonerClient *reasoner.Client
	if cfg.ReasonerAPIKey != "" {
		provider := reasoner.NewAnthropicProvider(cfg.ReasonerAPIKey, anthropic.Model(defaultReasonerModel), 4096)
		reasonerClient, err = reasoner.New(provider, reasoner.DefaultNormalizers(), logger, reasoner.Config{
			MaxRetries: cfg.ReasonerMaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init reasoner client: %w", err)
		}
	} else {
		logger.Warn("no reasoner API key configured, running in degraded (heuristic-only) mode")
	}

	gateway := repogateway.NewGitCLIGateway(cfg.DataDir, nil)

	planner := worker.NewDependencyPlanner(gateway, reasonerClient, logger)
	validator := worker.NewContainerValidator(
		engine,
		cfg.ContainerPortNode,
		cfg.ContainerPortPython,
		cfg.ContainerCleanup,
		cfg.InstallTimeout,
		cfg.TestTimeout,
		bus,
		st,
	)
	analyzer := worker.NewPatternAnalyzer(reasonerClient, logger)
	deployer := worker.NewGatewayDeployer(gateway, reasonerClient, logger)

	wfEngine := worker.NewEngine(planner, validator, analyzer, deployer, bus, st, logger)

	return service.New(wfEngine, st, bus, cfg, logger), nil
}

func runServe(ctx context.Context) error {
	svc, err := buildService()
	if err != nil {
		return err
	}

	resumeCtx, cancelResume := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelResume()
	if err := svc.ResumeAll(resumeCtx); err != nil {
		logger.Warn("resume on startup failed", zap.Error(err))
	}

	health := observability.NewHealthChecker()
	srv := service.NewServer(svc, cfg, health, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		os.Exit(0)
	}()

	logger.Info("starting depupgrade service", zap.String("http_addr", cfg.HTTPAddr))
	return srv.Start()
}

var (
	migrateProjectPath string
	migrateGitURL      string
	migrateGitBranch   string
	migrateProjectType string
	migrateMaxRetries  int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run a single migration to completion and print its terminal state",
	Long:  "Starts one migration against a local project path or git repository and blocks until it reaches a terminal phase.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context())
	},
}

func runMigrate(ctx context.Context) error {
	svc, err := buildService()
	if err != nil {
		return err
	}

	pt := workflow.ProjectType(migrateProjectType)
	if pt != workflow.ProjectNode && pt != workflow.ProjectPython {
		return fmt.Errorf("--type must be NODE or PYTHON")
	}

	id, err := svc.StartMigration(ctx, service.StartMigrationRequest{
		ProjectPath: migrateProjectPath,
		GitRepoURL:  migrateGitURL,
		GitBranch:   migrateGitBranch,
		ProjectType: pt,
		MaxRetries:  migrateMaxRetries,
	})
	if err != nil {
		return fmt.Errorf("start migration: %w", err)
	}

	logger.Info("migration started", zap.String("migration_id", id))

	sub, err := svc.SubscribeMigration(id)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		evt, ok := sub.Next(ctx)
		if !ok {
			break
		}
		fmt.Printf("[%d] %s worker=%s\n", evt.Seq, evt.Kind, evt.SourceWorker)
		if evt.Kind.IsTerminal() {
			break
		}
	}

	state, err := svc.GetMigration(id)
	if err != nil {
		return fmt.Errorf("get final state: %w", err)
	}

	fmt.Printf("\nphase: %s\nretries_used: %d/%d\n", state.Phase, state.RetriesUsed, state.RetriesMax)
	if state.Deployment != nil {
		fmt.Printf("pull request: %s\n", state.Deployment.PRURL)
	}
	if len(state.Errors) > 0 {
		fmt.Println("errors:")
		for _, e := range state.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}

	if state.Phase != workflow.PhaseTerminalSuccess {
		os.Exit(1)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.depupgrade/config.json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().StringVar(&migrateProjectPath, "path", "", "local project path")
	migrateCmd.Flags().StringVar(&migrateGitURL, "git-url", "", "git repository URL")
	migrateCmd.Flags().StringVar(&migrateGitBranch, "git-branch", "", "git branch to clone")
	migrateCmd.Flags().StringVar(&migrateProjectType, "type", "NODE", "project type: NODE or PYTHON")
	migrateCmd.Flags().IntVar(&migrateMaxRetries, "max-retries", 3, "maximum analyze/validate retry cycles")
}
