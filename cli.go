package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tosin2013/pipeline-guardian/config"
	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/debugger"
	"github.com/tosin2013/pipeline-guardian/gateway"
	"github.com/tosin2013/pipeline-guardian/llm"
	"github.com/tosin2013/pipeline-guardian/mlengine"
	"github.com/tosin2013/pipeline-guardian/patcher"
	"github.com/tosin2013/pipeline-guardian/pipelines"
	"github.com/tosin2013/pipeline-guardian/security"
	"github.com/tosin2013/pipeline-guardian/session"
)

// CLI is the command-line interface for the platform services.
type CLI struct {
	logger   *logrus.Logger
	rootCmd  *cobra.Command
	settings *config.Settings

	configFile string
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	cli := &CLI{logger: logger}
	cli.setupRootCommand()
	cli.setupCommands()
	return cli
}

// Execute runs the CLI.
func (c *CLI) Execute() error {
	return c.rootCmd.Execute()
}

func (c *CLI) setupRootCommand() {
	c.rootCmd = &cobra.Command{
		Use:   "pipeline-guardian",
		Short: "AI-assisted CI/CD debugging, security scanning, and gateway",
		Long: `Pipeline Guardian ingests CI/CD logs, classifies failures with rules,
ML models and an LLM, proposes and applies remediating patches, orchestrates
security scanners into a signed SBOM, and fronts everything behind an API
gateway with auth, rate limiting, circuit breaking, and caching.`,
		Version: "1.0.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(c.configFile)
			if err != nil {
				return err
			}
			c.settings = settings
			c.setupLogging()
			return nil
		},
	}

	c.rootCmd.PersistentFlags().StringVar(&c.configFile, "config", "", "Configuration file path")
}

func (c *CLI) setupLogging() {
	if level, err := logrus.ParseLevel(c.settings.LogLevel); err == nil {
		c.logger.SetLevel(level)
	}
	if c.settings.LogFormat == "text" {
		c.logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func (c *CLI) setupCommands() {
	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve the API gateway",
		Long:  "Run the gateway policy engine fronting the debugger and scanner services, including the debug session channel.",
		RunE:  c.runGateway,
	}

	debugCmd := &cobra.Command{
		Use:   "debug",
		Short: "Analyze a pipeline log and propose patches",
		Long:  "Analyze a pipeline log from a file or a GitHub Actions run, print the identified errors, and dry-run candidate patches.",
		RunE:  c.runDebug,
	}
	debugCmd.Flags().String("log-file", "", "Path to a pipeline log file")
	debugCmd.Flags().Int64("run-id", 0, "GitHub Actions workflow run id")
	debugCmd.Flags().String("repo", "", "GitHub repository as owner/name")
	debugCmd.Flags().String("pipeline-id", "local", "Pipeline identifier for the analysis")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the security scan orchestrator",
		Long:  "Fan out the configured scanners, consolidate findings, gate them against policy, and emit a signed SBOM when the gate passes.",
		RunE:  c.runScan,
	}
	scanCmd.Flags().String("repo", "", "Repository URL to scan")
	scanCmd.Flags().String("commit", "", "Commit SHA under scan")
	scanCmd.Flags().String("artifact", "", "Container image or live endpoint URL")
	scanCmd.Flags().StringSlice("types", []string{"project"}, "Scan types: container, project, webapp")
	scanCmd.Flags().String("blocking-severity", "high", "Lowest severity that can fail the gate")
	scanCmd.Flags().String("signing-key", "", "Path to the ed25519 signing key seed")

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train the error classification models",
		Long:  "Train category, severity, and stage models from a labeled record file or from the historical errors store.",
		RunE:  c.runTrain,
	}
	trainCmd.Flags().String("data", "", "Path to a JSON file of labeled pipeline errors")
	trainCmd.Flags().Bool("from-history", false, "Pull training records from the historical errors store")
	trainCmd.Flags().String("family", string(mlengine.FamilyLinear), "Estimator family")
	trainCmd.Flags().Bool("grid-search", false, "Search the family's hyperparameter grid")

	c.rootCmd.AddCommand(gatewayCmd, debugCmd, scanCmd, trainCmd)
}

func (c *CLI) buildChatClient() llm.Client {
	if c.settings.LLM.APIKey == "" {
		return nil
	}
	return llm.NewHTTPClient(llm.Config{
		Provider:    llm.Provider(c.settings.LLM.Provider),
		BaseURL:     c.settings.LLM.BaseURL,
		APIKey:      c.settings.LLM.APIKey,
		Model:       c.settings.LLM.Model,
		Temperature: c.settings.LLM.Temperature,
		MaxTokens:   c.settings.LLM.MaxTokens,
		Timeout:     c.settings.LLM.Timeout,
		Retries:     c.settings.LLM.Retries,
	}, c.logger)
}

func (c *CLI) buildDebugger(ctx context.Context) (*debugger.LogAnalyzer, *patcher.Synthesizer, *patcher.Runner, *mlengine.Classifier, *debugger.SQLHistoryStore) {
	clock := contracts.SystemClock{}
	chat := c.buildChatClient()

	store := mlengine.NewModelStore(c.settings.ModelDir, c.logger)
	store.LoadAll()
	classifier := mlengine.NewClassifier(store, clock, c.logger)

	var history debugger.HistoryStore
	var sqlStore *debugger.SQLHistoryStore
	if c.settings.HistoryDSN != "" {
		opened, err := debugger.OpenSQLHistoryStore(ctx, c.settings.HistoryDSN, c.settings.HistoryIndexPrefix, clock, c.logger)
		if err != nil {
			c.logger.WithError(err).Warn("Historical errors store unavailable, continuing without persistence")
		} else {
			sqlStore = opened
			history = opened
		}
	}

	analyzer := debugger.NewLogAnalyzer(debugger.DefaultRegistry(), classifier, chat, history, c.settings, clock, c.logger)
	synthesizer := patcher.NewSynthesizer(chat, c.logger)
	runner := patcher.NewRunner(patcher.NewExecSandbox("", c.logger), c.settings.PatchTimeout(), clock, c.logger)
	return analyzer, synthesizer, runner, classifier, sqlStore
}

func (c *CLI) runGateway(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := contracts.SystemClock{}
	redisClient := redis.NewClient(&redis.Options{Addr: c.settings.RedisAddr})
	defer redisClient.Close()

	analyzer, synthesizer, runner, classifier, historyStore := c.buildDebugger(ctx)
	sessions := session.NewManager(session.Deps{
		Analyzer:    analyzer,
		Synthesizer: synthesizer,
		Runner:      runner,
		ML:          classifier,
		Settings:    c.settings,
		Clock:       clock,
		Logger:      c.logger,
	})

	jwtAuth := gateway.NewJWTAuthenticator(c.settings.JWTSecret, gateway.DefaultCacheTTL(c.settings.TokenTTLMinutes*60), clock)
	keys := gateway.NewAPIKeyStore(clock)
	users := gateway.NewStaticUserStore()

	registry := gateway.NewServiceRegistry(clock, c.logger)
	go registry.Start(ctx)

	health := contracts.NewHealthChecker(clock)
	health.Register(contracts.ProbeFunc{ProbeName: "policy-store", Fn: func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}})
	if historyStore != nil {
		health.Register(historyStore.Probe())
	}

	promReg := prometheus.NewRegistry()
	server := gateway.NewServer(defaultRoutes(c.settings), gateway.ServerDeps{
		Credentials:  gateway.NewCredentials(jwtAuth, keys),
		JWTAuth:      jwtAuth,
		Users:        users,
		Limiter:      gateway.NewRateLimiter(redisClient, c.settings.RateLimitGroups),
		Breaker:      gateway.NewCircuitBreaker(redisClient, c.settings.CircuitBreakerGroups, clock),
		Cache:        gateway.NewResponseCache(redisClient, gateway.DefaultCacheTTL(c.settings.CacheTTLDefault)),
		Registry:     registry,
		Forwarder:    gateway.NewForwarder(nil),
		Metrics:      gateway.NewMetrics(promReg),
		Health:       health,
		Clock:        clock,
		Logger:       c.logger,
		PromGatherer: promReg,
	})
	server.Mount("/debugger/ws", session.NewChannelHandler(sessions, c.logger))

	httpServer := &http.Server{Addr: c.settings.ListenAddr, Handler: server.Router()}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	c.logger.WithField("addr", c.settings.ListenAddr).Info("Gateway listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// defaultRoutes is the built-in route table fronting the debugger and
// scanner services.
func defaultRoutes(settings *config.Settings) []gateway.RouteDescriptor {
	cacheTTL := gateway.DefaultCacheTTL(settings.CacheTTLDefault)
	return []gateway.RouteDescriptor{
		{Service: "debugger", Endpoint: "/errors", Method: http.MethodGet, BackendPath: "/errors",
			RateLimitGroup: "default", CacheEnabled: true, CacheTTL: cacheTTL,
			AuthRequired: true, BreakerGroup: "default"},
		{Service: "debugger", Endpoint: "/analyze", Method: http.MethodPost, BackendPath: "/analyze",
			RateLimitGroup: "default", AuthRequired: true,
			RequiredPermissions: []string{"debug:write"}, BreakerGroup: "default"},
		{Service: "scanner", Endpoint: "/scans", Method: http.MethodPost, BackendPath: "/scans",
			RateLimitGroup: "strict", AuthRequired: true,
			RequiredRoles: []string{"security"}, BreakerGroup: "default"},
		{Service: "scanner", Endpoint: "/reports", Method: http.MethodGet, BackendPath: "/reports",
			RateLimitGroup: "default", CacheEnabled: true, CacheTTL: cacheTTL,
			AuthRequired: true, BreakerGroup: "default"},
	}
}

func (c *CLI) runDebug(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logFile, _ := cmd.Flags().GetString("log-file")
	runID, _ := cmd.Flags().GetInt64("run-id")
	repo, _ := cmd.Flags().GetString("repo")
	pipelineID, _ := cmd.Flags().GetString("pipeline-id")

	var logContent string
	switch {
	case logFile != "":
		data, err := os.ReadFile(logFile)
		if err != nil {
			return fmt.Errorf("failed to read log file: %w", err)
		}
		logContent = string(data)
	case runID != 0 && repo != "":
		parts := strings.SplitN(repo, "/", 2)
		if len(parts) != 2 {
			return fmt.Errorf("repo must be owner/name, got %q", repo)
		}
		source := pipelines.NewGitHubLogSource(ctx, c.settings.GitHubToken, parts[0], parts[1], c.logger)
		logs, err := source.FetchRunLogs(ctx, runID)
		if err != nil {
			return err
		}
		logContent = logs.RawLogs
		pipelineID = logs.PipelineID
	default:
		return fmt.Errorf("either --log-file or --run-id with --repo is required")
	}

	analyzer, synthesizer, runner, _, _ := c.buildDebugger(ctx)
	errs, meta, err := analyzer.AnalyzeLog(ctx, pipelineID, logContent)
	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"errors":   len(errs),
		"degraded": meta.Degraded,
	}).Info("Analysis complete")

	for _, e := range errs {
		fmt.Printf("[%s/%s] %s: %s\n", e.Severity, e.Category, e.ErrorID, firstLine(e.Message))
		if !c.settings.AutoPatchEnabled {
			continue
		}
		solution, err := synthesizer.Synthesize(ctx, e, nil, nil)
		if err != nil {
			c.logger.WithError(err).WithField("error_id", e.ErrorID).Debug("No patch synthesized")
			continue
		}
		outcome, err := runner.DryRun(ctx, solution)
		if err != nil {
			c.logger.WithError(err).WithField("solution_id", solution.SolutionID).Warn("Dry run rejected")
			continue
		}
		fmt.Printf("  patch %s (%s, dry-run ok=%t): %s\n",
			solution.SolutionID, solution.PatchType, outcome.Success, firstLine(solution.PatchScript))
	}
	return nil
}

func (c *CLI) runScan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	repo, _ := cmd.Flags().GetString("repo")
	commit, _ := cmd.Flags().GetString("commit")
	artifact, _ := cmd.Flags().GetString("artifact")
	typeNames, _ := cmd.Flags().GetStringSlice("types")
	blocking, _ := cmd.Flags().GetString("blocking-severity")
	keyPath, _ := cmd.Flags().GetString("signing-key")

	if repo == "" || commit == "" {
		return fmt.Errorf("--repo and --commit are required")
	}

	seed := make([]byte, 32)
	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("failed to read signing key: %w", err)
		}
		seed = data
	}
	signer, err := security.NewEd25519Signer(seed)
	if err != nil {
		return err
	}

	clock := contracts.SystemClock{}
	scanners := []security.Scanner{
		security.NewTrivyScanner("", c.settings.ScannerTimeout(), clock, c.logger),
	}
	orchestrator := security.NewOrchestrator(scanners, signer, c.settings, clock, c.logger)

	// Probe the adapters up front so a missing binary shows as degradation
	// in the run log instead of a silent empty task set.
	health := contracts.NewHealthChecker(clock)
	for _, s := range scanners {
		type prober interface{ Probe() contracts.HealthProbe }
		if p, ok := s.(prober); ok {
			health.Register(p.Probe())
		}
	}
	if report := health.Check(ctx); !report.Healthy {
		c.logger.WithField("probes", report.Probes).Warn("Some scanners are unavailable, the run may be degraded")
	}

	var scanTypes []security.ScanType
	for _, name := range typeNames {
		scanTypes = append(scanTypes, security.ScanType(name))
	}
	outcome, err := orchestrator.RunSecurityScan(ctx, security.ScanRequest{
		RepoURL:          repo,
		CommitSHA:        commit,
		ArtifactURL:      artifact,
		ScanTypes:        scanTypes,
		BlockingSeverity: security.Severity(blocking),
	})
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Println(string(out))
	if !outcome.Passed {
		return fmt.Errorf("security gate failed")
	}
	return nil
}

func (c *CLI) runTrain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	dataPath, _ := cmd.Flags().GetString("data")
	fromHistory, _ := cmd.Flags().GetBool("from-history")
	family, _ := cmd.Flags().GetString("family")
	gridSearch, _ := cmd.Flags().GetBool("grid-search")

	var records []*debugger.PipelineError
	switch {
	case dataPath != "":
		data, err := os.ReadFile(dataPath)
		if err != nil {
			return fmt.Errorf("failed to read training data: %w", err)
		}
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("failed to parse training data: %w", err)
		}
	case fromHistory:
		if c.settings.HistoryDSN == "" {
			return fmt.Errorf("--from-history requires history_dsn to be configured")
		}
		clock := contracts.SystemClock{}
		store, err := debugger.OpenSQLHistoryStore(ctx, c.settings.HistoryDSN, c.settings.HistoryIndexPrefix, clock, c.logger)
		if err != nil {
			return err
		}
		docs, err := store.Search(ctx, debugger.HistoryQuery{Limit: 10000})
		if err != nil {
			return err
		}
		for i := range docs {
			records = append(records, &docs[i].Error)
		}
	default:
		return fmt.Errorf("either --data or --from-history is required")
	}

	modelStore := mlengine.NewModelStore(c.settings.ModelDir, c.logger)
	classifier := mlengine.NewClassifier(modelStore, contracts.SystemClock{}, c.logger)

	for _, target := range mlengine.Targets() {
		result, err := classifier.Train(records, target, mlengine.TrainOptions{
			Family:     mlengine.Family(family),
			GridSearch: gridSearch,
		})
		if err != nil {
			c.logger.WithError(err).WithField("target", target).Warn("Training skipped")
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"target":   target,
			"accuracy": result.Accuracy,
			"f1":       result.F1,
			"cv_score": result.CVScore,
		}).Info("Model trained")
	}
	return nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
