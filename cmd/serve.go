package cmd

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/collabfuzz/collabfuzz/analysis"
	"github.com/collabfuzz/collabfuzz/audit"
	"github.com/collabfuzz/collabfuzz/cmd/exitcodes"
	"github.com/collabfuzz/collabfuzz/config"
	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/collabfuzz/collabfuzz/reactor"
	"github.com/collabfuzz/collabfuzz/registry"
	"github.com/collabfuzz/collabfuzz/scheduler"
	"github.com/collabfuzz/collabfuzz/store"
	"github.com/collabfuzz/collabfuzz/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// serveCmd represents the command provider for running the orchestrator.
var serveCmd = &cobra.Command{
	Use:               "serve",
	Short:             "Starts the collaborative fuzzing orchestrator",
	Long:              `Starts the collaborative fuzzing orchestrator: binds the report, control, and dispatch endpoints, runs the registered analysis passes, and drives the configured scheduler policy.`,
	Args:              cobra.ArbitraryArgs,
	ValidArgsFunction: cmdValidServeArgs,
	RunE:              cmdRunServe,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	serveCmd.Flags().String("config", "", "path to a collabfuzz server configuration file")
	serveCmd.Flags().String("scheduler", "", "scheduler policy to run, overriding the config file")
	serveCmd.Flags().Uint64("refresh", 0, "maximum time interval in seconds between scheduler activations, overriding the config file")
	serveCmd.Flags().String("output-dir", "", "directory discovered test cases are written under, overriding the config file")
	serveCmd.Flags().String("input-dir", "", "directory containing seed test cases (unused; accepted for compatibility)")
	serveCmd.Flags().String("analysis-binaries-dir", "", "directory containing the target analysis binaries; startup fails if set and not a directory")
	serveCmd.Flags().String("listen-report", "", "report endpoint bind address, overriding the config file")
	serveCmd.Flags().String("listen-control", "", "control endpoint bind address, overriding the config file")
	serveCmd.Flags().String("listen-dispatch", "", "dispatch endpoint bind address, overriding the config file")
	rootCmd.AddCommand(serveCmd)
}

// cmdValidServeArgs offers shell completion for flags not yet used on the command line.
func cmdValidServeArgs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var unusedFlags []string
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			unusedFlags = append(unusedFlags, "--"+flag.Name)
		}
	})
	return unusedFlags, cobra.ShellCompDirectiveNoFileComp
}

// cmdRunServe reads the server configuration (from --config, DefaultServerConfigFilename in
// the working directory, or hardcoded defaults, in that priority order), wires every
// component together, and blocks until a shutdown signal or a fatal component error.
func cmdRunServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeOrchestratorError)
	}
	applyTransportEnvOverrides(&cfg.Transport)
	applySchedulerEnvOverrides(&cfg.Scheduler)
	if err := applyServeFlagOverrides(cmd, cfg); err != nil {
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeOrchestratorError)
	}

	level, parseErr := zerolog.ParseLevel(cfg.Logging.Level)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	logger := logging.NewLogger(level, cfg.Logging.ConsoleEnabled)

	st, err := store.NewStore(cfg.Storage.OutputDirectory)
	if err != nil {
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeOrchestratorError)
	}

	reg := registry.New()

	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeOrchestratorError)
	}

	passes := buildPasses(cfg.Analysis, args, logger.NewSubLogger("module", logging.ANALYSIS_SERVICE))
	for _, p := range passes {
		if err := auditLog.RegisterAnalysisKind(string(p.Type())); err != nil {
			logger.Warn("failed to register analysis kind in audit log", err)
		}
	}
	pool := analysis.NewWorkerPool(passes, cfg.Analysis.InputChanSize, logger.NewSubLogger("module", logging.ANALYSIS_SERVICE))

	regressorCfg, err := buildRegressorConfig(cfg.Analysis.Regressor)
	if err != nil {
		auditLog.Close()
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeOrchestratorError)
	}
	states := analysis.NewGlobalStates(regressorCfg)

	dispatchServer, err := transport.ListenPubSub(cfg.Transport.DispatchAddr, logger.NewSubLogger("module", logging.TRANSPORT_SERVICE))
	if err != nil {
		auditLog.Close()
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeOrchestratorError)
	}

	policy, err := buildPolicy(cfg.Scheduler)
	if err != nil {
		dispatchServer.Close()
		auditLog.Close()
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeOrchestratorError)
	}

	handler := scheduler.NewHandler(policy, states, reg, st, dispatchServer, auditLog,
		logger.NewSubLogger("module", logging.SCHEDULER_SERVICE), cfg.Scheduler.Timeout())

	react, err := reactor.New(reactor.Config{
		Store:       st,
		Registry:    reg,
		States:      states,
		Pool:        pool,
		Audit:       auditLog,
		Logger:      logger.NewSubLogger("module", logging.REACTOR_SERVICE),
		ReportAddr:  cfg.Transport.ReportAddr,
		ControlAddr: cfg.Transport.ControlAddr,
		OnStateUpdate: func(verdict analysis.Verdict, update *analysis.AnalysisUpdate, diffs map[string]any) {
			handler.Submit(scheduler.ScheduleEvent{Verdict: verdict, Update: update, Diffs: diffs})
		},
	})
	if err != nil {
		dispatchServer.Close()
		auditLog.Close()
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeOrchestratorError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return pool.Run(groupCtx) })
	group.Go(func() error { return react.Run(groupCtx) })
	group.Go(func() error { return handler.Run(groupCtx) })
	group.Go(func() error { return dispatchServer.Serve(groupCtx) })

	if withHelper, ok := policy.(interface{ Helper() *scheduler.QueueSchedulerHelper }); ok {
		group.Go(func() error {
			withHelper.Helper().RunFlushLoop(groupCtx, handler.NewFacade)
			return nil
		})
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		logger.Info("received shutdown signal, stopping")
		cancel()
	}()

	logger.Info("collabfuzz orchestrator listening",
		"report", react.ReportAddr(), "control", react.ControlAddr(), "dispatch", dispatchServer.Addr().String())

	runErr := group.Wait()

	closeErr := react.Close()
	dispatchServer.Close()
	auditLog.Close()

	if runErr != nil {
		return exitcodes.NewErrorWithExitCode(runErr, exitcodes.ExitCodeOrchestratorError)
	}
	if closeErr != nil {
		return exitcodes.NewErrorWithExitCode(closeErr, exitcodes.ExitCodeOrchestratorError)
	}
	return nil
}

// loadServerConfig resolves the configuration source in priority order: an explicit --config
// flag, DefaultServerConfigFilename in the working directory, or hardcoded defaults.
func loadServerConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	configFlagUsed := cmd.Flags().Changed("config")
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	if !configFlagUsed {
		configPath = DefaultServerConfigFilename
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		return config.ReadServerConfigFromFile(configPath)
	} else if configFlagUsed {
		return nil, errors.Wrapf(statErr, "server configuration file %s", configPath)
	}

	cmdLogger.Info("no configuration file found, using defaults")
	return config.GetDefaultServerConfig(), nil
}

// applyServeFlagOverrides layers the serve command's own flags on top of the loaded config,
// mirroring the original CLI's scheduler/refresh/output-dir/analysis-binaries-dir options.
// input-dir is accepted and otherwise ignored, matching the original binary's own "(NOW UNUSED)"
// flag, kept only so existing invocations don't fail argument parsing.
func applyServeFlagOverrides(cmd *cobra.Command, cfg *config.ServerConfig) error {
	flags := cmd.Flags()

	if flags.Changed("scheduler") {
		cfg.Scheduler.Policy, _ = flags.GetString("scheduler")
	}
	if flags.Changed("refresh") {
		refresh, _ := flags.GetUint64("refresh")
		cfg.Scheduler.TimeoutSeconds = int(refresh)
	}
	if flags.Changed("output-dir") {
		cfg.Storage.OutputDirectory, _ = flags.GetString("output-dir")
	}
	if flags.Changed("listen-report") {
		cfg.Transport.ReportAddr, _ = flags.GetString("listen-report")
	}
	if flags.Changed("listen-control") {
		cfg.Transport.ControlAddr, _ = flags.GetString("listen-control")
	}
	if flags.Changed("listen-dispatch") {
		cfg.Transport.DispatchAddr, _ = flags.GetString("listen-dispatch")
	}
	if flags.Changed("analysis-binaries-dir") {
		dir, _ := flags.GetString("analysis-binaries-dir")
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return errors.Errorf("analysis binaries directory not found: %s", dir)
		}
	}
	return nil
}

// applyTransportEnvOverrides lets an operator point a running deployment at different bind
// addresses without touching the checked-in config file or serve flags.
func applyTransportEnvOverrides(cfg *config.TransportConfig) {
	if raw := os.Getenv("COLLAB_FUZZ_URI_LISTENER"); raw != "" {
		cfg.ReportAddr = raw
	}
	if raw := os.Getenv("COLLAB_FUZZ_URI_CONTROL"); raw != "" {
		cfg.ControlAddr = raw
	}
	if raw := os.Getenv("COLLAB_FUZZ_URI_DISPATCH"); raw != "" {
		cfg.DispatchAddr = raw
	}
}

// applySchedulerEnvOverrides lets an operator retune a running deployment's queue-flush
// cadence without touching the checked-in config file.
func applySchedulerEnvOverrides(cfg *config.SchedulerConfig) {
	if raw := os.Getenv("COLLAB_FUZZ_TC_FLUSH_INTERVAL"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			cfg.FlushIntervalSeconds = seconds
		} else {
			cmdLogger.Warn("ignoring malformed COLLAB_FUZZ_TC_FLUSH_INTERVAL", "value", raw)
		}
	}
	if raw := os.Getenv("COLLAB_FUZZ_TC_FLUSH_PERCENTAGE"); raw != "" {
		if pct, err := strconv.ParseFloat(raw, 64); err == nil && pct > 0 && pct <= 1 {
			cfg.FlushPercentage = pct
		} else {
			cmdLogger.Warn("ignoring malformed COLLAB_FUZZ_TC_FLUSH_PERCENTAGE", "value", raw)
		}
	}
}

// buildPasses constructs one analysis.Pass per configured entry, logging and skipping any
// pass whose type name is not recognized rather than aborting startup for one bad entry.
// targetArgs, if non-empty, is the trailing "serve -- <target arguments>" argument list and is
// appended to every pass's own argument vector.
func buildPasses(cfg config.AnalysisConfig, targetArgs []string, logger *logging.Logger) []analysis.Pass {
	passes := make([]analysis.Pass, 0, len(cfg.Passes))
	for _, p := range cfg.Passes {
		passArgs := p.Args
		if len(targetArgs) > 0 {
			passArgs = append(append([]string{}, p.Args...), targetArgs...)
		}
		binCfg := analysis.BinaryPassConfig{
			PassType:        analysis.PassType(p.Type),
			BinaryPath:      p.BinaryPath,
			Args:            passArgs,
			UseStdin:        p.UseStdin,
			RunOnDuplicates: p.RunOnDuplicates,
			WorkDir:         cfg.WorkDir,
		}
		if analysis.PassType(p.Type) == analysis.PassBytesTracer {
			budget := time.Duration(cfg.BytesTracerBudgetSeconds) * time.Second
			passes = append(passes, analysis.NewBytesTracerPass(binCfg, budget, logger))
			continue
		}
		passes = append(passes, analysis.NewGenericPass(binCfg, logger))
	}
	return passes
}

// buildRegressorConfig converts the JSON-friendly RegressorConfigFile into the analysis
// package's evaluation-ready RegressorConfig, loading the static per-condition metrics CSV if
// one is configured.
func buildRegressorConfig(cfg config.RegressorConfigFile) (analysis.RegressorConfig, error) {
	models := make(map[registry.FuzzerType]analysis.RegressorModel, len(cfg.Models))
	for name, m := range cfg.Models {
		bounds := [4]analysis.FeatureBound{}
		for i, b := range m.FeatureBounds {
			bounds[i] = analysis.FeatureBound{Lower: b[0], Upper: b[1]}
		}
		models[registry.FuzzerType(name)] = analysis.RegressorModel{
			Weights:       m.Weights,
			Bias:          m.Bias,
			FeatureBounds: bounds,
		}
	}

	staticMetrics := make(map[uint64]analysis.StaticMetrics)
	if cfg.StaticMetricsPath != "" {
		var err error
		staticMetrics, err = loadStaticMetrics(cfg.StaticMetricsPath)
		if err != nil {
			return analysis.RegressorConfig{}, err
		}
	}

	return analysis.RegressorConfig{Models: models, StaticMetrics: staticMetrics}, nil
}

// loadStaticMetrics parses a CSV of "condition_id,oviedo,chain_size,compare_size" rows.
func loadStaticMetrics(path string) (map[uint64]analysis.StaticMetrics, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open static metrics file %s", path)
	}
	defer file.Close()

	metrics := make(map[uint64]analysis.StaticMetrics)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			continue
		}
		id, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		oviedo, _ := strconv.ParseFloat(fields[1], 64)
		chainSize, _ := strconv.ParseFloat(fields[2], 64)
		compareSize, _ := strconv.ParseFloat(fields[3], 64)
		metrics[id] = analysis.StaticMetrics{Oviedo: oviedo, ChainSize: chainSize, CompareSize: compareSize}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read static metrics file %s", path)
	}
	return metrics, nil
}

// buildPolicy constructs the configured scheduler.Policy.
func buildPolicy(cfg config.SchedulerConfig) (scheduler.Policy, error) {
	switch cfg.Policy {
	case "", "broadcast":
		return scheduler.Broadcast{}, nil
	case "enfuzz":
		return scheduler.NewEnFuzz(cfg.FlushInterval(), cfg.FlushPercentage), nil
	case "test_case_benefit":
		return scheduler.NewTestCaseBenefit(cfg.FlushInterval(), cfg.FlushPercentage), nil
	case "cost_benefit":
		return scheduler.NewCostBenefit(cfg.FlushInterval(), cfg.FlushPercentage), nil
	case "hybrid_benefit":
		return scheduler.NewHybridBenefit(cfg.FlushInterval(), cfg.FlushPercentage, cfg.HybridFrontierWeight, cfg.HybridCostWeight), nil
	case "selective":
		return scheduler.NewSelective(fuzzerTypes(cfg.SelectiveSenders), fuzzerTypes(cfg.SelectiveReceivers)), nil
	case "regressor":
		return scheduler.Regressor{}, nil
	case "random":
		return scheduler.Random{}, nil
	case "round_robin":
		return &scheduler.RoundRobin{}, nil
	case "nop":
		return scheduler.Nop{}, nil
	case "test":
		return &scheduler.Test{Receiver: registry.FuzzerType(cfg.TestReceiver), Dispatch: cfg.TestDispatch}, nil
	default:
		return nil, errors.Errorf("unknown scheduler policy %q", cfg.Policy)
	}
}

func fuzzerTypes(names []string) []registry.FuzzerType {
	types := make([]registry.FuzzerType, len(names))
	for i, n := range names {
		types[i] = registry.FuzzerType(n)
	}
	return types
}
