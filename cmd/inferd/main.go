package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/config"
	"inferd/internal/executor"
	"inferd/internal/httpapi"
	"inferd/internal/registry"
	"inferd/internal/sched"
	"inferd/pkg/types"
)

type serveOptions struct {
	addr           string
	configPath     string
	executorURL    string
	executorAPIKey string
	strategy       string
	budgetMB       int
	marginMB       int
	queueDepth     int
	gpus           string
	logLevel       string
	logPretty      bool
}

func main() {
	opts := &serveOptions{}

	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Inference resource scheduler daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	serve.Flags().StringVar(&opts.addr, "addr", envOr("INFERD_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	serve.Flags().StringVar(&opts.configPath, "config", "", "Optional config file (yaml/json/toml)")
	serve.Flags().StringVar(&opts.executorURL, "executor-url", envOr("INFERD_EXECUTOR_URL", "http://127.0.0.1:11434"), "Base URL of the OpenAI-compatible inference server")
	serve.Flags().StringVar(&opts.executorAPIKey, "executor-api-key", os.Getenv("INFERD_EXECUTOR_API_KEY"), "Bearer token for the inference server")
	serve.Flags().StringVar(&opts.strategy, "strategy", "least_loaded", "GPU selection strategy: memory_based|least_loaded")
	serve.Flags().IntVar(&opts.budgetMB, "memory-budget-mb", 0, "Memory budget in MB for resident models (0=unlimited)")
	serve.Flags().IntVar(&opts.marginMB, "memory-margin-mb", 0, "Reserved memory margin in MB to keep free")
	serve.Flags().IntVar(&opts.queueDepth, "max-queue-depth", 0, "Maximum pending queue entries (0=default)")
	serve.Flags().StringVar(&opts.gpus, "gpus", "", "GPU inventory as id:memMB pairs, e.g. gpu-0:49152,gpu-1:24576")
	serve.Flags().StringVar(&opts.logLevel, "log-level", envOr("INFERD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	serve.Flags().BoolVar(&opts.logPretty, "log-pretty", false, "Human-readable console logging")

	root.AddCommand(serve)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "inferd:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger()
}

// parseGPUs parses "id:memMB" pairs separated by commas.
func parseGPUs(s string) ([]types.GPU, error) {
	var out []types.GPU
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, mem, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid gpu spec %q (want id:memMB)", part)
		}
		var mb int
		if _, err := fmt.Sscanf(mem, "%d", &mb); err != nil || mb <= 0 {
			return nil, fmt.Errorf("invalid gpu memory in %q", part)
		}
		out = append(out, types.GPU{ID: strings.TrimSpace(id), TotalMemoryMB: mb})
	}
	return out, nil
}

func runServe(opts *serveOptions) error {
	log := newLogger(opts.logLevel, opts.logPretty)

	var fileCfg config.Config
	if opts.configPath != "" {
		var err error
		fileCfg, err = config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := fileCfg.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}

	catalog := fileCfg.Models
	if len(catalog) == 0 {
		catalog = registry.DefaultCatalog()
	}
	tiers := fileCfg.Tiers
	if len(tiers) == 0 {
		tiers = registry.DefaultTiers()
	}
	services := fileCfg.Services
	if len(services) == 0 {
		services = registry.DefaultServices()
	}
	gpus := fileCfg.GPUs
	if opts.gpus != "" {
		parsed, err := parseGPUs(opts.gpus)
		if err != nil {
			return err
		}
		gpus = parsed
	}
	if len(gpus) == 0 {
		gpus = registry.DefaultGPUs()
	}

	strategy := sched.Strategy(opts.strategy)
	if fileCfg.Strategy != "" {
		strategy = sched.Strategy(fileCfg.Strategy)
	}
	executorURL := opts.executorURL
	if fileCfg.ExecutorURL != "" {
		executorURL = fileCfg.ExecutorURL
	}
	apiKey := opts.executorAPIKey
	if fileCfg.ExecutorAPIKey != "" {
		apiKey = fileCfg.ExecutorAPIKey
	}
	budget := opts.budgetMB
	if fileCfg.MemoryBudgetMB > 0 {
		budget = fileCfg.MemoryBudgetMB
	}
	margin := opts.marginMB
	if fileCfg.MemoryMarginMB > 0 {
		margin = fileCfg.MemoryMarginMB
	}
	queueDepth := opts.queueDepth
	if fileCfg.MaxQueueDepth > 0 {
		queueDepth = fileCfg.MaxQueueDepth
	}
	addr := opts.addr
	if fileCfg.Addr != "" {
		addr = fileCfg.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec := executor.New(executorURL, apiKey, 5*time.Second, 120*time.Second, log)
	scheduler, err := sched.New(ctx, sched.Config{
		Catalog:         catalog,
		TierPreferences: tiers,
		Services:        services,
		GPUs:            gpus,
		Strategy:        strategy,
		MaxQueueDepth:   queueDepth,
		MemoryBudgetMB:  budget,
		MemoryMarginMB:  margin,
		Executor:        exec,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	mux := httpapi.NewMux(scheduler)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("executor", executorURL).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
