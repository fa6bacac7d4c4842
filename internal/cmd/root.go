// Package cmd implements the gcdplay command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Swind/go-dispatch"
	"github.com/Swind/go-dispatch/core"
	"github.com/Swind/go-dispatch/internal/config"
	"github.com/Swind/go-dispatch/internal/demo"
	"github.com/Swind/go-dispatch/internal/logging"
	promexp "github.com/Swind/go-dispatch/observability/prometheus"
)

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"workers":         "pool.workers",
	"fifo":            "pool.fifo",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
	"metrics-addr":    "metrics.addr",
	"sleep-scale":     "demo.sleep_scale",
	"op-concurrency":  "operations.max_concurrency",
	"global-max-conc": "pool.global_max_concurrency",
}

type options struct {
	configFile string
	showStats  bool
}

// NewRootCmd builds the gcdplay command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "gcdplay",
		Short: "Run queue, group, semaphore and operation demos on go-dispatch",
		Long: `gcdplay runs small demonstrations of the go-dispatch primitives:
serial and concurrent queues, the main queue, barriers, task groups,
semaphores and dependency-aware operation queues.

Settings come from flags, GCDPLAY_* environment variables and an
optional gcdplay.yaml in the working directory.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (default is ./gcdplay.yaml)")
	flags.BoolVar(&opts.showStats, "stats", false, "print queue statistics after the run")
	flags.Int("workers", 0, "worker goroutines in the shared pool")
	flags.Bool("fifo", false, "schedule pool work in submission order instead of by priority")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.Float64("sleep-scale", 0, "multiplier applied to demo sleeps")
	flags.Int("op-concurrency", 0, "max concurrent operations in the operations demo")
	flags.Int("global-max-conc", 0, "bound on the global concurrent queue")

	for _, s := range demo.Scenarios() {
		root.AddCommand(newScenarioCmd(opts, s))
	}
	root.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run every demo in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, demo.RunAll)
		},
	})

	return root
}

func newScenarioCmd(opts *options, s demo.Scenario) *cobra.Command {
	return &cobra.Command{
		Use:   s.Name,
		Short: s.Short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, s.Run)
		},
	}
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// bindFlags binds only the flags the user set, so unset flags do not shadow
// file and environment values with their zero defaults.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	v, err := config.NewViper(opts.configFile)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v)
}

func run(cmd *cobra.Command, opts *options, scenario func(*demo.Env) error) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	coreLogger := core.NewSlogLogger(logger)

	reg := prom.NewRegistry()
	exporter, err := promexp.NewMetricsExporter("dispatch", reg, promexp.ExporterOptions{})
	if err != nil {
		return fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	poller, err := promexp.NewSnapshotPoller(reg, cfg.Metrics.PollInterval)
	if err != nil {
		return fmt.Errorf("failed to create snapshot poller: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt := dispatch.NewRuntime(ctx, cfg.Runtime(&core.SchedulerConfig{
		ErrorSink:           &core.LoggingErrorSink{Logger: coreLogger},
		Metrics:             exporter,
		RejectedTaskHandler: &core.LoggingRejectedTaskHandler{Logger: coreLogger},
		Logger:              coreLogger,
	}))
	defer func() {
		if err := rt.Shutdown(); err != nil {
			logger.Warn("runtime shutdown", "error", err)
		}
	}()

	poller.AddPool(cfg.Pool.ID, rt.Pool())
	poller.AddQueue(rt.Main().Name(), rt.Main())
	poller.AddQueue(rt.Global().Label(), rt.Global())
	poller.Start(ctx)
	defer poller.Stop()

	env := demo.NewEnv(ctx, rt, cmd.OutOrStdout())
	env.Scale = cfg.Demo.Scale
	env.OperationConcurrency = cfg.Operations.MaxConcurrency
	env.Logger = logger

	logger.Debug("starting", "workers", cfg.Pool.Workers, "fifo", cfg.Pool.FIFO, "metrics_addr", cfg.Metrics.Addr)

	if cfg.Metrics.Addr == "" {
		err = scenario(env)
	} else {
		err = runWithMetrics(ctx, cfg.Metrics.Addr, reg, func() error { return scenario(env) })
	}

	trackRuntime(poller, rt)
	poller.CollectOnce()

	if opts.showStats {
		printStats(cmd, rt)
	}
	return err
}

// runWithMetrics serves /metrics until fn returns.
func runWithMetrics(ctx context.Context, addr string, reg *prom.Registry, fn func() error) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			return err
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	return g.Wait()
}

// trackRuntime registers queues created during the run with the poller.
func trackRuntime(poller *promexp.SnapshotPoller, rt *dispatch.Runtime) {
	for _, q := range rt.ExecutionQueues() {
		poller.AddQueue(q.Label(), q)
	}
	for _, q := range rt.OperationQueues() {
		poller.AddOperationQueue(q.Name(), q)
	}
}

func printStats(cmd *cobra.Command, rt *dispatch.Runtime) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-28s %-10s %7s %7s %8s %6s\n", "QUEUE", "TYPE", "PENDING", "RUNNING", "REJECTED", "CLOSED")
	for _, s := range rt.QueueStats() {
		fmt.Fprintf(out, "%-28s %-10s %7d %7d %8d %6t\n", s.Name, s.Type, s.Pending, s.Running, s.Rejected, s.Closed)
	}
	for _, s := range rt.OperationQueueStats() {
		fmt.Fprintf(out, "%-28s %-10s completed=%d failed=%d cancelled=%d blocked=%d\n",
			s.Name, "operations", s.Completed, s.Failed, s.Cancelled, s.Blocked)
	}
}
