package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lunasched/lunasched/internal/config"
	"github.com/lunasched/lunasched/internal/executor"
	"github.com/lunasched/lunasched/internal/hooks"
	"github.com/lunasched/lunasched/internal/job"
	"github.com/lunasched/lunasched/internal/logger"
	"github.com/lunasched/lunasched/internal/metrics"
	"github.com/lunasched/lunasched/internal/notify"
	"github.com/lunasched/lunasched/internal/scheduler"
	"github.com/lunasched/lunasched/internal/server"
	"github.com/lunasched/lunasched/internal/store"
	"github.com/lunasched/lunasched/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler daemon",
	Long: `Start lunaschedd in daemon mode: open the store, run migrations, bind
the control socket and drive the one-second scheduling tick. This is the
default mode when no subcommand is given.`,
	Run: runServe,
}

var watchMode bool

func init() {
	serveCmd.Flags().BoolVar(&watchMode, "watch", false, "Reload config-declared jobs when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level := logger.ParseLevel(cfg.Logging.Level)
	log, logCloser, err := logger.NewDaemon(cfg.Logging.Output, level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open daemon log: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	jobsLog, jobsCloser, err := logger.NewJobs(cfg.Logging.JobsOutput, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open jobs log: %v\n", err)
		os.Exit(1)
	}
	defer jobsCloser.Close()

	// Panics surface in the log with their stack before the process dies so
	// the init system can restart a crashed daemon with a trace on record.
	defer func() {
		if r := recover(); r != nil {
			log.Error("daemon panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			panic(r)
		}
	}()

	log.Info("lunaschedd starting",
		slog.String("version", version),
		slog.Int("pid", os.Getpid()),
		slog.String("socket", cfg.Server.SocketPath),
		slog.String("db", cfg.DBPath()))

	// A store failure at startup is fatal: migrations must apply before any
	// job state can be trusted.
	st, err := store.Open(cfg.DBPath(), log)
	if err != nil {
		log.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core := scheduler.New(st, log)
	exec := executor.New(log, jobsLog)
	core.SetDispatch(func(j *job.Job, ec *scheduler.ExecutionContext) {
		exec.Launch(j, ec, func(res scheduler.Result) {
			core.OnResult(j, ec, res)
		})
	})
	core.SetHooks(hooks.NewExecutor(log))
	core.SetNotifier(notify.New(st, log))

	admitStaticJobs(cfg, core, log)

	if watchMode && cfgFile != "" {
		w, err := watcher.New(cfgFile, func() error {
			next, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			admitStaticJobs(next, core, log)
			return nil
		}, log)
		if err != nil {
			log.Warn("config watch unavailable", slog.Any("error", err))
		} else if err := w.Start(ctx); err != nil {
			log.Warn("config watch failed to start", slog.Any("error", err))
		}
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.NewServer(cfg.Metrics.Port, log).Start(ctx); err != nil {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	go runRetention(ctx, cfg, st, log)
	go core.Run(ctx, time.Duration(cfg.Server.TickIntervalMS)*time.Millisecond)

	srv := server.New(core, st, cfg.Server.SocketPath, log)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("control socket failed", slog.Any("error", err))
		os.Exit(1)
	}

	// In-flight children are left to their own timeouts; only the accept
	// loop and the tick stop here.
	log.Info("lunaschedd shut down")
}

func admitStaticJobs(cfg *config.Config, core *scheduler.Core, log *slog.Logger) {
	for i := range cfg.Jobs {
		j, err := cfg.Jobs[i].ToJob()
		if err != nil {
			log.Error("skipping invalid config job", slog.Any("error", err))
			continue
		}
		core.AddJob(j)
	}
}

func runRetention(ctx context.Context, cfg *config.Config, st *store.Store, log *slog.Logger) {
	prune := func() {
		n, err := st.PruneHistory(
			time.Duration(cfg.Retention.HistoryDays)*24*time.Hour,
			uint32(cfg.Retention.MaxHistoryPerJob),
		)
		if err != nil {
			log.Error("history pruning failed", slog.Any("error", err))
			return
		}
		if n > 0 {
			log.Info("pruned history rows", slog.Int64("count", n))
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
