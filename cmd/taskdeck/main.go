package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/config"
	"github.com/basket/taskdeck/internal/gateway"
	"github.com/basket/taskdeck/internal/heartbeat"
	"github.com/basket/taskdeck/internal/metrics"
	otelPkg "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/queue"
	"github.com/basket/taskdeck/internal/runmanager"
	"github.com/basket/taskdeck/internal/schedule"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/telemetry"
	"github.com/basket/taskdeck/internal/validator"
	"github.com/basket/taskdeck/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the orchestration daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s version                  Print the build version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKDECK_HOME           Data directory (default: ~/.taskdeck)
  TASKDECK_API_TOKEN      Bearer token for the REST/WS surface
  TASKDECK_EXECUTOR_CMD   Command that performs task and run work

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
`, os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, stop)
}

func runDaemon(ctx context.Context, stop context.CancelFunc) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) would hide the daemon entirely; only go
	// quiet when stdout is not a terminal and logs land in the file.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("TASKDECK_LOG_STDOUT") == ""

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.APIToken == "" {
			logger.Warn("api_token is empty on non-loopback bind; the API is unauthenticated", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	// Create the event bus early so it can be passed to the store.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	dbPath := filepath.Join(cfg.HomeDir, "taskdeck.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	recovered, err := st.RecoverRunningTasks(ctx)
	if err != nil {
		fatalStartup(logger, "E_TASK_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "tasks_requeued", recovered)

	val, err := validator.New()
	if err != nil {
		fatalStartup(logger, "E_VALIDATOR_INIT", err)
	}

	q := queue.New(queue.Config{
		Store:              st,
		Validator:          val,
		Logger:             logger,
		MaxQueueDepth:      cfg.MaxQueueDepth,
		DefaultMaxAttempts: cfg.Retry.MaxAttempts,
		DefaultBackoffSec:  cfg.Retry.BackoffSeconds,
	})

	engine := schedule.NewEngine(schedule.EngineConfig{
		Store:  st,
		Queue:  q,
		Bus:    eventBus,
		Logger: logger,
	})
	engine.Watch(ctx)
	scheduler := schedule.NewScheduler(schedule.SchedulerConfig{
		Store:    st,
		Engine:   engine,
		Logger:   logger,
		Interval: time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	exec := newCommandExecutor(cfg.Executor.Command, logger)
	if cfg.Executor.Command == "" {
		logger.Warn("executor.command is empty; claimed work will fail until one is configured")
	}

	runs := runmanager.New(runmanager.Config{
		Executor: exec.RunSession,
		Bus:      eventBus,
		Logger:   logger,
	})

	hb := heartbeat.New(heartbeat.Config{
		Sessions: st,
		Runs:     runs,
		HomeDir:  cfg.HomeDir,
		Logger:   logger,
	})
	hb.Start(ctx)

	pool := worker.New(q, worker.ProcessorFunc(exec.ProcessTask), worker.Config{
		WorkerCount: cfg.WorkerCount,
		TaskTimeout: time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		Runs:        runs,
		Logger:      logger,
	})
	pool.Start(ctx)
	logger.Info("startup phase", "phase", "workers_started", "count", cfg.WorkerCount)

	mets := metrics.New("taskdeck")
	mets.Watch(ctx, eventBus, st, 15*time.Second)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
				continue
			}
			// Structural settings (bind addr, worker count, token) need
			// a restart; log the drift so it is visible.
			if newCfg.Fingerprint() != cfg.Fingerprint() {
				logger.Warn("config.yaml changed on disk; restart to apply", "fingerprint", newCfg.Fingerprint())
			}
		}
	}()

	// Periodic retention job.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cfg.RetentionTaskEventsDays > 0 {
					olderThan := time.Duration(cfg.RetentionTaskEventsDays) * 24 * time.Hour
					if pruned, err := st.PruneTaskEvents(ctx, olderThan); err != nil {
						logger.Error("retention job failed", "error", err)
					} else if pruned > 0 {
						logger.Info("retention job completed", "pruned_task_events", pruned)
					}
				}
				if purged, err := st.PurgeExpiredEnvelopes(ctx); err != nil {
					logger.Error("mailbox purge failed", "error", err)
				} else if purged > 0 {
					logger.Info("mailbox purge completed", "purged_envelopes", purged)
				}
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:     st,
		Queue:     q,
		Schedules: engine,
		Runs:      runs,
		Workers:   pool,
		Bus:       eventBus,
		Metrics:   mets,
		Logger:    logger,
		AuthToken: cfg.APIToken,

		AllowOrigins: cfg.AllowOrigins,
		RateLimit: gateway.RateLimitSettings{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		},
		ConfigFingerprint: cfg.Fingerprint(),
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Router(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	// Graceful shutdown: stop intake first, then drain in-flight work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	pool.Drain(drainTimeout)

	runCtx, cancelRuns := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelRuns()
	if err := runs.Shutdown(runCtx); err != nil {
		logger.Warn("run manager shutdown timed out", "error", err)
	}
	hb.Wait()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// writeDefaultConfig bootstraps config.yaml on first run.
func writeDefaultConfig(homeDir string) error {
	content := `# taskdeck configuration
worker_count: 4
task_timeout_seconds: 600
bind_addr: "127.0.0.1:18790"
log_level: "info"

# Command that performs task and session-run work. The prompt arrives
# on stdin; stdout becomes the result.
executor:
  command: ""

retry:
  max_attempts: 3
  backoff_seconds: 60

scheduler:
  interval_seconds: 30
`
	return os.WriteFile(config.ConfigPath(homeDir), []byte(content), 0o644)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
