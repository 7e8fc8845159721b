package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/throw-if-null/prime/internal/agent"
	"github.com/throw-if-null/prime/internal/audit"
	"github.com/throw-if-null/prime/internal/config"
	"github.com/throw-if-null/prime/internal/dispatch"
	"github.com/throw-if-null/prime/internal/hostenv"
	"github.com/throw-if-null/prime/internal/llm"
	"github.com/throw-if-null/prime/internal/notify"
	"github.com/throw-if-null/prime/internal/paths"
	"github.com/throw-if-null/prime/internal/prompt"
	"github.com/throw-if-null/prime/internal/runner"
	"github.com/throw-if-null/prime/internal/safety"
	"github.com/throw-if-null/prime/internal/selfupdate"
	"github.com/throw-if-null/prime/internal/server"
	"github.com/throw-if-null/prime/internal/store"
	"github.com/throw-if-null/prime/internal/telemetry"
	"github.com/throw-if-null/prime/internal/version"
)

// overridable in tests
var (
	dotenvLoad    = godotenv.Load
	telemetryInit = telemetry.Init
)

type options struct {
	root    string
	verbose bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "primed",
		Short:        "Run the prime agent daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cwd, _ := os.Getwd()
	cmd.Flags().StringVar(&opts.root, "root", cwd, "project root holding the .prime data directory")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "primed %s (%s)\n", version.Version, version.Commit)
		},
	})
	return cmd
}

type daemon struct {
	cfg      config.Config
	logger   *zap.Logger
	handler  http.Handler
	manager  *agent.Manager
	shutdown func(context.Context) error
}

func newLogger(cfg config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging.level %q: %w", cfg.Level, err)
		}
	}
	if verbose {
		level.SetLevel(zapcore.DebugLevel)
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}

// setup loads configuration and wires every component. The returned
// daemon's shutdown closes the database and flushes telemetry.
func setup(ctx context.Context, opts options) (*daemon, error) {
	root, err := filepath.Abs(opts.root)
	if err != nil {
		return nil, err
	}
	envErr := dotenvLoad(paths.EnvPath(root))

	loaded := config.Load(root)
	cfg, applyErr := config.ApplyEnv(loaded.Config, os.Getenv)

	logger, err := newLogger(cfg.Logging, opts.verbose)
	if err != nil {
		return nil, err
	}
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("load .env", zap.Error(envErr))
	}
	if loaded.ParseError != nil {
		logger.Warn("config ignored, using defaults", zap.String("path", loaded.Path), zap.Error(loaded.ParseError))
	}
	if applyErr != nil {
		logger.Warn("environment overrides", zap.Error(applyErr))
	}

	shutdownTelemetry, err := telemetryInit(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "primed",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := store.Open(paths.DBPath(root))
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db, store.WithBaseID(cfg.Tasks.BaseID), store.WithHistoryCap(cfg.Tasks.HistoryCap))
	if err := st.Init(); err != nil {
		db.Close()
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if ids, err := st.ReconcileInFlight(ctx); err != nil {
		logger.Warn("reconcile tasks", zap.Error(err))
	} else if len(ids) > 0 {
		logger.Info("marked interrupted tasks failed", zap.Int64s("task_ids", ids))
	}

	if err := os.MkdirAll(cfg.Exec.WorkDir, 0o755); err != nil {
		logger.Warn("create work dir", zap.String("dir", cfg.Exec.WorkDir), zap.Error(err))
	}

	provider, err := llm.NewProvider(llm.Options{
		Provider:       cfg.LLM.Provider,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		APIKey:         cfg.LLM.APIKey,
		MaxTokens:      cfg.LLM.MaxTokens,
		RequestTimeout: cfg.LLM.RequestTimeout(),
	})
	if err != nil {
		db.Close()
		_ = shutdownTelemetry(ctx)
		return nil, err
	}

	cmdRunner := &runner.RealCommandRunner{KillProcessGroup: cfg.Exec.KillProcessGroup}
	prober := hostenv.NewProber(cmdRunner, cfg.Environment.ProbeCommands, logger)
	reg := agent.NewRegistry()
	disp := dispatch.New(dispatch.Config{
		Shell:             cfg.Exec.Shell,
		ScriptInterpreter: cfg.Exec.ScriptInterpreter,
		ScriptExtension:   cfg.Exec.ScriptExtension,
		ScriptDir:         filepath.Join(paths.DataDir(root), "scripts"),
		WorkDir:           cfg.Exec.WorkDir,
		Timeout:           cfg.Exec.Timeout(),
		ReadLimit:         cfg.Exec.ReadLimit,
		MaxWait:           cfg.Exec.MaxWait(),
	}, cmdRunner, prober, agent.NewStatusResolver(reg, st), logger)

	recorder := audit.New(st, root, logger)
	gateway := llm.NewGateway(provider, st, recorder, llm.RetryPolicy{
		MaxAttempts: cfg.LLM.MaxAttempts,
		Delay:       cfg.LLM.RetryDelay(),
	}, logger.Named("llm"))
	hub := notify.NewHub(0)

	manager := agent.New(agent.Deps{
		Store:     st,
		Registry:  reg,
		Gateway:   gateway,
		Composer:  prompt.New(cfg.Exec.OutputLimit, cfg.LLM.MaxContextTokens),
		Validator: safety.New(logger),
		Executor:  disp,
		Env:       prober,
		Updater: selfupdate.New(selfupdate.Config{
			Disabled:    cfg.SelfUpdate.Disabled,
			Program:     cfg.SelfUpdate.Program,
			Interpreter: cfg.SelfUpdate.Interpreter,
		}, logger),
		Notifier: hub,
		Audit:    recorder,
		Logger:   logger,
		Workers:  cfg.Tasks.Workers,
	})
	srv := server.New(manager, st, provider, cfg.LLM.Model, hub, root, logger)

	shutdown := func(ctx context.Context) error {
		hub.Close()
		return errors.Join(db.Close(), shutdownTelemetry(ctx), logger.Sync())
	}
	return &daemon{
		cfg:      cfg,
		logger:   logger,
		handler:  srv.Handler(),
		manager:  manager,
		shutdown: shutdown,
	}, nil
}

func run(ctx context.Context, opts options) error {
	d, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.shutdown(sctx)
	}()

	addr := net.JoinHostPort(d.cfg.Server.Host, strconv.Itoa(d.cfg.Server.Port))
	httpSrv := &http.Server{Addr: addr, Handler: d.handler, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.manager.Run(ctx)
	})
	g.Go(func() error {
		d.logger.Info("listening",
			zap.String("version", version.Version),
			zap.String("addr", "http://"+addr),
			zap.String("provider", d.cfg.LLM.Provider),
			zap.String("model", d.cfg.LLM.Model))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
