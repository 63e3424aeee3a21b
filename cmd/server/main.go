package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/NERVE-labs-team/sallar-network-server-library/internal/config"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/logging"
	"github.com/NERVE-labs-team/sallar-network-server-library/pkg/instance"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd(run).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	port       int
	dev        bool
	public     string
	authority  string
	token      string
	journal    string
	logLevel   string
	logPretty  bool
}

func newRootCmd(runFn func(context.Context, config.ManagerConfig) error) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "instance-manager",
		Short:         "Accept worker sessions and confirm them with the node manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			return runFn(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "Config file (.yaml, .yml, .json or .toml)")
	fs.IntVarP(&f.port, "port", "p", config.DefaultHTTPPort, "HTTP port to listen on (0 picks a free port)")
	fs.BoolVar(&f.dev, "dev", false, "Skip authority calls and admit every worker")
	fs.StringVar(&f.public, "public", config.DefaultPublicPath, "Directory of static frontend assets")
	fs.StringVar(&f.authority, "authority", "", "Node manager base URL")
	fs.StringVar(&f.token, "token", "", "Program token sent with authority calls")
	fs.StringVar(&f.journal, "journal", "", "SQLite presence journal path (empty disables it)")
	fs.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "Log level: debug|info|warn|error")
	fs.BoolVar(&f.logPretty, "log-pretty", false, "Human readable console logs")
	return cmd
}

// resolveConfig layers the config file, SALLAR_* variables and explicitly set flags.
func resolveConfig(cmd *cobra.Command, f flags) (config.ManagerConfig, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.HTTPPort = f.port
	}
	if changed("dev") {
		cfg.DevMode = f.dev
	}
	if changed("public") {
		cfg.PublicPath = f.public
	}
	if changed("authority") {
		cfg.NodeManagerServer = f.authority
	}
	if changed("token") {
		cfg.ProgramToken = f.token
	}
	if changed("journal") {
		cfg.JournalPath = f.journal
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-pretty") {
		cfg.LogPretty = f.logPretty
	}
	return cfg, nil
}

// logConnected logs each confirmed worker. The worker itself is admitted only
// after the callback returns, so it is not among the workers counted here.
func logConnected(logger zerolog.Logger) instance.EventHandler {
	return func(_ context.Context, p *instance.Payload, e instance.Emitter) error {
		logger.Info().Str("worker_id", p.WorkerID).Int("already_active", len(e.Workers())).Msg("worker connected")
		return nil
	}
}

func run(parent context.Context, cfg config.ManagerConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	if logging.ParseLevel(cfg.LogLevel) > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	m, err := instance.New(cfg, instance.WithLogger(logger))
	if err != nil {
		return err
	}

	if err := m.On("ping", func(_ context.Context, p *instance.Payload, e instance.Emitter) error {
		return e.EmitTo(p.WorkerID, "pong", map[string]any{"workers": len(e.Workers())})
	}); err != nil {
		return err
	}

	onConnected := logConnected(logger)
	onError := func(p *instance.Payload, err error) {
		ev := logger.Error()
		if errors.Is(err, instance.ErrWorkerDisconnected) {
			ev = logger.Info()
		}
		ev.Err(err).Str("worker_id", p.WorkerID).Msg("worker event")
	}
	if err := m.Launch(onConnected, onError); err != nil {
		m.Close(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(m.Wait)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return m.Close(shutdownCtx)
	})
	return g.Wait()
}
