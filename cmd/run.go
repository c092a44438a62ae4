package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/spotify/comet-core/internal/cache"
	"github.com/spotify/comet-core/internal/config"
	"github.com/spotify/comet-core/internal/database"
	"github.com/spotify/comet-core/internal/logging"
	"github.com/spotify/comet-core/pkg/alertconf"
	"github.com/spotify/comet-core/pkg/api"
	"github.com/spotify/comet-core/pkg/cron"
	"github.com/spotify/comet-core/pkg/ingest"
	"github.com/spotify/comet-core/pkg/registry"
	"github.com/spotify/comet-core/pkg/scheduler"
	"github.com/spotify/comet-core/pkg/store"
)

func NewRun(setup ...SetupFunc) *cobra.Command {
	var cfg config.Config
	loader := config.NewLoader()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler and the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loader.Initialize(cmd); err != nil {
				return err
			}
			if err := loader.Load(&cfg); err != nil {
				return err
			}
			if err := loader.Validate(&cfg); err != nil {
				return err
			}
			return runApplication(cmd.Context(), &cfg, setup)
		},
	}
	config.AddCommonFlags(cmd.Flags(), &cfg)
	return cmd
}

func runApplication(ctx context.Context, cfg *config.Config, setup []SetupFunc) error {
	lvl, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	logging.SetConfig(&logging.Config{
		Level:       lvl,
		FilePath:    cfg.Log.File,
		Development: cfg.Log.Development,
	})
	logger := logging.DefaultLogger()
	defer logger.Sync()
	ctx = logging.WithLogger(ctx, logger)

	db, err := database.NewDatabase(&cfg.DB)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	st, err := store.New(db)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	cacher := cache.NewCache(ctx, &cfg.Cache)

	reg := registry.New()
	for _, fn := range setup {
		fn(reg)
	}
	// The file based alert configuration backs any real-time source
	// without its own provider.
	if cfg.Alerts.ConfDir != "" {
		provider := alertconf.New(&cfg.Alerts, cacher)
		for _, sourceType := range reg.RealTimeSourceTypes() {
			if _, ok := reg.ConfigProvider(sourceType); !ok {
				reg.RegisterConfigProvider(sourceType, provider)
			}
		}
	}
	reg.ValidateConfig(ctx)

	ing := ingest.New(reg, st)
	sched := scheduler.New(&cfg.Scheduler, reg, st, ing)

	apiServer := api.NewServer(&cfg.API, st, ing, nil)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer.Router(logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	jobs := cron.New(&cfg.CronJobs, st)
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("starting cron jobs: %w", err)
	}
	defer jobs.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server.started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
