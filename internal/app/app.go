package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vidfriends/livesched/internal/config"
	"github.com/vidfriends/livesched/internal/httpserver"
	"github.com/vidfriends/livesched/internal/logging"
)

// Run dispatches a livesched subcommand.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: serve, migrate, jobs, or run-job")
	}

	switch args[0] {
	case "serve":
		return serve(ctx)
	case "migrate":
		return runMigrations(ctx, args[1:], os.Stdout)
	case "jobs":
		return listJobs(ctx, os.Stdout)
	case "run-job":
		if len(args) < 2 {
			return errors.New("expected job name")
		}
		return runJob(ctx, args[1], os.Stdout)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func bootstrap(ctx context.Context) (config.Config, *slog.Logger, *components, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, logger, deps, nil
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, deps, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
		defer cancel()
		if err := deps.cleanup(cleanupCtx); err != nil {
			logger.Error("release dependencies", slog.String("error", err.Error()))
		}
	}()

	if cfg.Jobs.Enabled {
		if err := deps.scheduler.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
			defer cancel()
			if err := deps.scheduler.Stop(stopCtx); err != nil {
				logger.Warn("stop job scheduler", slog.String("error", err.Error()))
			}
		}()
		logger.Info("job scheduler started", slog.Any("jobs", deps.scheduler.Jobs()))
	}

	srv := httpserver.New(cfg.AppPort, deps.handler)
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	logger.Info("starting http server", slog.Int("port", cfg.AppPort), slog.String("store", cfg.StoreKind))
	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	logger.Info("http server stopped")
	return nil
}

func listJobs(ctx context.Context, w io.Writer) error {
	_, _, deps, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup(context.Background())

	for _, name := range deps.scheduler.Jobs() {
		fmt.Fprintln(w, name)
	}
	return nil
}

// runJob runs one maintenance job immediately and prints its report.
func runJob(ctx context.Context, name string, w io.Writer) error {
	_, _, deps, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup(context.Background())

	report, err := deps.scheduler.RunNow(ctx, name)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
