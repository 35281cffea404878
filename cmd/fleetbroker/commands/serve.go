package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/fleetbroker/internal/api"
	"github.com/seantiz/fleetbroker/internal/catalog"
	"github.com/seantiz/fleetbroker/internal/config"
	"github.com/seantiz/fleetbroker/internal/engine"
	"github.com/seantiz/fleetbroker/internal/mapping"
	"github.com/seantiz/fleetbroker/internal/provider"
	"github.com/seantiz/fleetbroker/internal/provider/aws"
	"github.com/seantiz/fleetbroker/internal/provider/hcloud"
	"github.com/seantiz/fleetbroker/internal/provider/sim"
	"github.com/seantiz/fleetbroker/internal/specbuild"
	"github.com/seantiz/fleetbroker/internal/store"
)

// Serve returns the serve command, which runs the HTTP API and the poller.
func Serve() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker API and reconcile loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("fleetbroker: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"scheduler", cfg.Scheduler,
		"policy", cfg.SelectionPolicy,
	)

	cat, err := catalog.Load(cfg.TemplatesFile)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	mapper, err := mapping.New(cfg.Scheduler)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(ctx, cfg.Providers, logger)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.NewEngine(db, reg, cat, logger,
		engine.WithPolicy(cfg.SelectionPolicy),
		engine.WithRequestTimeout(cfg.RequestTimeout),
		engine.WithBuilder(specbuild.NewBuilder(specbuild.Options{
			NativeEnabled: cfg.NativeSpec.Enabled,
			MergeMode:     cfg.NativeSpec.MergeMode,
			BaseDir:       cfg.NativeSpec.BaseDir,
		})),
	)
	poller := engine.NewPoller(eng, cfg.PollInterval, cfg.PollConcurrency, logger)
	srv := api.NewServer(cfg.ListenAddr, db, reg, cat, eng, mapper, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	return g.Wait()
}

// buildRegistry creates a gateway for every configured provider instance.
// A disabled instance whose gateway cannot be built is skipped.
func buildRegistry(ctx context.Context, providers []provider.InstanceConfig, logger *slog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, pc := range providers {
		gw, err := newGateway(ctx, pc, logger)
		if err != nil {
			if !pc.Enabled {
				logger.Warn("skipping disabled provider", "provider", pc.Name, "error", err)
				continue
			}
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		if err := reg.Register(pc, provider.WithRetry(gw, provider.DefaultRetryOptions())); err != nil {
			return nil, err
		}
		logger.Info("provider registered", "provider", pc.Name, "type", pc.Type, "enabled", pc.Enabled, "weight", pc.Weight)
	}
	return reg, nil
}

func newGateway(ctx context.Context, pc provider.InstanceConfig, logger *slog.Logger) (provider.Gateway, error) {
	switch pc.Type {
	case provider.TypeAWS:
		return aws.New(ctx, logger, pc)
	case provider.TypeHCloud:
		return hcloud.New(logger, pc)
	case provider.TypeSim:
		return sim.New(logger.With("provider", pc.Name)), nil
	}
	return nil, fmt.Errorf("unsupported provider type %q", pc.Type)
}
