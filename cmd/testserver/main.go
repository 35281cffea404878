// testserver starts a fleetbroker API with simulated providers for E2E testing.
// Usage: go run ./cmd/testserver
//
// Settings come from FLEETBROKER_* environment variables; the database
// defaults to memory and the poller to a short interval.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/fleetbroker/internal/api"
	"github.com/seantiz/fleetbroker/internal/catalog"
	"github.com/seantiz/fleetbroker/internal/config"
	"github.com/seantiz/fleetbroker/internal/engine"
	"github.com/seantiz/fleetbroker/internal/mapping"
	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
	"github.com/seantiz/fleetbroker/internal/provider/sim"
	"github.com/seantiz/fleetbroker/internal/store"
)

// templates served by the test server. "doomed" is pinned to a provider that
// rejects every submission.
func templates() []*model.Template {
	weighted := map[string]float64{"sim.large": 1, "sim.xlarge": 2}
	return []*model.Template{
		{ID: "fleet", ProviderAPI: "EC2Fleet", FleetType: "instant", MaxNumber: 10, ImageID: "ami-sim", InstanceTypes: weighted, PriceType: model.PriceOnDemand},
		{ID: "spot", ProviderAPI: "SpotFleet", FleetType: "request", MaxNumber: 10, ImageID: "ami-sim", InstanceTypes: weighted, PriceType: model.PriceSpot},
		{ID: "asg", ProviderAPI: "ASG", MaxNumber: 10, ImageID: "ami-sim", InstanceTypes: map[string]float64{"sim.large": 1}},
		{ID: "flat", ProviderAPI: "RunInstances", MaxNumber: 10, ImageID: "ami-sim", InstanceTypes: map[string]float64{"sim.large": 1}},
		{ID: "servers", ProviderAPI: "Servers", MaxNumber: 5, ImageID: "debian-12", InstanceTypes: map[string]float64{"cx22": 1}},
		{ID: "doomed", ProviderAPI: "RunInstances", ProviderName: "sim-broken", MaxNumber: 5, ImageID: "ami-sim"},
	}
}

func main() {
	flags := flag.NewFlagSet("testserver", flag.ContinueOnError)
	config.RegisterFlags(flags)
	v, err := config.NewViper(flags, "")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	v.SetDefault(config.DBPath, ":memory:")
	v.SetDefault(config.PollInterval, "200ms")
	v.SetDefault(config.LogFormat, "text")
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := provider.NewRegistry()
	gateways := []struct {
		cfg      provider.InstanceConfig
		behavior sim.Behavior
	}{
		{provider.InstanceConfig{Name: "sim-a", Type: provider.TypeSim, Enabled: true, Weight: 2}, sim.Behavior{StepsToRun: 2, InstanceType: "sim.large"}},
		{provider.InstanceConfig{Name: "sim-b", Type: provider.TypeSim, Enabled: true, Weight: 1}, sim.Behavior{StepsToRun: 1, InstanceType: "sim.large"}},
		{provider.InstanceConfig{Name: "sim-broken", Type: provider.TypeSim, Enabled: true, Weight: 0}, sim.Behavior{
			SubmitError: &provider.APIError{Code: "UnauthorizedOperation", Message: "simulated permission failure"},
		}},
	}
	for _, g := range gateways {
		gw := sim.New(logger.With("provider", g.cfg.Name), sim.WithBehavior(g.behavior))
		if err := reg.Register(g.cfg, gw); err != nil {
			log.Fatalf("register %s: %v", g.cfg.Name, err)
		}
	}

	cat, err := catalog.New(templates()...)
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	mapper, err := mapping.New(cfg.Scheduler)
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	eng := engine.NewEngine(db, reg, cat, logger,
		engine.WithPolicy(cfg.SelectionPolicy),
		engine.WithRequestTimeout(cfg.RequestTimeout),
	)
	poller := engine.NewPoller(eng, cfg.PollInterval, cfg.PollConcurrency, logger)
	srv := api.NewServer(cfg.ListenAddr, db, reg, cat, eng, mapper, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", cfg.ListenAddr, "scheduler", mapper.Name(), "policy", cfg.SelectionPolicy)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
