// Package sim implements an in-memory provider gateway. It serves every
// handler, advances instances deterministically on each poll and can be told
// to fail, which makes it the gateway used by the test server and by tests.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

// Behavior controls how simulated resources evolve.
type Behavior struct {
	// SubmitError, when set, is returned from every Submit.
	SubmitError *provider.APIError
	// FailInstances is the number of instances per resource that end FAILED.
	FailInstances int
	// ShortLaunch is the number of instances per resource that are never
	// launched. The shortfall is reported on capacity snapshots.
	ShortLaunch int
	// StepsToRun is the number of polls an instance stays PENDING.
	StepsToRun int
	// InstanceType is reported for launched instances.
	InstanceType string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBehavior sets the simulated behavior.
func WithBehavior(b Behavior) Option {
	return func(g *Gateway) { g.behavior = b }
}

// WithClock sets the clock used for launch times.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

type instance struct {
	provider.Instance
	steps int
	fail  bool
}

type resource struct {
	id       string
	handler  provider.Handler
	target   float64
	instance []*instance
}

// Gateway is the simulated provider. It is safe for concurrent use.
type Gateway struct {
	logger   *slog.Logger
	behavior Behavior
	now      func() time.Time

	// idBase keeps instance ids unique across simulated gateways that share
	// one store.
	idBase uint64

	mu        sync.Mutex
	seq       int
	resources map[string]*resource
	instances map[string]*instance
	shortfall provider.SubmitErrors
}

var _ provider.Gateway = (*Gateway)(nil)

// New creates a simulated gateway.
func New(logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		logger:    logger,
		behavior:  Behavior{StepsToRun: 1, InstanceType: "sim.large"},
		now:       time.Now,
		idBase:    rand.Uint64N(1 << 48),
		resources: make(map[string]*resource),
		instances: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetBehavior replaces the behavior for resources submitted from now on.
func (g *Gateway) SetBehavior(b Behavior) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.behavior = b
}

var resourcePrefix = map[provider.Handler]string{
	provider.HandlerEC2Fleet:     "fleet-",
	provider.HandlerSpotFleet:    "sfr-",
	provider.HandlerASG:          "asg-",
	provider.HandlerRunInstances: "r-",
	provider.HandlerServers:      "srv-",
}

// Submit records a new resource sized from the payload's target capacity.
func (g *Gateway) Submit(ctx context.Context, handler provider.Handler, payload map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := Target(handler, payload)
	if err != nil {
		return "", &provider.APIError{Code: "InvalidParameterValue", Message: err.Error()}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.behavior.SubmitError != nil {
		return "", g.behavior.SubmitError
	}

	count := int(math.Ceil(target))
	launch := count - g.behavior.ShortLaunch
	if launch <= 0 && count > 0 {
		return "", &provider.APIError{Code: "InsufficientInstanceCapacity", Message: fmt.Sprintf("0 of %d instances launched", count)}
	}

	g.seq++
	res := &resource{
		id:      fmt.Sprintf("%s%08d", resourcePrefix[handler], g.seq),
		handler: handler,
		target:  target,
	}
	if launch < count {
		g.shortfall.Add(res.id, provider.ProviderError{
			Code:    "InsufficientInstanceCapacity",
			Message: fmt.Sprintf("launched %d of %d instances", launch, count),
		})
	}
	for i := 0; i < launch; i++ {
		g.seq++
		inst := &instance{
			Instance: provider.Instance{
				ID:           fmt.Sprintf("i-%017x", g.idBase+uint64(g.seq)),
				Status:       model.MachinePending,
				InstanceType: g.behavior.InstanceType,
				PrivateIP:    fmt.Sprintf("10.0.%d.%d", (g.seq/250)%250, g.seq%250+1),
			},
			steps: g.behavior.StepsToRun,
			fail:  i < g.behavior.FailInstances,
		}
		res.instance = append(res.instance, inst)
		g.instances[inst.ID] = inst
	}
	g.resources[res.id] = res

	g.logger.Debug("sim resource submitted", "resource_id", res.id, "handler", handler, "target", target)
	return res.id, nil
}

// DescribeCapacity advances the resources one step and reports their capacity.
func (g *Gateway) DescribeCapacity(ctx context.Context, handler provider.Handler, resourceIDs []string) (provider.CapacitySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return provider.CapacitySnapshot{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var target, fulfilled float64
	pending := false
	failed := 0
	for _, id := range resourceIDs {
		res, ok := g.resources[id]
		if !ok {
			return provider.CapacitySnapshot{}, &provider.APIError{Code: "ResourceNotFound", Message: fmt.Sprintf("resource %s does not exist", id)}
		}
		target += res.target
		for _, inst := range res.instance {
			g.advance(inst)
			switch inst.Status {
			case model.MachineRunning:
				fulfilled++
			case model.MachinePending:
				pending = true
			case model.MachineFailed:
				failed++
			}
		}
	}

	state := ""
	switch handler.Operation() {
	case provider.OperationFleet:
		state = "active"
		if pending {
			state = "submitted"
		}
	case provider.OperationASG:
		fulfilled = math.Min(fulfilled, target)
	}

	snap := provider.NewSnapshot(handler, target, fulfilled, state)
	snap.Errors = g.shortfall.For(resourceIDs)
	if failed > 0 {
		snap.Errors = append(snap.Errors, provider.ProviderError{
			Code:    "InsufficientInstanceCapacity",
			Message: fmt.Sprintf("%d instances could not be launched", failed),
		})
	}
	return snap, nil
}

// ListMachines reports the instances of the given resources without advancing them.
func (g *Gateway) ListMachines(ctx context.Context, _ provider.Handler, resourceIDs []string) ([]provider.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var out []provider.Instance
	for _, id := range resourceIDs {
		res, ok := g.resources[id]
		if !ok {
			return nil, &provider.APIError{Code: "ResourceNotFound", Message: fmt.Sprintf("resource %s does not exist", id)}
		}
		for _, inst := range res.instance {
			out = append(out, inst.Instance)
		}
	}
	return out, nil
}

// DescribeInstances advances the given instances one step. Unknown ids are
// reported as terminated.
func (g *Gateway) DescribeInstances(ctx context.Context, instanceIDs []string) ([]provider.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]provider.Instance, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		inst, ok := g.instances[id]
		if !ok {
			out = append(out, provider.Instance{ID: id, Status: model.MachineTerminated})
			continue
		}
		g.advance(inst)
		out = append(out, inst.Instance)
	}
	return out, nil
}

// Terminate moves the given instances to SHUTTING_DOWN.
func (g *Gateway) Terminate(ctx context.Context, instanceIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range instanceIDs {
		inst, ok := g.instances[id]
		if !ok || inst.Status.Final() {
			continue
		}
		inst.Status = model.MachineShuttingDown
		inst.steps = 1
	}
	g.logger.Debug("sim instances terminating", "count", len(instanceIDs))
	return nil
}

// Resources returns the ids of all submitted resources in order.
func (g *Gateway) Resources() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.resources))
	for id := range g.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// advance moves an instance one step through its lifecycle. Must hold g.mu.
func (g *Gateway) advance(inst *instance) {
	switch inst.Status {
	case model.MachinePending:
		if inst.steps > 0 {
			inst.steps--
			return
		}
		if inst.fail {
			inst.Status = model.MachineFailed
			return
		}
		launched := g.now().UTC()
		inst.Status = model.MachineRunning
		inst.LaunchedAt = &launched
	case model.MachineShuttingDown:
		if inst.steps > 0 {
			inst.steps--
			return
		}
		inst.Status = model.MachineTerminated
	}
}
