package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/fleetbroker/internal/catalog"
	"github.com/seantiz/fleetbroker/internal/engine"
	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
	"github.com/seantiz/fleetbroker/internal/provider/sim"
	"github.com/seantiz/fleetbroker/internal/reconcile"
	"github.com/seantiz/fleetbroker/internal/specbuild"
	"github.com/seantiz/fleetbroker/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testTemplates() []*model.Template {
	return []*model.Template{
		{
			ID:            "fleet",
			ProviderAPI:   "EC2Fleet",
			FleetType:     "instant",
			MaxNumber:     10,
			ImageID:       "ami-1",
			InstanceTypes: map[string]float64{"sim.large": 1},
			PriceType:     model.PriceOnDemand,
		},
		{
			ID:            "flat",
			ProviderAPI:   "RunInstances",
			MaxNumber:     10,
			ImageID:       "ami-1",
			InstanceTypes: map[string]float64{"sim.large": 1},
		},
	}
}

type testEnv struct {
	engine *engine.Engine
	store  store.Store
	sim    *sim.Gateway
	reg    *provider.Registry
}

func newTestEnv(t *testing.T, behavior sim.Behavior, opts ...engine.Option) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := discardLogger()
	gw := sim.New(logger, sim.WithBehavior(behavior))
	reg := provider.NewRegistry()
	if err := reg.Register(provider.InstanceConfig{Name: "sim-a", Type: provider.TypeSim, Enabled: true, Weight: 1}, gw); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cat, err := catalog.New(testTemplates()...)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	return &testEnv{
		engine: engine.NewEngine(s, reg, cat, logger, opts...),
		store:  s,
		sim:    gw,
		reg:    reg,
	}
}

func runNow() sim.Behavior {
	return sim.Behavior{StepsToRun: 0, InstanceType: "sim.large"}
}

func mustSync(t *testing.T, e *engine.Engine, id string) *model.Request {
	t.Helper()
	r, err := e.Sync(context.Background(), id)
	if err != nil {
		t.Fatalf("Sync(%s): %v", id, err)
	}
	return r
}

func TestAcquireFleetLifecycle(t *testing.T) {
	env := newTestEnv(t, sim.Behavior{StepsToRun: 1, InstanceType: "sim.large"})
	ctx := context.Background()

	req, err := env.engine.Acquire(ctx, "fleet", 2)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if req.Status != model.StatusInProgress {
		t.Fatalf("Status = %q, want %q (message %q)", req.Status, model.StatusInProgress, req.Message)
	}
	if req.ProviderName != "sim-a" || req.Handler != "EC2Fleet" {
		t.Errorf("provider/handler = %s/%s, want sim-a/EC2Fleet", req.ProviderName, req.Handler)
	}
	if len(req.ResourceIDs) != 1 {
		t.Fatalf("ResourceIDs = %v, want one fleet", req.ResourceIDs)
	}
	if _, ok := req.Metadata[model.MetaSelection]; !ok {
		t.Error("selection metadata missing")
	}

	got := mustSync(t, env.engine, req.ID)
	if got.Status != model.StatusInProgress {
		t.Errorf("after first sync Status = %q, want still %q", got.Status, model.StatusInProgress)
	}
	if _, ok := got.Metadata[model.MetaFleetCapacity]; !ok {
		t.Error("fleet_capacity metadata missing after sync")
	}

	got = mustSync(t, env.engine, req.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("after second sync Status = %q, want %q (message %q)", got.Status, model.StatusCompleted, got.Message)
	}
	if !strings.Contains(got.Message, "fulfilled") {
		t.Errorf("Message = %q, want it to mention fulfilled", got.Message)
	}

	machines, err := env.store.ListMachines(ctx, req.ID)
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("len(machines) = %d, want 2", len(machines))
	}
	for _, m := range machines {
		if m.Status != model.MachineRunning {
			t.Errorf("machine %s Status = %q, want RUNNING", m.ID, m.Status)
		}
		if m.LaunchedAt == nil {
			t.Errorf("machine %s LaunchedAt is nil", m.ID)
		}
	}
}

func TestAcquireUnknownTemplate(t *testing.T) {
	env := newTestEnv(t, runNow())
	_, err := env.engine.Acquire(context.Background(), "nope", 1)
	if !errors.Is(err, catalog.ErrTemplateNotFound) {
		t.Errorf("Acquire error = %v, want ErrTemplateNotFound", err)
	}
}

func TestAcquireInvalidCount(t *testing.T) {
	env := newTestEnv(t, runNow())
	for _, count := range []int{0, -1, 11} {
		_, err := env.engine.Acquire(context.Background(), "fleet", count)
		if !errors.Is(err, engine.ErrInvalidCount) {
			t.Errorf("Acquire(count=%d) error = %v, want ErrInvalidCount", count, err)
		}
	}
}

func TestAcquireSubmitErrorFailsRequest(t *testing.T) {
	env := newTestEnv(t, sim.Behavior{
		SubmitError: &provider.APIError{Code: "UnauthorizedOperation", Message: "not allowed"},
	})

	req, err := env.engine.Acquire(context.Background(), "fleet", 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if req.Status != model.StatusFailed {
		t.Fatalf("Status = %q, want %q", req.Status, model.StatusFailed)
	}
	if !strings.Contains(req.Message, "UnauthorizedOperation") {
		t.Errorf("Message = %q, want provider error code", req.Message)
	}
	errs := reconcile.RecordedErrors(req.Metadata)
	if len(errs) != 1 || errs[0].Code != "UnauthorizedOperation" {
		t.Errorf("fleet_errors = %v, want UnauthorizedOperation", errs)
	}

	stored, err := env.store.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if stored.Status != model.StatusFailed {
		t.Errorf("stored Status = %q, want %q", stored.Status, model.StatusFailed)
	}
}

func TestAcquireNoProviderFailsRequest(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := discardLogger()
	reg := provider.NewRegistry()
	reg.Register(provider.InstanceConfig{Name: "off", Type: provider.TypeSim, Enabled: false}, sim.New(logger))
	cat, _ := catalog.New(testTemplates()...)
	e := engine.NewEngine(s, reg, cat, logger)

	req, err := e.Acquire(context.Background(), "fleet", 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if req.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", req.Status, model.StatusFailed)
	}
	if !strings.Contains(req.Message, "no provider available") {
		t.Errorf("Message = %q, want it to mention no provider", req.Message)
	}
}

func TestAcquireFlatPartial(t *testing.T) {
	env := newTestEnv(t, sim.Behavior{StepsToRun: 0, FailInstances: 1, InstanceType: "sim.large"})

	req, err := env.engine.Acquire(context.Background(), "flat", 3)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	got := mustSync(t, env.engine, req.ID)
	if got.Status != model.StatusPartial {
		t.Errorf("Status = %q, want %q (message %q)", got.Status, model.StatusPartial, got.Message)
	}

	machines, _ := env.store.ListMachines(context.Background(), req.ID)
	counts := model.CountByStatus(machines)
	if counts[model.MachineRunning] != 2 || counts[model.MachineFailed] != 1 {
		t.Errorf("machine counts = %v, want 2 running and 1 failed", counts)
	}
}

func TestAcquireFlatShortLaunchIsPartial(t *testing.T) {
	env := newTestEnv(t, sim.Behavior{StepsToRun: 0, ShortLaunch: 2, InstanceType: "sim.large"})

	req, err := env.engine.Acquire(context.Background(), "flat", 5)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	got := mustSync(t, env.engine, req.ID)
	if got.Status != model.StatusPartial {
		t.Fatalf("Status = %q, want %q (message %q)", got.Status, model.StatusPartial, got.Message)
	}
	if !strings.Contains(got.Message, "3 of 5") {
		t.Errorf("Message = %q, want it to mention 3 of 5", got.Message)
	}
	errs := reconcile.RecordedErrors(got.Metadata)
	if len(errs) != 1 || errs[0].Message != "launched 3 of 5 instances" {
		t.Errorf("fleet_errors = %v, want the launch shortfall", errs)
	}
}

func TestAcquireFlatShortLaunchNothingRunningFails(t *testing.T) {
	env := newTestEnv(t, sim.Behavior{StepsToRun: 0, ShortLaunch: 1, FailInstances: 2, InstanceType: "sim.large"})

	req, err := env.engine.Acquire(context.Background(), "flat", 3)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	got := mustSync(t, env.engine, req.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q (message %q)", got.Status, model.StatusFailed, got.Message)
	}
}

func TestAcquireHonoursNativeSpecCapability(t *testing.T) {
	tmpl := &model.Template{
		ID:            "native",
		ProviderAPI:   "RunInstances",
		MaxNumber:     10,
		ImageID:       "ami-1",
		InstanceTypes: map[string]float64{"sim.large": 1},
		NativeSpec:    map[string]any{"MaxCount": 7},
	}
	cat, err := catalog.New(tmpl)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	tests := []struct {
		name      string
		overrides map[string]any
		want      int
	}{
		{"native spec accepted", nil, 7},
		{"native spec rejected", map[string]any{
			"RunInstances": map[string]any{provider.KeySupportsOnDemand: true, provider.KeyNativeSpec: false},
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := store.NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })

			gw := sim.New(discardLogger(), sim.WithBehavior(runNow()))
			reg := provider.NewRegistry()
			cfg := provider.InstanceConfig{Name: "sim-a", Type: provider.TypeSim, Enabled: true, Weight: 1, HandlerOverrides: tt.overrides}
			if err := reg.Register(cfg, gw); err != nil {
				t.Fatalf("Register: %v", err)
			}
			eng := engine.NewEngine(s, reg, cat, discardLogger(),
				engine.WithBuilder(specbuild.NewBuilder(specbuild.Options{NativeEnabled: true, MergeMode: specbuild.MergeDeep})))

			req, err := eng.Acquire(context.Background(), "native", 2)
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if req.Status != model.StatusInProgress {
				t.Fatalf("Status = %q, want %q (message %q)", req.Status, model.StatusInProgress, req.Message)
			}
			mustSync(t, eng, req.ID)

			machines, err := s.ListMachines(context.Background(), req.ID)
			if err != nil {
				t.Fatalf("ListMachines: %v", err)
			}
			if len(machines) != tt.want {
				t.Errorf("launched %d machines, want %d", len(machines), tt.want)
			}
		})
	}
}

func TestAcquireFleetAllFailed(t *testing.T) {
	env := newTestEnv(t, sim.Behavior{StepsToRun: 0, FailInstances: 2})

	req, _ := env.engine.Acquire(context.Background(), "fleet", 2)
	got := mustSync(t, env.engine, req.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q (message %q)", got.Status, model.StatusFailed, got.Message)
	}
	if len(reconcile.RecordedErrors(got.Metadata)) == 0 {
		t.Error("expected provider errors recorded on the request")
	}
}

func TestSyncTimesOut(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	env := newTestEnv(t, sim.Behavior{StepsToRun: 100},
		engine.WithClock(clock),
		engine.WithRequestTimeout(time.Minute),
	)

	req, err := env.engine.Acquire(context.Background(), "fleet", 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := mustSync(t, env.engine, req.ID); got.Status != model.StatusInProgress {
		t.Fatalf("Status = %q before timeout, want %q", got.Status, model.StatusInProgress)
	}

	now = now.Add(2 * time.Minute)
	got := mustSync(t, env.engine, req.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("Status = %q after timeout, want %q", got.Status, model.StatusFailed)
	}
	if !strings.Contains(got.Message, "timed out") {
		t.Errorf("Message = %q, want it to mention the timeout", got.Message)
	}
}

func TestSyncTerminalIsNoop(t *testing.T) {
	env := newTestEnv(t, runNow())
	req, _ := env.engine.Acquire(context.Background(), "fleet", 1)
	done := mustSync(t, env.engine, req.ID)
	if done.Status != model.StatusCompleted {
		t.Fatalf("Status = %q, want %q", done.Status, model.StatusCompleted)
	}

	again := mustSync(t, env.engine, req.ID)
	if again.Status != done.Status || again.Message != done.Message {
		t.Errorf("terminal request changed: %q/%q -> %q/%q", done.Status, done.Message, again.Status, again.Message)
	}
}

func TestSyncUnknownRequest(t *testing.T) {
	env := newTestEnv(t, runNow())
	_, err := env.engine.Sync(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Sync error = %v, want ErrNotFound", err)
	}
}

// brokenGateway fails capacity reads with a permanent provider error.
type brokenGateway struct {
	*sim.Gateway
}

func (b brokenGateway) DescribeCapacity(context.Context, provider.Handler, []string) (provider.CapacitySnapshot, error) {
	return provider.CapacitySnapshot{}, &provider.APIError{Code: "InvalidFleetId.NotFound", Message: "gone"}
}

func TestSyncRecordsPermanentProviderErrors(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := discardLogger()
	reg := provider.NewRegistry()
	reg.Register(provider.InstanceConfig{Name: "broken", Type: provider.TypeSim, Enabled: true}, brokenGateway{sim.New(logger)})
	cat, _ := catalog.New(testTemplates()...)
	e := engine.NewEngine(s, reg, cat, logger)

	req, err := e.Acquire(context.Background(), "fleet", 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	for i := 0; i < 2; i++ {
		got := mustSync(t, e, req.ID)
		if got.Status != model.StatusInProgress {
			t.Fatalf("Status = %q, want %q", got.Status, model.StatusInProgress)
		}
		errs := reconcile.RecordedErrors(got.Metadata)
		if len(errs) != 1 || errs[0].Code != "InvalidFleetId.NotFound" {
			t.Errorf("sync %d: fleet_errors = %v, want one InvalidFleetId.NotFound", i, errs)
		}
	}
}

func TestReturnLifecycle(t *testing.T) {
	env := newTestEnv(t, runNow())
	ctx := context.Background()

	acq, _ := env.engine.Acquire(ctx, "fleet", 2)
	if got := mustSync(t, env.engine, acq.ID); got.Status != model.StatusCompleted {
		t.Fatalf("acquire Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	machines, _ := env.store.ListMachines(ctx, acq.ID)
	ids := []string{machines[0].ID, machines[1].ID, "i-unknown", machines[0].ID}

	ret, err := env.engine.Return(ctx, ids)
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if ret.Type != model.RequestReturn || ret.Status != model.StatusInProgress {
		t.Fatalf("return = %s/%s, want RETURN/IN_PROGRESS", ret.Type, ret.Status)
	}
	if len(ret.MachineIDs) != 2 {
		t.Errorf("MachineIDs = %v, want the two known machines", ret.MachineIDs)
	}
	if ret.ProviderName != "sim-a" {
		t.Errorf("ProviderName = %q, want sim-a", ret.ProviderName)
	}
	if _, ok := ret.Metadata[model.MetaUnknown]; !ok {
		t.Error("unknown_machines metadata missing")
	}

	returning, _ := env.store.GetMachines(ctx, ret.MachineIDs)
	for _, m := range returning {
		if m.Status != model.MachineShuttingDown {
			t.Errorf("machine %s Status = %q, want SHUTTING_DOWN", m.ID, m.Status)
		}
		if m.RequestID != acq.ID {
			t.Errorf("machine %s moved to request %s", m.ID, m.RequestID)
		}
	}

	if got := mustSync(t, env.engine, ret.ID); got.Status != model.StatusInProgress {
		t.Errorf("Status = %q while shutting down, want %q", got.Status, model.StatusInProgress)
	}
	got := mustSync(t, env.engine, ret.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("Status = %q, want %q (message %q)", got.Status, model.StatusCompleted, got.Message)
	}

	returned, _ := env.store.GetMachines(ctx, ret.MachineIDs)
	for _, m := range returned {
		if m.Status != model.MachineTerminated {
			t.Errorf("machine %s Status = %q, want TERMINATED", m.ID, m.Status)
		}
	}
}

func TestReturnNothingCompletes(t *testing.T) {
	env := newTestEnv(t, runNow())
	ret, err := env.engine.Return(context.Background(), []string{"i-unknown", ""})
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if ret.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", ret.Status, model.StatusCompleted)
	}
}

func TestEngineMachines(t *testing.T) {
	env := newTestEnv(t, runNow())
	ctx := context.Background()

	acq, _ := env.engine.Acquire(ctx, "flat", 2)
	acq = mustSync(t, env.engine, acq.ID)

	owned, err := env.engine.Machines(ctx, acq)
	if err != nil {
		t.Fatalf("Machines: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("len(owned) = %d, want 2", len(owned))
	}

	ret, _ := env.engine.Return(ctx, []string{owned[0].ID})
	returning, err := env.engine.Machines(ctx, ret)
	if err != nil {
		t.Fatalf("Machines: %v", err)
	}
	if len(returning) != 1 || returning[0].ID != owned[0].ID {
		t.Errorf("return machines = %v, want [%s]", returning, owned[0].ID)
	}
}

func TestStatusEventsPublished(t *testing.T) {
	env := newTestEnv(t, sim.Behavior{StepsToRun: 1})
	ctx := context.Background()

	req, _ := env.engine.Acquire(ctx, "fleet", 1)
	ch, unsub := env.engine.Broker().Subscribe(req.ID)
	defer unsub()

	mustSync(t, env.engine, req.ID)
	mustSync(t, env.engine, req.ID)

	var got []model.RequestStatus
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				continue
			}
			got = append(got, ev.Status)
		case <-timeout:
			t.Fatal("event stream was not closed after terminal status")
		}
	}
	if len(got) != 1 || got[0] != model.StatusCompleted {
		t.Errorf("events = %v, want [COMPLETED]", got)
	}
}
