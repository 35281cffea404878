package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
	"github.com/seantiz/fleetbroker/internal/reconcile"
	"github.com/seantiz/fleetbroker/internal/store"
)

// observation is what the gateways reported for one request. complete is
// false when a read failed, in which case no reconcile decision is taken.
type observation struct {
	snapshot  *provider.CapacitySnapshot
	instances []provider.Instance
	errors    []provider.ProviderError
	complete  bool
}

// Sync reads the request's provider state, reconciles it and persists the
// outcome. Gateway reads happen before the transaction; provider errors are
// recorded on the request, never returned. Terminal requests are returned
// unchanged.
func (e *Engine) Sync(ctx context.Context, requestID string) (*model.Request, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, nil
	}

	logger := e.logger.With("request_id", req.ID, "provider", req.ProviderName, "handler", req.Handler)
	obs, err := e.observe(ctx, req, logger)
	if err != nil {
		return nil, err
	}

	var saved *model.Request
	var changed bool
	err = e.store.WithTransaction(ctx, req.ID, func(tx store.Tx) error {
		r := tx.Request()
		saved = r
		if r.Status.Terminal() {
			return nil
		}

		machines, err := e.applyInstances(tx, r, obs.instances)
		if err != nil {
			return err
		}
		if obs.snapshot != nil {
			reconcile.RecordSnapshot(r, *obs.snapshot)
		}
		reconcile.RecordErrors(r, obs.errors)

		var d reconcile.Decision
		if obs.complete {
			d = reconcile.Reconcile(r.Status, machines, r, obs.snapshot)
		}
		if !d.Changed() && e.now().Sub(r.CreatedAt) > e.requestTimeout {
			d = reconcile.Decision{
				Status:  model.StatusFailed,
				Message: fmt.Sprintf("request timed out after %s (last status: %s)", e.requestTimeout, lo.Ternary(r.Message != "", r.Message, string(r.Status))),
			}
		}
		if d.Changed() {
			r.Status, r.Message = d.Status, d.Message
			changed = true
		}
		return tx.SaveRequest(r)
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile request %s: %w", req.ID, err)
	}

	if changed {
		logger.Info("request status changed", "status", saved.Status, "message", saved.Message)
		e.notify(saved)
	}
	return saved, nil
}

func (e *Engine) observe(ctx context.Context, req *model.Request, logger *slog.Logger) (observation, error) {
	if req.Type == model.RequestReturn {
		return e.observeReturn(ctx, req, logger)
	}
	return e.observeAcquire(ctx, req, logger), nil
}

func (e *Engine) observeAcquire(ctx context.Context, req *model.Request, logger *slog.Logger) observation {
	var obs observation
	if len(req.ResourceIDs) == 0 {
		return obs
	}

	gw, err := e.registry.Gateway(req.ProviderName)
	if err != nil {
		logger.Error("gateway unavailable", "error", err)
		return obs
	}
	handler, err := provider.ParseHandler(req.Handler)
	if err != nil {
		logger.Error("stored handler is invalid", "error", err)
		return obs
	}

	// Capacity is read before instances so the listing is never older than
	// the snapshot.
	snap, err := gw.DescribeCapacity(ctx, handler, req.ResourceIDs)
	if err != nil {
		e.observeError(&obs, req.ProviderName, err, logger)
		return obs
	}
	instances, err := gw.ListMachines(ctx, handler, req.ResourceIDs)
	if err != nil {
		e.observeError(&obs, req.ProviderName, err, logger)
		return obs
	}

	obs.snapshot = &snap
	obs.instances = instances
	obs.errors = append(obs.errors, snap.Errors...)
	obs.complete = true
	return obs
}

func (e *Engine) observeReturn(ctx context.Context, req *model.Request, logger *slog.Logger) (observation, error) {
	obs := observation{complete: true}

	machines, err := e.store.GetMachines(ctx, req.MachineIDs)
	if err != nil {
		return obs, fmt.Errorf("look up machines: %w", err)
	}
	groups, err := e.groupByProvider(ctx, machines)
	if err != nil {
		return obs, err
	}

	for name, ids := range groups {
		gw, err := e.registry.Gateway(name)
		if err != nil {
			logger.Error("gateway unavailable", "provider", name, "error", err)
			obs.complete = false
			continue
		}
		instances, err := gw.DescribeInstances(ctx, ids)
		if err != nil {
			e.observeError(&obs, name, err, logger)
			obs.complete = false
			continue
		}
		obs.instances = append(obs.instances, instances...)
	}
	return obs, nil
}

// observeError counts a failed gateway read. Only permanent provider errors
// are recorded on the request.
func (e *Engine) observeError(obs *observation, providerName string, err error, logger *slog.Logger) {
	pe := provider.AsProviderError(err)
	providerErrors.WithLabelValues(providerName, pe.Code).Inc()
	if provider.IsRetryable(err) || ctxErr(err) {
		logger.Warn("provider read failed, will retry next poll", "code", pe.Code, "error", err)
		return
	}
	logger.Error("provider read failed", "code", pe.Code, "error", err)
	obs.errors = append(obs.errors, pe)
}

// applyInstances upserts observed instances and returns the request's
// machines as they stand after the update. Acquires adopt new instances;
// returns only update machines they already track, keeping the owner.
func (e *Engine) applyInstances(tx store.Tx, r *model.Request, instances []provider.Instance) ([]*model.Machine, error) {
	current := lo.KeyBy(tx.Machines(), func(m *model.Machine) string { return m.ID })
	now := e.now()

	for _, inst := range instances {
		owner := r.ID
		if existing, ok := current[inst.ID]; ok {
			if existing.Status.Final() {
				continue
			}
			owner = existing.RequestID
		} else if r.Type == model.RequestReturn {
			continue
		}

		m := inst.Machine(owner, now)
		if err := tx.UpsertMachine(m); err != nil {
			return nil, err
		}
		current[m.ID] = m
	}
	return lo.Values(current), nil
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
