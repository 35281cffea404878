package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/seantiz/fleetbroker/internal/capability"
	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
	"github.com/seantiz/fleetbroker/internal/reconcile"
	"github.com/seantiz/fleetbroker/internal/selection"
	"github.com/seantiz/fleetbroker/internal/specbuild"
	"github.com/seantiz/fleetbroker/internal/store"
)

// DefaultRequestTimeout is how long an acquire may stay unresolved when no
// timeout is configured.
const DefaultRequestTimeout = 30 * time.Minute

// ErrInvalidCount is returned when an acquire asks for fewer than one machine
// or more than the template allows.
var ErrInvalidCount = errors.New("invalid machine count")

// Catalog resolves template IDs.
type Catalog interface {
	Get(id string) (*model.Template, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the provider selection policy.
func WithPolicy(p selection.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithRequestTimeout sets how long an acquire may stay unresolved before it
// is failed.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) { e.requestTimeout = d }
}

// WithBuilder sets the spec builder.
func WithBuilder(b *specbuild.Builder) Option {
	return func(e *Engine) { e.builder = b }
}

// WithSelector sets the provider selector.
func WithSelector(s *selection.Selector) Option {
	return func(e *Engine) { e.selector = s }
}

// WithClock overrides the engine's notion of now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine orchestrates request lifecycles across the provider gateways.
type Engine struct {
	store          store.Store
	registry       *provider.Registry
	catalog        Catalog
	selector       *selection.Selector
	builder        *specbuild.Builder
	policy         selection.Policy
	requestTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	broker         *StatusBroker
}

// NewEngine creates a new orchestrator.
func NewEngine(s store.Store, reg *provider.Registry, cat Catalog, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		registry:       reg,
		catalog:        cat,
		selector:       selection.NewSelector(capability.NewValidator()),
		builder:        specbuild.NewBuilder(specbuild.Options{MergeMode: specbuild.MergeReplace}),
		policy:         selection.FirstAvailable,
		requestTimeout: DefaultRequestTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger,
		broker:         NewStatusBroker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's status broker for SSE subscription.
func (e *Engine) Broker() *StatusBroker {
	return e.broker
}

// Acquire creates an acquire request for count machines of a template,
// selects a provider, builds the payload and submits it. Failures after the
// request is persisted are recorded on the request rather than returned.
func (e *Engine) Acquire(ctx context.Context, templateID string, count int) (*model.Request, error) {
	tmpl, err := e.catalog.Get(templateID)
	if err != nil {
		return nil, err
	}
	if count < 1 || count > tmpl.MaxNumber {
		return nil, fmt.Errorf("%w: %d (template %s allows 1 to %d)", ErrInvalidCount, count, tmpl.ID, tmpl.MaxNumber)
	}

	now := e.now()
	req := &model.Request{
		ID:             model.NewIDAt(now),
		Type:           model.RequestAcquire,
		TemplateID:     tmpl.ID,
		RequestedCount: count,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	logger := e.logger.With("request_id", req.ID, "template_id", tmpl.ID)

	sub := e.submit(ctx, req, tmpl, logger)

	var saved *model.Request
	err = e.store.WithTransaction(ctx, req.ID, func(tx store.Tx) error {
		r := tx.Request()
		sub.apply(r)
		saved = r
		return tx.SaveRequest(r)
	})
	if err != nil {
		return nil, fmt.Errorf("record submission: %w", err)
	}

	logger.Info("acquire submitted", "status", saved.Status, "provider", saved.ProviderName, "handler", saved.Handler)
	e.notify(saved)
	return saved, nil
}

// submission is the outcome of selecting, building and submitting, applied
// to the request in one transaction.
type submission struct {
	selection  *selection.Result
	handler    provider.Handler
	resourceID string
	status     model.RequestStatus
	message    string
	errs       []provider.ProviderError
}

func (s submission) apply(r *model.Request) {
	if s.selection != nil {
		r.ProviderName = s.selection.ProviderName
		r.ProviderType = string(s.selection.ProviderType)
		r.Handler = string(s.handler)
		r.SetMeta(model.MetaSelection, map[string]any{
			"provider_name": s.selection.ProviderName,
			"provider_type": string(s.selection.ProviderType),
			"reason":        s.selection.Reason,
			"confidence":    s.selection.Confidence,
			"warnings":      s.selection.Validation.Warnings,
		})
	}
	if s.resourceID != "" {
		r.ResourceIDs = append(r.ResourceIDs, s.resourceID)
	}
	reconcile.RecordErrors(r, s.errs)
	r.Status = s.status
	r.Message = s.message
}

// nativeAllowed reports whether handler accepts native specs on the named
// provider, the same capability the validator checks.
func (e *Engine) nativeAllowed(name string, handler provider.Handler) bool {
	cfg, ok := e.registry.Config(name)
	if !ok {
		return false
	}
	handlers, err := provider.EffectiveHandlers(cfg)
	if err != nil {
		return false
	}
	return handlers[handler].Bool(provider.KeyNativeSpec)
}

func failed(sub submission, format string, args ...any) submission {
	sub.status = model.StatusFailed
	sub.message = fmt.Sprintf(format, args...)
	return sub
}

func (e *Engine) submit(ctx context.Context, req *model.Request, tmpl *model.Template, logger *slog.Logger) submission {
	var sub submission

	sel, err := e.selector.Select(tmpl, e.registry.Configs(), e.policy)
	if err != nil {
		logger.Warn("provider selection failed", "error", err)
		return failed(sub, "provider selection failed: %v", err)
	}
	sub.selection = &sel

	handler, err := provider.ParseHandler(tmpl.ProviderAPI)
	if err != nil {
		return failed(sub, "template %s: %v", tmpl.ID, err)
	}
	sub.handler = handler
	logger = logger.With("provider", sel.ProviderName, "handler", handler)

	payload, err := e.builder.Build(specbuild.Input{
		RequestID:     req.ID,
		Count:         req.RequestedCount,
		Template:      tmpl,
		ProviderName:  sel.ProviderName,
		ProviderType:  sel.ProviderType,
		Handler:       handler,
		NativeAllowed: e.nativeAllowed(sel.ProviderName, handler),
	})
	if err != nil {
		logger.Warn("build payload failed", "error", err)
		return failed(sub, "build payload: %v", err)
	}

	gw, err := e.registry.Gateway(sel.ProviderName)
	if err != nil {
		return failed(sub, "%v", err)
	}

	resourceID, err := gw.Submit(ctx, handler, payload)
	if err != nil {
		submissions.WithLabelValues(sel.ProviderName, string(handler), "error").Inc()
		pe := provider.AsProviderError(err)
		sub.errs = []provider.ProviderError{pe}
		logger.Error("submit failed", "code", pe.Code, "error", err)
		return failed(sub, "submit to %s failed: %s: %s", sel.ProviderName, pe.Code, pe.Message)
	}
	submissions.WithLabelValues(sel.ProviderName, string(handler), "ok").Inc()

	sub.resourceID = resourceID
	sub.status = model.StatusInProgress
	sub.message = fmt.Sprintf("submitted %s %s to %s", handler, resourceID, sel.ProviderName)
	return sub
}

// Return creates a return request for the given machines and starts their
// termination. Unknown machine IDs are recorded and otherwise ignored; an
// empty set of known machines completes immediately.
func (e *Engine) Return(ctx context.Context, machineIDs []string) (*model.Request, error) {
	ids := lo.Uniq(lo.Without(machineIDs, ""))
	machines, err := e.store.GetMachines(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("look up machines: %w", err)
	}
	known := lo.Map(machines, func(m *model.Machine, _ int) string { return m.ID })

	now := e.now()
	req := &model.Request{
		ID:             model.NewIDAt(now),
		Type:           model.RequestReturn,
		RequestedCount: len(known),
		Status:         model.StatusPending,
		MachineIDs:     known,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if unknown := lo.Without(ids, known...); len(unknown) > 0 {
		req.SetMeta(model.MetaUnknown, unknown)
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	logger := e.logger.With("request_id", req.ID)

	groups, err := e.groupByProvider(ctx, machines)
	if err != nil {
		return nil, err
	}

	terminating := make(map[string]bool, len(known))
	var errs []provider.ProviderError
	for name, group := range groups {
		gw, err := e.registry.Gateway(name)
		if err == nil {
			err = gw.Terminate(ctx, group)
		}
		if err != nil {
			pe := provider.AsProviderError(err)
			errs = append(errs, pe)
			logger.Error("terminate failed", "provider", name, "machines", len(group), "error", err)
			continue
		}
		for _, id := range group {
			terminating[id] = true
		}
	}

	var saved *model.Request
	err = e.store.WithTransaction(ctx, req.ID, func(tx store.Tx) error {
		r := tx.Request()
		current := tx.Machines()
		for _, m := range current {
			if !terminating[m.ID] || m.Status.Final() {
				continue
			}
			m.Status = model.MachineShuttingDown
			if err := tx.UpsertMachine(m); err != nil {
				return err
			}
		}
		if len(groups) == 1 {
			for name := range groups {
				r.ProviderName = name
				if cfg, ok := e.registry.Config(name); ok {
					r.ProviderType = string(cfg.Type)
				}
			}
		}
		reconcile.RecordErrors(r, errs)

		d := reconcile.Reconcile(r.Status, current, r, nil)
		if len(groups) > 0 && len(terminating) == 0 {
			d = reconcile.Decision{
				Status:  model.StatusFailed,
				Message: fmt.Sprintf("return failed: %s: %s", errs[0].Code, errs[0].Message),
			}
		}
		if d.Changed() {
			r.Status, r.Message = d.Status, d.Message
		}
		saved = r
		return tx.SaveRequest(r)
	})
	if err != nil {
		return nil, fmt.Errorf("record return: %w", err)
	}

	logger.Info("return submitted", "status", saved.Status, "machines", len(known))
	e.notify(saved)
	return saved, nil
}

// groupByProvider groups the IDs of machines that can still change state by
// the provider instance of their owning request.
func (e *Engine) groupByProvider(ctx context.Context, machines []*model.Machine) (map[string][]string, error) {
	owners := make(map[string]string)
	groups := make(map[string][]string)
	for _, m := range machines {
		if m.Status.Final() {
			continue
		}
		name, ok := owners[m.RequestID]
		if !ok {
			owner, err := e.store.GetRequest(ctx, m.RequestID)
			if err != nil {
				return nil, fmt.Errorf("look up owner of %s: %w", m.ID, err)
			}
			name = owner.ProviderName
			owners[m.RequestID] = name
		}
		groups[name] = append(groups[name], m.ID)
	}
	return groups, nil
}

// Machines returns the machines a request tracks: those it owns for an
// acquire, or those being returned for a return.
func (e *Engine) Machines(ctx context.Context, r *model.Request) ([]*model.Machine, error) {
	if r.Type == model.RequestReturn {
		return e.store.GetMachines(ctx, r.MachineIDs)
	}
	return e.store.ListMachines(ctx, r.ID)
}

// notify publishes a status event and, for terminal requests, records the
// outcome and closes the request's event stream.
func (e *Engine) notify(r *model.Request) {
	e.broker.Publish(Event{RequestID: r.ID, Status: r.Status, Message: r.Message, UpdatedAt: r.UpdatedAt})
	if !r.Status.Terminal() {
		return
	}
	requestsFinished.WithLabelValues(string(r.Type), string(r.Status)).Inc()
	requestDuration.WithLabelValues(string(r.Type), string(r.Status)).Observe(r.UpdatedAt.Sub(r.CreatedAt).Seconds())
	e.broker.Close(r.ID)
}
