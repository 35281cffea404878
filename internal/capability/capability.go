// Package capability checks whether a provider instance can serve a template.
// It reports problems as data: validation never panics and never fails.
package capability

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

// Result is the outcome of validating one template against one provider instance.
type Result struct {
	Valid       bool     `json:"valid"`
	Provider    string   `json:"provider"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Supported   []string `json:"supported_features,omitempty"`
	Unsupported []string `json:"unsupported_features,omitempty"`
}

func (r *Result) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator validates templates against provider instance capabilities.
// It holds no state and is safe for concurrent use.
type Validator struct{}

// NewValidator returns a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate reports whether cfg can serve tmpl. Only genuinely unsupported
// combinations are errors; everything else is a warning.
func (v *Validator) Validate(tmpl *model.Template, cfg provider.InstanceConfig) Result {
	res := Result{Provider: cfg.Name}

	if !cfg.Enabled {
		res.fail("provider %s is disabled", cfg.Name)
	}

	handlers, err := provider.EffectiveHandlers(cfg)
	if err != nil {
		res.warn("%v", err)
	}
	res.Supported = handlerNames(handlers)

	handler, err := provider.ParseHandler(tmpl.ProviderAPI)
	if err != nil {
		res.fail("template %s: %v", tmpl.ID, err)
		res.Unsupported = append(res.Unsupported, tmpl.ProviderAPI)
		return finish(res)
	}

	hc, ok := handlers[handler]
	if !ok {
		res.fail("provider %s does not support handler %s", cfg.Name, handler)
		res.Unsupported = append(res.Unsupported, string(handler))
		return finish(res)
	}

	if tmpl.FleetType != "" {
		fleetTypes := hc.Strings(provider.KeyFleetTypes)
		if !lo.Contains(fleetTypes, tmpl.FleetType) {
			res.fail("handler %s does not support fleet type %q (supported: %v)", handler, tmpl.FleetType, fleetTypes)
			res.Unsupported = append(res.Unsupported, "fleet_type:"+tmpl.FleetType)
		}
	}

	needSpot, needOnDemand := pricing(tmpl)
	if needSpot && !hc.Bool(provider.KeySupportsSpot) {
		res.fail("handler %s does not support spot pricing", handler)
		res.Unsupported = append(res.Unsupported, "spot")
	}
	if needOnDemand && !hc.Bool(provider.KeySupportsOnDemand) {
		res.fail("handler %s does not support on-demand pricing", handler)
		res.Unsupported = append(res.Unsupported, "ondemand")
	}

	if limit, ok := hc.Int(provider.KeyMaxCapacity); ok && tmpl.MaxNumber > limit {
		res.warn("template max_number %d exceeds handler %s max_capacity %d", tmpl.MaxNumber, handler, limit)
	}
	if len(tmpl.InstanceTypes) > 1 && !hc.Bool(provider.KeyWeighted) {
		res.warn("handler %s does not support weighted capacity; %d instance types will be treated equally", handler, len(tmpl.InstanceTypes))
	}
	if tmpl.ImageID == "" && !tmpl.HasNativeSpec() {
		res.warn("template %s has no image_id", tmpl.ID)
	}
	if tmpl.HasNativeSpec() && !hc.Bool(provider.KeyNativeSpec) {
		res.warn("handler %s does not accept native specs; the generated payload will be used", handler)
		res.Unsupported = append(res.Unsupported, "native_spec")
	}

	return finish(res)
}

// pricing derives which purchase options the template requires.
func pricing(tmpl *model.Template) (spot, onDemand bool) {
	switch tmpl.PriceType {
	case model.PriceSpot:
		return true, false
	case model.PriceHeterogeneous:
		return tmpl.PercentOnDemand < 100, tmpl.PercentOnDemand > 0
	default:
		return false, true
	}
}

func handlerNames(handlers map[provider.Handler]provider.HandlerConfig) []string {
	names := lo.Map(lo.Keys(handlers), func(h provider.Handler, _ int) string { return string(h) })
	sort.Strings(names)
	return names
}

func finish(res Result) Result {
	res.Valid = len(res.Errors) == 0
	return res
}
