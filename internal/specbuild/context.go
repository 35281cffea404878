// Package specbuild turns a template, a request and a provider selection into
// the native payload submitted to a provider gateway.
package specbuild

import (
	"math"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

// Context is the flat set of values available to native spec templates.
type Context map[string]any

// Input identifies what a payload is being built for.
type Input struct {
	RequestID    string
	Count        int
	Template     *model.Template
	ProviderName string
	ProviderType provider.Type
	Handler      provider.Handler
	// NativeAllowed is whether the handler accepts native specs on the
	// selected provider. When false the generated payload is used as is.
	NativeAllowed bool
}

// Distribution splits a capacity total between purchase options.
type Distribution struct {
	Total    int
	OnDemand int
	Spot     int
}

// Distribute splits total according to the template's price type. For
// heterogeneous pricing the on-demand share is rounded and clamped to [0, total].
func Distribute(tmpl *model.Template, total int) Distribution {
	switch tmpl.PriceType {
	case model.PriceSpot:
		return Distribution{Total: total, Spot: total}
	case model.PriceHeterogeneous:
		od := int(math.Round(float64(total) * float64(tmpl.PercentOnDemand) / 100))
		od = max(0, min(od, total))
		return Distribution{Total: total, OnDemand: od, Spot: total - od}
	default:
		return Distribution{Total: total, OnDemand: total}
	}
}

// NewContext builds the render context for in.
func NewContext(in Input) Context {
	tmpl := in.Template
	dist := Distribute(tmpl, in.Count)
	types := tmpl.InstanceTypeNames()

	instanceType := ""
	if len(types) > 0 {
		instanceType = types[0]
	}
	tags := make(map[string]string, len(tmpl.Tags))
	for k, v := range tmpl.Tags {
		tags[k] = v
	}

	return Context{
		"request_id":         in.RequestID,
		"template_id":        tmpl.ID,
		"requested_count":    in.Count,
		"provider_name":      in.ProviderName,
		"provider_type":      string(in.ProviderType),
		"handler":            string(in.Handler),
		"image_id":           tmpl.ImageID,
		"instance_type":      instanceType,
		"instance_types":     types,
		"subnet_ids":         append([]string(nil), tmpl.SubnetIDs...),
		"security_group_ids": append([]string(nil), tmpl.SecurityGroupIDs...),
		"key_name":           tmpl.KeyName,
		"fleet_type":         tmpl.FleetType,
		"price_type":         tmpl.PriceType,
		"tags":               tags,
		"total_capacity":     dist.Total,
		"on_demand_count":    dist.OnDemand,
		"spot_count":         dist.Spot,
	}
}
