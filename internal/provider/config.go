package provider

import (
	"fmt"
	"sort"
	"strings"
)

// RemoveHandler is the override value that deletes an inherited handler.
const RemoveHandler = "remove"

// Handler config keys understood by the capability validator.
const (
	KeyFleetTypes       = "fleet_types"
	KeySupportsSpot     = "supports_spot"
	KeySupportsOnDemand = "supports_ondemand"
	KeyMaxCapacity      = "max_capacity"
	KeyWeighted         = "weighted_capacity"
	KeyNativeSpec       = "native_spec"
)

// InstanceConfig is one configured provider instance.
type InstanceConfig struct {
	Name             string         `mapstructure:"name" json:"name"`
	Type             Type           `mapstructure:"type" json:"type"`
	Enabled          bool           `mapstructure:"enabled" json:"enabled"`
	Weight           int            `mapstructure:"weight" json:"weight"`
	Config           map[string]any `mapstructure:"config" json:"config,omitempty"`
	HandlerOverrides map[string]any `mapstructure:"handler_overrides" json:"handler_overrides,omitempty"`
}

// String returns a value from the instance's provider config.
func (c InstanceConfig) String(key string) string {
	if v, ok := c.Config[key].(string); ok {
		return v
	}
	return ""
}

// HandlerConfig describes what a handler supports on a provider instance.
type HandlerConfig map[string]any

// Bool reads a boolean key, defaulting to false.
func (hc HandlerConfig) Bool(key string) bool {
	v, _ := hc[key].(bool)
	return v
}

// Int reads a numeric key. Decoded configuration may carry ints or floats.
func (hc HandlerConfig) Int(key string) (int, bool) {
	switch v := hc[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Strings reads a list of strings. Decoded configuration may carry []any.
func (hc HandlerConfig) Strings(key string) []string {
	switch v := hc[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// defaultHandlers is the handler set each provider type offers before overrides.
var defaultHandlers = map[Type]map[Handler]HandlerConfig{
	TypeAWS: {
		HandlerEC2Fleet: {
			KeyFleetTypes:       []string{"instant", "request", "maintain"},
			KeySupportsSpot:     true,
			KeySupportsOnDemand: true,
			KeyMaxCapacity:      10000,
			KeyWeighted:         true,
			KeyNativeSpec:       true,
		},
		HandlerSpotFleet: {
			KeyFleetTypes:       []string{"request", "maintain"},
			KeySupportsSpot:     true,
			KeySupportsOnDemand: true,
			KeyMaxCapacity:      10000,
			KeyWeighted:         true,
			KeyNativeSpec:       true,
		},
		HandlerASG: {
			KeySupportsSpot:     true,
			KeySupportsOnDemand: true,
			KeyMaxCapacity:      2000,
			KeyWeighted:         true,
			KeyNativeSpec:       true,
		},
		HandlerRunInstances: {
			KeySupportsSpot:     true,
			KeySupportsOnDemand: true,
			KeyMaxCapacity:      1000,
			KeyNativeSpec:       true,
		},
	},
	TypeHCloud: {
		HandlerServers: {
			KeySupportsOnDemand: true,
			KeyMaxCapacity:      100,
			KeyNativeSpec:       true,
		},
	},
	TypeSim: {
		HandlerEC2Fleet: {
			KeyFleetTypes:       []string{"instant", "request", "maintain"},
			KeySupportsSpot:     true,
			KeySupportsOnDemand: true,
			KeyWeighted:         true,
			KeyNativeSpec:       true,
		},
		HandlerSpotFleet: {
			KeyFleetTypes:       []string{"request", "maintain"},
			KeySupportsSpot:     true,
			KeySupportsOnDemand: true,
			KeyWeighted:         true,
			KeyNativeSpec:       true,
		},
		HandlerASG: {
			KeySupportsSpot:     true,
			KeySupportsOnDemand: true,
			KeyWeighted:         true,
			KeyNativeSpec:       true,
		},
		HandlerRunInstances: {
			KeySupportsSpot:     true,
			KeySupportsOnDemand: true,
			KeyNativeSpec:       true,
		},
		HandlerServers: {
			KeySupportsOnDemand: true,
			KeyNativeSpec:       true,
		},
	},
}

// DefaultHandlers returns a copy of the handler defaults for a provider type.
func DefaultHandlers(t Type) map[Handler]HandlerConfig {
	defaults := defaultHandlers[t]
	out := make(map[Handler]HandlerConfig, len(defaults))
	for h, hc := range defaults {
		out[h] = copyHandlerConfig(hc)
	}
	return out
}

// EffectiveHandlers layers the instance's handler overrides on top of the
// provider type defaults. An override of "remove" deletes the inherited
// handler; any other map value replaces it; absent keys are inherited.
// Overrides naming unknown handlers or carrying unusable values are reported
// as an error alongside the best-effort result.
func EffectiveHandlers(cfg InstanceConfig) (map[Handler]HandlerConfig, error) {
	handlers := DefaultHandlers(cfg.Type)

	var problems []string
	keys := make([]string, 0, len(cfg.HandlerOverrides))
	for k := range cfg.HandlerOverrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		h, err := ParseHandler(name)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		switch v := cfg.HandlerOverrides[name].(type) {
		case string:
			if strings.EqualFold(v, RemoveHandler) {
				delete(handlers, h)
				continue
			}
			problems = append(problems, fmt.Sprintf("handler %s: unsupported override %q", h, v))
		case map[string]any:
			handlers[h] = copyHandlerConfig(v)
		case HandlerConfig:
			handlers[h] = copyHandlerConfig(v)
		case nil:
			problems = append(problems, fmt.Sprintf("handler %s: empty override", h))
		default:
			problems = append(problems, fmt.Sprintf("handler %s: unsupported override of type %T", h, v))
		}
	}

	if len(problems) > 0 {
		return handlers, fmt.Errorf("invalid handler overrides for %q: %s", cfg.Name, strings.Join(problems, "; "))
	}
	return handlers, nil
}

func copyHandlerConfig(src map[string]any) HandlerConfig {
	out := make(HandlerConfig, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
