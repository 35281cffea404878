package sim

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/seantiz/fleetbroker/internal/provider"
)

// targetPaths locates the requested capacity inside each handler's payload.
var targetPaths = map[provider.Handler][]string{
	provider.HandlerEC2Fleet:     {"TargetCapacitySpecification", "TotalTargetCapacity"},
	provider.HandlerSpotFleet:    {"SpotFleetRequestConfig", "TargetCapacity"},
	provider.HandlerASG:          {"DesiredCapacity"},
	provider.HandlerRunInstances: {"MaxCount"},
	provider.HandlerServers:      {"count"},
}

// Target extracts the requested capacity from a native payload.
func Target(handler provider.Handler, payload map[string]any) (float64, error) {
	path, ok := targetPaths[handler]
	if !ok {
		return 0, fmt.Errorf("unsupported handler %q", handler)
	}

	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("payload field %s is not an object", key)
		}
		cur, ok = lookup(m, key)
		if !ok {
			return 0, fmt.Errorf("payload is missing %s", strings.Join(path, "."))
		}
	}

	n, ok := number(cur)
	if !ok || n < 0 {
		return 0, fmt.Errorf("payload %s is not a non-negative number: %v", strings.Join(path, "."), cur)
	}
	return n, nil
}

// lookup finds key case-insensitively, matching how JSON decoding binds
// payload keys onto SDK input structs.
func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
