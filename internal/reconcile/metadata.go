package reconcile

import (
	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

// RecordSnapshot stores the capacity snapshot on the request under
// fleet_capacity or asg_capacity. Flat snapshots carry nothing to record.
func RecordSnapshot(req *model.Request, snap provider.CapacitySnapshot) {
	value := map[string]any{
		"target":    snap.Target,
		"fulfilled": snap.Fulfilled,
		"state":     snap.State,
		"terminal":  snap.Terminal,
	}
	switch snap.Operation {
	case provider.OperationFleet:
		req.SetMeta(model.MetaFleetCapacity, value)
	case provider.OperationASG:
		req.SetMeta(model.MetaASGCapacity, value)
	}
}

// RecordErrors appends provider errors to the request's fleet_errors,
// skipping any with a code and message already recorded. It returns the
// number of errors added, so repeated polls of the same failure add nothing.
func RecordErrors(req *model.Request, errs []provider.ProviderError) int {
	if len(errs) == 0 {
		return 0
	}
	recorded := RecordedErrors(req.Metadata)
	seen := make(map[provider.ProviderError]bool, len(recorded))
	for _, e := range recorded {
		seen[e] = true
	}

	added := 0
	for _, e := range errs {
		if seen[e] {
			continue
		}
		seen[e] = true
		recorded = append(recorded, e)
		added++
	}
	if added > 0 {
		req.SetMeta(model.MetaFleetErrors, recorded)
	}
	return added
}

// RecordedErrors reads fleet_errors from request metadata. The value is a
// typed slice in memory and a list of objects after a round trip through
// storage; both forms are accepted.
func RecordedErrors(metadata map[string]any) []provider.ProviderError {
	switch v := metadata[model.MetaFleetErrors].(type) {
	case []provider.ProviderError:
		return append([]provider.ProviderError(nil), v...)
	case []any:
		out := make([]provider.ProviderError, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			code, _ := m["code"].(string)
			msg, _ := m["message"].(string)
			out = append(out, provider.ProviderError{Code: code, Message: msg})
		}
		return out
	}
	return nil
}
