// Package reconcile decides request status transitions from observed
// provider capacity. Everything here is pure: no I/O, no clocks, no shared
// state, so it is safe for concurrent use.
package reconcile

import (
	"fmt"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

// Decision is the outcome of one reconciliation. An empty Status means the
// request stays where it is.
type Decision struct {
	Status  model.RequestStatus
	Message string
}

// Changed reports whether the decision carries a transition.
func (d Decision) Changed() bool { return d.Status != "" }

var none = Decision{}

// Reconcile decides the next status of req from its current status, the
// machines observed for it and, for acquire requests, the provider capacity
// snapshot. A nil snapshot is treated as a flat instance launch.
func Reconcile(current model.RequestStatus, machines []*model.Machine, req *model.Request, snap *provider.CapacitySnapshot) Decision {
	if current.Terminal() {
		return none
	}
	if req.Type == model.RequestReturn {
		return reconcileReturn(current, machines)
	}
	if snap == nil {
		return reconcileFlat(machines, req)
	}

	switch snap.Operation {
	case provider.OperationFleet:
		return reconcileFleet(machines, req, snap)
	case provider.OperationASG:
		return reconcileASG(snap)
	default:
		return reconcileFlat(machines, req)
	}
}

func reconcileReturn(current model.RequestStatus, machines []*model.Machine) Decision {
	settled := 0
	for _, m := range machines {
		if m.Status.Final() {
			settled++
		}
	}
	if settled == len(machines) {
		return Decision{Status: model.StatusCompleted, Message: fmt.Sprintf("return fulfilled: %d machines terminated", len(machines))}
	}
	if current != model.StatusInProgress {
		return Decision{Status: model.StatusInProgress, Message: fmt.Sprintf("returning %d machines", len(machines)-settled)}
	}
	return none
}

func reconcileFleet(machines []*model.Machine, req *model.Request, snap *provider.CapacitySnapshot) Decision {
	if !snap.Terminal && snap.Fulfilled < snap.Target {
		return none
	}

	counts := model.CountByStatus(machines)
	failed := counts[model.MachineFailed]
	allFailed := len(machines) > 0 && failed == len(machines)

	if allFailed || (snap.Terminal && snap.Fulfilled == 0) {
		return Decision{
			Status:  model.StatusFailed,
			Message: fmt.Sprintf("fleet provisioning failed: 0 of %s units fulfilled (state %q)%s", units(snap.Target), snap.State, errorSuffix(req, snap)),
		}
	}

	if snap.Fulfilled >= snap.Target {
		if failed > 0 {
			return Decision{
				Status:  model.StatusPartial,
				Message: fmt.Sprintf("partial fulfillment: %s of %s units fulfilled with %d failed instances", units(snap.Fulfilled), units(snap.Target), failed),
			}
		}
		return Decision{
			Status:  model.StatusCompleted,
			Message: fmt.Sprintf("capacity fulfilled: %s of %s units", units(snap.Fulfilled), units(snap.Target)),
		}
	}

	// Terminal lifecycle below target: only an explicit failure signal ends
	// the request here; otherwise the request timeout does.
	if failed > 0 || len(snap.Errors) > 0 || len(RecordedErrors(req.Metadata)) > 0 {
		return Decision{
			Status:  model.StatusPartial,
			Message: fmt.Sprintf("partial fulfillment: %s of %s units fulfilled (state %q)%s", units(snap.Fulfilled), units(snap.Target), snap.State, errorSuffix(req, snap)),
		}
	}
	return none
}

func reconcileASG(snap *provider.CapacitySnapshot) Decision {
	if snap.Fulfilled >= snap.Target {
		return Decision{
			Status:  model.StatusCompleted,
			Message: fmt.Sprintf("capacity fulfilled: %s of %s units in service", units(snap.Fulfilled), units(snap.Target)),
		}
	}
	return none
}

// reconcileFlat settles a flat launch once nothing is pending and either
// every requested machine has been seen or a provider error says the rest
// will never come.
func reconcileFlat(machines []*model.Machine, req *model.Request) Decision {
	counts := model.CountByStatus(machines)
	running := counts[model.MachineRunning]
	requested := req.RequestedCount

	if running >= requested {
		return Decision{
			Status:  model.StatusCompleted,
			Message: fmt.Sprintf("capacity fulfilled: %d of %d instances running", running, requested),
		}
	}
	if counts[model.MachinePending] > 0 {
		return none
	}

	// An empty listing may still be catching up with the launch.
	recorded := RecordedErrors(req.Metadata)
	if len(machines) < requested && (len(recorded) == 0 || len(machines) == 0) {
		return none
	}
	suffix := ""
	if len(recorded) > 0 {
		suffix = fmt.Sprintf(": %s: %s", recorded[0].Code, recorded[0].Message)
	}
	if running > 0 {
		return Decision{
			Status:  model.StatusPartial,
			Message: fmt.Sprintf("partial fulfillment: %d of %d instances running%s", running, requested, suffix),
		}
	}
	return Decision{
		Status:  model.StatusFailed,
		Message: fmt.Sprintf("provisioning failed: 0 of %d instances running%s", requested, suffix),
	}
}

func units(v float64) string {
	return fmt.Sprintf("%g", v)
}

func errorSuffix(req *model.Request, snap *provider.CapacitySnapshot) string {
	errs := snap.Errors
	if len(errs) == 0 {
		errs = RecordedErrors(req.Metadata)
	}
	if len(errs) == 0 {
		return ""
	}
	return fmt.Sprintf(": %s: %s", errs[0].Code, errs[0].Message)
}
