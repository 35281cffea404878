package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/fleetbroker/internal/model"
)

// Gateway is the interface that all provider adapters must implement.
// Each adapter (AWS, Hetzner Cloud, simulator) translates these calls into its
// own API. Calls are blocking; retries for transient errors are the adapter's
// concern (see WithRetry).
type Gateway interface {
	// Submit sends a native request payload for the given handler and returns
	// the provider resource id that tracks it (fleet id, group name, ...).
	Submit(ctx context.Context, handler Handler, payload map[string]any) (string, error)

	// DescribeCapacity reports the provider's view of capacity for the resources
	// created by a previous Submit.
	DescribeCapacity(ctx context.Context, handler Handler, resourceIDs []string) (CapacitySnapshot, error)

	// ListMachines returns the instances belonging to the given resources.
	ListMachines(ctx context.Context, handler Handler, resourceIDs []string) ([]Instance, error)

	// DescribeInstances returns the current state of specific instances.
	// Instances unknown to the provider are reported as terminated.
	DescribeInstances(ctx context.Context, instanceIDs []string) ([]Instance, error)

	// Terminate starts termination of the given instances.
	Terminate(ctx context.Context, instanceIDs []string) error
}

// Type identifies the kind of a provider instance.
type Type string

// Provider type constants.
const (
	TypeAWS    Type = "aws"
	TypeHCloud Type = "hcloud"
	TypeSim    Type = "sim"
)

// ParseType converts a configured provider type string.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeAWS, TypeHCloud, TypeSim:
		return t, nil
	default:
		return "", fmt.Errorf("unknown provider type %q", s)
	}
}

// Handler names the provider API a template is provisioned through.
type Handler string

// Handler constants.
const (
	HandlerEC2Fleet     Handler = "EC2Fleet"
	HandlerSpotFleet    Handler = "SpotFleet"
	HandlerASG          Handler = "ASG"
	HandlerRunInstances Handler = "RunInstances"
	HandlerServers      Handler = "Servers"
)

// Handlers lists every known handler.
var Handlers = []Handler{
	HandlerEC2Fleet,
	HandlerSpotFleet,
	HandlerASG,
	HandlerRunInstances,
	HandlerServers,
}

// ParseHandler resolves a handler name case-insensitively. Configuration
// loaders lowercase map keys, so "ec2fleet" and "EC2Fleet" are equivalent.
func ParseHandler(s string) (Handler, error) {
	for _, h := range Handlers {
		if strings.EqualFold(string(h), strings.TrimSpace(s)) {
			return h, nil
		}
	}
	return "", fmt.Errorf("unknown handler %q", s)
}

// OperationType classifies how a handler reports capacity.
type OperationType string

// Operation type constants.
const (
	// OperationFleet covers weighted-capacity fleets: units may be fractional
	// and do not map 1:1 to instances.
	OperationFleet OperationType = "FLEET"
	// OperationASG covers auto-scaling groups measured in instance weights.
	OperationASG OperationType = "ASG"
	// OperationFlat covers plain instance launches with no capacity concept.
	OperationFlat OperationType = "FLAT"
)

// Operation maps the handler to its capacity model.
func (h Handler) Operation() OperationType {
	switch h {
	case HandlerEC2Fleet, HandlerSpotFleet:
		return OperationFleet
	case HandlerASG:
		return OperationASG
	case HandlerRunInstances, HandlerServers:
		return OperationFlat
	}
	panic(fmt.Sprintf("provider: handler %q has no operation type", h))
}

// ClassifyState reports whether a provider lifecycle state is terminal for the
// handler, meaning the provider has stopped working towards the target.
func ClassifyState(h Handler, state string) bool {
	s := strings.ToLower(state)
	switch h {
	case HandlerEC2Fleet:
		// submitted and modifying are the only in-flight fleet states.
		return s != "submitted" && s != "modifying" && s != ""
	case HandlerSpotFleet:
		return s != "submitted" && s != "modifying" && s != "pending_fulfillment" && s != ""
	case HandlerASG:
		return !strings.Contains(s, "in progress")
	case HandlerRunInstances, HandlerServers:
		return true
	}
	return false
}

// ProviderError is a provider-reported failure recorded on a request.
type ProviderError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CapacitySnapshot is the provider's view of a request's capacity at one poll.
type CapacitySnapshot struct {
	Operation OperationType   `json:"operation"`
	Target    float64         `json:"target"`
	Fulfilled float64         `json:"fulfilled"`
	State     string          `json:"state"`
	Terminal  bool            `json:"terminal"`
	Errors    []ProviderError `json:"errors,omitempty"`
}

// NewSnapshot builds a snapshot for the handler, classifying the lifecycle state.
func NewSnapshot(h Handler, target, fulfilled float64, state string) CapacitySnapshot {
	return CapacitySnapshot{
		Operation: h.Operation(),
		Target:    target,
		Fulfilled: fulfilled,
		State:     state,
		Terminal:  ClassifyState(h, state),
	}
}

// Instance is a provider-reported machine.
type Instance struct {
	ID           string              `json:"id"`
	Status       model.MachineStatus `json:"status"`
	InstanceType string              `json:"instance_type,omitempty"`
	PrivateIP    string              `json:"private_ip,omitempty"`
	LaunchedAt   *time.Time          `json:"launched_at,omitempty"`
}

// Machine converts the instance into a machine owned by requestID.
func (i Instance) Machine(requestID string, now time.Time) *model.Machine {
	return &model.Machine{
		ID:           i.ID,
		RequestID:    requestID,
		Status:       i.Status,
		InstanceType: i.InstanceType,
		PrivateIP:    i.PrivateIP,
		LaunchedAt:   i.LaunchedAt,
		UpdatedAt:    now,
	}
}
