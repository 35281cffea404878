package model

import "time"

// RequestType distinguishes capacity acquisition from capacity return.
type RequestType string

// Request type constants.
const (
	RequestAcquire RequestType = "ACQUIRE"
	RequestReturn  RequestType = "RETURN"
)

// RequestStatus is the lifecycle status of a Request.
type RequestStatus string

// Request status constants.
const (
	StatusPending    RequestStatus = "PENDING"
	StatusInProgress RequestStatus = "IN_PROGRESS"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusPartial    RequestStatus = "PARTIAL"
	StatusFailed     RequestStatus = "FAILED"
)

// Metadata keys written by the engine.
const (
	MetaFleetCapacity = "fleet_capacity"
	MetaASGCapacity   = "asg_capacity"
	MetaFleetErrors   = "fleet_errors"
	MetaSelection     = "selection"
	MetaUnknown       = "unknown_machines"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry.
var validTransitions = map[RequestStatus]map[RequestStatus]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusCompleted:  true,
		StatusPartial:    true,
		StatusFailed:     true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusPartial:   true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to RequestStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no further transitions are possible from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// Request is a single provisioning or return demand submitted by the scheduler.
type Request struct {
	ID             string         `json:"id"`
	Type           RequestType    `json:"type"`
	TemplateID     string         `json:"template_id,omitempty"`
	RequestedCount int            `json:"requested_count"`
	Status         RequestStatus  `json:"status"`
	Message        string         `json:"message,omitempty"`
	ProviderName   string         `json:"provider_name,omitempty"`
	ProviderType   string         `json:"provider_type,omitempty"`
	Handler        string         `json:"handler,omitempty"`
	ResourceIDs    []string       `json:"resource_ids,omitempty"`
	MachineIDs     []string       `json:"machine_ids,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SetMeta stores a metadata value, allocating the map on first use.
func (r *Request) SetMeta(key string, v any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = v
}
