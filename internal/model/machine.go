package model

import "time"

// MachineStatus is the provider-observed state of a single instance.
type MachineStatus string

// Machine status constants.
const (
	MachinePending      MachineStatus = "PENDING"
	MachineRunning      MachineStatus = "RUNNING"
	MachineShuttingDown MachineStatus = "SHUTTING_DOWN"
	MachineTerminated   MachineStatus = "TERMINATED"
	MachineFailed       MachineStatus = "FAILED"
)

// Final reports whether the machine can no longer change state.
func (s MachineStatus) Final() bool {
	return s == MachineTerminated || s == MachineFailed
}

// Machine is an instance created on behalf of exactly one acquire Request.
type Machine struct {
	ID           string        `json:"id"`
	RequestID    string        `json:"request_id"`
	Status       MachineStatus `json:"status"`
	InstanceType string        `json:"instance_type,omitempty"`
	PrivateIP    string        `json:"private_ip,omitempty"`
	LaunchedAt   *time.Time    `json:"launched_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// CountByStatus tallies machines per status.
func CountByStatus(machines []*Machine) map[MachineStatus]int {
	counts := make(map[MachineStatus]int, len(machines))
	for _, m := range machines {
		counts[m.Status]++
	}
	return counts
}
