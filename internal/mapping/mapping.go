// Package mapping translates between scheduler wire formats and the
// broker's request model.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/seantiz/fleetbroker/internal/model"
)

// Scheduler names accepted by New.
const (
	SchedulerDefault     = "default"
	SchedulerHostFactory = "hostfactory"
)

// Schedulers lists every supported scheduler name.
var Schedulers = []string{SchedulerDefault, SchedulerHostFactory}

// ErrInvalidBody is returned when a request body cannot be mapped.
var ErrInvalidBody = errors.New("invalid request body")

// Acquire is a decoded capacity demand.
type Acquire struct {
	TemplateID string
	Count      int
}

// Mapper converts scheduler payloads into broker inputs and broker requests
// into scheduler responses.
type Mapper interface {
	Name() string
	DecodeAcquire(body []byte) (Acquire, error)
	DecodeReturn(body []byte) ([]string, error)
	EncodeRequest(r *model.Request, machines []*model.Machine) any
}

// New returns the mapper for a scheduler name.
func New(scheduler string) (Mapper, error) {
	switch strings.ToLower(scheduler) {
	case SchedulerDefault, "":
		return Default{}, nil
	case SchedulerHostFactory:
		return HostFactory{}, nil
	}
	return nil, fmt.Errorf("unknown scheduler %q", scheduler)
}

// Default uses the broker's own field names.
type Default struct{}

var _ Mapper = Default{}

type defaultAcquire struct {
	TemplateID string `json:"template_id"`
	Count      int    `json:"count"`
}

type defaultReturn struct {
	MachineIDs []string `json:"machine_ids"`
}

// DefaultResponse is the Default mapper's view of a request.
type DefaultResponse struct {
	*model.Request
	Machines []*model.Machine `json:"machines,omitempty"`
}

func (Default) Name() string { return SchedulerDefault }

func (Default) DecodeAcquire(body []byte) (Acquire, error) {
	var in defaultAcquire
	if err := json.Unmarshal(body, &in); err != nil {
		return Acquire{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return Acquire{TemplateID: in.TemplateID, Count: in.Count}, nil
}

func (Default) DecodeReturn(body []byte) ([]string, error) {
	var in defaultReturn
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return in.MachineIDs, nil
}

func (Default) EncodeRequest(r *model.Request, machines []*model.Machine) any {
	return DefaultResponse{Request: r, Machines: machines}
}

// HostFactory speaks the host factory plugin conventions: camelCase fields,
// a nested template object and lower-case request states.
type HostFactory struct{}

var _ Mapper = HostFactory{}

type hfAcquire struct {
	Template struct {
		TemplateID   string `json:"templateId"`
		MachineCount int    `json:"machineCount"`
	} `json:"template"`
}

type hfMachineRef struct {
	MachineID string `json:"machineId"`
	Name      string `json:"name"`
}

type hfReturn struct {
	Machines []hfMachineRef `json:"machines"`
}

// HostFactoryMachine is one machine in a host factory status response.
type HostFactoryMachine struct {
	MachineID        string `json:"machineId"`
	Name             string `json:"name"`
	Result           string `json:"result"`
	Status           string `json:"status"`
	PrivateIPAddress string `json:"privateIpAddress,omitempty"`
	LaunchTime       int64  `json:"launchtime,omitempty"`
	Message          string `json:"message"`
}

// HostFactoryResponse is the host factory view of a request.
type HostFactoryResponse struct {
	RequestID string               `json:"requestId"`
	Status    string               `json:"status"`
	Message   string               `json:"message"`
	Machines  []HostFactoryMachine `json:"machines"`
}

func (HostFactory) Name() string { return SchedulerHostFactory }

func (HostFactory) DecodeAcquire(body []byte) (Acquire, error) {
	var in hfAcquire
	if err := json.Unmarshal(body, &in); err != nil {
		return Acquire{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return Acquire{TemplateID: in.Template.TemplateID, Count: in.Template.MachineCount}, nil
}

func (HostFactory) DecodeReturn(body []byte) ([]string, error) {
	var in hfReturn
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	ids := lo.FilterMap(in.Machines, func(m hfMachineRef, _ int) (string, bool) {
		return lo.Coalesce(m.MachineID, m.Name)
	})
	return ids, nil
}

func (HostFactory) EncodeRequest(r *model.Request, machines []*model.Machine) any {
	return HostFactoryResponse{
		RequestID: r.ID,
		Status:    hostFactoryStatus(r.Status),
		Message:   r.Message,
		Machines: lo.Map(machines, func(m *model.Machine, _ int) HostFactoryMachine {
			out := HostFactoryMachine{
				MachineID:        m.ID,
				Name:             m.ID,
				Result:           hostFactoryResult(r.Type, m.Status),
				Status:           strings.ToLower(string(m.Status)),
				PrivateIPAddress: m.PrivateIP,
			}
			if m.LaunchedAt != nil {
				out.LaunchTime = m.LaunchedAt.Unix()
			}
			return out
		}),
	}
}

func hostFactoryStatus(s model.RequestStatus) string {
	switch s {
	case model.StatusCompleted:
		return "complete"
	case model.StatusPartial, model.StatusFailed:
		return "complete_with_error"
	default:
		return "running"
	}
}

func hostFactoryResult(t model.RequestType, s model.MachineStatus) string {
	if t == model.RequestReturn {
		return lo.Ternary(s.Final(), "succeed", "executing")
	}
	switch s {
	case model.MachineRunning:
		return "succeed"
	case model.MachineFailed, model.MachineTerminated:
		return "fail"
	default:
		return "executing"
	}
}
