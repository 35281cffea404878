package store

import (
	"context"
	"errors"

	"github.com/seantiz/fleetbroker/internal/model"
)

// ErrInvalidTransition is returned when a request status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RequestStats holds aggregate request and machine counts.
type RequestStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByType     map[string]int `json:"count_by_type"`
	MachinesByState map[string]int `json:"machines_by_status"`
}

// Tx is the view of one request inside WithTransaction. Its methods run in
// the enclosing database transaction.
type Tx interface {
	// Request returns the request as loaded at the start of the transaction.
	Request() *model.Request
	// Machines returns the machines the request tracks: the machines it owns
	// for an acquire, or the machines being returned for a return.
	Machines() []*model.Machine
	// SaveRequest persists r. A status change must be a valid transition.
	SaveRequest(r *model.Request) error
	// UpsertMachine inserts or updates m. Machines that reached a final
	// status are left untouched, and a machine never changes owner.
	UpsertMachine(m *model.Machine) error
}

// Store defines the persistence operations for requests and machines.
type Store interface {
	CreateRequest(ctx context.Context, r *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	ListRequests(ctx context.Context, limit, offset int) ([]*model.Request, int, error)
	ListActiveRequests(ctx context.Context) ([]*model.Request, error)
	ListMachines(ctx context.Context, requestID string) ([]*model.Machine, error)
	GetMachines(ctx context.Context, ids []string) ([]*model.Machine, error)
	// WithTransaction runs fn with exclusive access to the request. fn must
	// not call other Store methods or block on network I/O.
	WithTransaction(ctx context.Context, requestID string, fn func(Tx) error) error
	GetRequestStats(ctx context.Context) (*RequestStats, error)
	Close() error
}
