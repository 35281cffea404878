// Package hcloud implements the provider gateway for Hetzner Cloud servers.
// It serves the flat Servers handler: a submit creates a batch of servers
// tagged with a resource label, and capacity is read back by label.
package hcloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

// ResourceLabel is the server label carrying the fleetbroker resource id.
const ResourceLabel = "fleetbroker.io/resource"

// ServerAPI is the subset of the hcloud server client used by the gateway.
type ServerAPI interface {
	Create(ctx context.Context, opts hcloud.ServerCreateOpts) (hcloud.ServerCreateResult, *hcloud.Response, error)
	AllWithOpts(ctx context.Context, opts hcloud.ServerListOpts) ([]*hcloud.Server, error)
	GetByID(ctx context.Context, id int64) (*hcloud.Server, *hcloud.Response, error)
	DeleteWithResult(ctx context.Context, server *hcloud.Server) (*hcloud.ServerDeleteResult, *hcloud.Response, error)
}

// serverRequest is the native payload of the Servers handler.
type serverRequest struct {
	Name       string            `json:"name"`
	ServerType string            `json:"server_type"`
	Image      string            `json:"image"`
	Location   string            `json:"location"`
	Count      int               `json:"count"`
	SSHKeys    []string          `json:"ssh_keys"`
	UserData   string            `json:"user_data"`
	Labels     map[string]string `json:"labels"`
}

// Gateway creates and tracks Hetzner Cloud servers.
type Gateway struct {
	servers   ServerAPI
	logger    *slog.Logger
	newID     func() string
	shortfall provider.SubmitErrors
}

var _ provider.Gateway = (*Gateway)(nil)

// New builds a gateway from a provider instance's config. The API token is
// read from the token key.
func New(logger *slog.Logger, cfg provider.InstanceConfig) (*Gateway, error) {
	token := cfg.String("token")
	if token == "" {
		return nil, fmt.Errorf("provider %s: hcloud token is required", cfg.Name)
	}
	opts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("fleetbroker", ""),
	}
	if endpoint := cfg.String("endpoint"); endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(endpoint))
	}
	client := hcloud.NewClient(opts...)
	return NewWithClient(logger.With("provider", cfg.Name), &client.Server), nil
}

// NewWithClient builds a gateway around an existing server client.
func NewWithClient(logger *slog.Logger, servers ServerAPI) *Gateway {
	return &Gateway{servers: servers, logger: logger, newID: model.NewID}
}

// Submit creates count servers sharing a freshly generated resource label.
func (g *Gateway) Submit(ctx context.Context, handler provider.Handler, payload map[string]any) (string, error) {
	if handler != provider.HandlerServers {
		return "", unsupported(handler)
	}
	req, err := decodeRequest(payload)
	if err != nil {
		return "", err
	}

	resourceID := g.newID()
	created := 0
	for i := 0; i < req.Count; i++ {
		labels := make(map[string]string, len(req.Labels)+1)
		for k, v := range req.Labels {
			labels[k] = v
		}
		labels[ResourceLabel] = resourceID

		opts := hcloud.ServerCreateOpts{
			Name:       fmt.Sprintf("%s-%d", req.Name, i),
			ServerType: &hcloud.ServerType{Name: req.ServerType},
			Image:      &hcloud.Image{Name: req.Image},
			UserData:   req.UserData,
			Labels:     labels,
		}
		if req.Location != "" {
			opts.Location = &hcloud.Location{Name: req.Location}
		}
		for _, key := range req.SSHKeys {
			opts.SSHKeys = append(opts.SSHKeys, &hcloud.SSHKey{Name: key})
		}

		if _, _, err := g.servers.Create(ctx, opts); err != nil {
			if created == 0 {
				return "", wrapError("create server", err)
			}
			// Servers created so far stay labelled and are picked up by polls;
			// the failure is reported on the resource's capacity snapshots.
			g.logger.Warn("server batch partially created", "resource_id", resourceID, "created", created, "requested", req.Count, "error", err)
			g.shortfall.Add(resourceID, provider.AsProviderError(wrapError("create server", err)))
			break
		}
		created++
	}

	g.logger.Info("servers created", "resource_id", resourceID, "count", created)
	return resourceID, nil
}

// DescribeCapacity returns a flat snapshot; server batches have no capacity
// model. Errors from a partially created batch ride along on the snapshot.
func (g *Gateway) DescribeCapacity(_ context.Context, handler provider.Handler, resourceIDs []string) (provider.CapacitySnapshot, error) {
	if handler != provider.HandlerServers {
		return provider.CapacitySnapshot{}, unsupported(handler)
	}
	snap := provider.NewSnapshot(handler, 0, 0, "")
	snap.Errors = g.shortfall.For(resourceIDs)
	return snap, nil
}

// ListMachines lists the servers carrying the resource labels.
func (g *Gateway) ListMachines(ctx context.Context, handler provider.Handler, resourceIDs []string) ([]provider.Instance, error) {
	if handler != provider.HandlerServers {
		return nil, unsupported(handler)
	}
	var out []provider.Instance
	for _, id := range resourceIDs {
		servers, err := g.servers.AllWithOpts(ctx, hcloud.ServerListOpts{
			ListOpts: hcloud.ListOpts{LabelSelector: ResourceLabel + "=" + id},
		})
		if err != nil {
			return nil, wrapError("list servers", err)
		}
		for _, s := range servers {
			out = append(out, toInstance(s))
		}
	}
	return out, nil
}

// DescribeInstances looks servers up by id. Deleted servers are reported as terminated.
func (g *Gateway) DescribeInstances(ctx context.Context, instanceIDs []string) ([]provider.Instance, error) {
	out := make([]provider.Instance, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			out = append(out, provider.Instance{ID: id, Status: model.MachineTerminated})
			continue
		}
		s, _, err := g.servers.GetByID(ctx, n)
		if err != nil {
			return nil, wrapError("get server", err)
		}
		if s == nil {
			out = append(out, provider.Instance{ID: id, Status: model.MachineTerminated})
			continue
		}
		out = append(out, toInstance(s))
	}
	return out, nil
}

// Terminate deletes the given servers. Servers that are already gone are ignored.
func (g *Gateway) Terminate(ctx context.Context, instanceIDs []string) error {
	for _, id := range instanceIDs {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid server id %q: %w", id, err)
		}
		if _, _, err := g.servers.DeleteWithResult(ctx, &hcloud.Server{ID: n}); err != nil {
			if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
				continue
			}
			return wrapError("delete server", err)
		}
	}
	g.logger.Info("servers deleting", "count", len(instanceIDs))
	return nil
}

func decodeRequest(payload map[string]any) (serverRequest, error) {
	var req serverRequest
	data, err := json.Marshal(payload)
	if err != nil {
		return req, fmt.Errorf("encoding payload: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, &provider.APIError{Code: string(hcloud.ErrorCodeInvalidInput), Message: err.Error()}
	}
	switch {
	case req.Name == "":
		return req, &provider.APIError{Code: string(hcloud.ErrorCodeInvalidInput), Message: "name is required"}
	case req.ServerType == "" || req.Image == "":
		return req, &provider.APIError{Code: string(hcloud.ErrorCodeInvalidInput), Message: "server_type and image are required"}
	case req.Count <= 0:
		return req, &provider.APIError{Code: string(hcloud.ErrorCodeInvalidInput), Message: "count must be positive"}
	}
	return req, nil
}

func toInstance(s *hcloud.Server) provider.Instance {
	inst := provider.Instance{
		ID:     strconv.FormatInt(s.ID, 10),
		Status: machineStatus(s.Status),
	}
	if s.ServerType != nil {
		inst.InstanceType = s.ServerType.Name
	}
	switch {
	case len(s.PrivateNet) > 0 && s.PrivateNet[0].IP != nil:
		inst.PrivateIP = s.PrivateNet[0].IP.String()
	case s.PublicNet.IPv4.IP != nil:
		inst.PrivateIP = s.PublicNet.IPv4.IP.String()
	}
	if !s.Created.IsZero() && inst.Status == model.MachineRunning {
		created := s.Created
		inst.LaunchedAt = &created
	}
	return inst
}

func machineStatus(status hcloud.ServerStatus) model.MachineStatus {
	switch status {
	case hcloud.ServerStatusRunning:
		return model.MachineRunning
	case hcloud.ServerStatusStopping, hcloud.ServerStatusDeleting:
		return model.MachineShuttingDown
	case hcloud.ServerStatusOff:
		return model.MachineTerminated
	default:
		return model.MachinePending
	}
}

var retryableCodes = []hcloud.ErrorCode{
	hcloud.ErrorCodeRateLimitExceeded,
	hcloud.ErrorCodeLocked,
	hcloud.ErrorCodeConflict,
	hcloud.ErrorCodeResourceUnavailable,
	hcloud.ErrorCodeTimeout,
	hcloud.ErrorCodeMaintenance,
}

func wrapError(op string, err error) error {
	var hcErr hcloud.Error
	if !errors.As(err, &hcErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	retryable := false
	for _, code := range retryableCodes {
		if hcErr.Code == code {
			retryable = true
			break
		}
	}
	return &provider.APIError{
		Code:      string(hcErr.Code),
		Message:   hcErr.Message,
		Retryable: retryable,
		Err:       fmt.Errorf("%s: %w", op, err),
	}
}

func unsupported(h provider.Handler) error {
	return &provider.APIError{Code: "unsupported_operation", Message: fmt.Sprintf("handler %s is not served by hcloud", h)}
}
