package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

func (g *Gateway) createFleet(ctx context.Context, payload map[string]any) (string, error) {
	var input ec2.CreateFleetInput
	if err := decodeInput(payload, &input); err != nil {
		return "", err
	}
	out, err := g.ec2.CreateFleet(ctx, &input)
	if err != nil {
		return "", wrapError("create fleet", err)
	}
	if out.FleetId == nil {
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return "", &provider.APIError{Code: awssdk.ToString(e.ErrorCode), Message: awssdk.ToString(e.ErrorMessage)}
		}
		return "", fmt.Errorf("create fleet: no fleet id returned")
	}
	g.logger.Info("ec2 fleet created", "fleet_id", *out.FleetId, "instances", len(out.Instances), "errors", len(out.Errors))
	return *out.FleetId, nil
}

func (g *Gateway) fleetCapacity(ctx context.Context, fleetIDs []string) (provider.CapacitySnapshot, error) {
	out, err := g.ec2.DescribeFleets(ctx, &ec2.DescribeFleetsInput{FleetIds: fleetIDs})
	if err != nil {
		return provider.CapacitySnapshot{}, wrapError("describe fleets", err)
	}
	if len(out.Fleets) == 0 {
		return provider.CapacitySnapshot{}, &provider.APIError{Code: "InvalidFleetId.NotFound", Message: fmt.Sprintf("fleets %v not found", fleetIDs)}
	}

	var target, fulfilled float64
	state := ""
	var errs []provider.ProviderError
	for _, f := range out.Fleets {
		fulfilled += awssdk.ToFloat64(f.FulfilledCapacity)
		if f.TargetCapacitySpecification != nil {
			target += float64(awssdk.ToInt32(f.TargetCapacitySpecification.TotalTargetCapacity))
		}
		// A single in-flight fleet keeps the whole request in flight.
		if state == "" || !provider.ClassifyState(provider.HandlerEC2Fleet, string(f.FleetState)) {
			state = string(f.FleetState)
		}
		for _, e := range f.Errors {
			errs = append(errs, provider.ProviderError{
				Code:    awssdk.ToString(e.ErrorCode),
				Message: awssdk.ToString(e.ErrorMessage),
			})
		}
	}

	snap := provider.NewSnapshot(provider.HandlerEC2Fleet, target, fulfilled, state)
	snap.Errors = errs
	return snap, nil
}

// fleetInstances lists the instances of each fleet. Instant fleets do not
// support DescribeFleetInstances; their instances are carried on the fleet
// description instead.
func (g *Gateway) fleetInstances(ctx context.Context, fleetIDs []string) ([]provider.Instance, error) {
	if len(fleetIDs) == 0 {
		return nil, nil
	}
	out, err := g.ec2.DescribeFleets(ctx, &ec2.DescribeFleetsInput{FleetIds: fleetIDs})
	if err != nil {
		return nil, wrapError("describe fleets", err)
	}
	if len(out.Fleets) == 0 {
		return nil, &provider.APIError{Code: "InvalidFleetId.NotFound", Message: fmt.Sprintf("fleets %v not found", fleetIDs)}
	}

	var ids []string
	for _, f := range out.Fleets {
		if f.Type == types.FleetTypeInstant {
			for _, inst := range f.Instances {
				ids = append(ids, inst.InstanceIds...)
			}
			continue
		}
		input := &ec2.DescribeFleetInstancesInput{FleetId: f.FleetId}
		for {
			page, err := g.ec2.DescribeFleetInstances(ctx, input)
			if err != nil {
				return nil, wrapError("describe fleet instances", err)
			}
			ids = append(ids, activeInstanceIDs(page.ActiveInstances)...)
			if awssdk.ToString(page.NextToken) == "" {
				break
			}
			input.NextToken = page.NextToken
		}
	}
	return g.DescribeInstances(ctx, ids)
}

func (g *Gateway) requestSpotFleet(ctx context.Context, payload map[string]any) (string, error) {
	var input ec2.RequestSpotFleetInput
	if err := decodeInput(payload, &input); err != nil {
		return "", err
	}
	out, err := g.ec2.RequestSpotFleet(ctx, &input)
	if err != nil {
		return "", wrapError("request spot fleet", err)
	}
	if out.SpotFleetRequestId == nil {
		return "", fmt.Errorf("request spot fleet: no request id returned")
	}
	g.logger.Info("spot fleet requested", "spot_fleet_request_id", *out.SpotFleetRequestId)
	return *out.SpotFleetRequestId, nil
}

func (g *Gateway) spotFleetCapacity(ctx context.Context, requestIDs []string) (provider.CapacitySnapshot, error) {
	out, err := g.ec2.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{SpotFleetRequestIds: requestIDs})
	if err != nil {
		return provider.CapacitySnapshot{}, wrapError("describe spot fleet requests", err)
	}
	if len(out.SpotFleetRequestConfigs) == 0 {
		return provider.CapacitySnapshot{}, &provider.APIError{Code: "InvalidSpotFleetRequestId.NotFound", Message: fmt.Sprintf("spot fleet requests %v not found", requestIDs)}
	}

	var target, fulfilled float64
	state := ""
	for _, c := range out.SpotFleetRequestConfigs {
		if data := c.SpotFleetRequestConfig; data != nil {
			target += float64(awssdk.ToInt32(data.TargetCapacity))
			fulfilled += awssdk.ToFloat64(data.FulfilledCapacity)
		}
		if state == "" || !provider.ClassifyState(provider.HandlerSpotFleet, string(c.SpotFleetRequestState)) {
			state = string(c.SpotFleetRequestState)
		}
	}
	return provider.NewSnapshot(provider.HandlerSpotFleet, target, fulfilled, state), nil
}

func (g *Gateway) spotFleetInstances(ctx context.Context, requestIDs []string) ([]provider.Instance, error) {
	var ids []string
	for _, requestID := range requestIDs {
		input := &ec2.DescribeSpotFleetInstancesInput{SpotFleetRequestId: awssdk.String(requestID)}
		for {
			out, err := g.ec2.DescribeSpotFleetInstances(ctx, input)
			if err != nil {
				return nil, wrapError("describe spot fleet instances", err)
			}
			ids = append(ids, activeInstanceIDs(out.ActiveInstances)...)
			if awssdk.ToString(out.NextToken) == "" {
				break
			}
			input.NextToken = out.NextToken
		}
	}
	return g.DescribeInstances(ctx, ids)
}

func activeInstanceIDs(active []types.ActiveInstance) []string {
	ids := make([]string, 0, len(active))
	for _, a := range active {
		if a.InstanceId != nil {
			ids = append(ids, *a.InstanceId)
		}
	}
	return ids
}

func (g *Gateway) runInstances(ctx context.Context, payload map[string]any) (string, error) {
	var input ec2.RunInstancesInput
	if err := decodeInput(payload, &input); err != nil {
		return "", err
	}
	out, err := g.ec2.RunInstances(ctx, &input)
	if err != nil {
		return "", wrapError("run instances", err)
	}
	if out.ReservationId == nil {
		return "", fmt.Errorf("run instances: no reservation id returned")
	}
	launched, requested := len(out.Instances), int(awssdk.ToInt32(input.MaxCount))
	if launched < requested {
		g.logger.Warn("fewer instances launched than requested", "reservation_id", *out.ReservationId, "launched", launched, "requested", requested)
		g.shortfall.Add(*out.ReservationId, provider.ProviderError{
			Code:    "InsufficientInstanceCapacity",
			Message: fmt.Sprintf("launched %d of %d instances", launched, requested),
		})
	}
	g.logger.Info("instances launched", "reservation_id", *out.ReservationId, "instances", launched)
	return *out.ReservationId, nil
}

func (g *Gateway) reservationInstances(ctx context.Context, reservationIDs []string) ([]provider.Instance, error) {
	if len(reservationIDs) == 0 {
		return nil, nil
	}
	return g.describe(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{Name: awssdk.String("reservation-id"), Values: reservationIDs}},
	})
}

// DescribeInstances reports the state of specific instances. Ids EC2 no
// longer knows are reported as terminated.
func (g *Gateway) DescribeInstances(ctx context.Context, instanceIDs []string) ([]provider.Instance, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	found, err := g.describe(ctx, &ec2.DescribeInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		// One unknown id fails the whole call; fall back to one id at a time.
		found = found[:0]
		for _, id := range instanceIDs {
			one, err := g.describe(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
			if err != nil && !isNotFound(err) {
				return nil, err
			}
			found = append(found, one...)
		}
	}

	known := make(map[string]bool, len(found))
	for _, inst := range found {
		known[inst.ID] = true
	}
	for _, id := range instanceIDs {
		if !known[id] {
			found = append(found, provider.Instance{ID: id, Status: model.MachineTerminated})
		}
	}
	return found, nil
}

func (g *Gateway) describe(ctx context.Context, input *ec2.DescribeInstancesInput) ([]provider.Instance, error) {
	var out []provider.Instance
	for {
		page, err := g.ec2.DescribeInstances(ctx, input)
		if err != nil {
			if isNotFound(err) {
				return out, err
			}
			return nil, wrapError("describe instances", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				out = append(out, toInstance(inst))
			}
		}
		if awssdk.ToString(page.NextToken) == "" {
			return out, nil
		}
		input.NextToken = page.NextToken
	}
}

// Terminate terminates the given instances.
func (g *Gateway) Terminate(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := g.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: instanceIDs})
	if err != nil && !isNotFound(err) {
		return wrapError("terminate instances", err)
	}
	g.logger.Info("instances terminating", "count", len(instanceIDs))
	return nil
}

func toInstance(inst types.Instance) provider.Instance {
	status := model.MachinePending
	if inst.State != nil {
		status = machineStatus(inst.State.Name)
	}
	return provider.Instance{
		ID:           awssdk.ToString(inst.InstanceId),
		Status:       status,
		InstanceType: string(inst.InstanceType),
		PrivateIP:    awssdk.ToString(inst.PrivateIpAddress),
		LaunchedAt:   inst.LaunchTime,
	}
}

func machineStatus(state types.InstanceStateName) model.MachineStatus {
	switch state {
	case types.InstanceStateNameRunning:
		return model.MachineRunning
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameStopping:
		return model.MachineShuttingDown
	case types.InstanceStateNameTerminated, types.InstanceStateNameStopped:
		return model.MachineTerminated
	default:
		return model.MachinePending
	}
}
