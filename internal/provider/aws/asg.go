package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

func (g *Gateway) createGroup(ctx context.Context, payload map[string]any) (string, error) {
	var input autoscaling.CreateAutoScalingGroupInput
	if err := decodeInput(payload, &input); err != nil {
		return "", err
	}
	name := awssdk.ToString(input.AutoScalingGroupName)
	if name == "" {
		return "", &provider.APIError{Code: "ValidationError", Message: "AutoScalingGroupName is required"}
	}
	if _, err := g.asg.CreateAutoScalingGroup(ctx, &input); err != nil {
		return "", wrapError("create auto scaling group", err)
	}
	g.logger.Info("auto scaling group created", "group", name, "desired", awssdk.ToInt32(input.DesiredCapacity))
	return name, nil
}

func (g *Gateway) describeGroups(ctx context.Context, names []string) ([]types.AutoScalingGroup, error) {
	out, err := g.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{AutoScalingGroupNames: names})
	if err != nil {
		return nil, wrapError("describe auto scaling groups", err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, &provider.APIError{Code: "ValidationError", Message: fmt.Sprintf("auto scaling groups %v not found", names)}
	}
	return out.AutoScalingGroups, nil
}

// groupCapacity measures in-service units: each InService instance counts
// its weighted capacity, or one unit when no weight is set.
func (g *Gateway) groupCapacity(ctx context.Context, names []string) (provider.CapacitySnapshot, error) {
	groups, err := g.describeGroups(ctx, names)
	if err != nil {
		return provider.CapacitySnapshot{}, err
	}

	var desired, inService float64
	state := ""
	for _, grp := range groups {
		desired += float64(awssdk.ToInt32(grp.DesiredCapacity))
		if s := awssdk.ToString(grp.Status); s != "" {
			state = s
		}
		for _, inst := range grp.Instances {
			if inst.LifecycleState != types.LifecycleStateInService {
				continue
			}
			inService += weight(inst.WeightedCapacity)
		}
	}
	return provider.NewSnapshot(provider.HandlerASG, desired, inService, state), nil
}

func (g *Gateway) groupInstances(ctx context.Context, names []string) ([]provider.Instance, error) {
	groups, err := g.describeGroups(ctx, names)
	if err != nil {
		return nil, err
	}
	var out []provider.Instance
	for _, grp := range groups {
		for _, inst := range grp.Instances {
			out = append(out, provider.Instance{
				ID:           awssdk.ToString(inst.InstanceId),
				Status:       lifecycleStatus(inst.LifecycleState),
				InstanceType: awssdk.ToString(inst.InstanceType),
			})
		}
	}
	return out, nil
}

func weight(w *string) float64 {
	if w == nil || *w == "" {
		return 1
	}
	f, err := strconv.ParseFloat(*w, 64)
	if err != nil || f <= 0 {
		return 1
	}
	return f
}

func lifecycleStatus(state types.LifecycleState) model.MachineStatus {
	s := string(state)
	switch {
	case state == types.LifecycleStateInService:
		return model.MachineRunning
	case state == types.LifecycleStateTerminated:
		return model.MachineTerminated
	case strings.HasPrefix(s, "Terminating"):
		return model.MachineShuttingDown
	case strings.HasPrefix(s, "Pending"):
		return model.MachinePending
	default:
		// Standby, detaching and warm pool states still hold a running instance.
		return model.MachineRunning
	}
}
