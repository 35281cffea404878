// Package aws implements the provider gateway for Amazon EC2 and EC2 Auto
// Scaling. It serves the EC2Fleet, SpotFleet, ASG and RunInstances handlers.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/seantiz/fleetbroker/internal/provider"
)

// EC2API is the subset of the EC2 client used by the gateway.
type EC2API interface {
	CreateFleet(ctx context.Context, params *ec2.CreateFleetInput, optFns ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error)
	DescribeFleets(ctx context.Context, params *ec2.DescribeFleetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFleetsOutput, error)
	DescribeFleetInstances(ctx context.Context, params *ec2.DescribeFleetInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFleetInstancesOutput, error)
	RequestSpotFleet(ctx context.Context, params *ec2.RequestSpotFleetInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotFleetOutput, error)
	DescribeSpotFleetRequests(ctx context.Context, params *ec2.DescribeSpotFleetRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotFleetRequestsOutput, error)
	DescribeSpotFleetInstances(ctx context.Context, params *ec2.DescribeSpotFleetInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// AutoScalingAPI is the subset of the Auto Scaling client used by the gateway.
type AutoScalingAPI interface {
	CreateAutoScalingGroup(ctx context.Context, params *autoscaling.CreateAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error)
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
}

// Gateway talks to EC2 and Auto Scaling on behalf of one provider instance.
type Gateway struct {
	ec2       EC2API
	asg       AutoScalingAPI
	logger    *slog.Logger
	shortfall provider.SubmitErrors
}

var _ provider.Gateway = (*Gateway)(nil)

// New builds a gateway from a provider instance's config. Recognised keys are
// region, profile and endpoint; credentials come from the default AWS chain.
func New(ctx context.Context, logger *slog.Logger, cfg provider.InstanceConfig) (*Gateway, error) {
	var opts []func(*config.LoadOptions) error
	if region := cfg.String("region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if profile := cfg.String("profile"); profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for %s: %w", cfg.Name, err)
	}

	endpoint := cfg.String("endpoint")
	ec2Client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = awssdk.String(endpoint)
		}
	})
	asgClient := autoscaling.NewFromConfig(awsCfg, func(o *autoscaling.Options) {
		if endpoint != "" {
			o.BaseEndpoint = awssdk.String(endpoint)
		}
	})

	return NewWithClients(logger.With("provider", cfg.Name), ec2Client, asgClient), nil
}

// NewWithClients builds a gateway around existing clients.
func NewWithClients(logger *slog.Logger, ec2Client EC2API, asgClient AutoScalingAPI) *Gateway {
	return &Gateway{ec2: ec2Client, asg: asgClient, logger: logger}
}

// Submit creates the fleet, spot fleet request, auto scaling group or
// instances described by payload.
func (g *Gateway) Submit(ctx context.Context, handler provider.Handler, payload map[string]any) (string, error) {
	switch handler {
	case provider.HandlerEC2Fleet:
		return g.createFleet(ctx, payload)
	case provider.HandlerSpotFleet:
		return g.requestSpotFleet(ctx, payload)
	case provider.HandlerASG:
		return g.createGroup(ctx, payload)
	case provider.HandlerRunInstances:
		return g.runInstances(ctx, payload)
	}
	return "", unsupported(handler)
}

// DescribeCapacity reports capacity for the handler's resources.
func (g *Gateway) DescribeCapacity(ctx context.Context, handler provider.Handler, resourceIDs []string) (provider.CapacitySnapshot, error) {
	switch handler {
	case provider.HandlerEC2Fleet:
		return g.fleetCapacity(ctx, resourceIDs)
	case provider.HandlerSpotFleet:
		return g.spotFleetCapacity(ctx, resourceIDs)
	case provider.HandlerASG:
		return g.groupCapacity(ctx, resourceIDs)
	case provider.HandlerRunInstances:
		snap := provider.NewSnapshot(handler, 0, 0, "")
		snap.Errors = g.shortfall.For(resourceIDs)
		return snap, nil
	}
	return provider.CapacitySnapshot{}, unsupported(handler)
}

// ListMachines lists the instances behind the handler's resources.
func (g *Gateway) ListMachines(ctx context.Context, handler provider.Handler, resourceIDs []string) ([]provider.Instance, error) {
	switch handler {
	case provider.HandlerEC2Fleet:
		return g.fleetInstances(ctx, resourceIDs)
	case provider.HandlerSpotFleet:
		return g.spotFleetInstances(ctx, resourceIDs)
	case provider.HandlerASG:
		return g.groupInstances(ctx, resourceIDs)
	case provider.HandlerRunInstances:
		return g.reservationInstances(ctx, resourceIDs)
	}
	return nil, unsupported(handler)
}

func unsupported(h provider.Handler) error {
	return &provider.APIError{Code: "UnsupportedOperation", Message: fmt.Sprintf("handler %s is not served by aws", h)}
}

// decodeInput binds a native payload onto an SDK input struct. Payload keys
// follow the SDK field names; JSON decoding matches them case-insensitively.
func decodeInput(payload map[string]any, into any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return &provider.APIError{Code: "InvalidParameterValue", Message: fmt.Sprintf("payload does not match %T: %v", into, err)}
	}
	return nil
}
