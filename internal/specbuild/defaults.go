package specbuild

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

// RequestTag is the tag or label set on every resource a request creates.
const RequestTag = "fleetbroker:request-id"

// DefaultPayload generates the handler's native payload from the template
// alone. Keys follow the provider SDK field names.
func DefaultPayload(in Input) (map[string]any, error) {
	tmpl := in.Template
	dist := Distribute(tmpl, in.Count)

	switch in.Handler {
	case provider.HandlerEC2Fleet:
		return ec2FleetPayload(in, dist), nil
	case provider.HandlerSpotFleet:
		return spotFleetPayload(in, dist), nil
	case provider.HandlerASG:
		return asgPayload(in, dist), nil
	case provider.HandlerRunInstances:
		return runInstancesPayload(in, dist), nil
	case provider.HandlerServers:
		return serversPayload(in, dist), nil
	}
	return nil, fmt.Errorf("no default payload for handler %q", in.Handler)
}

func ec2FleetPayload(in Input, dist Distribution) map[string]any {
	tmpl := in.Template
	fleetType := tmpl.FleetType
	if fleetType == "" {
		fleetType = "instant"
	}
	defaultType := "on-demand"
	if dist.Spot > dist.OnDemand {
		defaultType = "spot"
	}

	var overrides []any
	for _, it := range tmpl.InstanceTypeNames() {
		base := map[string]any{"InstanceType": it, "WeightedCapacity": weightOf(tmpl, it)}
		if tmpl.ImageID != "" {
			base["ImageId"] = tmpl.ImageID
		}
		if len(tmpl.SubnetIDs) == 0 {
			overrides = append(overrides, base)
			continue
		}
		for _, subnet := range tmpl.SubnetIDs {
			o := copyMap(base)
			o["SubnetId"] = subnet
			overrides = append(overrides, o)
		}
	}

	ltConfig := map[string]any{"Overrides": overrides}
	if tmpl.LaunchTemplateID != "" {
		ltConfig["LaunchTemplateSpecification"] = map[string]any{
			"LaunchTemplateId": tmpl.LaunchTemplateID,
			"Version":          "$Latest",
		}
	}

	return map[string]any{
		"Type":        fleetType,
		"ClientToken": in.RequestID,
		"TargetCapacitySpecification": map[string]any{
			"TotalTargetCapacity":       dist.Total,
			"OnDemandTargetCapacity":    dist.OnDemand,
			"SpotTargetCapacity":        dist.Spot,
			"DefaultTargetCapacityType": defaultType,
		},
		"LaunchTemplateConfigs": []any{ltConfig},
		"TagSpecifications": []any{
			map[string]any{"ResourceType": "instance", "Tags": awsTags(in)},
			map[string]any{"ResourceType": "fleet", "Tags": awsTags(in)},
		},
	}
}

func spotFleetPayload(in Input, dist Distribution) map[string]any {
	tmpl := in.Template
	fleetType := tmpl.FleetType
	if fleetType == "" {
		fleetType = "request"
	}

	var groups []any
	for _, id := range tmpl.SecurityGroupIDs {
		groups = append(groups, map[string]any{"GroupId": id})
	}

	var specs []any
	for _, it := range tmpl.InstanceTypeNames() {
		spec := map[string]any{
			"ImageId":          tmpl.ImageID,
			"InstanceType":     it,
			"WeightedCapacity": weightOf(tmpl, it),
			"TagSpecifications": []any{
				map[string]any{"ResourceType": "instance", "Tags": awsTags(in)},
			},
		}
		if len(tmpl.SubnetIDs) > 0 {
			spec["SubnetId"] = strings.Join(tmpl.SubnetIDs, ",")
		}
		if tmpl.KeyName != "" {
			spec["KeyName"] = tmpl.KeyName
		}
		if len(groups) > 0 {
			spec["SecurityGroups"] = groups
		}
		if tmpl.UserData != "" {
			spec["UserData"] = base64.StdEncoding.EncodeToString([]byte(tmpl.UserData))
		}
		specs = append(specs, spec)
	}

	return map[string]any{
		"SpotFleetRequestConfig": map[string]any{
			"IamFleetRole":           tmpl.FleetRole,
			"Type":                   fleetType,
			"ClientToken":            in.RequestID,
			"TargetCapacity":         dist.Total,
			"OnDemandTargetCapacity": dist.OnDemand,
			"LaunchSpecifications":   specs,
			"TagSpecifications": []any{
				map[string]any{"ResourceType": "spot-fleet-request", "Tags": awsTags(in)},
			},
		},
	}
}

func asgPayload(in Input, dist Distribution) map[string]any {
	tmpl := in.Template

	onDemandPct := 100
	if dist.Total > 0 {
		onDemandPct = dist.OnDemand * 100 / dist.Total
	} else if tmpl.PriceType == model.PriceSpot {
		onDemandPct = 0
	}

	var overrides []any
	for _, it := range tmpl.InstanceTypeNames() {
		overrides = append(overrides, map[string]any{
			"InstanceType":     it,
			"WeightedCapacity": strconv.FormatFloat(weightOf(tmpl, it), 'f', -1, 64),
		})
	}

	launchTemplate := map[string]any{"Overrides": overrides}
	if tmpl.LaunchTemplateID != "" {
		launchTemplate["LaunchTemplateSpecification"] = map[string]any{
			"LaunchTemplateId": tmpl.LaunchTemplateID,
			"Version":          "$Latest",
		}
	}

	var tags []any
	for _, t := range awsTags(in) {
		tag := t.(map[string]any)
		tag["PropagateAtLaunch"] = true
		tags = append(tags, tag)
	}

	payload := map[string]any{
		"AutoScalingGroupName": "fleetbroker-" + in.RequestID,
		"MinSize":              0,
		"MaxSize":              dist.Total,
		"DesiredCapacity":      dist.Total,
		"DesiredCapacityType":  "units",
		"MixedInstancesPolicy": map[string]any{
			"LaunchTemplate": launchTemplate,
			"InstancesDistribution": map[string]any{
				"OnDemandBaseCapacity":                0,
				"OnDemandPercentageAboveBaseCapacity": onDemandPct,
			},
		},
		"Tags": tags,
	}
	if len(tmpl.SubnetIDs) > 0 {
		payload["VPCZoneIdentifier"] = strings.Join(tmpl.SubnetIDs, ",")
	}
	return payload
}

func runInstancesPayload(in Input, dist Distribution) map[string]any {
	tmpl := in.Template
	types := tmpl.InstanceTypeNames()

	payload := map[string]any{
		"ImageId":     tmpl.ImageID,
		"MinCount":    min(1, dist.Total),
		"MaxCount":    dist.Total,
		"ClientToken": in.RequestID,
		"TagSpecifications": []any{
			map[string]any{"ResourceType": "instance", "Tags": awsTags(in)},
		},
	}
	if len(types) > 0 {
		payload["InstanceType"] = types[0]
	}
	if len(tmpl.SubnetIDs) > 0 {
		payload["SubnetId"] = tmpl.SubnetIDs[0]
	}
	if len(tmpl.SecurityGroupIDs) > 0 {
		payload["SecurityGroupIds"] = toAny(tmpl.SecurityGroupIDs)
	}
	if tmpl.KeyName != "" {
		payload["KeyName"] = tmpl.KeyName
	}
	if tmpl.UserData != "" {
		payload["UserData"] = base64.StdEncoding.EncodeToString([]byte(tmpl.UserData))
	}
	if tmpl.LaunchTemplateID != "" {
		payload["LaunchTemplate"] = map[string]any{"LaunchTemplateId": tmpl.LaunchTemplateID}
	}
	if dist.Spot > 0 {
		payload["InstanceMarketOptions"] = map[string]any{"MarketType": "spot"}
	}
	return payload
}

func serversPayload(in Input, dist Distribution) map[string]any {
	tmpl := in.Template
	types := tmpl.InstanceTypeNames()

	labels := map[string]any{"fleetbroker.io/request": in.RequestID}
	for k, v := range tmpl.Tags {
		labels[k] = v
	}

	payload := map[string]any{
		"name":   "fleetbroker-" + strings.ToLower(in.RequestID),
		"image":  tmpl.ImageID,
		"count":  dist.Total,
		"labels": labels,
	}
	if len(types) > 0 {
		payload["server_type"] = types[0]
	}
	if tmpl.KeyName != "" {
		payload["ssh_keys"] = []any{tmpl.KeyName}
	}
	if tmpl.UserData != "" {
		payload["user_data"] = tmpl.UserData
	}
	return payload
}

// awsTags returns the template tags plus the request tag, sorted by key.
func awsTags(in Input) []any {
	keys := make([]string, 0, len(in.Template.Tags)+1)
	for k := range in.Template.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := []any{map[string]any{"Key": RequestTag, "Value": in.RequestID}}
	for _, k := range keys {
		tags = append(tags, map[string]any{"Key": k, "Value": in.Template.Tags[k]})
	}
	return tags
}

func weightOf(tmpl *model.Template, instanceType string) float64 {
	if w := tmpl.InstanceTypes[instanceType]; w > 0 {
		return w
	}
	return 1
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
