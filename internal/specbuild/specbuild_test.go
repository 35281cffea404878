package specbuild

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

func testTemplate() *model.Template {
	return &model.Template{
		ID:               "tmpl-fleet",
		ProviderAPI:      "EC2Fleet",
		FleetType:        "instant",
		MaxNumber:        10,
		ImageID:          "ami-123",
		InstanceTypes:    map[string]float64{"m5.xlarge": 2, "m5.large": 1},
		PriceType:        model.PriceHeterogeneous,
		PercentOnDemand:  25,
		SubnetIDs:        []string{"subnet-a", "subnet-b"},
		SecurityGroupIDs: []string{"sg-1"},
		KeyName:          "ops",
		Tags:             map[string]string{"team": "batch"},
	}
}

func testInput(h provider.Handler) Input {
	return Input{
		RequestID:     "01REQ",
		Count:         4,
		Template:      testTemplate(),
		ProviderName:  "aws-east",
		ProviderType:  provider.TypeAWS,
		Handler:       h,
		NativeAllowed: true,
	}
}

func TestDistribute(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		pct      int
		total    int
		onDemand int
		spot     int
	}{
		{"ondemand", model.PriceOnDemand, 0, 5, 5, 0},
		{"default is ondemand", "", 0, 3, 3, 0},
		{"spot", model.PriceSpot, 0, 5, 0, 5},
		{"hetero rounds half up", model.PriceHeterogeneous, 50, 3, 2, 1},
		{"hetero rounds down", model.PriceHeterogeneous, 30, 4, 1, 3},
		{"hetero clamps high", model.PriceHeterogeneous, 150, 4, 4, 0},
		{"hetero clamps low", model.PriceHeterogeneous, -20, 4, 0, 4},
		{"zero total", model.PriceHeterogeneous, 50, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Distribute(&model.Template{PriceType: tt.price, PercentOnDemand: tt.pct}, tt.total)
			assert.Equal(t, tt.total, d.Total)
			assert.Equal(t, tt.onDemand, d.OnDemand)
			assert.Equal(t, tt.spot, d.Spot)
			assert.Equal(t, d.Total, d.OnDemand+d.Spot)
		})
	}
}

func TestNewContext(t *testing.T) {
	ctx := NewContext(testInput(provider.HandlerEC2Fleet))
	assert.Equal(t, "01REQ", ctx["request_id"])
	assert.Equal(t, "m5.large", ctx["instance_type"])
	assert.Equal(t, []string{"m5.large", "m5.xlarge"}, ctx["instance_types"])
	assert.Equal(t, 4, ctx["total_capacity"])
	assert.Equal(t, 1, ctx["on_demand_count"])
	assert.Equal(t, 3, ctx["spot_count"])
	assert.Equal(t, "EC2Fleet", ctx["handler"])
	assert.Equal(t, "aws", ctx["provider_type"])
}

func TestRenderCoercesSingleActions(t *testing.T) {
	ctx := Context{"total_capacity": 4, "flag": true, "name": "web", "pad": "007"}
	spec := map[string]any{
		"count":   "{{ .total_capacity }}",
		"enabled": "{{ .flag }}",
		"label":   "node-{{ .name }}",
		"text":    "{{ .name }}",
		"padded":  "{{ .pad }}",
		"sprig":   "{{ .name | upper }}",
		"plain":   "no template",
		"number":  3.5,
		"nested": map[string]any{
			"list": []any{"{{ .total_capacity }}", "{{ .name }}-{{ .total_capacity }}", 7},
		},
	}

	out, err := RenderMap(spec, ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, out["count"])
	assert.Equal(t, true, out["enabled"])
	assert.Equal(t, "node-web", out["label"])
	assert.Equal(t, "web", out["text"])
	assert.Equal(t, "007", out["padded"])
	assert.Equal(t, "WEB", out["sprig"])
	assert.Equal(t, "no template", out["plain"])
	assert.Equal(t, 3.5, out["number"])
	assert.Equal(t, []any{4, "web-4", 7}, out["nested"].(map[string]any)["list"])

	assert.Equal(t, "{{ .total_capacity }}", spec["count"], "input must not be modified")
}

func TestRenderIsIdempotent(t *testing.T) {
	ctx := NewContext(testInput(provider.HandlerEC2Fleet))
	spec := map[string]any{
		"TargetCapacity": "{{ .total_capacity }}",
		"Name":           "fleet-{{ .request_id }}",
	}
	once, err := RenderMap(spec, ctx)
	require.NoError(t, err)
	twice, err := RenderMap(once, ctx)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestRenderMissingKey(t *testing.T) {
	_, err := RenderMap(map[string]any{"a": map[string]any{"b": "{{ .missing }}"}}, Context{})
	var renderErr *RenderError
	require.True(t, errors.As(err, &renderErr), "got %v", err)
	assert.Equal(t, "$.a.b", renderErr.Path)
}

func TestRenderReportsFirstFailingKeyInOrder(t *testing.T) {
	spec := map[string]any{
		"zeta":  "{{ .missing_z }}",
		"alpha": map[string]any{"inner": "{{ .missing_a }}"},
		"mid":   "{{ .missing_m }}",
		"ok":    "plain",
	}
	for i := 0; i < 20; i++ {
		_, err := RenderMap(spec, Context{})
		var renderErr *RenderError
		require.ErrorAs(t, err, &renderErr)
		assert.Equal(t, "$.alpha.inner", renderErr.Path)
	}
}

func TestRenderParseError(t *testing.T) {
	_, err := Render([]any{"{{ .x "}, Context{"x": 1})
	var renderErr *RenderError
	require.ErrorAs(t, err, &renderErr)
	assert.Equal(t, "$[0]", renderErr.Path)
}

func TestMergeReplace(t *testing.T) {
	def := map[string]any{"a": 1, "b": map[string]any{"c": 2}}
	user := map[string]any{"b": map[string]any{"d": 3}}

	out := Merge(MergeReplace, def, user)
	assert.Equal(t, map[string]any{"b": map[string]any{"d": 3}}, out)

	out["b"].(map[string]any)["d"] = 99
	assert.Equal(t, 3, user["b"].(map[string]any)["d"], "replace must copy the user spec")
}

func TestMergeDeep(t *testing.T) {
	def := map[string]any{
		"keep":  "default",
		"over":  "default",
		"list":  []any{1, 2, 3},
		"inner": map[string]any{"x": 1, "y": 2},
		"shape": map[string]any{"k": 1},
	}
	user := map[string]any{
		"over":  "user",
		"list":  []any{9},
		"inner": map[string]any{"y": 20, "z": 30},
		"shape": "scalar",
		"new":   true,
	}

	out := Merge(MergeDeep, def, user)
	assert.Equal(t, map[string]any{
		"keep":  "default",
		"over":  "user",
		"list":  []any{9},
		"inner": map[string]any{"x": 1, "y": 20, "z": 30},
		"shape": "scalar",
		"new":   true,
	}, out)

	assert.Equal(t, map[string]any{"x": 1, "y": 2}, def["inner"], "default must not be modified")
	assert.Equal(t, map[string]any{"y": 20, "z": 30}, user["inner"], "user must not be modified")
}

func TestMergeDeepWithEmptyUserIsDefault(t *testing.T) {
	def := map[string]any{"a": map[string]any{"b": []any{1}}}
	assert.Equal(t, def, Merge(MergeDeep, def, map[string]any{}))
}

func TestParseMergeMode(t *testing.T) {
	assert.Equal(t, MergeDeep, ParseMergeMode("MERGE"))
	assert.Equal(t, MergeReplace, ParseMergeMode("replace"))
	assert.Equal(t, MergeReplace, ParseMergeMode("overlay"))
	assert.Equal(t, MergeReplace, ParseMergeMode(""))
}

func TestDefaultPayloads(t *testing.T) {
	for _, h := range provider.Handlers {
		payload, err := DefaultPayload(testInput(h))
		require.NoError(t, err, h)
		assert.NotEmpty(t, payload, h)
	}

	fleet, err := DefaultPayload(testInput(provider.HandlerEC2Fleet))
	require.NoError(t, err)
	tcs := fleet["TargetCapacitySpecification"].(map[string]any)
	assert.Equal(t, 4, tcs["TotalTargetCapacity"])
	assert.Equal(t, 1, tcs["OnDemandTargetCapacity"])
	assert.Equal(t, 3, tcs["SpotTargetCapacity"])
	assert.Equal(t, "spot", tcs["DefaultTargetCapacityType"])
	overrides := fleet["LaunchTemplateConfigs"].([]any)[0].(map[string]any)["Overrides"].([]any)
	assert.Len(t, overrides, 4, "two instance types across two subnets")

	asg, err := DefaultPayload(testInput(provider.HandlerASG))
	require.NoError(t, err)
	assert.Equal(t, "fleetbroker-01REQ", asg["AutoScalingGroupName"])
	assert.Equal(t, "subnet-a,subnet-b", asg["VPCZoneIdentifier"])

	run, err := DefaultPayload(testInput(provider.HandlerRunInstances))
	require.NoError(t, err)
	assert.Equal(t, 4, run["MaxCount"])
	assert.Equal(t, 1, run["MinCount"])
	assert.Equal(t, "m5.large", run["InstanceType"])

	servers, err := DefaultPayload(testInput(provider.HandlerServers))
	require.NoError(t, err)
	assert.Equal(t, "fleetbroker-01req", servers["name"])
	assert.Equal(t, 4, servers["count"])

	_, err = DefaultPayload(Input{Template: testTemplate(), Handler: "Bogus"})
	assert.Error(t, err)
}

func TestNativeDisabledOrAbsent(t *testing.T) {
	tmpl := testTemplate()
	ctx := NewContext(testInput(provider.HandlerEC2Fleet))

	spec, err := NewBuilder(Options{NativeEnabled: true}).Native(tmpl, ctx)
	require.NoError(t, err)
	assert.Nil(t, spec)

	tmpl.NativeSpec = map[string]any{"Type": "maintain"}
	spec, err = NewBuilder(Options{NativeEnabled: false}).Native(tmpl, ctx)
	require.NoError(t, err)
	assert.Nil(t, spec)
}

func TestNativeFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleet.yaml"), []byte(`
Type: maintain
TargetCapacitySpecification:
  TotalTargetCapacity: "{{ .total_capacity }}"
TagSpecifications:
  - ResourceType: instance
    Tags:
      - Key: owner
        Value: "{{ .provider_name }}"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleet.json"), []byte(`{"Type": "request"}`), 0o644))

	b := NewBuilder(Options{NativeEnabled: true, MergeMode: MergeReplace, BaseDir: dir})
	tmpl := testTemplate()
	tmpl.NativeSpecFile = "fleet.yaml"

	spec, err := b.Native(tmpl, NewContext(testInput(provider.HandlerEC2Fleet)))
	require.NoError(t, err)
	assert.Equal(t, "maintain", spec["Type"])
	assert.Equal(t, 4, spec["TargetCapacitySpecification"].(map[string]any)["TotalTargetCapacity"])
	tag := spec["TagSpecifications"].([]any)[0].(map[string]any)["Tags"].([]any)[0].(map[string]any)
	assert.Equal(t, "aws-east", tag["Value"])

	tmpl.NativeSpecFile = "fleet.json"
	spec, err = b.Native(tmpl, NewContext(testInput(provider.HandlerEC2Fleet)))
	require.NoError(t, err)
	assert.Equal(t, "request", spec["Type"])

	tmpl.NativeSpecFile = "missing.yaml"
	_, err = b.Native(tmpl, NewContext(testInput(provider.HandlerEC2Fleet)))
	assert.Error(t, err)
}

func TestBuildFallsBackToDefault(t *testing.T) {
	in := testInput(provider.HandlerRunInstances)
	want, err := DefaultPayload(in)
	require.NoError(t, err)

	got, err := NewBuilder(Options{NativeEnabled: true, MergeMode: MergeDeep}).Build(in)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBuildMergesNativeSpec(t *testing.T) {
	in := testInput(provider.HandlerEC2Fleet)
	in.Template.NativeSpec = map[string]any{
		"Type": "maintain",
		"TargetCapacitySpecification": map[string]any{
			"DefaultTargetCapacityType": "on-demand",
		},
		"ReplaceUnhealthyInstances": "{{ eq .fleet_type \"instant\" }}",
	}

	got, err := NewBuilder(Options{NativeEnabled: true, MergeMode: MergeDeep}).Build(in)
	require.NoError(t, err)
	assert.Equal(t, "maintain", got["Type"])
	assert.Equal(t, true, got["ReplaceUnhealthyInstances"])
	tcs := got["TargetCapacitySpecification"].(map[string]any)
	assert.Equal(t, "on-demand", tcs["DefaultTargetCapacityType"])
	assert.Equal(t, 4, tcs["TotalTargetCapacity"], "default keys survive a deep merge")

	replaced, err := NewBuilder(Options{NativeEnabled: true, MergeMode: MergeReplace}).Build(in)
	require.NoError(t, err)
	assert.NotContains(t, replaced, "LaunchTemplateConfigs")
}

func TestBuildSkipsNativeSpecWhenHandlerRejectsIt(t *testing.T) {
	in := testInput(provider.HandlerEC2Fleet)
	in.Template.NativeSpec = map[string]any{"Type": "maintain", "Broken": "{{ .nope }}"}
	in.NativeAllowed = false

	want, err := DefaultPayload(in)
	require.NoError(t, err)

	got, err := NewBuilder(Options{NativeEnabled: true, MergeMode: MergeDeep}).Build(in)
	require.NoError(t, err, "a native spec that is not used is not rendered")
	assert.Equal(t, want, got)
	assert.Equal(t, "instant", got["Type"])
}

func TestBuildRenderError(t *testing.T) {
	in := testInput(provider.HandlerEC2Fleet)
	in.Template.NativeSpec = map[string]any{"Type": "{{ .nope }}"}

	_, err := NewBuilder(Options{NativeEnabled: true}).Build(in)
	var renderErr *RenderError
	assert.ErrorAs(t, err, &renderErr)
}
