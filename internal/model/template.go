package model

import "sort"

// Price type constants.
const (
	PriceOnDemand      = "ondemand"
	PriceSpot          = "spot"
	PriceHeterogeneous = "heterogeneous"
)

// Template describes the shape of capacity the scheduler may request.
// Templates are loaded once from the catalog and never mutated.
type Template struct {
	ID               string             `yaml:"template_id" json:"template_id"`
	ProviderAPI      string             `yaml:"provider_api" json:"provider_api"`
	ProviderName     string             `yaml:"provider_name,omitempty" json:"provider_name,omitempty"`
	FleetType        string             `yaml:"fleet_type,omitempty" json:"fleet_type,omitempty"`
	MaxNumber        int                `yaml:"max_number" json:"max_number"`
	ImageID          string             `yaml:"image_id,omitempty" json:"image_id,omitempty"`
	InstanceTypes    map[string]float64 `yaml:"instance_types,omitempty" json:"instance_types,omitempty"`
	PriceType        string             `yaml:"price_type,omitempty" json:"price_type,omitempty"`
	PercentOnDemand  int                `yaml:"percent_on_demand,omitempty" json:"percent_on_demand,omitempty"`
	SubnetIDs        []string           `yaml:"subnet_ids,omitempty" json:"subnet_ids,omitempty"`
	SecurityGroupIDs []string           `yaml:"security_group_ids,omitempty" json:"security_group_ids,omitempty"`
	KeyName          string             `yaml:"key_name,omitempty" json:"key_name,omitempty"`
	LaunchTemplateID string             `yaml:"launch_template_id,omitempty" json:"launch_template_id,omitempty"`
	FleetRole        string             `yaml:"fleet_role,omitempty" json:"fleet_role,omitempty"`
	UserData         string             `yaml:"user_data,omitempty" json:"user_data,omitempty"`
	NativeSpec       map[string]any     `yaml:"native_spec,omitempty" json:"native_spec,omitempty"`
	NativeSpecFile   string             `yaml:"native_spec_file,omitempty" json:"native_spec_file,omitempty"`
	Tags             map[string]string  `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// InstanceTypeNames returns the template's instance types in sorted order.
func (t *Template) InstanceTypeNames() []string {
	names := make([]string, 0, len(t.InstanceTypes))
	for name := range t.InstanceTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasNativeSpec reports whether the template carries a native spec fragment.
func (t *Template) HasNativeSpec() bool {
	return len(t.NativeSpec) > 0 || t.NativeSpecFile != ""
}
