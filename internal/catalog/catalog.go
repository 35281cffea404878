// Package catalog loads the template catalog the scheduler requests
// capacity against.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

// ErrTemplateNotFound is returned when a template ID is not in the catalog.
var ErrTemplateNotFound = errors.New("template not found")

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var priceTypes = []string{model.PriceOnDemand, model.PriceSpot, model.PriceHeterogeneous}

// File is the on-disk catalog document.
type File struct {
	Templates []*model.Template `yaml:"templates"`
}

// UnmarshalError carries the source that failed to decode or validate.
type UnmarshalError struct {
	error
	Source string
}

// Catalog is an immutable set of templates keyed by ID.
type Catalog struct {
	order     []string
	templates map[string]*model.Template
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(buf)
}

// Parse decodes a YAML (or JSON) catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, UnmarshalError{fmt.Errorf("unmarshal: %w", err), string(data)}
	}
	c, err := New(f.Templates...)
	if err != nil {
		return nil, UnmarshalError{fmt.Errorf("validate: %w", err), string(data)}
	}
	return c, nil
}

// New builds a catalog from templates, validating each one. Every problem
// found is reported, not only the first.
func New(templates ...*model.Template) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]*model.Template, len(templates))}

	var errs []error
	for i, t := range templates {
		if t == nil {
			errs = append(errs, fmt.Errorf("templates[%d] is empty", i))
			continue
		}
		if err := Validate(t); err != nil {
			errs = append(errs, fmt.Errorf("templates[%d] (%s): %w", i, t.ID, err))
			continue
		}
		if _, dup := c.templates[t.ID]; dup {
			errs = append(errs, fmt.Errorf("templates[%d]: duplicate template_id %q", i, t.ID))
			continue
		}
		h, _ := provider.ParseHandler(t.ProviderAPI)
		t.ProviderAPI = string(h)
		c.templates[t.ID] = t
		c.order = append(c.order, t.ID)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Validate checks a single template.
func Validate(t *model.Template) error {
	if !idRegex.MatchString(t.ID) {
		return fmt.Errorf("template_id must be a valid identifier")
	}
	if _, err := provider.ParseHandler(t.ProviderAPI); err != nil {
		return fmt.Errorf("provider_api: %w", err)
	}
	if t.MaxNumber < 1 {
		return fmt.Errorf("max_number must be at least 1")
	}
	if t.PriceType != "" && !lo.Contains(priceTypes, t.PriceType) {
		return fmt.Errorf("price_type must be one of %v", priceTypes)
	}
	if t.PercentOnDemand < 0 || t.PercentOnDemand > 100 {
		return fmt.Errorf("percent_on_demand must be between 0 and 100")
	}
	for name, weight := range t.InstanceTypes {
		if weight <= 0 {
			return fmt.Errorf("instance_types[%s] weight must be positive", name)
		}
	}
	if len(t.NativeSpec) > 0 && t.NativeSpecFile != "" {
		return fmt.Errorf("native_spec and native_spec_file are mutually exclusive")
	}
	return nil
}

// Get returns the template with the given ID.
func (c *Catalog) Get(id string) (*model.Template, error) {
	t, ok := c.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// List returns all templates in file order.
func (c *Catalog) List() []*model.Template {
	return lo.Map(c.order, func(id string, _ int) *model.Template { return c.templates[id] })
}

// IDs returns the template IDs sorted.
func (c *Catalog) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}
