package specbuild

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/fleetbroker/internal/model"
)

// Options configures native spec handling.
type Options struct {
	NativeEnabled bool
	MergeMode     MergeMode
	BaseDir       string
}

// Builder produces native payloads. It is stateless apart from its options
// and safe for concurrent use.
type Builder struct {
	opts Options
}

// NewBuilder creates a Builder.
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts}
}

// Native returns the template's rendered native spec, or nil when native
// specs are disabled or the template has none.
func (b *Builder) Native(tmpl *model.Template, ctx Context) (map[string]any, error) {
	if !b.opts.NativeEnabled || !tmpl.HasNativeSpec() {
		return nil, nil
	}

	spec := tmpl.NativeSpec
	if len(spec) == 0 {
		loaded, err := b.loadFile(tmpl.NativeSpecFile)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", tmpl.ID, err)
		}
		spec = loaded
	}
	return RenderMap(spec, ctx)
}

// Build returns the payload to submit for in: the generated default payload,
// combined with the rendered native spec when there is one and the handler
// accepts it.
func (b *Builder) Build(in Input) (map[string]any, error) {
	def, err := DefaultPayload(in)
	if err != nil {
		return nil, err
	}
	if !in.NativeAllowed {
		return def, nil
	}
	native, err := b.Native(in.Template, NewContext(in))
	if err != nil {
		return nil, err
	}
	if native == nil {
		return def, nil
	}
	return Merge(b.opts.MergeMode, def, native), nil
}

// loadFile reads a native spec file as YAML, which also accepts JSON.
// Relative paths are resolved against the configured base directory.
func (b *Builder) loadFile(path string) (map[string]any, error) {
	if !filepath.IsAbs(path) && b.opts.BaseDir != "" {
		path = filepath.Join(b.opts.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading native spec: %w", err)
	}
	var spec map[string]any
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing native spec %s: %w", path, err)
	}
	if spec == nil {
		return nil, fmt.Errorf("native spec %s is empty", path)
	}
	return spec, nil
}
