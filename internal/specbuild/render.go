package specbuild

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
)

// RenderError reports a template string that failed to parse or execute.
type RenderError struct {
	Path     string
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Path, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Render walks v and executes every string containing "{{" as a template
// against ctx. Maps and lists are rebuilt; v is not modified.
func Render(v any, ctx Context) (any, error) {
	return render(v, ctx, "$")
}

// RenderMap renders a map-shaped spec.
func RenderMap(m map[string]any, ctx Context) (map[string]any, error) {
	out, err := render(m, ctx, "$")
	if err != nil {
		return nil, err
	}
	rendered, _ := out.(map[string]any)
	return rendered, nil
}

func render(v any, ctx Context, path string) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		// Keys are walked in order so the first failing path is stable.
		keys := lo.Keys(val)
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			item := val[k]
			r, err := render(item, ctx, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := render(item, ctx, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		return renderString(val, ctx, path)
	default:
		return v, nil
	}
}

func renderString(s string, ctx Context, path string) (any, error) {
	tmpl, err := template.New(path).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(s)
	if err != nil {
		return nil, &RenderError{Path: path, Template: s, Err: err}
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, map[string]any(ctx)); err != nil {
		return nil, &RenderError{Path: path, Template: s, Err: err}
	}

	rendered := out.String()
	if !singleAction(s) {
		return rendered, nil
	}
	if n, err := strconv.Atoi(rendered); err == nil && strconv.Itoa(n) == rendered {
		return n, nil
	}
	if b, err := strconv.ParseBool(rendered); err == nil && strconv.FormatBool(b) == rendered {
		return b, nil
	}
	return rendered, nil
}

// singleAction reports whether s is exactly one template action with no
// surrounding text, like "{{ .total_capacity }}".
func singleAction(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "{{") &&
		strings.HasSuffix(t, "}}") &&
		strings.Count(t, "{{") == 1 &&
		strings.Count(t, "}}") == 1
}
