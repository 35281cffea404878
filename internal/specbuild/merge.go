package specbuild

import "strings"

// MergeMode controls how a native spec combines with the generated payload.
type MergeMode string

// Merge modes.
const (
	MergeReplace MergeMode = "replace"
	MergeDeep    MergeMode = "merge"
)

// ParseMergeMode resolves a configured mode. Anything other than "merge"
// means replace.
func ParseMergeMode(s string) MergeMode {
	if MergeMode(strings.ToLower(strings.TrimSpace(s))) == MergeDeep {
		return MergeDeep
	}
	return MergeReplace
}

// Merge combines the generated default payload with the rendered user spec.
// In replace mode the user spec is used as is. In merge mode maps are merged
// recursively: keys only in the default are kept, keys only in the user spec
// are added, and for any other pair (lists included) the user value wins.
// Neither input is modified.
func Merge(mode MergeMode, def, user map[string]any) map[string]any {
	if mode != MergeDeep {
		return deepCopy(user).(map[string]any)
	}
	return deepMerge(def, user)
}

func deepMerge(def, user map[string]any) map[string]any {
	out := make(map[string]any, len(def)+len(user))
	for k, v := range def {
		out[k] = deepCopy(v)
	}
	for k, uv := range user {
		dm, dok := out[k].(map[string]any)
		um, uok := uv.(map[string]any)
		if dok && uok {
			out[k] = deepMerge(dm, um)
			continue
		}
		out[k] = deepCopy(uv)
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
