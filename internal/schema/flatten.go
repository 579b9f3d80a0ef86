package schema

// Flatten returns the set of dot-delimited key paths reachable in a
// structured payload. It recurses into nested maps only; list contents
// are not flattened. The same vocabulary is used by source routing and
// by mapping proposal so both reason over identical field names.
func Flatten(payload map[string]any) map[string]struct{} {
	paths := make(map[string]struct{})
	flattenInto(paths, "", payload)
	return paths
}

func flattenInto(paths map[string]struct{}, prefix string, m map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		paths[path] = struct{}{}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(paths, path, nested)
		}
	}
}

// Jaccard computes the Jaccard similarity of two key-path sets:
// intersection size over union size, 0 when the union is empty.
// It is symmetric and bounded in [0,1].
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// KeySet builds a set from a slice of key paths.
func KeySet(keys []string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}
