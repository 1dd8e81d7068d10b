package domain

import "strconv"

// FlattenFields reduces a free-form payload to dotted-path → scalar pairs.
// Nested objects recurse; arrays, nulls and empty strings are skipped. The
// duplicate detector matches on exactly this field set, and both the memory
// and sqlite entity stores flatten search criteria the same way so matches
// agree across store implementations.
func FlattenFields(data map[string]any) map[string]string {
	out := map[string]string{}
	flattenInto(out, "", data)
	return out
}

func flattenInto(out map[string]string, prefix string, data map[string]any) {
	for key, value := range data {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := value.(type) {
		case nil:
			continue
		case map[string]any:
			flattenInto(out, path, v)
		case []any:
			continue
		case string:
			if v == "" {
				continue
			}
			out[path] = v
		case bool:
			// Matches sqlite's CAST(json_extract(...) AS TEXT) rendering.
			if v {
				out[path] = "1"
			} else {
				out[path] = "0"
			}
		case float64:
			out[path] = strconv.FormatFloat(v, 'g', -1, 64)
		case int:
			out[path] = strconv.Itoa(v)
		case int64:
			out[path] = strconv.FormatInt(v, 10)
		default:
			continue
		}
	}
}

// SplitJSONPath breaks a dotted path into its segments, returning nil for
// malformed paths with empty segments.
func SplitJSONPath(path string) []string {
	segments := make([]string, 0)
	current := ""
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if current == "" {
				return nil
			}
			segments = append(segments, current)
			current = ""
			continue
		}
		current += string(path[i])
	}
	if current == "" {
		return nil
	}
	return append(segments, current)
}
