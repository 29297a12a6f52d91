package reload

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted path in a JSON document. Inside an array a
// segment selects the element whose "name" field equals it, or failing
// that, a numeric index; "phases.build.status" reads the status of the phase
// named build. The second result is false when any segment is missing.
func Lookup(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			v, ok := selectElement(node, seg)
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func selectElement(list []any, seg string) (any, bool) {
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			if name, _ := m["name"].(string); name == seg {
				return el, true
			}
		}
	}
	if i, err := strconv.Atoi(seg); err == nil && i >= 0 && i < len(list) {
		return list[i], true
	}
	return nil, false
}
