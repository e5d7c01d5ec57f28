package utils

import (
	"fmt"
	"sort"
	"strings"
)

// JSONToXML renders a decoded JSON value as indented XML text: object keys
// become element names, array entries repeat, and scalars become text. This
// is the wire rendering expected by retrieve-side consumers of stored FHIR
// resources, so its exact shape is load-bearing.
func JSONToXML(v interface{}) string {
	return jsonToXML(v, "")
}

func jsonToXML(v interface{}, pad string) string {
	switch val := v.(type) {
	case []interface{}:
		lines := make([]string, 0, len(val))
		for _, sub := range val {
			lines = append(lines, jsonToXML(sub, pad))
		}
		return strings.Join(lines, "\n")
	case map[string]interface{}:
		var lines []string
		for _, tag := range sortedKeys(val) {
			lines = append(lines, fmt.Sprintf("%s<%s>", pad, tag))
			lines = append(lines, jsonToXML(val[tag], "\t"+pad))
			lines = append(lines, fmt.Sprintf("%s</%s>", pad, tag))
		}
		return strings.Join(lines, "\n")
	default:
		return fmt.Sprintf("%s%v", pad, val)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic output keeps the rendering stable across runs.
	sort.Strings(keys)
	return keys
}
