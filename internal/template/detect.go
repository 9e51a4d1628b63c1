package template

import (
	"github.com/mailhop/mailhop/internal/structure"
)

// DetectedVariable is one {{name|fallback}} occurrence found in a base
// structure.
type DetectedVariable struct {
	Name       string `json:"name"`
	Fallback   string `json:"fallback,omitempty"`
	Expression string `json:"expression"`
}

// DetectVariables scans a base structure for variable expressions, walking
// objects in key order and arrays in index order. Occurrences are deduped
// by name; the first occurrence wins. Used by authoring tooling, not the
// send path.
func DetectVariables(v structure.Value) []DetectedVariable {
	seen := make(map[string]bool)
	var found []DetectedVariable
	detectVariables(v, seen, &found)
	return found
}

func detectVariables(v structure.Value, seen map[string]bool, found *[]DetectedVariable) {
	switch v.Kind() {
	case structure.KindString:
		s, _ := v.AsString()
		for _, m := range exprPattern.FindAllStringSubmatchIndex(s, -1) {
			name := s[m[2]:m[3]]
			if seen[name] {
				continue
			}
			seen[name] = true
			dv := DetectedVariable{
				Name:       name,
				Expression: s[m[0]:m[1]],
			}
			if m[4] >= 0 {
				dv.Fallback = s[m[6]:m[7]]
			}
			*found = append(*found, dv)
		}
	case structure.KindArray:
		items, _ := v.AsArray()
		for _, item := range items {
			detectVariables(item, seen, found)
		}
	case structure.KindObject:
		obj, _ := v.AsObject()
		for _, key := range obj.Keys() {
			item, _ := obj.Get(key)
			detectVariables(item, seen, found)
		}
	}
}
