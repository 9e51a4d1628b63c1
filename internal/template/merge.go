package template

import (
	"github.com/mailhop/mailhop/internal/structure"
)

// Merge deep-merges a locale override over a base structure and returns a
// new value; neither input is mutated. A null override leaves the base
// unchanged. Object keys recurse, arrays are replaced wholesale by the
// override, scalars take the override value. If the shapes disagree at a
// path the override value wins verbatim.
func Merge(base, override structure.Value) structure.Value {
	if override.IsNull() {
		return base.Clone()
	}

	baseObj, baseIsObj := base.AsObject()
	overObj, overIsObj := override.AsObject()

	if !baseIsObj || !overIsObj {
		// Shape mismatch or scalar/array leaf: override replaces.
		return override.Clone()
	}

	merged := baseObj.Clone()
	for _, key := range overObj.Keys() {
		overVal, _ := overObj.Get(key)
		baseVal, exists := baseObj.Get(key)
		if !exists {
			merged.Set(key, overVal.Clone())
			continue
		}
		merged.Set(key, Merge(baseVal, overVal))
	}
	return structure.FromObject(merged)
}
