package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mailhop/mailhop/internal/structure"
)

// exprPattern matches a {{name}} or {{name|fallback}} expression. The name
// may not contain pipes or braces; the fallback may not contain braces
// (nested expressions are a template-authoring error, see ValidateFallbacks).
var exprPattern = regexp.MustCompile(`\{\{\s*([^|{}]+?)\s*(\|([^{}]*))?\}\}`)

// nestedFallbackPattern matches an expression whose fallback clause itself
// contains a complete {{...}} expression.
var nestedFallbackPattern = regexp.MustCompile(`\{\{\s*([^|{}]+?)\s*\|((?:[^{}]*\{\{[^{}]*\}\})+[^{}]*)\}\}`)

// FallbackSyntaxError reports a nested placeholder inside a fallback clause.
type FallbackSyntaxError struct {
	Path     string
	Variable string
	Fallback string
}

func (e *FallbackSyntaxError) Error() string {
	return fmt.Sprintf("nested placeholder in fallback at %s: variable %q, fallback %q", e.Path, e.Variable, e.Fallback)
}

// ValidateFallbacks rejects any structure containing a fallback clause with
// a nested {{...}} expression. It is enforced on template create and update
// and again defensively before rendering.
func ValidateFallbacks(v structure.Value) error {
	return validateFallbacks(v, "$")
}

func validateFallbacks(v structure.Value, path string) error {
	switch v.Kind() {
	case structure.KindString:
		s, _ := v.AsString()
		if m := nestedFallbackPattern.FindStringSubmatch(s); m != nil {
			return &FallbackSyntaxError{Path: path, Variable: m[1], Fallback: m[2]}
		}
	case structure.KindArray:
		items, _ := v.AsArray()
		for i, item := range items {
			if err := validateFallbacks(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case structure.KindObject:
		obj, _ := v.AsObject()
		for _, key := range obj.Keys() {
			item, _ := obj.Get(key)
			if err := validateFallbacks(item, path+"."+key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolve substitutes {{name}} and {{name|fallback}} expressions in every
// string leaf of the structure using values from the variable bag. A string
// that is exactly one expression takes the variable's native value; an
// expression embedded in longer text is replaced by its textual form.
// Missing variables fall back to the fallback clause when present, otherwise
// the placeholder is left verbatim. Inputs are not mutated.
func Resolve(v structure.Value, vars structure.Value) structure.Value {
	switch v.Kind() {
	case structure.KindString:
		s, _ := v.AsString()
		return resolveLeaf(s, vars)
	case structure.KindArray:
		items, _ := v.AsArray()
		resolved := make([]structure.Value, len(items))
		for i, item := range items {
			resolved[i] = Resolve(item, vars)
		}
		return structure.Array(resolved...)
	case structure.KindObject:
		obj, _ := v.AsObject()
		out := structure.NewObject()
		for _, key := range obj.Keys() {
			item, _ := obj.Get(key)
			out.Set(key, Resolve(item, vars))
		}
		return structure.FromObject(out)
	default:
		return v
	}
}

func resolveLeaf(s string, vars structure.Value) structure.Value {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return structure.String(s)
	}

	// A leaf that is a single expression keeps the variable's native type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		m := matches[0]
		name := s[m[2]:m[3]]
		if val, ok := lookupVariable(vars, name); ok {
			return val.Clone()
		}
		if m[4] >= 0 { // fallback clause present
			return structure.String(s[m[6]:m[7]])
		}
		return structure.String(s)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		name := s[m[2]:m[3]]
		if val, ok := lookupVariable(vars, name); ok {
			b.WriteString(val.Text())
		} else if m[4] >= 0 {
			b.WriteString(s[m[6]:m[7]])
		} else {
			b.WriteString(s[m[0]:m[1]])
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return structure.String(b.String())
}

// lookupVariable resolves a variable name against the bag: first as a
// literal key (keys may contain dots), then as a dotted path through nested
// objects.
func lookupVariable(vars structure.Value, name string) (structure.Value, bool) {
	obj, ok := vars.AsObject()
	if !ok {
		return structure.Value{}, false
	}

	if val, found := obj.Get(name); found {
		return val, true
	}

	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return structure.Value{}, false
	}

	current := vars
	for _, part := range parts {
		currentObj, isObj := current.AsObject()
		if !isObj {
			return structure.Value{}, false
		}
		next, found := currentObj.Get(part)
		if !found {
			return structure.Value{}, false
		}
		current = next
	}
	return current, true
}
