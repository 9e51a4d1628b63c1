package structure

import (
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{name: "null", json: `null`},
		{name: "bool", json: `true`},
		{name: "integer", json: `42`},
		{name: "float keeps literal", json: `3.50`},
		{name: "string", json: `"hello"`},
		{name: "array", json: `[1,"two",null]`},
		{name: "object keeps key order", json: `{"z":1,"a":{"nested":true},"m":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Parse([]byte(tt.json))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			out, err := v.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}
			if string(out) != tt.json {
				t.Errorf("round trip = %s, want %s", out, tt.json)
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	if _, err := Parse([]byte(`{"a":1} extra`)); err == nil {
		t.Error("expected error for trailing data")
	}
}

func TestObjectSetKeepsPosition(t *testing.T) {
	obj := NewObject()
	obj.Set("first", Int(1))
	obj.Set("second", Int(2))
	obj.Set("first", Int(10)) // overwrite must not move the key

	keys := obj.Keys()
	if len(keys) != 2 || keys[0] != "first" || keys[1] != "second" {
		t.Errorf("keys = %v, want [first second]", keys)
	}
	v, _ := obj.Get("first")
	if !v.Equal(Int(10)) {
		t.Errorf("first = %v, want 10", v)
	}
}

func TestObjectDelete(t *testing.T) {
	obj := NewObject()
	obj.Set("a", Int(1))
	obj.Set("b", Int(2))
	obj.Delete("a")

	if obj.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", obj.Len())
	}
	if _, ok := obj.Get("a"); ok {
		t.Error("deleted key still present")
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig, err := Parse([]byte(`{"outer":{"inner":"original"},"list":[1]}`))
	if err != nil {
		t.Fatal(err)
	}

	clone := orig.Clone()
	obj, _ := clone.AsObject()
	outer, _ := obj.Get("outer")
	outerObj, _ := outer.AsObject()
	outerObj.Set("inner", String("changed"))

	origObj, _ := orig.AsObject()
	origOuter, _ := origObj.Get("outer")
	origOuterObj, _ := origOuter.AsObject()
	v, _ := origOuterObj.Get("inner")
	if s, _ := v.AsString(); s != "original" {
		t.Errorf("original mutated through clone: %q", s)
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{name: "equal objects", a: `{"a":1,"b":2}`, b: `{"a":1,"b":2}`, want: true},
		{name: "different key order", a: `{"a":1,"b":2}`, b: `{"b":2,"a":1}`, want: false},
		{name: "different scalar", a: `{"a":1}`, b: `{"a":2}`, want: false},
		{name: "kind mismatch", a: `"1"`, b: `1`, want: false},
		{name: "equal arrays", a: `[1,2,3]`, b: `[1,2,3]`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse([]byte(tt.a))
			if err != nil {
				t.Fatal(err)
			}
			b, err := Parse([]byte(tt.b))
			if err != nil {
				t.Fatal(err)
			}
			if got := a.Equal(b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{name: "string", v: String("hi"), want: "hi"},
		{name: "number", v: Int(7), want: "7"},
		{name: "bool", v: Bool(true), want: "true"},
		{name: "null", v: Null(), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
