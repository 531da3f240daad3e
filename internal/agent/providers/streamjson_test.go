package providers

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParseStreamingJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{name: "complete object", raw: `{"path":"a.txt"}`, want: map[string]any{"path": "a.txt"}},
		{name: "object with trailing junk", raw: `{"a":1} and then some`, want: map[string]any{"a": float64(1)}},
		{name: "two objects keeps the first", raw: `{"a":1}{"b":2}`, want: map[string]any{"a": float64(1)}},
		{name: "incomplete object", raw: `{"path":"a.`, want: map[string]any{}},
		{name: "open brace only", raw: `{`, want: map[string]any{}},
		{name: "empty", raw: "", want: map[string]any{}},
		{name: "whitespace", raw: "  \n\t", want: map[string]any{}},
		{name: "array is not an object", raw: `[1,2,3]`, want: map[string]any{}},
		{name: "null is not an object", raw: `null`, want: map[string]any{}},
		{name: "nested object", raw: `{"outer":{"inner":true}}`, want: map[string]any{"outer": map[string]any{"inner": true}}},
		{name: "leading whitespace", raw: "  {\"a\":\"b\"}", want: map[string]any{"a": "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseStreamingJSON(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseStreamingJSON(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

// TestParseStreamingJSONProperty checks the parser against arbitrary
// objects: the complete form decodes exactly, trailing bytes after the
// object never change the result, and no prefix of the wire form makes the
// parser return nil or a key the object does not have.
func TestParseStreamingJSONProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genObject := gen.MapOf(gen.Identifier(), gen.AlphaString())

	properties.Property("complete object decodes exactly", prop.ForAll(
		func(m map[string]string) bool {
			raw, err := json.Marshal(m)
			if err != nil {
				return false
			}
			got := parseStreamingJSON(string(raw))
			if len(got) != len(m) {
				return false
			}
			for k, v := range m {
				if got[k] != v {
					return false
				}
			}
			return true
		},
		genObject,
	))

	properties.Property("trailing bytes are ignored", prop.ForAll(
		func(m map[string]string, suffix string) bool {
			raw, err := json.Marshal(m)
			if err != nil {
				return false
			}
			full := parseStreamingJSON(string(raw))
			withSuffix := parseStreamingJSON(string(raw) + " " + suffix)
			return reflect.DeepEqual(full, withSuffix)
		},
		genObject,
		gen.AlphaString(),
	))

	properties.Property("every prefix yields a safe object", prop.ForAll(
		func(m map[string]string, cut int) bool {
			raw, err := json.Marshal(m)
			if err != nil {
				return false
			}
			if cut > len(raw) {
				cut = len(raw)
			}
			got := parseStreamingJSON(string(raw[:cut]))
			if got == nil {
				return false
			}
			for k := range got {
				if _, ok := m[k]; !ok {
					return false
				}
			}
			return true
		},
		genObject,
		gen.IntRange(0, 1024),
	))

	properties.TestingRun(t)
}
