//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value.
const PresencePlaceholder = "<<PRESENCE>>"

type JSONAssertOptions struct {
	IgnoreExtraKeys          bool `default:"true"`
	AllowPresencePlaceholder bool `default:"true"`
}

// JSONAsserter compares JSON documents structurally and reports a readable diff on mismatch.
type JSONAsserter struct {
	t       *testing.T
	options JSONAssertOptions
}

// NewJSONAsserter creates a new JSONAsserter with default options
func NewJSONAsserter(t *testing.T) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

// Strict requires actual to carry no keys beyond the expected ones.
func (ja *JSONAsserter) Strict() *JSONAsserter {
	ja.options.IgnoreExtraKeys = false
	return ja
}

// Assert compares actualJSON against expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]interface{}); ok {
		expected = map[string]interface{}{"array": expected}
		actual = map[string]interface{}{"array": actual}
	}

	actual = ja.prune(expected, actual)

	d := gojsondiff.New().CompareObjects(toObject(expected), toObject(actual))
	if !d.Modified() {
		return ""
	}
	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, err := f.Format(d)
	if err != nil {
		return fmt.Sprintf("failed to format diff: %v", err)
	}
	return out
}

// prune returns a copy of actual shaped by expected: extra keys are dropped when allowed,
// and placeholder values adopt the actual value.
func (ja *JSONAsserter) prune(expected, actual interface{}) interface{} {
	if s, ok := expected.(string); ok && ja.options.AllowPresencePlaceholder && s == PresencePlaceholder {
		if actual != nil {
			return expected
		}
		return actual
	}

	switch e := expected.(type) {
	case map[string]interface{}:
		a, ok := actual.(map[string]interface{})
		if !ok {
			return actual
		}
		out := make(map[string]interface{}, len(a))
		for k, av := range a {
			ev, known := e[k]
			if !known {
				if !ja.options.IgnoreExtraKeys {
					out[k] = av
				}
				continue
			}
			out[k] = ja.prune(ev, av)
		}
		return out
	case []interface{}:
		a, ok := actual.([]interface{})
		if !ok {
			return actual
		}
		out := make([]interface{}, len(a))
		for i, av := range a {
			if i < len(e) {
				out[i] = ja.prune(e[i], av)
			} else {
				out[i] = av
			}
		}
		return out
	default:
		return actual
	}
}

func toObject(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"value": v}
}
