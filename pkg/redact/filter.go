// Package redact scrubs secret-looking values from variable bags before
// they leave process memory.
package redact

import (
	"fmt"
	"reflect"
	"regexp"
	"time"
)

// Marker replaces any value classified as sensitive. Redaction is
// irreversible; the original value is never retained.
const Marker = "[REDACTED]"

// maxDepth bounds recursion through nested values so cyclic or
// pathologically deep structures cannot hang a capture.
const maxDepth = 32

var defaultFieldPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)api[_-]?key`),
	regexp.MustCompile(`(?i)credential`),
}

// cardDigits matches a contiguous or space/dash grouped digit run.
// Digit count is validated separately so grouping characters don't
// inflate the length check.
var cardDigits = regexp.MustCompile(`^[0-9][0-9 \-]{11,24}[0-9]$`)

// Filter classifies field names and string values against its rule set.
// A Filter is read-only after construction and safe for concurrent use.
type Filter struct {
	fieldPatterns []*regexp.Regexp
}

// NewFilter builds a filter with the built-in rules plus any extra
// field-name patterns. Patterns that fail to compile are skipped; a
// malformed operator-supplied pattern must not take the agent down.
func NewFilter(extraPatterns ...string) *Filter {
	patterns := make([]*regexp.Regexp, 0, len(defaultFieldPatterns)+len(extraPatterns))
	patterns = append(patterns, defaultFieldPatterns...)
	for _, p := range extraPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		patterns = append(patterns, re)
	}
	return &Filter{fieldPatterns: patterns}
}

// Redact returns a new map with sensitive values replaced by Marker.
// The input map is never modified. Redaction recurses through nested
// mappings of any key-string map type, structs (exported fields, field
// name checked like a mapping key), pointers and slices; values that
// cannot be walked pass through as their string rendering.
func (f *Filter) Redact(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	r := &redactor{filter: f}
	return r.redactMap(vars, 0)
}

// RedactedCount reports how many values Redact would replace.
// The capture engine uses it to account for redactions per capture.
func (f *Filter) RedactedCount(vars map[string]any) int {
	if vars == nil {
		return 0
	}
	r := &redactor{filter: f}
	r.redactMap(vars, 0)
	return r.count
}

// MatchesFieldName reports whether a field name is classified sensitive.
func (f *Filter) MatchesFieldName(name string) bool {
	for _, re := range f.fieldPatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// SensitiveValue reports whether a string value is classified sensitive
// on its own, regardless of the field name carrying it.
func (f *Filter) SensitiveValue(s string) bool {
	return looksLikeCardNumber(s)
}

// redactor carries the replacement count through one Redact pass.
type redactor struct {
	filter *Filter
	count  int
}

func (r *redactor) redactMap(vars map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(vars))
	for name, value := range vars {
		if r.filter.MatchesFieldName(name) {
			r.count++
			out[name] = Marker
			continue
		}
		out[name] = r.redactValue(value, depth+1)
	}
	return out
}

func (r *redactor) redactValue(value any, depth int) any {
	if depth > maxDepth {
		return safeString(value)
	}

	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return r.redactString(v)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case map[string]any:
		return r.redactMap(v, depth)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = r.redactValue(elem, depth+1)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = r.redactString(elem)
		}
		return out
	}

	return r.redactReflected(reflect.ValueOf(value), depth)
}

func (r *redactor) redactString(s string) any {
	if looksLikeCardNumber(s) {
		r.count++
		return Marker
	}
	return s
}

// redactReflected walks values the type switch cannot name: typed maps,
// structs, pointers and typed slices still carry field names and string
// leaves that need classification.
func (r *redactor) redactReflected(v reflect.Value, depth int) any {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return r.redactValue(v.Elem().Interface(), depth+1)

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return r.redactString(safeString(v.Interface()))
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			name := iter.Key().String()
			if r.filter.MatchesFieldName(name) {
				r.count++
				out[name] = Marker
				continue
			}
			out[name] = r.redactValue(iter.Value().Interface(), depth+1)
		}
		return out

	case reflect.Slice, reflect.Array:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = r.redactValue(v.Index(i).Interface(), depth+1)
		}
		return out

	case reflect.Struct:
		t := v.Type()
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			fv := v.Field(i)
			if !fv.CanInterface() {
				continue
			}
			if r.filter.MatchesFieldName(field.Name) {
				r.count++
				out[field.Name] = Marker
				continue
			}
			out[field.Name] = r.redactValue(fv.Interface(), depth+1)
		}
		return out

	default:
		// Chans, funcs and other opaque kinds: render, then classify the
		// rendering.
		return r.redactString(safeString(v.Interface()))
	}
}

// looksLikeCardNumber reports whether s is a 13-19 digit run, optionally
// grouped with spaces or dashes.
func looksLikeCardNumber(s string) bool {
	if !cardDigits.MatchString(s) {
		return false
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 13 && digits <= 19
}

// safeString renders a value without letting a misbehaving String()
// panic escape.
func safeString(value any) (s string) {
	defer func() {
		if recover() != nil {
			s = fmt.Sprintf("<unprintable %T>", value)
		}
	}()
	return fmt.Sprintf("%v", value)
}
