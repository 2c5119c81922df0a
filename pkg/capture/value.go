// Package capture builds point-in-time snapshot and exception records
// from caller-supplied variable bags.
package capture

import (
	"fmt"
	"reflect"
)

// Limits bounds how much of a value tree is walked. Zero values fall back
// to the package defaults.
type Limits struct {
	MaxDepth          int
	MaxStringLength   int
	MaxCollectionSize int
}

const (
	defaultMaxDepth          = 10
	defaultMaxStringLength   = 1000
	defaultMaxCollectionSize = 100
)

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = defaultMaxDepth
	}
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = defaultMaxStringLength
	}
	if l.MaxCollectionSize <= 0 {
		l.MaxCollectionSize = defaultMaxCollectionSize
	}
	return l
}

// Variable is one captured value: a tagged tree of null, bool, number,
// string, sequence and mapping nodes. Values the walker cannot represent
// carry a placeholder string instead of failing the capture.
type Variable struct {
	Name          string              `json:"name"`
	Type          string              `json:"type"`
	Value         string              `json:"value"`
	IsNull        bool                `json:"is_null"`
	IsTruncated   bool                `json:"is_truncated"`
	Children      map[string]Variable `json:"children,omitempty"`
	ArrayElements []Variable          `json:"array_elements,omitempty"`
	ArrayLength   *int                `json:"array_length,omitempty"`
}

// CaptureValue converts an arbitrary value into a Variable tree.
// Conversion never panics: cyclic references and unsupported kinds are
// replaced with placeholders.
func CaptureValue(name string, value any, limits Limits) Variable {
	limits = limits.withDefaults()
	w := &walker{limits: limits, seen: make(map[uintptr]bool)}
	return w.capture(name, value, 0)
}

// CaptureBag converts a whole variable bag.
func CaptureBag(vars map[string]any, limits Limits) map[string]Variable {
	out := make(map[string]Variable, len(vars))
	for name, value := range vars {
		out[name] = CaptureValue(name, value, limits)
	}
	return out
}

type walker struct {
	limits Limits
	seen   map[uintptr]bool
}

func (w *walker) capture(name string, value any, depth int) (out Variable) {
	// Reflection on hostile values must never take down the host request.
	defer func() {
		if recover() != nil {
			out = Variable{
				Name:        name,
				Type:        fmt.Sprintf("%T", value),
				Value:       "<unserializable>",
				IsTruncated: true,
			}
		}
	}()

	if value == nil {
		return Variable{Name: name, Type: "nil", Value: "nil", IsNull: true}
	}

	if depth > w.limits.MaxDepth {
		return Variable{
			Name:        name,
			Type:        reflect.TypeOf(value).String(),
			Value:       "<max depth exceeded>",
			IsTruncated: true,
		}
	}

	v := reflect.ValueOf(value)
	t := v.Type()

	switch v.Kind() {
	case reflect.Invalid:
		return Variable{Name: name, Type: "invalid", Value: "invalid", IsNull: true}

	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return Variable{Name: name, Type: t.String(), Value: fmt.Sprintf("%v", value)}

	case reflect.String:
		s := v.String()
		truncated := len(s) > w.limits.MaxStringLength
		if truncated {
			s = s[:w.limits.MaxStringLength]
		}
		return Variable{Name: name, Type: "string", Value: s, IsTruncated: truncated}

	case reflect.Ptr:
		if v.IsNil() {
			return Variable{Name: name, Type: t.String(), Value: "nil", IsNull: true}
		}
		addr := v.Pointer()
		if w.seen[addr] {
			return Variable{
				Name:        name,
				Type:        t.String(),
				Value:       "<cycle>",
				IsTruncated: true,
			}
		}
		w.seen[addr] = true
		defer delete(w.seen, addr)
		return w.capture(name, v.Elem().Interface(), depth)

	case reflect.Interface:
		if v.IsNil() {
			return Variable{Name: name, Type: t.String(), Value: "nil", IsNull: true}
		}
		return w.capture(name, v.Elem().Interface(), depth)

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return Variable{Name: name, Type: t.String(), Value: "nil", IsNull: true}
		}
		length := v.Len()
		limit := length
		if limit > w.limits.MaxCollectionSize {
			limit = w.limits.MaxCollectionSize
		}
		elements := make([]Variable, 0, limit)
		for i := 0; i < limit; i++ {
			elements = append(elements, w.capture(fmt.Sprintf("[%d]", i), v.Index(i).Interface(), depth+1))
		}
		return Variable{
			Name:          name,
			Type:          t.String(),
			Value:         fmt.Sprintf("[%d items]", length),
			ArrayElements: elements,
			ArrayLength:   &length,
			IsTruncated:   length > w.limits.MaxCollectionSize,
		}

	case reflect.Map:
		if v.IsNil() {
			return Variable{Name: name, Type: t.String(), Value: "nil", IsNull: true}
		}
		addr := v.Pointer()
		if w.seen[addr] {
			return Variable{Name: name, Type: t.String(), Value: "<cycle>", IsTruncated: true}
		}
		w.seen[addr] = true
		defer delete(w.seen, addr)

		keys := v.MapKeys()
		limit := len(keys)
		if limit > w.limits.MaxCollectionSize {
			limit = w.limits.MaxCollectionSize
		}
		children := make(map[string]Variable, limit)
		for i := 0; i < limit; i++ {
			keyStr := fmt.Sprintf("%v", keys[i].Interface())
			children[keyStr] = w.capture(keyStr, v.MapIndex(keys[i]).Interface(), depth+1)
		}
		return Variable{
			Name:        name,
			Type:        t.String(),
			Value:       fmt.Sprintf("map[%d]", len(keys)),
			Children:    children,
			IsTruncated: len(keys) > w.limits.MaxCollectionSize,
		}

	case reflect.Struct:
		children := make(map[string]Variable)
		for i := 0; i < t.NumField() && i < w.limits.MaxCollectionSize; i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			fv := v.Field(i)
			if !fv.CanInterface() {
				continue
			}
			children[field.Name] = w.capture(field.Name, fv.Interface(), depth+1)
		}
		return Variable{
			Name:     name,
			Type:     t.String(),
			Value:    fmt.Sprintf("<%s>", t.Name()),
			Children: children,
		}

	default:
		// Chan, Func, UnsafePointer: not representable.
		return Variable{Name: name, Type: t.String(), Value: fmt.Sprintf("<%s>", t.Kind())}
	}
}
