package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// SerializationWarning is returned (never as a hard error — spec.md §7.7)
// when the JSON round-trip of a call's arguments loses structure:
// non-JSON-safe numbers, or keys that don't survive marshal/unmarshal.
// The engine logs these and dispatches the call anyway. Function and
// channel values cannot be marshaled at all and are reported as an error
// by ValidateRoundTrip instead.
type SerializationWarning struct {
	Path   string
	Detail string
}

func (w *SerializationWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Path, w.Detail)
}

// ErrCyclicArgs is returned by ValidateRoundTrip when args contains a
// back-reference to one of its own ancestors. Unlike a SerializationWarning
// this is fatal: a cyclic structure cannot be serialized at all, so the
// call is rejected before it ever reaches json.Marshal (which would
// otherwise recurse until the stack overflows).
var ErrCyclicArgs = fmt.Errorf("wire: args contain a cyclic reference")

// maxSafeInt is the largest integer a float64 can hold exactly; json
// decodes all numbers into float64, so an original integer outside this
// range cannot survive the round-trip intact even though decode succeeds.
const maxSafeInt = 1 << 53

// ValidateRoundTrip first walks args with a parent-pointer stack to detect
// back-references, then marshals it, unmarshals the result, and walks the
// original value (normalized into the same generic shape json.Unmarshal
// produces) against the decoded tree looking for structural differences a
// caller would not expect: a key that disappeared, an integer that lost
// precision, a value that changed type. It returns the warnings found
// (possibly none), or an error if args is cyclic or outright
// unserializable (e.g. a channel or func value).
func ValidateRoundTrip(args any) ([]SerializationWarning, []byte, error) {
	if err := detectCycle(args); err != nil {
		return nil, nil, err
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: args not serializable: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, nil, fmt.Errorf("wire: round-trip decode failed: %w", err)
	}

	var warnings []SerializationWarning
	walkCompare("$", normalize(reflect.ValueOf(args)), decoded, &warnings)
	return warnings, encoded, nil
}

// detectCycle walks args via reflection, tracking the chain of ancestor
// pointers/maps/slices currently being visited (a stack, not a global seen
// set) so DAGs — the same map or slice reachable from two different
// parents — are not mistaken for cycles; only a node that is its own
// ancestor is rejected.
func detectCycle(args any) error {
	return detectCycleValue(reflect.ValueOf(args), map[uintptr]bool{})
}

func detectCycleValue(v reflect.Value, ancestors map[uintptr]bool) error {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if ancestors[ptr] {
			return ErrCyclicArgs
		}
		ancestors[ptr] = true
		defer delete(ancestors, ptr)

		switch v.Kind() {
		case reflect.Ptr:
			return detectCycleValue(v.Elem(), ancestors)
		case reflect.Slice:
			for i := 0; i < v.Len(); i++ {
				if err := detectCycleValue(v.Index(i), ancestors); err != nil {
					return err
				}
			}
		case reflect.Map:
			iter := v.MapRange()
			for iter.Next() {
				if err := detectCycleValue(iter.Value(), ancestors); err != nil {
					return err
				}
			}
		}
		return nil

	case reflect.Interface:
		return detectCycleValue(v.Elem(), ancestors)

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue // unexported field; json.Marshal ignores it too
			}
			if err := detectCycleValue(v.Field(i), ancestors); err != nil {
				return err
			}
		}
		return nil

	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := detectCycleValue(v.Index(i), ancestors); err != nil {
				return err
			}
		}
		return nil

	default:
		return nil
	}
}

// normalize walks the original Go value (not the bytes produced from it)
// into a tree built from the same generic shapes json.Unmarshal produces —
// map[string]any, []any, string, bool, nil — except integers are kept as
// int64/uint64 rather than collapsed to float64. That collapse is exactly
// the kind of silent loss walkCompare exists to catch, so normalize must
// not perform it on the original side too.
func normalize(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return normalize(v.Elem())
	}

	if v.CanInterface() {
		if m, ok := v.Interface().(json.Marshaler); ok {
			if b, err := m.MarshalJSON(); err == nil {
				var out any
				if json.Unmarshal(b, &out) == nil {
					return out
				}
			}
		}
	}

	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalize(iter.Value())
		}
		return out

	case reflect.Struct:
		out := make(map[string]any)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue // unexported; json.Marshal skips it too
			}
			name, opts := jsonFieldTag(field)
			if name == "-" {
				continue
			}
			if name == "" {
				name = field.Name
			}
			fv := v.Field(i)
			if opts.omitempty && isEmptyValue(fv) {
				continue
			}
			out[name] = normalize(fv)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = normalize(v.Index(i))
		}
		return out

	case reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = normalize(v.Index(i))
		}
		return out

	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	default:
		return nil
	}
}

type jsonTagOpts struct{ omitempty bool }

func jsonFieldTag(f reflect.StructField) (string, jsonTagOpts) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return "", jsonTagOpts{}
	}
	parts := strings.Split(tag, ",")
	opts := jsonTagOpts{}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			opts.omitempty = true
		}
	}
	return parts[0], opts
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	default:
		return false
	}
}

// walkCompare walks a, the normalized original tree, against b, the
// actually-decoded tree, emitting a warning wherever they diverge. a and b
// use different numeric representations on purpose (see normalize); every
// other shape should match exactly.
func walkCompare(path string, a, b any, warnings *[]SerializationWarning) {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "object became a non-object value"})
			return
		}
		for k, v := range av {
			childPath := path + "." + k
			bvv, ok := bv[k]
			if !ok {
				*warnings = append(*warnings, SerializationWarning{Path: childPath, Detail: "key lost in round-trip"})
				continue
			}
			walkCompare(childPath, v, bvv, warnings)
		}

	case []any:
		bv, ok := b.([]any)
		if !ok {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "array became a non-array value"})
			return
		}
		if len(av) != len(bv) {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "array length changed in round-trip"})
		}
		for i := range av {
			if i >= len(bv) {
				break
			}
			walkCompare(fmt.Sprintf("%s[%d]", path, i), av[i], bv[i], warnings)
		}

	case int64:
		if av < -maxSafeInt || av > maxSafeInt {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "integer exceeds float64 safe range; precision may be lost in round-trip"})
			return
		}
		bf, ok := b.(float64)
		if !ok {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "integer became a non-numeric value"})
			return
		}
		if int64(bf) != av {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "integer value changed in round-trip"})
		}

	case uint64:
		if av > maxSafeInt {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "integer exceeds float64 safe range; precision may be lost in round-trip"})
			return
		}
		bf, ok := b.(float64)
		if !ok {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "integer became a non-numeric value"})
			return
		}
		if uint64(bf) != av {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "integer value changed in round-trip"})
		}

	case float64:
		bf, ok := b.(float64)
		if !ok || bf != av {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "numeric value changed in round-trip"})
		}

	case string:
		bs, ok := b.(string)
		if !ok || bs != av {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "string value changed in round-trip"})
		}

	case bool:
		bb, ok := b.(bool)
		if !ok || bb != av {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "boolean value changed in round-trip"})
		}

	case nil:
		if b != nil {
			*warnings = append(*warnings, SerializationWarning{Path: path, Detail: "nil value became non-nil"})
		}

	default:
		// Unrecognized normalized shape; nothing meaningful to compare.
	}
}
