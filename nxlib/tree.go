package nxlib

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Get reads a typed value from the property tree. JSON-derived trees store
// all numbers as float64; Get coerces those to the requested integer type
// so callers can read counters and levels directly.
func Get[T any](ctx context.Context, tree Tree, path string) (T, error) {
	var zero T
	v, err := tree.GetValue(ctx, path)
	if err != nil {
		return zero, err
	}
	t, ok := coerce[T](v)
	if !ok {
		return zero, errors.Errorf("property %s holds %T, not %T", path, v, zero)
	}
	return t, nil
}

func coerce[T any](v interface{}) (T, bool) {
	if t, ok := v.(T); ok {
		return t, true
	}
	var zero T
	switch any(zero).(type) {
	case int:
		switch n := v.(type) {
		case float64:
			return any(int(n)).(T), true
		case int64:
			return any(int(n)).(T), true
		}
	case float64:
		switch n := v.(type) {
		case int:
			return any(float64(n)).(T), true
		case int64:
			return any(float64(n)).(T), true
		}
	}
	return zero, false
}

// Lookup walks a result tree along a slash-separated path. Numeric path
// segments index into array nodes.
func Lookup(tree map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = tree
	for _, part := range strings.Split(path, "/") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// LookupBool reads a boolean result field, failing if it is absent or has
// the wrong type.
func LookupBool(tree map[string]interface{}, path string) (bool, error) {
	v, ok := Lookup(tree, path)
	if !ok {
		return false, errors.Errorf("result field %s missing", path)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Errorf("result field %s holds %T, not bool", path, v)
	}
	return b, nil
}

// LookupInt reads an integer result field, accepting float64 storage.
func LookupInt(tree map[string]interface{}, path string) (int, error) {
	v, ok := Lookup(tree, path)
	if !ok {
		return 0, errors.Errorf("result field %s missing", path)
	}
	n, ok := coerce[int](v)
	if !ok {
		return 0, errors.Errorf("result field %s holds %T, not int", path, v)
	}
	return n, nil
}

// LookupFloat reads a floating-point result field.
func LookupFloat(tree map[string]interface{}, path string) (float64, error) {
	v, ok := Lookup(tree, path)
	if !ok {
		return 0, errors.Errorf("result field %s missing", path)
	}
	n, ok := coerce[float64](v)
	if !ok {
		return 0, errors.Errorf("result field %s holds %T, not float64", path, v)
	}
	return n, nil
}
