package rasternn

import (
	"errors"
	"fmt"
)

// ErrAttributeType is returned when a stored attribute has a different type
// than the one requested.
var ErrAttributeType = errors.New("rasternn: attribute type mismatch")

// Attributes is the operator-config store: a mapping from attribute names
// to typed values (ints, int lists, floats, strings). Operators read their
// configuration from it exactly once, at initialization.
//
// Missing attributes yield the caller-supplied default. A present attribute
// with the wrong type is a configuration error and is reported, so that
// operator initialization can fail fast.
type Attributes map[string]any

// Int returns the named int attribute, or def if absent.
func (a Attributes) Int(name string, def int) (int, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %q is %T, want int", ErrAttributeType, name, v)
	}
}

// Ints returns the named int-list attribute, or def if absent.
func (a Attributes) Ints(name string, def []int) ([]int, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	switch ns := v.(type) {
	case []int:
		return ns, nil
	case []int64:
		out := make([]int, len(ns))
		for i, n := range ns {
			out[i] = int(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q is %T, want []int", ErrAttributeType, name, v)
	}
}

// Float returns the named float attribute, or def if absent.
func (a Attributes) Float(name string, def float32) (float32, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	switch f := v.(type) {
	case float32:
		return f, nil
	case float64:
		return float32(f), nil
	default:
		return 0, fmt.Errorf("%w: %q is %T, want float32", ErrAttributeType, name, v)
	}
}

// Floats returns the named float-list attribute, or def if absent.
func (a Attributes) Floats(name string, def []float32) ([]float32, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	fs, ok := v.([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, want []float32", ErrAttributeType, name, v)
	}
	return fs, nil
}

// Str returns the named string attribute, or def if absent.
func (a Attributes) Str(name, def string) (string, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q is %T, want string", ErrAttributeType, name, v)
	}
	return s, nil
}
