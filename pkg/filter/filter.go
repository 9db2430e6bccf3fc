// Package filter evaluates declarative filter trees against rows.
//
// A filter is a JSON/YAML object. Leaves compare a row column with a
// literal using eq, gt, gte, lt or lte, in either spelling:
// {field: {op: value}} or {op: {field: value}}. Internal nodes are
// and (list), or (list) and not (object). Sibling entries of an
// object are an implicit and.
package filter

import (
	"errors"
	"fmt"

	"github.com/user/repetl"
)

var (
	// ErrMalformed is returned for structurally invalid trees: an
	// and/or that is not a list, or a not that is not an object.
	ErrMalformed = errors.New("filter: malformed filter")

	// ErrUnsupportedOp is returned for unknown comparison operators.
	ErrUnsupportedOp = errors.New("filter: unsupported operator")
)

var comparisonOps = map[string]bool{
	"eq": true, "gt": true, "gte": true, "lt": true, "lte": true,
}

// Apply evaluates the tree against a row. A nil or empty tree accepts
// every row. Missing columns evaluate as NULL.
func Apply(row repetl.Row, tree map[string]any) (bool, error) {
	for key, val := range tree {
		ok, err := evalNode(row, key, val)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Validate checks the whole tree structurally without evaluating it,
// so misconfiguration is caught at startup rather than per row.
func Validate(tree map[string]any) error {
	for key, val := range tree {
		if err := validateNode(key, val); err != nil {
			return err
		}
	}
	return nil
}

func evalNode(row repetl.Row, key string, val any) (bool, error) {
	switch key {
	case "and":
		list, ok := val.([]any)
		if !ok {
			return false, fmt.Errorf("%w: \"and\" must be a list", ErrMalformed)
		}
		for _, item := range list {
			sub, ok := asObject(item)
			if !ok {
				return false, fmt.Errorf("%w: \"and\" items must be objects", ErrMalformed)
			}
			r, err := Apply(row, sub)
			if err != nil || !r {
				return false, err
			}
		}
		return true, nil
	case "or":
		list, ok := val.([]any)
		if !ok {
			return false, fmt.Errorf("%w: \"or\" must be a list", ErrMalformed)
		}
		for _, item := range list {
			sub, ok := asObject(item)
			if !ok {
				return false, fmt.Errorf("%w: \"or\" items must be objects", ErrMalformed)
			}
			r, err := Apply(row, sub)
			if err != nil {
				return false, err
			}
			if r {
				return true, nil
			}
		}
		return false, nil
	case "not":
		sub, ok := asObject(val)
		if !ok {
			return false, fmt.Errorf("%w: \"not\" must be an object", ErrMalformed)
		}
		r, err := Apply(row, sub)
		if err != nil {
			return false, err
		}
		return !r, nil
	default:
		if comparisonOps[key] {
			// {op: {field: value}} spelling.
			fields, ok := asObject(val)
			if !ok {
				return false, fmt.Errorf("%w: %q must map fields to values", ErrMalformed, key)
			}
			for field, want := range fields {
				if !compare(key, row[field], want) {
					return false, nil
				}
			}
			return true, nil
		}
		// {field: {op: value}} spelling; key is a column name.
		conds, ok := asObject(val)
		if !ok {
			return false, fmt.Errorf("%w: condition for field %q must be an object", ErrMalformed, key)
		}
		for op, want := range conds {
			if !comparisonOps[op] {
				return false, fmt.Errorf("%w: %q", ErrUnsupportedOp, op)
			}
			if !compare(op, row[key], want) {
				return false, nil
			}
		}
		return true, nil
	}
}

func validateNode(key string, val any) error {
	switch key {
	case "and", "or":
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("%w: %q must be a list", ErrMalformed, key)
		}
		for _, item := range list {
			sub, ok := asObject(item)
			if !ok {
				return fmt.Errorf("%w: %q items must be objects", ErrMalformed, key)
			}
			if err := Validate(sub); err != nil {
				return err
			}
		}
		return nil
	case "not":
		sub, ok := asObject(val)
		if !ok {
			return fmt.Errorf("%w: \"not\" must be an object", ErrMalformed)
		}
		return Validate(sub)
	default:
		obj, ok := asObject(val)
		if !ok {
			return fmt.Errorf("%w: condition for %q must be an object", ErrMalformed, key)
		}
		if comparisonOps[key] {
			return nil
		}
		for op := range obj {
			if !comparisonOps[op] {
				return fmt.Errorf("%w: %q", ErrUnsupportedOp, op)
			}
		}
		return nil
	}
}

// asObject accepts both map[string]any (JSON) and the map[any]any
// shape some YAML decoders produce.
func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// compare applies one comparison operator. NULL equals NULL under eq;
// every ordered comparison against NULL is false; values of
// incomparable types are unequal and unordered.
func compare(op string, got, want any) bool {
	if op == "eq" {
		if got == nil && want == nil {
			return true
		}
		if got == nil || want == nil {
			return false
		}
		return equal(got, want)
	}
	if got == nil || want == nil {
		return false
	}
	cmp, ok := order(got, want)
	if !ok {
		return false
	}
	switch op {
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if sa, ok := toString(a); ok {
		sb, ok := toString(b)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return false
}

func order(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := toString(a); ok {
		sb, ok := toString(b)
		if !ok {
			return 0, false
		}
		switch {
		case sa < sb:
			return -1, true
		case sa > sb:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
