// Package transform applies per-column value transformations. A
// registry maps function names to implementations: built-ins plus
// user functions loaded from a Lua module at startup. The registry is
// read-only after startup.
package transform

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/user/repetl"
	"github.com/user/repetl/internal/config"
)

// Func is one transform: it receives the source value, the whole
// source row and the qualified source table, and returns the target
// value. Funcs must not mutate the row.
type Func func(value any, row repetl.Row, sourceTable string) (any, error)

// ErrUnknownTransform is returned when a mapping names a function the
// registry does not hold.
var ErrUnknownTransform = errors.New("transform: unknown transform")

// Registry holds named transforms.
type Registry struct {
	funcs  map[string]Func
	logger repetl.Logger
	lua    *luaModule
}

// NewRegistry creates a registry pre-populated with the built-in
// transforms uppercase, lowercase, trim and length.
func NewRegistry(logger repetl.Logger) *Registry {
	r := &Registry{
		funcs:  make(map[string]Func),
		logger: logger,
	}
	r.Register("uppercase", builtinUppercase)
	r.Register("lowercase", builtinLowercase)
	r.Register("trim", builtinTrim)
	r.Register("length", builtinLength)
	return r
}

// Register adds or replaces a named transform. Only call during
// startup.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Lookup returns the named transform.
func (r *Registry) Lookup(name string) (Func, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered transform names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	return out
}

// TransformRow maps a source row to a target row following the
// declared column mappings in order. A failing transform keeps the
// original value and logs the error; the row is never dropped.
// Missing source columns become NULL.
func (r *Registry) TransformRow(cols config.ColumnMappings, row repetl.Row, sourceTable string) repetl.Row {
	out := make(repetl.Row, len(cols))
	for _, e := range cols {
		m := e.Mapping
		switch {
		case m.HasValue:
			out[m.Column] = m.Value
		case m.Transform != "":
			value := row[e.Source]
			fn, ok := r.Lookup(m.Transform)
			if !ok {
				r.logger.Error("transform not found, keeping original value",
					"transform", m.Transform, "column", e.Source, "table", sourceTable)
				out[m.Column] = value
				continue
			}
			transformed, err := fn(value, row, sourceTable)
			if err != nil {
				r.logger.Error("transform failed, keeping original value",
					"transform", m.Transform, "column", e.Source, "table", sourceTable, "error", err)
				out[m.Column] = value
				continue
			}
			out[m.Column] = transformed
		default:
			out[m.Column] = row[e.Source]
		}
	}
	return out
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func builtinUppercase(value any, _ repetl.Row, _ string) (any, error) {
	if value == nil {
		return nil, nil
	}
	s, ok := asString(value)
	if !ok {
		return nil, fmt.Errorf("uppercase: not a string: %T", value)
	}
	return strings.ToUpper(s), nil
}

func builtinLowercase(value any, _ repetl.Row, _ string) (any, error) {
	if value == nil {
		return nil, nil
	}
	s, ok := asString(value)
	if !ok {
		return nil, fmt.Errorf("lowercase: not a string: %T", value)
	}
	return strings.ToLower(s), nil
}

func builtinTrim(value any, _ repetl.Row, _ string) (any, error) {
	if value == nil {
		return nil, nil
	}
	s, ok := asString(value)
	if !ok {
		return nil, fmt.Errorf("trim: not a string: %T", value)
	}
	return strings.TrimSpace(s), nil
}

func builtinLength(value any, _ repetl.Row, _ string) (any, error) {
	if value == nil {
		return 0, nil
	}
	s, ok := asString(value)
	if !ok {
		return nil, fmt.Errorf("length: not a string: %T", value)
	}
	return utf8.RuneCountInString(s), nil
}
