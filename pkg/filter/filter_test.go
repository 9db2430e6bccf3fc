package filter

import (
	"errors"
	"testing"

	"github.com/user/repetl"
)

func TestApply(t *testing.T) {
	row := repetl.Row{
		"status": "active",
		"age":    int64(36),
		"score":  7.5,
		"nick":   nil,
	}

	tests := []struct {
		name string
		tree map[string]any
		want bool
	}{
		{"nil tree accepts", nil, true},
		{"empty tree accepts", map[string]any{}, true},
		{
			"field-first eq match",
			map[string]any{"status": map[string]any{"eq": "active"}},
			true,
		},
		{
			"field-first eq mismatch",
			map[string]any{"status": map[string]any{"eq": "banned"}},
			false,
		},
		{
			"op-first spelling",
			map[string]any{"eq": map[string]any{"status": "active"}},
			true,
		},
		{
			"numeric coercion int vs float",
			map[string]any{"age": map[string]any{"eq": 36.0}},
			true,
		},
		{
			"gt",
			map[string]any{"age": map[string]any{"gt": 30}},
			true,
		},
		{
			"gte boundary",
			map[string]any{"age": map[string]any{"gte": 36}},
			true,
		},
		{
			"lt false",
			map[string]any{"score": map[string]any{"lt": 7.5}},
			false,
		},
		{
			"lte boundary",
			map[string]any{"score": map[string]any{"lte": 7.5}},
			true,
		},
		{
			"string lexicographic",
			map[string]any{"status": map[string]any{"gt": "aaa"}},
			true,
		},
		{
			"mismatched types are false",
			map[string]any{"status": map[string]any{"gt": 10}},
			false,
		},
		{
			"null eq null",
			map[string]any{"nick": map[string]any{"eq": nil}},
			true,
		},
		{
			"missing field eq null",
			map[string]any{"ghost": map[string]any{"eq": nil}},
			true,
		},
		{
			"ordered comparison against null is false",
			map[string]any{"nick": map[string]any{"gt": 1}},
			false,
		},
		{
			"missing field leaf is false",
			map[string]any{"ghost": map[string]any{"eq": "x"}},
			false,
		},
		{
			"implicit and over siblings",
			map[string]any{
				"status": map[string]any{"eq": "active"},
				"age":    map[string]any{"gt": 30},
			},
			true,
		},
		{
			"implicit and fails on one sibling",
			map[string]any{
				"status": map[string]any{"eq": "active"},
				"age":    map[string]any{"gt": 40},
			},
			false,
		},
		{
			"and list",
			map[string]any{"and": []any{
				map[string]any{"age": map[string]any{"gt": 30}},
				map[string]any{"age": map[string]any{"lt": 40}},
			}},
			true,
		},
		{
			"empty and is true",
			map[string]any{"and": []any{}},
			true,
		},
		{
			"or list",
			map[string]any{"or": []any{
				map[string]any{"status": map[string]any{"eq": "banned"}},
				map[string]any{"age": map[string]any{"gt": 30}},
			}},
			true,
		},
		{
			"empty or is false",
			map[string]any{"or": []any{}},
			false,
		},
		{
			"not",
			map[string]any{"not": map[string]any{"status": map[string]any{"eq": "banned"}}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(row, tt.tree)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if got != tt.want {
				t.Errorf("Apply = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyIsPureAndDoubleNegation(t *testing.T) {
	row := repetl.Row{"status": "active"}
	trees := []map[string]any{
		{"status": map[string]any{"eq": "active"}},
		{"status": map[string]any{"eq": "banned"}},
		{"or": []any{map[string]any{"status": map[string]any{"eq": "active"}}}},
	}
	for _, tree := range trees {
		first, err := Apply(row, tree)
		if err != nil {
			t.Fatal(err)
		}
		second, err := Apply(row, tree)
		if err != nil {
			t.Fatal(err)
		}
		if first != second {
			t.Errorf("Apply not pure for %v", tree)
		}
		doubled, err := Apply(row, map[string]any{"not": map[string]any{"not": tree}})
		if err != nil {
			t.Fatal(err)
		}
		if doubled != first {
			t.Errorf("not not F = %v, want %v for %v", doubled, first, tree)
		}
	}
}

func TestMalformed(t *testing.T) {
	tests := []struct {
		name    string
		tree    map[string]any
		wantErr error
	}{
		{
			"and not a list",
			map[string]any{"and": map[string]any{"x": 1}},
			ErrMalformed,
		},
		{
			"or not a list",
			map[string]any{"or": "nope"},
			ErrMalformed,
		},
		{
			"not not an object",
			map[string]any{"not": []any{}},
			ErrMalformed,
		},
		{
			"unsupported operator",
			map[string]any{"status": map[string]any{"not_eq": "x"}},
			ErrUnsupportedOp,
		},
		{
			"leaf condition not an object",
			map[string]any{"status": "active"},
			ErrMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Apply(repetl.Row{"status": "x"}, tt.tree); !errors.Is(err, tt.wantErr) {
				t.Errorf("Apply err = %v, want %v", err, tt.wantErr)
			}
			if err := Validate(tt.tree); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	tree := map[string]any{
		"and": []any{
			map[string]any{"status": map[string]any{"eq": "active"}},
			map[string]any{"not": map[string]any{"age": map[string]any{"lt": 18}}},
		},
	}
	if err := Validate(tree); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestYAMLStyleMaps(t *testing.T) {
	// Some YAML decoders produce map[any]any nodes.
	tree := map[string]any{
		"status": map[any]any{"eq": "active"},
	}
	got, err := Apply(repetl.Row{"status": "active"}, tree)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("map[any]any leaf should be accepted")
	}
}
