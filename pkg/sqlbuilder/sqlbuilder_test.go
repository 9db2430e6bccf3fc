package sqlbuilder

import (
	"errors"
	"reflect"
	"testing"

	"github.com/user/repetl"
)

func TestUpsert(t *testing.T) {
	tests := []struct {
		name     string
		table    string
		row      repetl.Row
		order    []string
		pk       string
		wantSQL  string
		wantArgs []any
		wantErr  error
	}{
		{
			name:     "basic pass-through",
			table:    "users",
			row:      repetl.Row{"id": int64(1), "name": "Ada"},
			order:    []string{"id", "name"},
			pk:       "id",
			wantSQL:  "INSERT INTO users (id,name) VALUES (?,?) ON DUPLICATE KEY UPDATE name=VALUES(name)",
			wantArgs: []any{int64(1), "Ada"},
		},
		{
			name:     "three columns keep declared order",
			table:    "users",
			row:      repetl.Row{"id": int64(7), "name": "ADA", "src": "A"},
			order:    []string{"id", "name", "src"},
			pk:       "id",
			wantSQL:  "INSERT INTO users (id,name,src) VALUES (?,?,?) ON DUPLICATE KEY UPDATE name=VALUES(name), src=VALUES(src)",
			wantArgs: []any{int64(7), "ADA", "A"},
		},
		{
			name:     "pk only degenerates to pk=VALUES(pk)",
			table:    "users",
			row:      repetl.Row{"id": int64(9)},
			order:    []string{"id"},
			pk:       "id",
			wantSQL:  "INSERT INTO users (id) VALUES (?) ON DUPLICATE KEY UPDATE id=VALUES(id)",
			wantArgs: []any{int64(9)},
		},
		{
			name:    "empty row",
			table:   "users",
			row:     repetl.Row{},
			pk:      "id",
			wantErr: ErrEmptyRow,
		},
		{
			name:     "no order sorts columns",
			table:    "t",
			row:      repetl.Row{"b": 2, "a": 1},
			pk:       "a",
			wantSQL:  "INSERT INTO t (a,b) VALUES (?,?) ON DUPLICATE KEY UPDATE b=VALUES(b)",
			wantArgs: []any{1, 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := Upsert(tt.table, tt.row, tt.order, tt.pk)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if sql != tt.wantSQL {
				t.Errorf("sql = %q\nwant  %q", sql, tt.wantSQL)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	sql, args, err := Delete("users", repetl.Row{"id": int64(3), "name": "x"}, "id")
	if err != nil {
		t.Fatal(err)
	}
	if sql != "DELETE FROM users WHERE id = ?" {
		t.Errorf("sql = %q", sql)
	}
	if !reflect.DeepEqual(args, []any{int64(3)}) {
		t.Errorf("args = %v", args)
	}

	if _, _, err := Delete("users", repetl.Row{"name": "x"}, "id"); !errors.Is(err, ErrMissingPK) {
		t.Errorf("err = %v, want ErrMissingPK", err)
	}
}

func TestUpdate(t *testing.T) {
	sql, args, err := Update("users", repetl.Row{"id": 1, "name": "Ada", "age": 36}, []string{"id", "name", "age"}, "id")
	if err != nil {
		t.Fatal(err)
	}
	if sql != "UPDATE users SET name = ?, age = ? WHERE id = ?" {
		t.Errorf("sql = %q", sql)
	}
	if !reflect.DeepEqual(args, []any{"Ada", 36, 1}) {
		t.Errorf("args = %v", args)
	}

	if _, _, err := Update("users", repetl.Row{"id": 1}, nil, "id"); !errors.Is(err, ErrNothingToUpdate) {
		t.Errorf("pk-only err = %v, want ErrNothingToUpdate", err)
	}
	if _, _, err := Update("users", repetl.Row{"name": "x"}, nil, "id"); !errors.Is(err, ErrMissingPK) {
		t.Errorf("missing pk err = %v, want ErrMissingPK", err)
	}
	if _, _, err := Update("users", repetl.Row{}, nil, "id"); !errors.Is(err, ErrEmptyRow) {
		t.Errorf("empty row err = %v, want ErrEmptyRow", err)
	}
}

func TestBatchUpsert(t *testing.T) {
	rows := []repetl.Row{
		{"id": 1, "name": "a"},
		{"id": 2, "name": "b"},
	}
	sql, argRows, err := BatchUpsert("users", rows, []string{"id", "name"}, "id")
	if err != nil {
		t.Fatal(err)
	}
	wantSQL := "INSERT INTO users (id,name) VALUES (?,?) ON DUPLICATE KEY UPDATE name=VALUES(name)"
	if sql != wantSQL {
		t.Errorf("sql = %q\nwant  %q", sql, wantSQL)
	}
	want := [][]any{{1, "a"}, {2, "b"}}
	if !reflect.DeepEqual(argRows, want) {
		t.Errorf("argRows = %v, want %v", argRows, want)
	}

	// A single-row batch is exactly the single-row upsert.
	single, singleArgs, err := Upsert("users", rows[0], []string{"id", "name"}, "id")
	if err != nil {
		t.Fatal(err)
	}
	if single != sql || !reflect.DeepEqual(argRows[0], singleArgs) {
		t.Error("single-row batch should match single upsert")
	}

	if _, _, err := BatchUpsert("users", nil, nil, "id"); !errors.Is(err, ErrEmptyRow) {
		t.Errorf("empty batch err = %v, want ErrEmptyRow", err)
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint([]string{"id", "name"}) == Fingerprint([]string{"name", "id"}) {
		t.Error("fingerprint must be order sensitive")
	}
	if Fingerprint([]string{"id", "name"}) != Fingerprint([]string{"id", "name"}) {
		t.Error("fingerprint must be stable")
	}
}
