package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const yamlConfig = `
sources:
  src:
    host: localhost
    user: repl
    password: secret
targets:
  tgt:
    host: 127.0.0.1
    port: 3307
    user: writer
    password: secret
    database: analytics
replication:
  server_id: 101
mapping:
  users:
    source: src
    source_table: shop.users
    target: tgt
    target_table: users
    primary_key: id
    column_mapping:
      id: id
      name:
        column: name
        transform: uppercase
      origin:
        column: src
        value: A
    filter:
      status:
        eq: active
    init_query: SELECT * FROM users ORDER BY id
    init_if_target_empty: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", yamlConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	src := cfg.Sources["src"]
	if src == nil {
		t.Fatal("source src missing")
	}
	if src.Port != 3306 {
		t.Errorf("source port = %d, want default 3306", src.Port)
	}
	if src.Charset != "utf8mb4" {
		t.Errorf("source charset = %q, want default utf8mb4", src.Charset)
	}

	if !cfg.Replication.Resume || !cfg.Replication.Blocking {
		t.Error("resume_stream and blocking should default to true")
	}
	if cfg.Replication.LogPos != 4 {
		t.Errorf("log_pos = %d, want default 4", cfg.Replication.LogPos)
	}
	if cfg.BusCapacity != 10000 {
		t.Errorf("bus_capacity = %d, want default 10000", cfg.BusCapacity)
	}

	m := cfg.Mapping["users"]
	if m == nil {
		t.Fatal("mapping users missing")
	}
	if m.Schema() != "shop" || m.Table() != "users" {
		t.Errorf("source_table split = (%q, %q), want (shop, users)", m.Schema(), m.Table())
	}
	if m.BatchSize != 100 || m.FlushIntervalSecs != 5 {
		t.Errorf("batch defaults = (%d, %v), want (100, 5)", m.BatchSize, m.FlushIntervalSecs)
	}

	cols := m.Columns.TargetColumns()
	want := []string{"id", "name", "src"}
	if len(cols) != len(want) {
		t.Fatalf("target columns = %v, want %v", cols, want)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Fatalf("target columns = %v, want %v (order must match declaration)", cols, want)
		}
	}
	if m.Columns[1].Mapping.Transform != "uppercase" {
		t.Errorf("name transform = %q, want uppercase", m.Columns[1].Mapping.Transform)
	}
	if !m.Columns[2].Mapping.HasValue || m.Columns[2].Mapping.Value != "A" {
		t.Errorf("origin static value = (%v, %v), want (A, true)", m.Columns[2].Mapping.Value, m.Columns[2].Mapping.HasValue)
	}
}

func TestLoadJSONColumnOrder(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.json", `{
		"sources": {"src": {"host": "h", "user": "u"}},
		"targets": {"tgt": {"host": "h", "user": "u"}},
		"replication": {"server_id": 1},
		"mapping": {
			"m1": {
				"source": "src",
				"source_table": "db.t",
				"target": "tgt",
				"target_table": "t",
				"primary_key": "id",
				"column_mapping": {
					"id": "id",
					"b": {"column": "bb"},
					"a": {"column": "aa", "value": null}
				}
			}
		}
	}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := cfg.Mapping["m1"]
	cols := m.Columns.TargetColumns()
	want := []string{"id", "bb", "aa"}
	for i := range want {
		if cols[i] != want[i] {
			t.Fatalf("target columns = %v, want %v", cols, want)
		}
	}
	if !m.Columns[2].Mapping.HasValue {
		t.Error("explicit null value should set HasValue")
	}
	if m.Columns[2].Mapping.Value != nil {
		t.Errorf("explicit null value = %v, want nil", m.Columns[2].Mapping.Value)
	}
}

func TestValidateErrors(t *testing.T) {
	base := func() string {
		return `{
			"sources": {"src": {"host": "h", "user": "u"}},
			"targets": {"tgt": {"host": "h", "user": "u"}},
			"replication": {"server_id": 1},
			"mapping": {"m": {"source": "src", "source_table": "db.t",
				"target": "tgt", "target_table": "t", "primary_key": "id",
				"column_mapping": {"id": "id"}}}
		}`
	}

	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing server_id",
			mutate:  func(s string) string { return strings.Replace(s, `"server_id": 1`, `"log_pos": 4`, 1) },
			wantErr: "server_id",
		},
		{
			name:    "unknown target",
			mutate:  func(s string) string { return strings.Replace(s, `"target": "tgt"`, `"target": "nope"`, 1) },
			wantErr: "unknown target",
		},
		{
			name: "primary key not mapped",
			mutate: func(s string) string {
				return strings.Replace(s, `"primary_key": "id"`, `"primary_key": "uid"`, 1)
			},
			wantErr: "primary_key",
		},
		{
			name: "transform and value exclusive",
			mutate: func(s string) string {
				return strings.Replace(s, `"column_mapping": {"id": "id"}`,
					`"column_mapping": {"id": {"column": "id", "transform": "trim", "value": "x"}}`, 1)
			},
			wantErr: "mutually exclusive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.json", tt.mutate(base())))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestMappingsForLookupOrder(t *testing.T) {
	cfg := &Config{
		Sources: map[string]*DatabaseConfig{
			"s1": {Host: "h", User: "u"},
			"s2": {Host: "h", User: "u"},
		},
		Targets: map[string]*DatabaseConfig{
			"t1": {Host: "h", User: "u"},
		},
		Replication: ReplicationConfig{ServerID: 1},
		Mapping: map[string]*TableMapping{
			"exact": {Source: "s1", SourceTable: "db.users", Target: "t1", TargetTable: "u1", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
			"short": {Source: "s1", SourceTable: "users", Target: "t1", TargetTable: "u2", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
			"legacy": {SourceTable: "db.orders", Target: "t1", TargetTable: "o1", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name                  string
		source, schema, table string
		wantIDs               []string
	}{
		{"exact wins over short", "s1", "db", "users", []string{"exact"}},
		{"short form matches other schema", "s1", "other", "users", []string{"short"}},
		{"legacy schema.table", "s2", "db", "orders", []string{"legacy"}},
		{"no match", "s2", "db", "users", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.MappingsFor(tt.source, tt.schema, tt.table)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d mappings, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("mapping[%d] = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestTablesForSource(t *testing.T) {
	cfg := &Config{
		Sources: map[string]*DatabaseConfig{
			"s1": {Host: "h", User: "u"},
			"s2": {Host: "h", User: "u"},
		},
		Targets: map[string]*DatabaseConfig{
			"t1": {Host: "h", User: "u"},
		},
		Replication: ReplicationConfig{ServerID: 1},
		Mapping: map[string]*TableMapping{
			"a": {Source: "s1", SourceTable: "db.users", Target: "t1", TargetTable: "u1", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
			"b": {Source: "s1", SourceTable: "db.users", Target: "t1", TargetTable: "u2", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
			"legacy": {SourceTable: "db.orders", Target: "t1", TargetTable: "o1", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	got := cfg.TablesForSource("s1")
	want := map[TableKey]bool{
		{Schema: "db", Table: "users"}:  true,
		{Schema: "db", Table: "orders"}: true,
	}
	if len(got) != len(want) {
		t.Fatalf("tables = %v, want %d distinct", got, len(want))
	}
	for _, k := range got {
		if !want[k] {
			t.Errorf("unexpected table %v", k)
		}
	}

	// A source nothing maps to still sees the legacy mapping's table.
	if got := cfg.TablesForSource("s2"); len(got) != 1 || got[0].Table != "orders" {
		t.Errorf("s2 tables = %v, want only db.orders", got)
	}
}

func TestMappingsForTarget(t *testing.T) {
	cfg := &Config{
		Sources: map[string]*DatabaseConfig{"s1": {Host: "h", User: "u"}},
		Targets: map[string]*DatabaseConfig{
			"t1": {Host: "h", User: "u"},
			"t2": {Host: "h", User: "u"},
		},
		Replication: ReplicationConfig{ServerID: 1},
		Mapping: map[string]*TableMapping{
			"z": {Source: "s1", SourceTable: "db.users", Target: "t1", TargetTable: "u1", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
			"a": {Source: "s1", SourceTable: "db.users", Target: "t1", TargetTable: "u2", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
			"other": {Source: "s1", SourceTable: "db.orders", Target: "t2", TargetTable: "o1", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	got := cfg.MappingsForTarget("t1")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "z" {
		t.Fatalf("mappings = %v, want [a z]", got)
	}
	if got := cfg.MappingsForTarget("t2"); len(got) != 1 || got[0].ID != "other" {
		t.Errorf("t2 mappings = %v, want [other]", got)
	}
}

func TestSourceTableThreePartForm(t *testing.T) {
	cfg := &Config{
		Sources:     map[string]*DatabaseConfig{"s1": {Host: "h", User: "u"}},
		Targets:     map[string]*DatabaseConfig{"t1": {Host: "h", User: "u"}},
		Replication: ReplicationConfig{ServerID: 1},
		Mapping: map[string]*TableMapping{
			"m": {SourceTable: "s1.db.users", Target: "t1", TargetTable: "u", PrimaryKey: "id",
				Columns: ColumnMappings{{Source: "id", Mapping: ColumnMapping{Column: "id"}}}},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	m := cfg.Mapping["m"]
	if m.Source != "s1" || m.Schema() != "db" || m.Table() != "users" {
		t.Errorf("three-part split = (%q, %q, %q), want (s1, db, users)", m.Source, m.Schema(), m.Table())
	}
}
