// Package config holds the typed configuration tree: source and target
// connections, replication settings, table mappings and monitoring.
// Column mappings keep their declaration order, which fixes the column
// order of generated statements.
package config

import (
	"fmt"
	"strings"
)

// DatabaseConfig is one MySQL connection endpoint.
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	Charset  string `json:"charset" yaml:"charset"`
}

func (d *DatabaseConfig) applyDefaults() {
	if d.Port == 0 {
		d.Port = 3306
	}
	if d.Charset == "" {
		d.Charset = "utf8mb4"
	}
}

func (d *DatabaseConfig) validate(kind, name string) error {
	if d.Host == "" {
		return fmt.Errorf("%s %q: host is required", kind, name)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%s %q: port %d out of range", kind, name, d.Port)
	}
	if d.User == "" {
		return fmt.Errorf("%s %q: user is required", kind, name)
	}
	return nil
}

// Addr returns the host:port of the endpoint.
func (d *DatabaseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// ReplicationConfig controls the binlog stream.
type ReplicationConfig struct {
	ServerID   uint32   `json:"server_id" yaml:"server_id"`
	LogFile    string   `json:"log_file" yaml:"log_file"`
	LogPos     uint32   `json:"log_pos" yaml:"log_pos"`
	Resume     bool     `json:"resume_stream" yaml:"resume_stream"`
	Blocking   bool     `json:"blocking" yaml:"blocking"`
	OnlyEvents []string `json:"only_events" yaml:"only_events"`

	// PauseDuringInit gates source workers on init completion.
	PauseDuringInit bool `json:"pause_replication_during_init" yaml:"pause_replication_during_init"`
}

// MonitoringConfig configures the metrics/health HTTP listener.
// A zero port disables the listener.
type MonitoringConfig struct {
	Port int `json:"port" yaml:"port"`
}

// ColumnMapping is the full object form of one column_mapping entry.
// Transform and Value are mutually exclusive.
type ColumnMapping struct {
	Column     string
	PrimaryKey bool
	Transform  string
	Value      any
	// HasValue distinguishes an explicit null literal from no literal.
	HasValue bool
}

// ColumnEntry pairs a source column name with its mapping.
type ColumnEntry struct {
	Source  string
	Mapping ColumnMapping
}

// ColumnMappings is an ordered list of column mappings. Order is the
// declaration order in the configuration file.
type ColumnMappings []ColumnEntry

// TargetColumns returns the target column names in declaration order.
func (c ColumnMappings) TargetColumns() []string {
	out := make([]string, 0, len(c))
	for _, e := range c {
		out = append(out, e.Mapping.Column)
	}
	return out
}

// TableMapping links one source table stream to one target table sink.
type TableMapping struct {
	Source            string         `json:"source" yaml:"source"`
	SourceTable       string         `json:"source_table" yaml:"source_table"`
	Target            string         `json:"target" yaml:"target"`
	TargetTable       string         `json:"target_table" yaml:"target_table"`
	PrimaryKey        string         `json:"primary_key" yaml:"primary_key"`
	Columns           ColumnMappings `json:"column_mapping" yaml:"column_mapping"`
	Filter            map[string]any `json:"filter" yaml:"filter"`
	InitQuery         string         `json:"init_query" yaml:"init_query"`
	InitIfTargetEmpty bool           `json:"init_if_target_empty" yaml:"init_if_target_empty"`
	BatchSize         int            `json:"batch_size" yaml:"batch_size"`
	FlushIntervalSecs float64        `json:"flush_interval" yaml:"flush_interval"`

	// schema and table are split out of SourceTable during validation.
	// schema is empty for the short single-name form.
	schema string
	table  string
}

// Schema returns the source schema the mapping binds to, or "" when the
// short table-only form was used.
func (m *TableMapping) Schema() string { return m.schema }

// Table returns the source table name the mapping binds to.
func (m *TableMapping) Table() string { return m.table }

func (m *TableMapping) normalize(id string) error {
	if m.SourceTable == "" {
		return fmt.Errorf("mapping %q: source_table is required", id)
	}
	parts := strings.Split(m.SourceTable, ".")
	switch len(parts) {
	case 1:
		m.table = parts[0]
	case 2:
		m.schema, m.table = parts[0], parts[1]
	case 3:
		if m.Source != "" && m.Source != parts[0] {
			return fmt.Errorf("mapping %q: source_table prefix %q conflicts with source %q", id, parts[0], m.Source)
		}
		m.Source = parts[0]
		m.schema, m.table = parts[1], parts[2]
	default:
		return fmt.Errorf("mapping %q: malformed source_table %q", id, m.SourceTable)
	}
	return nil
}

func (m *TableMapping) validate(id string, c *Config) error {
	if m.Target == "" {
		return fmt.Errorf("mapping %q: target is required", id)
	}
	if _, ok := c.Targets[m.Target]; !ok {
		return fmt.Errorf("mapping %q: unknown target %q", id, m.Target)
	}
	if m.Source != "" {
		if _, ok := c.Sources[m.Source]; !ok {
			return fmt.Errorf("mapping %q: unknown source %q", id, m.Source)
		}
	}
	if m.TargetTable == "" {
		return fmt.Errorf("mapping %q: target_table is required", id)
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("mapping %q: column_mapping is required", id)
	}
	if m.PrimaryKey == "" {
		return fmt.Errorf("mapping %q: primary_key is required", id)
	}
	seen := make(map[string]bool, len(m.Columns))
	pkFound := false
	for _, e := range m.Columns {
		cm := e.Mapping
		if cm.Column == "" {
			return fmt.Errorf("mapping %q: column_mapping %q: target column is required", id, e.Source)
		}
		if seen[cm.Column] {
			return fmt.Errorf("mapping %q: duplicate target column %q", id, cm.Column)
		}
		seen[cm.Column] = true
		if cm.Transform != "" && cm.HasValue {
			return fmt.Errorf("mapping %q: column_mapping %q: transform and value are mutually exclusive", id, e.Source)
		}
		if cm.Column == m.PrimaryKey {
			pkFound = true
		}
	}
	if !pkFound {
		return fmt.Errorf("mapping %q: primary_key %q is not a target column", id, m.PrimaryKey)
	}
	return nil
}

// Config is the whole configuration tree.
type Config struct {
	Sources     map[string]*DatabaseConfig `json:"sources" yaml:"sources"`
	Targets     map[string]*DatabaseConfig `json:"targets" yaml:"targets"`
	Replication ReplicationConfig          `json:"replication" yaml:"replication"`
	Mapping     map[string]*TableMapping   `json:"mapping" yaml:"mapping"`
	Monitoring  MonitoringConfig           `json:"monitoring" yaml:"monitoring"`

	// TransformModule names the user transform source: a registered
	// module name, a file under the config directory, or a path.
	TransformModule string `json:"transform_module" yaml:"transform_module"`

	// BusCapacity bounds the shared message bus. Default 10000.
	BusCapacity int `json:"bus_capacity" yaml:"bus_capacity"`

	// ConfigDir is the directory the config file was loaded from.
	// Set by Load, used to resolve relative transform paths.
	ConfigDir string `json:"-" yaml:"-"`
}

// Validate applies defaults and checks the cross-entity invariants.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("config: at least one target is required")
	}
	if len(c.Mapping) == 0 {
		return fmt.Errorf("config: at least one mapping is required")
	}
	for name, s := range c.Sources {
		s.applyDefaults()
		if err := s.validate("source", name); err != nil {
			return err
		}
	}
	for name, t := range c.Targets {
		t.applyDefaults()
		if err := t.validate("target", name); err != nil {
			return err
		}
	}
	if c.Replication.ServerID < 1 {
		return fmt.Errorf("config: replication.server_id must be >= 1")
	}
	if c.Replication.LogPos == 0 {
		c.Replication.LogPos = 4
	}
	if c.BusCapacity == 0 {
		c.BusCapacity = 10000
	}
	for id, m := range c.Mapping {
		if err := m.normalize(id); err != nil {
			return err
		}
		if err := m.validate(id, c); err != nil {
			return err
		}
		if m.BatchSize == 0 {
			m.BatchSize = 100
		}
		if m.FlushIntervalSecs == 0 {
			m.FlushIntervalSecs = 5
		}
	}
	return nil
}

// NamedMapping is a mapping together with its configuration key.
type NamedMapping struct {
	ID      string
	Mapping *TableMapping
}

// MappingsFor resolves every mapping matching a source row, using the
// most specific tier that matches: source+schema+table first, then
// source+table, then schema.table with no source. Multiple mappings in
// one tier fan the row out to multiple targets.
func (c *Config) MappingsFor(source, schema, table string) []NamedMapping {
	var exact, short, legacy []NamedMapping
	for id, m := range c.Mapping {
		switch {
		case m.Source == source && m.schema == schema && m.table == table:
			exact = append(exact, NamedMapping{ID: id, Mapping: m})
		case m.Source == source && m.schema == "" && m.table == table:
			short = append(short, NamedMapping{ID: id, Mapping: m})
		case m.Source == "" && m.schema == schema && m.table == table:
			legacy = append(legacy, NamedMapping{ID: id, Mapping: m})
		}
	}
	out := exact
	if len(out) == 0 {
		out = short
	}
	if len(out) == 0 {
		out = legacy
	}
	sortNamed(out)
	return out
}

// TableKey identifies one source table.
type TableKey struct {
	Schema string
	Table  string
}

// TablesForSource returns the distinct (schema, table) pairs a source
// worker should stream. Schema is empty for short-form mappings.
func (c *Config) TablesForSource(source string) []TableKey {
	seen := make(map[TableKey]bool)
	var out []TableKey
	for _, m := range c.Mapping {
		if m.Source != source && m.Source != "" {
			continue
		}
		k := TableKey{Schema: m.schema, Table: m.table}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// MappingsForTarget returns the mappings that write into a target, in
// stable order by configuration key.
func (c *Config) MappingsForTarget(target string) []NamedMapping {
	var out []NamedMapping
	for id, m := range c.Mapping {
		if m.Target == target {
			out = append(out, NamedMapping{ID: id, Mapping: m})
		}
	}
	sortNamed(out)
	return out
}

// InitMappings returns every mapping carrying an init_query, in stable
// order by configuration key.
func (c *Config) InitMappings() []NamedMapping {
	var out []NamedMapping
	for id, m := range c.Mapping {
		if m.InitQuery != "" {
			out = append(out, NamedMapping{ID: id, Mapping: m})
		}
	}
	sortNamed(out)
	return out
}

func sortNamed(ms []NamedMapping) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j-1].ID > ms[j].ID; j-- {
			ms[j-1], ms[j] = ms[j], ms[j-1]
		}
	}
}
