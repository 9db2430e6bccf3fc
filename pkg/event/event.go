// Package event defines the typed change events flowing through the
// pipeline: row events decoded from the binlog and rows produced by the
// init snapshot.
package event

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/user/repetl"
	"github.com/user/repetl/internal/config"
)

// Type is the operation a binlog event describes.
type Type string

const (
	TypeInsert Type = "insert"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
	TypeOther  Type = "other"
)

// NewID returns a short random event identifier.
func NewID() string {
	return uuid.New().String()[:8]
}

// BinlogEvent is one row-level change read from a source's binlog.
// Values is set for inserts and deletes; Before/After for updates.
// (LogFile, LogPos) is non-decreasing within a single source.
type BinlogEvent struct {
	ID       string
	Type     Type
	Schema   string
	Table    string
	Source   string
	Values   repetl.Row
	Before   repetl.Row
	After    repetl.Row
	LogFile  string
	LogPos   uint32
	ServerID uint32
	// Timestamp is the binlog header timestamp (seconds).
	Timestamp uint32
}

// Validate checks the structural invariants of the event.
func (e *BinlogEvent) Validate() error {
	if e.Schema == "" {
		return fmt.Errorf("binlog event: schema is required")
	}
	if e.Table == "" {
		return fmt.Errorf("binlog event: table is required")
	}
	switch e.Type {
	case TypeInsert, TypeDelete:
		if e.Values == nil {
			return fmt.Errorf("binlog event: values are required for %s", e.Type)
		}
	case TypeUpdate:
		if e.Before == nil || e.After == nil {
			return fmt.Errorf("binlog event: before and after values are required for update")
		}
	case TypeOther:
	default:
		return fmt.Errorf("binlog event: unknown type %q", e.Type)
	}
	return nil
}

// QualifiedTable returns the schema.table name of the source row.
func (e *BinlogEvent) QualifiedTable() string {
	return e.Schema + "." + e.Table
}

// InitRowEvent is one row produced by the init snapshot query. After
// transform it receives the same downstream treatment as an insert.
type InitRowEvent struct {
	ID          string
	MappingID   string
	Source      string
	SourceTable string
	Target      string
	TargetTable string
	PrimaryKey  string
	Columns     config.ColumnMappings
	Filter      map[string]any
	Row         repetl.Row
}

// Validate checks the structural invariants of the event.
func (e *InitRowEvent) Validate() error {
	if e.MappingID == "" {
		return fmt.Errorf("init row event: mapping id is required")
	}
	if e.Source == "" {
		return fmt.Errorf("init row event: source is required")
	}
	if e.Target == "" {
		return fmt.Errorf("init row event: target is required")
	}
	if e.TargetTable == "" {
		return fmt.Errorf("init row event: target table is required")
	}
	if e.PrimaryKey == "" {
		return fmt.Errorf("init row event: primary key is required")
	}
	if e.Row == nil {
		return fmt.Errorf("init row event: row is required")
	}
	return nil
}
