// Package sqlbuilder emits parameterized MySQL statements for the
// write path: single-row insert/update/upsert/delete and the batched
// upsert form. Identifiers are interpolated verbatim; callers pass
// pre-validated names. Values are always bound.
package sqlbuilder

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/user/repetl"
)

var (
	// ErrEmptyRow is returned when a statement is requested for a row
	// with no columns.
	ErrEmptyRow = errors.New("sqlbuilder: empty row")

	// ErrMissingPK is returned when the row does not carry the primary
	// key column a statement needs to address it.
	ErrMissingPK = errors.New("sqlbuilder: row is missing the primary key")

	// ErrNothingToUpdate is returned by Update when the row holds only
	// the primary key.
	ErrNothingToUpdate = errors.New("sqlbuilder: no columns to update")
)

// orderedColumns fixes the column order of a statement. When the
// caller supplies an order (the mapping's declared target columns),
// columns absent from the row are skipped; with no order given the
// row's keys are sorted so output stays deterministic.
func orderedColumns(row repetl.Row, order []string) []string {
	if order != nil {
		cols := make([]string, 0, len(order))
		for _, c := range order {
			if _, ok := row[c]; ok {
				cols = append(cols, c)
			}
		}
		return cols
	}
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Insert builds `INSERT INTO table (cols) VALUES (?, ...)`.
func Insert(table string, row repetl.Row, order []string) (string, []any, error) {
	cols := orderedColumns(row, order)
	if len(cols) == 0 {
		return "", nil, ErrEmptyRow
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ","), placeholders(len(cols)))
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	return sql, args, nil
}

// Upsert builds an insert with an ON DUPLICATE KEY UPDATE clause over
// every non-primary-key column. A row holding only the primary key
// degenerates to `pk=VALUES(pk)`, a no-op update that keeps the
// statement valid.
func Upsert(table string, row repetl.Row, order []string, pk string) (string, []any, error) {
	insert, args, err := Insert(table, row, order)
	if err != nil {
		return "", nil, err
	}
	cols := orderedColumns(row, order)
	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != pk {
			updates = append(updates, fmt.Sprintf("%s=VALUES(%s)", c, c))
		}
	}
	if len(updates) == 0 {
		updates = append(updates, fmt.Sprintf("%s=VALUES(%s)", pk, pk))
	}
	sql := insert + " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	return sql, args, nil
}

// Update builds `UPDATE table SET col=?, ... WHERE pk = ?`.
func Update(table string, row repetl.Row, order []string, pk string) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, ErrEmptyRow
	}
	pkVal, ok := row[pk]
	if !ok {
		return "", nil, ErrMissingPK
	}
	cols := orderedColumns(row, order)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		if c == pk {
			continue
		}
		sets = append(sets, c+" = ?")
		args = append(args, row[c])
	}
	if len(sets) == 0 {
		return "", nil, ErrNothingToUpdate
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), pk)
	return sql, append(args, pkVal), nil
}

// Delete builds `DELETE FROM table WHERE pk = ?` bound to row[pk].
func Delete(table string, row repetl.Row, pk string) (string, []any, error) {
	pkVal, ok := row[pk]
	if !ok {
		return "", nil, ErrMissingPK
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, pk)
	return sql, []any{pkVal}, nil
}

// BatchUpsert builds one upsert statement from the FIRST row's column
// set and one argument vector per row. All rows must share the first
// row's columns; the batching layer groups rows by fingerprint to
// guarantee that.
func BatchUpsert(table string, rows []repetl.Row, order []string, pk string) (string, [][]any, error) {
	if len(rows) == 0 {
		return "", nil, ErrEmptyRow
	}
	cols := orderedColumns(rows[0], order)
	sql, _, err := Upsert(table, rows[0], order, pk)
	if err != nil {
		return "", nil, err
	}
	argRows := make([][]any, len(rows))
	for i, row := range rows {
		args := make([]any, len(cols))
		for j, c := range cols {
			args[j] = row[c]
		}
		argRows[i] = args
	}
	return sql, argRows, nil
}

// Fingerprint identifies the ordered column set of a transformed row.
// Rows with equal fingerprints may share a batch.
func Fingerprint(columns []string) string {
	return strings.Join(columns, ",")
}
