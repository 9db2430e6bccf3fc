// Package db manages the named MySQL connections the workers share:
// one handle per configured source or target, plus short-lived side
// connections for SHOW MASTER STATUS. Handles are opened lazily,
// health-checked, and evicted on errors that poison the connection so
// the next call reconnects.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/user/repetl"
	"github.com/user/repetl/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
	writeTimeout   = 30 * time.Second
)

var (
	// ErrConnectFailed wraps a failure to establish a connection.
	ErrConnectFailed = errors.New("db: connect failed")

	// ErrUnknownConn is returned for names never opened.
	ErrUnknownConn = errors.New("db: unknown connection")
)

// MasterStatus is the result of SHOW MASTER STATUS.
type MasterStatus struct {
	File            string
	Position        uint32
	BinlogDoDB      string
	BinlogIgnoreDB  string
	ExecutedGtidSet string
}

// Pool owns every named connection. All operations serialize on one
// mutex; a handle is limited to a single underlying connection so the
// session variables set at connect time stick.
type Pool struct {
	logger repetl.Logger

	mu    sync.Mutex
	conns map[string]*sql.DB
	specs map[string]*config.DatabaseConfig

	reconnections atomic.Int64
}

// NewPool creates an empty pool.
func NewPool(logger repetl.Logger) *Pool {
	return &Pool{
		logger: logger,
		conns:  make(map[string]*sql.DB),
		specs:  make(map[string]*config.DatabaseConfig),
	}
}

func dsn(spec *config.DatabaseConfig) string {
	cfg := mysql.NewConfig()
	cfg.User = spec.User
	cfg.Passwd = spec.Password
	cfg.Net = "tcp"
	cfg.Addr = spec.Addr()
	cfg.DBName = spec.Database
	cfg.Timeout = connectTimeout
	cfg.ReadTimeout = readTimeout
	cfg.WriteTimeout = writeTimeout
	cfg.ParseTime = true
	cfg.Params = map[string]string{
		"charset":      spec.Charset,
		"autocommit":   "1",
		"wait_timeout": "28800",
	}
	return cfg.FormatDSN()
}

// Open establishes the named connection and retains its spec so
// later reconnects can rebuild it. Reopening an existing name closes
// the previous handle first.
func (p *Pool) Open(ctx context.Context, name string, spec *config.DatabaseConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openLocked(ctx, name, spec)
}

func (p *Pool) openLocked(ctx context.Context, name string, spec *config.DatabaseConfig) error {
	// Retain the spec before attempting to connect: a database that is
	// down at open time must still be reachable by ReconnectIfNeeded
	// once it comes back.
	p.specs[name] = spec
	if old, ok := p.conns[name]; ok {
		old.Close()
		delete(p.conns, name)
	}
	conn, err := sql.Open("mysql", dsn(spec))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, name, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, name, err)
	}
	p.conns[name] = conn
	p.logger.Debug("connection opened", "name", name, "addr", spec.Addr())
	return nil
}

func (p *Pool) conn(name string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConn, name)
	}
	return conn, nil
}

// isOutOfSync reports whether an error is the MySQL 2014
// Command-Out-Of-Sync condition (or the driver's equivalent), after
// which the connection must not be reused.
func isOutOfSync(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 2014 {
		return true
	}
	return errors.Is(err, mysql.ErrBusyBuffer)
}

// evictOnPoisonedConn drops the handle when the error indicates the
// connection can no longer be trusted; the spec stays so the next
// call reconnects.
func (p *Pool) evictOnPoisonedConn(name string, err error) {
	if err == nil || !isOutOfSync(err) {
		return
	}
	p.logger.Warn("evicting out-of-sync connection", "name", name, "error", err)
	p.Evict(name)
}

// Evict closes and removes the named handle, keeping its spec.
func (p *Pool) Evict(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[name]; ok {
		conn.Close()
		delete(p.conns, name)
	}
}

// Execute runs one statement on the named connection and returns the
// affected row count.
func (p *Pool) Execute(ctx context.Context, name, query string, args ...any) (int64, error) {
	conn, err := p.conn(name)
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		p.evictOnPoisonedConn(name, err)
		return 0, fmt.Errorf("db: execute on %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// BatchExecute runs one prepared statement once per argument row
// inside a transaction and returns the total affected count.
func (p *Pool) BatchExecute(ctx context.Context, name, query string, argRows [][]any) (int64, error) {
	conn, err := p.conn(name)
	if err != nil {
		return 0, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		p.evictOnPoisonedConn(name, err)
		return 0, fmt.Errorf("db: begin batch on %s: %w", name, err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		p.evictOnPoisonedConn(name, err)
		return 0, fmt.Errorf("db: prepare batch on %s: %w", name, err)
	}
	var total int64
	for _, args := range argRows {
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			p.evictOnPoisonedConn(name, err)
			return 0, fmt.Errorf("db: batch execute on %s: %w", name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		p.evictOnPoisonedConn(name, err)
		return 0, fmt.Errorf("db: commit batch on %s: %w", name, err)
	}
	return total, nil
}

// Healthy pings the named connection without reconnecting. An
// unhealthy handle is evicted and false returned.
func (p *Pool) Healthy(ctx context.Context, name string) bool {
	conn, err := p.conn(name)
	if err != nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		p.logger.Warn("connection unhealthy", "name", name, "error", err)
		p.Evict(name)
		return false
	}
	return true
}

// ReconnectIfNeeded re-opens the named connection from its retained
// spec when it is missing or unhealthy. It reports whether a
// reconnect happened.
func (p *Pool) ReconnectIfNeeded(ctx context.Context, name string) (bool, error) {
	if p.Healthy(ctx, name) {
		return false, nil
	}
	p.mu.Lock()
	spec, ok := p.specs[name]
	p.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownConn, name)
	}
	p.mu.Lock()
	err := p.openLocked(ctx, name, spec)
	p.mu.Unlock()
	if err != nil {
		return false, err
	}
	p.reconnections.Add(1)
	p.logger.Info("connection reestablished", "name", name)
	return true, nil
}

// Reconnections is the total number of successful reconnects.
func (p *Pool) Reconnections() int64 {
	return p.reconnections.Load()
}

// IsTableEmpty counts rows in a table. Any error reads as "not
// empty" so callers never skip work on an unknown state.
func (p *Pool) IsTableEmpty(ctx context.Context, name, qualifiedTable string) bool {
	conn, err := p.conn(name)
	if err != nil {
		return false
	}
	var count int64
	err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+qualifiedTable).Scan(&count)
	if err != nil {
		p.evictOnPoisonedConn(name, err)
		return false
	}
	return count == 0
}

// Paginate runs one page of a snapshot query. hasMore is true when
// the page came back full; the cursor is drained eagerly so the
// connection is clean for the next call.
func (p *Pool) Paginate(ctx context.Context, name, query string, pageSize, offset int) ([]repetl.Row, []string, bool, error) {
	conn, err := p.conn(name)
	if err != nil {
		return nil, nil, false, err
	}
	paged := fmt.Sprintf("%s LIMIT %d OFFSET %d", query, pageSize, offset)
	rows, err := conn.QueryContext(ctx, paged)
	if err != nil {
		p.evictOnPoisonedConn(name, err)
		return nil, nil, false, fmt.Errorf("db: paginate on %s: %w", name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, false, fmt.Errorf("db: paginate on %s: %w", name, err)
	}
	var out []repetl.Row
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, nil, false, fmt.Errorf("db: paginate on %s: %w", name, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		p.evictOnPoisonedConn(name, err)
		return nil, nil, false, fmt.Errorf("db: paginate on %s: %w", name, err)
	}
	return out, cols, len(out) == pageSize, nil
}

// Columns reads a table's column names in ordinal order from
// information_schema on the named connection.
func (p *Pool) Columns(ctx context.Context, name, schema, table string) ([]string, error) {
	conn, err := p.conn(name)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx,
		"SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION",
		schema, table)
	if err != nil {
		p.evictOnPoisonedConn(name, err)
		return nil, fmt.Errorf("db: columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("db: columns of %s.%s: %w", schema, table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: columns of %s.%s: %w", schema, table, err)
	}
	return cols, nil
}

// CountEstimate rewrites the query to SELECT COUNT(*) and runs it.
// Any failure returns -1; callers only use the value for progress.
func (p *Pool) CountEstimate(ctx context.Context, name, query string) int64 {
	countQuery, err := RewriteCount(query)
	if err != nil {
		p.logger.Debug("count estimate rewrite failed", "error", err)
		return -1
	}
	conn, err := p.conn(name)
	if err != nil {
		return -1
	}
	var count int64
	if err := conn.QueryRowContext(ctx, countQuery).Scan(&count); err != nil {
		p.evictOnPoisonedConn(name, err)
		p.logger.Debug("count estimate failed", "name", name, "error", err)
		return -1
	}
	return count
}

// MasterStatus opens a short-lived side connection to the spec and
// reads SHOW MASTER STATUS.
func (p *Pool) MasterStatus(ctx context.Context, spec *config.DatabaseConfig) (MasterStatus, error) {
	conn, err := sql.Open("mysql", dsn(spec))
	if err != nil {
		return MasterStatus{}, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer conn.Close()
	conn.SetMaxOpenConns(1)

	rows, err := conn.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return MasterStatus{}, fmt.Errorf("db: show master status: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return MasterStatus{}, fmt.Errorf("db: show master status: %w", err)
	}
	if !rows.Next() {
		return MasterStatus{}, fmt.Errorf("db: show master status returned no rows; is binary logging enabled")
	}
	row, err := scanRow(rows, cols)
	if err != nil {
		return MasterStatus{}, fmt.Errorf("db: show master status: %w", err)
	}

	status := MasterStatus{
		File:            stringField(row, "File"),
		BinlogDoDB:      stringField(row, "Binlog_Do_DB"),
		BinlogIgnoreDB:  stringField(row, "Binlog_Ignore_DB"),
		ExecutedGtidSet: stringField(row, "Executed_Gtid_Set"),
	}
	switch v := row["Position"].(type) {
	case int64:
		status.Position = uint32(v)
	case string:
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return MasterStatus{}, fmt.Errorf("db: show master status: bad position %q", v)
		}
		status.Position = uint32(n)
	}
	if status.File == "" {
		return MasterStatus{}, fmt.Errorf("db: show master status returned empty file")
	}
	return status, nil
}

// Variable reads one session/global variable via SHOW VARIABLES.
func (p *Pool) Variable(ctx context.Context, spec *config.DatabaseConfig, name string) (string, error) {
	conn, err := sql.Open("mysql", dsn(spec))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer conn.Close()
	conn.SetMaxOpenConns(1)

	var varName, value string
	err = conn.QueryRowContext(ctx, "SHOW VARIABLES LIKE ?", name).Scan(&varName, &value)
	if err != nil {
		return "", fmt.Errorf("db: show variables %s: %w", name, err)
	}
	return value, nil
}

// Ping verifies a spec is reachable with a throwaway connection.
func (p *Pool) Ping(ctx context.Context, spec *config.DatabaseConfig) error {
	conn, err := sql.Open("mysql", dsn(spec))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer conn.Close()
	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return nil
}

// Close releases every handle.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, conn := range p.conns {
		conn.Close()
		delete(p.conns, name)
	}
}

func scanRow(rows *sql.Rows, cols []string) (repetl.Row, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(repetl.Row, len(cols))
	for i, c := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[c] = v
	}
	return row, nil
}

func stringField(row repetl.Row, name string) string {
	if s, ok := row[name].(string); ok {
		return s
	}
	return ""
}
