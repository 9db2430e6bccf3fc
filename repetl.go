package repetl

// Row is a single database row keyed by column name. Values are the
// scalars the MySQL driver produces (string, int64, float64, []byte,
// time.Time) or nil for SQL NULL.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Logger defines the interface for logging in repetl.
// Keys and values are alternating pairs, zerolog-style.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
