package db

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	selectRe  = regexp.MustCompile(`(?is)^\s*SELECT\b`)
	fromRe    = regexp.MustCompile(`(?is)\bFROM\b`)
	orderByRe = regexp.MustCompile(`(?is)\s+ORDER\s+BY\s+[^)]*$`)
)

// RewriteCount turns an outer `SELECT ... FROM ...` into
// `SELECT COUNT(*) FROM ...`, dropping a trailing ORDER BY. The
// rewrite is naive by design; a query it cannot handle surfaces as an
// error and the caller proceeds without a row estimate.
func RewriteCount(query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimSuffix(trimmed, ";")
	trimmed = strings.TrimSpace(trimmed)
	if !selectRe.MatchString(trimmed) {
		return "", fmt.Errorf("db: count rewrite: not a SELECT: %q", query)
	}
	loc := fromRe.FindStringIndex(trimmed)
	if loc == nil {
		return "", fmt.Errorf("db: count rewrite: no FROM clause: %q", query)
	}
	rest := orderByRe.ReplaceAllString(trimmed[loc[0]:], "")
	return "SELECT COUNT(*) " + rest, nil
}
