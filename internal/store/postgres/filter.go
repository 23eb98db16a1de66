package postgres

import (
	"fmt"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// filter accumulates a query with positional arguments.
type filter struct {
	sql  string
	args []any
}

func newFilter(base string, args ...any) *filter {
	return &filter{sql: base, args: args}
}

func (f *filter) arg(v any) string {
	f.args = append(f.args, v)
	return fmt.Sprintf("$%d", len(f.args))
}

func (f *filter) timeRange(col string, opts domain.ListOpts) {
	if opts.Since != nil {
		f.sql += fmt.Sprintf(" AND %s >= %s", col, f.arg(*opts.Since))
	}
	if opts.Until != nil {
		f.sql += fmt.Sprintf(" AND %s < %s", col, f.arg(*opts.Until))
	}
}

func (f *filter) order(by string) {
	f.sql += " ORDER BY " + by
}

func (f *filter) page(opts domain.ListOpts) {
	if opts.Limit > 0 {
		f.sql += " LIMIT " + f.arg(opts.Limit)
	}
	if opts.Offset > 0 {
		f.sql += " OFFSET " + f.arg(opts.Offset)
	}
}
