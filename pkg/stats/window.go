package stats

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/pkgstats/pkg/analytics"
)

// Window is a rolling range of whole days ending now
type Window struct {
	Name string
	Days int
}

// Windows are computed for every record, in record field order
var Windows = []Window{
	{Name: "daily", Days: 1},
	{Name: "weekly", Days: 7},
	{Name: "monthly", Days: 30},
	{Name: "yearly", Days: 365},
}

// DefaultTable is the warehouse table holding one row per download
const DefaultTable = "downloads"

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*){0,2}$`)

// Querier runs analytics queries
type Querier interface {
	Submit(ctx context.Context, q analytics.Query) (*analytics.RowIterator, error)
}

// WindowComputer computes one rolling-window download count
type WindowComputer interface {
	Compute(ctx context.Context, windowDays int, project string, version *string) (int64, error)
}

// WindowCalculator counts downloads in a window with a single warehouse query
type WindowCalculator struct {
	querier Querier
	table   string
	clock   clockwork.Clock
}

var _ WindowComputer = (*WindowCalculator)(nil)

// NewWindowCalculator creates a calculator querying table. The table name is
// part of the SQL text, so it must be a plain (optionally qualified) identifier.
func NewWindowCalculator(querier Querier, table string, clock clockwork.Clock) (*WindowCalculator, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid downloads table name %q", table)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WindowCalculator{querier: querier, table: table, clock: clock}, nil
}

// Compute returns the number of downloads of project (at version, if set)
// between windowDays days ago and now.
func (w *WindowCalculator) Compute(ctx context.Context, windowDays int, project string, version *string) (int64, error) {
	if windowDays <= 0 {
		return 0, fmt.Errorf("window must be at least one day, got %d", windowDays)
	}

	end := w.clock.Now().UTC()
	start := end.Add(-time.Duration(windowDays) * 24 * time.Hour)

	it, err := w.querier.Submit(ctx, w.query(start, end, project, version))
	if err != nil {
		return 0, err
	}
	rows, err := it.Collect(ctx)
	if err != nil {
		return 0, err
	}

	if len(rows) != 1 || len(rows[0]) != 1 {
		columns := 0
		if len(rows) > 0 {
			columns = len(rows[0])
		}
		return 0, &MalformedResultError{Rows: len(rows), Columns: columns}
	}

	return toCount(rows[0][0])
}

func (w *WindowCalculator) query(start, end time.Time, project string, version *string) analytics.Query {
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE timestamp BETWEEN $1 AND $2 AND project = $3", w.table)
	args := []any{start, end, project}
	if version != nil {
		sql += " AND version = $4"
		args = append(args, *version)
	}
	return analytics.Query{SQL: sql, Args: args}
}

// toCount converts a driver value to a count. NULL counts as zero.
func toCount(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		return parseCount(string(n))
	case string:
		return parseCount(n)
	}
	return 0, &MalformedResultError{Rows: 1, Columns: 1, Reason: fmt.Sprintf("unexpected count type %T", v)}
}

func parseCount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &MalformedResultError{Rows: 1, Columns: 1, Reason: fmt.Sprintf("count %q is not an integer", s)}
	}
	return n, nil
}
