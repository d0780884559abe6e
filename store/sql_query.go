package store

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-connector/query"
)

type columnKind int

const (
	columnText columnKind = iota
	columnInt
	columnTime
)

type column struct {
	name string
	kind columnKind
}

// indexedColumns maps document paths to columns SQL backends keep in sync.
var indexedColumns = map[string]column{
	"id":         {name: "id", kind: columnText},
	"state":      {name: "state", kind: columnInt},
	"stateCount": {name: "state_count", kind: columnInt},
	"createdAt":  {name: "created_at", kind: columnTime},
	"updatedAt":  {name: "updated_at", kind: columnTime},
}

// sqlPlan is a query split between what the database evaluates and what is
// evaluated in process.
type sqlPlan struct {
	where    []string
	args     []any
	residual []query.Criterion
	orderBy  string
	// paged is true when offset and limit were pushed to the database.
	paged bool
}

// dialect holds what differs between SQL backends. Text ordering and like
// matching must agree with query.Evaluate: byte order and case-sensitive.
type dialect struct {
	// placeholder renders the n-th (1 based) bind parameter.
	placeholder func(int) string
	like        func(column, pattern string, bind func(any) string) string
	collate     string
}

var (
	sqliteDialect   = dialect{placeholder: questionMark, like: globLike}
	postgresDialect = dialect{placeholder: dollar, like: plainLike, collate: ` COLLATE "C"`}
)

func (d dialect) expr(col column) string {
	if col.kind == columnText {
		return col.name + d.collate
	}
	return col.name
}

// globLike rewrites a like pattern as a GLOB, which SQLite matches
// case-sensitively.
func globLike(column, pattern string, bind func(any) string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteByte('*')
		case '_':
			b.WriteByte('?')
		case '*', '?', '[':
			b.WriteByte('[')
			b.WriteRune(r)
			b.WriteByte(']')
		default:
			b.WriteRune(r)
		}
	}
	return fmt.Sprintf("%s GLOB %s", column, bind(b.String()))
}

// plainLike disables the backslash escape Postgres applies by default.
func plainLike(column, pattern string, bind func(any) string) string {
	return fmt.Sprintf("%s LIKE %s ESCAPE ''", column, bind(pattern))
}

// planSQL pushes criteria on indexed columns into SQL.
func planSQL(spec query.Spec, d dialect) sqlPlan {
	spec = spec.Normalized()
	plan := sqlPlan{}
	next := func(v any) string {
		plan.args = append(plan.args, v)
		return d.placeholder(len(plan.args))
	}

	for _, c := range spec.Filter {
		col, ok := indexedColumns[c.Path]
		if !ok {
			plan.residual = append(plan.residual, c)
			continue
		}
		clause, ok := columnClause(d, col, c, next)
		if !ok {
			plan.residual = append(plan.residual, c)
			continue
		}
		plan.where = append(plan.where, clause)
	}

	direction := "ASC"
	if spec.Descending() {
		direction = "DESC"
	}
	id := d.expr(indexedColumns["id"])
	plan.orderBy = fmt.Sprintf("updated_at ASC, %s ASC", id)
	sortable := true
	if spec.SortField != "" {
		if col, ok := indexedColumns[spec.SortField]; ok {
			plan.orderBy = fmt.Sprintf("%s %s, %s ASC", d.expr(col), direction, id)
		} else {
			sortable = false
		}
	}
	plan.paged = sortable && len(plan.residual) == 0
	return plan
}

func columnClause(d dialect, col column, c query.Criterion, bind func(any) string) (string, bool) {
	if c.Operator == query.OpLike {
		if col.kind != columnText {
			return "", false
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return "", false
		}
		return d.like(col.name, pattern, bind), true
	}
	if c.Operator == query.OpIn {
		list, ok := c.Value.([]any)
		if !ok {
			return "", false
		}
		if len(list) == 0 {
			return "1 = 0", true
		}
		marks := make([]string, 0, len(list))
		for _, v := range list {
			arg, ok := columnValue(col, v)
			if !ok {
				return "", false
			}
			marks = append(marks, bind(arg))
		}
		return fmt.Sprintf("%s IN (%s)", col.name, strings.Join(marks, ", ")), true
	}
	arg, ok := columnValue(col, c.Value)
	if !ok {
		return "", false
	}
	op := string(c.Operator)
	if op == string(query.OpNotEqual) {
		op = "<>"
	}
	return fmt.Sprintf("%s %s %s", d.expr(col), op, bind(arg)), true
}

func columnValue(col column, v any) (any, bool) {
	switch col.kind {
	case columnInt:
		f, ok := query.NumberValue(v)
		if !ok || f != float64(int64(f)) {
			return nil, false
		}
		return int64(f), true
	case columnTime:
		ts, ok := query.TimeValue(v)
		if !ok {
			return nil, false
		}
		return unixNano(ts), true
	default:
		s, ok := v.(string)
		return s, ok
	}
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }
