// Package query holds the backend independent filter, sort and paging model
// used by every entity store, plus the in-process evaluator stores fall back
// to for anything their native query language cannot express.
package query

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	connector "github.com/goliatone/go-connector"
)

// Operator is one of the closed set of comparison operators.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpIn           Operator = "in"
	OpLike         Operator = "like"
)

var operators = map[Operator]struct{}{
	OpEqual: {}, OpNotEqual: {}, OpLess: {}, OpLessEqual: {},
	OpGreater: {}, OpGreaterEqual: {}, OpIn: {}, OpLike: {},
}

// ParseOperator normalizes op and rejects anything outside the closed set.
func ParseOperator(op string) (Operator, error) {
	normalized := Operator(strings.ToLower(strings.TrimSpace(op)))
	if normalized == "==" {
		normalized = OpEqual
	}
	if _, ok := operators[normalized]; !ok {
		return "", connector.Validation(fmt.Sprintf("unknown operator %q", op), map[string]any{"operator": op})
	}
	return normalized, nil
}

// SortOrder is ascending or descending.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// Criterion is one "path operator value" predicate.
type Criterion struct {
	Path     string   `json:"path" yaml:"path"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

func (c Criterion) String() string {
	return fmt.Sprintf("%s %s %v", c.Path, c.Operator, c.Value)
}

// Validate checks the path grammar, the operator and the value shape.
func (c Criterion) Validate() error {
	if _, err := ParsePath(c.Path); err != nil {
		return err
	}
	if _, err := ParseOperator(string(c.Operator)); err != nil {
		return err
	}
	if Operator(strings.ToLower(string(c.Operator))) == OpIn {
		if _, ok := toList(c.Value); !ok {
			return connector.Validation("operator in requires a list value", map[string]any{"path": c.Path})
		}
	}
	if Operator(strings.ToLower(string(c.Operator))) == OpLike {
		if _, ok := c.Value.(string); !ok {
			return connector.Validation("operator like requires a string pattern", map[string]any{"path": c.Path})
		}
	}
	return nil
}

// Spec describes a bulk read: filter, sort and a page window.
// A non positive Limit means no limit.
type Spec struct {
	Filter    []Criterion `json:"filter,omitempty" yaml:"filter,omitempty"`
	SortField string      `json:"sortField,omitempty" yaml:"sort_field,omitempty"`
	SortOrder SortOrder   `json:"sortOrder,omitempty" yaml:"sort_order,omitempty"`
	Offset    int         `json:"offset,omitempty" yaml:"offset,omitempty"`
	Limit     int         `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Validate rejects malformed specs before any backend is touched.
func (s Spec) Validate() error {
	for _, c := range s.Filter {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if s.SortField != "" {
		if _, err := ParsePath(s.SortField); err != nil {
			return err
		}
	}
	switch SortOrder(strings.ToUpper(string(s.SortOrder))) {
	case "", SortAsc, SortDesc:
	default:
		return connector.Validation(fmt.Sprintf("unknown sort order %q", s.SortOrder), nil)
	}
	if s.Offset < 0 {
		return connector.Validation("offset must be >= 0", map[string]any{"offset": s.Offset})
	}
	if s.Limit < 0 {
		return connector.Validation("limit must be >= 0", map[string]any{"limit": s.Limit})
	}
	return nil
}

// Normalized returns a copy with operators lowercased, in-values flattened
// to []any and the sort order defaulted to ascending.
func (s Spec) Normalized() Spec {
	out := s
	out.Filter = make([]Criterion, len(s.Filter))
	for i, c := range s.Filter {
		c.Operator = Operator(strings.ToLower(strings.TrimSpace(string(c.Operator))))
		if c.Operator == "==" {
			c.Operator = OpEqual
		}
		if c.Operator == OpIn {
			if list, ok := toList(c.Value); ok {
				c.Value = list
			}
		}
		out.Filter[i] = c
	}
	out.SortOrder = SortOrder(strings.ToUpper(string(s.SortOrder)))
	if out.SortOrder == "" {
		out.SortOrder = SortAsc
	}
	return out
}

// Descending reports whether the sort order is DESC.
func (s Spec) Descending() bool {
	return strings.EqualFold(string(s.SortOrder), string(SortDesc))
}

func Equal(path string, value any) Criterion {
	return Criterion{Path: path, Operator: OpEqual, Value: value}
}

func NotEqual(path string, value any) Criterion {
	return Criterion{Path: path, Operator: OpNotEqual, Value: value}
}

func In(path string, values ...any) Criterion {
	return Criterion{Path: path, Operator: OpIn, Value: values}
}

func Less(path string, value any) Criterion {
	return Criterion{Path: path, Operator: OpLess, Value: value}
}

func Greater(path string, value any) Criterion {
	return Criterion{Path: path, Operator: OpGreater, Value: value}
}

func Like(path, pattern string) Criterion {
	return Criterion{Path: path, Operator: OpLike, Value: pattern}
}

// ParseCriterion parses the textual form "path op value", for example
// `state = 200`, `contractAgreement.assetId in (a, "b c")` or
// `counterPartyAddress like 'http://%'`.
func ParseCriterion(expr string) (Criterion, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Criterion{}, connector.Validation("empty filter expression", nil)
	}
	end := strings.IndexAny(expr, " \t=!<>")
	if end <= 0 {
		return Criterion{}, connector.Validation(fmt.Sprintf("malformed filter expression %q", expr), nil)
	}
	path := expr[:end]
	rest := strings.TrimLeft(expr[end:], " \t")

	var opText string
	if i := strings.IndexFunc(rest, func(r rune) bool { return !strings.ContainsRune("=!<>", r) }); i > 0 {
		opText, rest = rest[:i], rest[i:]
	} else if i == -1 && rest != "" && strings.ContainsRune("=!<>", rune(rest[0])) {
		opText, rest = rest, ""
	} else {
		word := strings.IndexAny(rest, " \t")
		if word == -1 {
			return Criterion{}, connector.Validation(fmt.Sprintf("malformed filter expression %q", expr), nil)
		}
		opText, rest = rest[:word], rest[word:]
	}
	op, err := ParseOperator(opText)
	if err != nil {
		return Criterion{}, err
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return Criterion{}, connector.Validation(fmt.Sprintf("missing value in filter expression %q", expr), nil)
	}

	c := Criterion{Path: path, Operator: op}
	if op == OpIn {
		c.Value = parseList(rest)
	} else {
		c.Value = parseLiteral(rest)
	}
	if err := c.Validate(); err != nil {
		return Criterion{}, err
	}
	return c, nil
}

// ParseCriteria parses every expression, stopping at the first error.
func ParseCriteria(exprs ...string) ([]Criterion, error) {
	out := make([]Criterion, 0, len(exprs))
	for _, expr := range exprs {
		c, err := ParseCriterion(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseList(text string) []any {
	text = strings.TrimSpace(text)
	if len(text) >= 2 && (text[0] == '(' && text[len(text)-1] == ')' || text[0] == '[' && text[len(text)-1] == ']') {
		text = text[1 : len(text)-1]
	}
	if strings.TrimSpace(text) == "" {
		return []any{}
	}
	parts := strings.Split(text, ",")
	out := make([]any, 0, len(parts))
	for _, part := range parts {
		out = append(out, parseLiteral(part))
	}
	return out
}

func parseLiteral(text string) any {
	text = strings.TrimSpace(text)
	if len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if (first == '"' || first == '\'') && first == last {
			return text[1 : len(text)-1]
		}
	}
	switch strings.ToLower(text) {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f
	}
	return text
}

func toList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// asTime accepts time values and RFC3339 strings.
func asTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}
