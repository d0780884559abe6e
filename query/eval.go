package query

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Document is the JSON object form of an entity that predicates run against.
type Document = map[string]any

// ToDocument converts v into its JSON object form.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Match reports whether doc satisfies every criterion. The spec must have
// been validated.
func Match(doc Document, criteria []Criterion) bool {
	for _, c := range criteria {
		if !MatchCriterion(doc, c) {
			return false
		}
	}
	return true
}

// MatchCriterion evaluates one predicate with any-element semantics.
func MatchCriterion(doc Document, c Criterion) bool {
	path, err := ParsePath(c.Path)
	if err != nil {
		return false
	}
	op := Operator(strings.ToLower(strings.TrimSpace(string(c.Operator))))
	values := path.Resolve(doc)
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if matchValue(v, op, c.Value) {
			return true
		}
	}
	return false
}

func matchValue(left any, op Operator, right any) bool {
	switch op {
	case OpEqual, "==":
		return equalValues(left, right)
	case OpNotEqual:
		return !equalValues(left, right)
	case OpIn:
		list, ok := toList(right)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if equalValues(left, candidate) {
				return true
			}
		}
		return false
	case OpLike:
		pattern, ok := right.(string)
		if !ok {
			return false
		}
		text, ok := left.(string)
		if !ok {
			text = fmt.Sprint(left)
		}
		return likeMatch(pattern, text)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		cmp, ok := Compare(left, right)
		if !ok {
			return false
		}
		switch op {
		case OpLess:
			return cmp < 0
		case OpLessEqual:
			return cmp <= 0
		case OpGreater:
			return cmp > 0
		default:
			return cmp >= 0
		}
	}
	return false
}

// equalValues never matches values of different kinds: the text "5" is not
// the number 5.
func equalValues(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	cmp, ok := Compare(left, right)
	return ok && cmp == 0
}

// Compare orders two scalar values of the same kind. Numbers compare
// numerically, times chronologically and text byte-wise. ok is false when
// the pair has no meaningful order, which includes text against a number.
func Compare(left, right any) (int, bool) {
	if lf, ok := asFloat(left); ok {
		if rf, ok := asFloat(right); ok {
			switch {
			case lf < rf:
				return -1, true
			case lf > rf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if lt, ok := asTime(left); ok {
		if rt, ok := asTime(right); ok {
			return lt.Compare(rt), true
		}
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			switch {
			case lb == rb:
				return 0, true
			case !lb:
				return -1, true
			default:
				return 1, true
			}
		}
		return 0, false
	}
	ls, lok := asString(left)
	rs, rok := asString(right)
	if lok && rok {
		return strings.Compare(ls, rs), true
	}
	return 0, false
}

// asFloat accepts numeric kinds only. Numeric text stays text.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case nil:
		return 0, false
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f, !math.IsNaN(f)
	}
	return 0, false
}

func asString(value any) (string, bool) {
	if s, ok := value.(string); ok {
		return s, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}

var likeCache sync.Map

// likeMatch implements SQL LIKE with % and _ wildcards.
func likeMatch(pattern, text string) bool {
	if cached, ok := likeCache.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(text)
	}
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	likeCache.Store(pattern, re)
	return re.MatchString(text)
}

// Evaluate filters, sorts and pages items in process. toDoc supplies the
// document form of each item.
func Evaluate[T any](items []T, spec Spec, toDoc func(T) (Document, error)) ([]T, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec = spec.Normalized()

	type row struct {
		item T
		doc  Document
	}
	rows := make([]row, 0, len(items))
	for _, item := range items {
		doc, err := toDoc(item)
		if err != nil {
			return nil, err
		}
		if Match(doc, spec.Filter) {
			rows = append(rows, row{item: item, doc: doc})
		}
	}

	if spec.SortField != "" {
		path, _ := ParsePath(spec.SortField)
		desc := spec.Descending()
		sort.SliceStable(rows, func(i, j int) bool {
			cmp := compareSortKeys(path.Resolve(rows[i].doc), path.Resolve(rows[j].doc))
			if desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}

	out := make([]T, 0, len(rows))
	for _, r := range Page(rows, spec.Offset, spec.Limit) {
		out = append(out, r.item)
	}
	return out, nil
}

// Page applies offset and limit. An offset past the end yields an empty slice.
func Page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// compareSortKeys puts entities missing the sort field last.
func compareSortKeys(a, b []any) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return 1
	case len(b) == 0:
		return -1
	}
	cmp, ok := Compare(a[0], b[0])
	if !ok {
		return 0
	}
	return cmp
}

// NumberValue converts v to float64 when it holds a number.
func NumberValue(v any) (float64, bool) { return asFloat(v) }

// TimeValue converts v to a time when it holds a time or RFC3339 text.
func TimeValue(v any) (time.Time, bool) { return asTime(v) }
