package query

import (
	"fmt"
	"strconv"
	"strings"

	connector "github.com/goliatone/go-connector"
)

// Segment is one dotted path element, optionally index-qualified.
type Segment struct {
	Name    string
	Index   int
	Indexed bool
}

// Path is a parsed field path such as contractOffers[0].assetId.
type Path []Segment

// ParsePath validates and splits a dotted path.
func ParsePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, connector.Validation("empty field path", nil)
	}
	parts := strings.Split(raw, ".")
	out := make(Path, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, connector.Validation(fmt.Sprintf("invalid field path %q: %v", raw, err), map[string]any{"path": raw})
		}
		out = append(out, seg)
	}
	return out, nil
}

func parseSegment(part string) (Segment, error) {
	if part == "" {
		return Segment{}, fmt.Errorf("empty segment")
	}
	open := strings.IndexByte(part, '[')
	if open == -1 {
		if strings.ContainsAny(part, "]") {
			return Segment{}, fmt.Errorf("unbalanced bracket in %q", part)
		}
		return Segment{Name: part}, nil
	}
	if open == 0 || !strings.HasSuffix(part, "]") {
		return Segment{}, fmt.Errorf("malformed index in %q", part)
	}
	idx, err := strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil || idx < 0 {
		return Segment{}, fmt.Errorf("malformed index in %q", part)
	}
	return Segment{Name: part[:open], Index: idx, Indexed: true}, nil
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		if seg.Indexed {
			parts[i] = fmt.Sprintf("%s[%d]", seg.Name, seg.Index)
		} else {
			parts[i] = seg.Name
		}
	}
	return strings.Join(parts, ".")
}

// Resolve returns every value reachable through p. Lists met without an
// index fan out so that a predicate matches when any element matches. A
// missing field resolves to nothing.
func (p Path) Resolve(doc map[string]any) []any {
	current := []any{doc}
	for _, seg := range p {
		next := make([]any, 0, len(current))
		for _, value := range current {
			next = append(next, step(value, seg)...)
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return flatten(current)
}

func step(value any, seg Segment) []any {
	switch v := value.(type) {
	case map[string]any:
		field, ok := v[seg.Name]
		if !ok {
			return nil
		}
		if !seg.Indexed {
			return []any{field}
		}
		list, ok := field.([]any)
		if !ok || seg.Index >= len(list) {
			return nil
		}
		return []any{list[seg.Index]}
	case []any:
		out := make([]any, 0, len(v))
		for _, elem := range v {
			out = append(out, step(elem, seg)...)
		}
		return out
	default:
		return nil
	}
}

func flatten(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		if list, ok := v.([]any); ok {
			out = append(out, flatten(list)...)
			continue
		}
		out = append(out, v)
	}
	return out
}
