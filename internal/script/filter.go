package script

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter matches entity IDs or entity states declared in a unit's config.
type Filter interface {
	Match(s string) bool
	String() string
}

// exactFilter matches one literal value.
type exactFilter string

func (f exactFilter) Match(s string) bool { return string(f) == s }
func (f exactFilter) String() string      { return string(f) }

// patternFilter matches when the regexp finds a match anywhere in the value.
type patternFilter struct {
	re *regexp.Regexp
}

func (f patternFilter) Match(s string) bool { return f.re.MatchString(s) }
func (f patternFilter) String() string      { return "/" + f.re.String() + "/" }

// anyFilter matches when any element matches.
type anyFilter []Filter

func (f anyFilter) Match(s string) bool {
	for _, sub := range f {
		if sub.Match(s) {
			return true
		}
	}
	return false
}

func (f anyFilter) String() string {
	parts := make([]string, len(f))
	for i, sub := range f {
		parts[i] = sub.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ParseFilter builds a Filter from the value a unit declared.
//
// Accepted shapes:
//   - "light.kitchen"          exact match
//   - {pattern = "^light\\."}  regexp search
//   - {"a", {pattern = "b"}}   any element matches, nested lists allowed
//
// A nil value yields a nil Filter, meaning "no filter".
func ParseFilter(v any) (Filter, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return exactFilter(val), nil
	case []string:
		out := make(anyFilter, len(val))
		for i, s := range val {
			out[i] = exactFilter(s)
		}
		return out, nil
	case []any:
		out := make(anyFilter, 0, len(val))
		for i, item := range val {
			sub, err := ParseFilter(item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i+1, err)
			}
			if sub != nil {
				out = append(out, sub)
			}
		}
		return out, nil
	case map[string]any:
		// An empty table converts to a map; it is an empty list.
		if len(val) == 0 {
			return anyFilter{}, nil
		}
		raw, ok := val["pattern"]
		if !ok {
			return nil, fmt.Errorf("%w: table filter needs a pattern field", ErrInvalidFilter)
		}
		expr, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: pattern must be a string, got %T", ErrInvalidFilter, raw)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		return patternFilter{re: re}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidFilter, v)
	}
}

// MustPattern compiles a pattern filter, panicking on an invalid expression.
// Intended for tests and static configuration.
func MustPattern(expr string) Filter {
	return patternFilter{re: regexp.MustCompile(expr)}
}

func filterString(f Filter) string {
	if f == nil {
		return ""
	}
	return f.String()
}
