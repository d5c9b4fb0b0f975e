// Evaluates manifest filters against records.

package manifest

import (
	"fmt"
	"strings"

	"github.com/maruel/livetable/internal/livedb"
	"github.com/maruel/livetable/internal/source"
)

func matchesFilters(r source.Record, filters []FilterConfig) bool {
	for i := range filters {
		if !matchesFilter(r, &filters[i]) {
			return false
		}
	}
	return true
}

func matchesFilter(r source.Record, f *FilterConfig) bool {
	if len(f.And) > 0 {
		for i := range f.And {
			if !matchesFilter(r, &f.And[i]) {
				return false
			}
		}
		return true
	}
	if len(f.Or) > 0 {
		for i := range f.Or {
			if matchesFilter(r, &f.Or[i]) {
				return true
			}
		}
		return false
	}
	if f.Property == "" {
		return true
	}
	value, ok := r[f.Property]
	if !ok {
		// Property not set: only is_empty matches.
		return f.Operator == "is_empty"
	}
	return matchesOperator(value, f.Operator, f.Value)
}

func matchesOperator(value any, op string, want any) bool {
	switch op {
	case "is_empty":
		return isEmpty(value)
	case "is_not_empty":
		return !isEmpty(value)
	case "equals":
		return value != nil && livedb.Compare(value, want) == 0
	case "not_equals":
		return value == nil || livedb.Compare(value, want) != 0
	case "gt":
		return value != nil && livedb.Compare(value, want) > 0
	case "lt":
		return value != nil && livedb.Compare(value, want) < 0
	case "gte":
		return value != nil && livedb.Compare(value, want) >= 0
	case "lte":
		return value != nil && livedb.Compare(value, want) <= 0
	case "contains":
		return strings.Contains(lower(value), lower(want))
	case "not_contains":
		return !strings.Contains(lower(value), lower(want))
	case "starts_with":
		return strings.HasPrefix(lower(value), lower(want))
	case "ends_with":
		return strings.HasSuffix(lower(value), lower(want))
	default:
		return false
	}
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

// lower returns the case-folded text of a scalar. Lists and mappings have no
// text.
func lower(v any) string {
	switch t := v.(type) {
	case nil, []any, map[string]any:
		return ""
	case string:
		return strings.ToLower(t)
	default:
		return strings.ToLower(fmt.Sprint(t))
	}
}
