package collections

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// evalQuery evaluates the navigator query DSL over items:
//
//	[*].field            values of one field
//	[0:5].field          slice, then project
//	[3]                  single item
//	[?status=="active"]  filter (==, !=, >, <, >=, <=, contains)
//	from,subject         project fields into objects
//	| unique | count | sum | avg | min | max
//	.length              item count
//
// The rendered result is capped at 8000 characters.
func evalQuery(items []any, expr string) (string, error) {
	parts := splitQuoted(expr, '|')
	if len(parts) == 0 {
		return "", errors.New("empty query expression")
	}
	head := strings.TrimSpace(parts[0])

	var result any
	if head == ".length" {
		result = float64(len(items))
	} else {
		selected, rest, err := applySelector(items, head)
		if err != nil {
			return "", err
		}
		result, err = project(selected, rest)
		if err != nil {
			return "", err
		}
	}

	for _, p := range parts[1:] {
		var err error
		result, err = applyPipe(result, strings.TrimSpace(p))
		if err != nil {
			return "", err
		}
	}
	return renderQueryResult(result), nil
}

// applySelector consumes a leading [...] selector if present and
// returns the selected items plus the remaining projection text.
func applySelector(items []any, head string) ([]any, string, error) {
	if !strings.HasPrefix(head, "[") {
		return items, head, nil
	}
	closeIdx := closingBracket(head)
	if closeIdx < 0 {
		return nil, "", errors.New("unterminated [ in query")
	}
	inner := strings.TrimSpace(head[1:closeIdx])
	rest := strings.TrimPrefix(head[closeIdx+1:], ".")
	rest = strings.TrimSpace(rest)

	switch {
	case inner == "*":
		return items, rest, nil
	case strings.HasPrefix(inner, "?"):
		field, op, target, err := parseCondition(inner[1:])
		if err != nil {
			return nil, "", err
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			v, ok := resolveField(item, field)
			if ok && compare(v, op, target) {
				out = append(out, item)
			}
		}
		return out, rest, nil
	case strings.Contains(inner, ":"):
		bounds := strings.SplitN(inner, ":", 2)
		start, end := 0, len(items)
		var err error
		if s := strings.TrimSpace(bounds[0]); s != "" {
			if start, err = strconv.Atoi(s); err != nil {
				return nil, "", fmt.Errorf("bad slice start %q", s)
			}
		}
		if s := strings.TrimSpace(bounds[1]); s != "" {
			if end, err = strconv.Atoi(s); err != nil {
				return nil, "", fmt.Errorf("bad slice end %q", s)
			}
		}
		if start < 0 {
			start = 0
		}
		if end > len(items) {
			end = len(items)
		}
		if start >= end {
			return nil, rest, nil
		}
		return items[start:end], rest, nil
	default:
		idx, err := strconv.Atoi(inner)
		if err != nil {
			return nil, "", fmt.Errorf("bad selector [%s]", inner)
		}
		if idx < 0 || idx >= len(items) {
			return nil, "", fmt.Errorf("index %d out of range (%d items)", idx, len(items))
		}
		return []any{items[idx]}, rest, nil
	}
}

// closingBracket finds the ] matching the leading [, skipping quoted
// sections. Brackets nest: promoted fields like payload.headers[From]
// appear inside filter selectors.
func closingBracket(s string) int {
	var quote rune
	depth := 0
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '[':
			depth++
		case r == ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Longest first, so >= is not read as > and contains is tried whole.
var conditionOps = []string{"contains", "==", "!=", ">=", "<=", ">", "<"}

func parseCondition(cond string) (field, op, target string, err error) {
	for i := 0; i < len(cond); i++ {
		for _, candidate := range conditionOps {
			if strings.HasPrefix(cond[i:], candidate) {
				// The word operator must stand alone, or a field
				// named contains_x would be split at its own name.
				if candidate == "contains" && !wordDelimited(cond, i, len(candidate)) {
					continue
				}
				field = strings.TrimSpace(cond[:i])
				target = strings.TrimSpace(cond[i+len(candidate):])
				target = strings.Trim(target, `"'`)
				if field == "" {
					return "", "", "", errors.New("filter needs a field before the operator")
				}
				return field, candidate, target, nil
			}
		}
	}
	return "", "", "", fmt.Errorf("no operator in filter %q", cond)
}

// wordDelimited reports whether the operator at s[i:i+n] is bounded by
// a space on the left and a space or quote on the right.
func wordDelimited(s string, i, n int) bool {
	if i == 0 || s[i-1] != ' ' {
		return false
	}
	if i+n >= len(s) {
		return false
	}
	switch s[i+n] {
	case ' ', '"', '\'':
		return true
	}
	return false
}

// compare applies a filter operator, numerically when both sides parse
// as numbers and lexically otherwise. contains is always a substring
// test on the value's string form.
func compare(v any, op, target string) bool {
	if op == "contains" {
		return strings.Contains(stringOf(v), target)
	}
	if vf, ok := toNumber(v); ok {
		if tf, err := strconv.ParseFloat(target, 64); err == nil {
			switch op {
			case "==":
				return vf == tf
			case "!=":
				return vf != tf
			case ">":
				return vf > tf
			case "<":
				return vf < tf
			case ">=":
				return vf >= tf
			case "<=":
				return vf <= tf
			}
			return false
		}
	}
	vs := stringOf(v)
	switch op {
	case "==":
		return vs == target
	case "!=":
		return vs != target
	case ">":
		return vs > target
	case "<":
		return vs < target
	case ">=":
		return vs >= target
	case "<=":
		return vs <= target
	}
	return false
}

// project maps selected items through the projection text: nothing,
// one field, or a comma list of fields.
func project(selected []any, rest string) (any, error) {
	if rest == "" {
		return selected, nil
	}
	fields := splitQuoted(rest, ',')
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
		if fields[i] == "" {
			return nil, fmt.Errorf("empty field in projection %q", rest)
		}
	}

	if len(fields) == 1 {
		out := make([]any, 0, len(selected))
		for _, item := range selected {
			if v, ok := resolveField(item, fields[0]); ok {
				out = append(out, v)
			}
		}
		return out, nil
	}

	out := make([]any, 0, len(selected))
	for _, item := range selected {
		row := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := resolveField(item, f); ok {
				row[f] = v
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func applyPipe(result any, name string) (any, error) {
	list, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("| %s needs a list, got a single value", name)
	}
	switch name {
	case "unique":
		seen := make(map[string]bool, len(list))
		out := make([]any, 0, len(list))
		for _, v := range list {
			key := stringOf(v)
			if !seen[key] {
				seen[key] = true
				out = append(out, v)
			}
		}
		return out, nil
	case "count":
		return float64(len(list)), nil
	case "sum", "avg", "min", "max":
		nums := make([]float64, 0, len(list))
		for _, v := range list {
			if f, ok := toNumber(v); ok {
				nums = append(nums, f)
			}
		}
		if len(nums) == 0 {
			return nil, fmt.Errorf("| %s found no numeric values", name)
		}
		switch name {
		case "sum", "avg":
			total := 0.0
			for _, f := range nums {
				total += f
			}
			if name == "avg" {
				return total / float64(len(nums)), nil
			}
			return total, nil
		case "min":
			m := nums[0]
			for _, f := range nums[1:] {
				if f < m {
					m = f
				}
			}
			return m, nil
		default:
			m := nums[0]
			for _, f := range nums[1:] {
				if f > m {
					m = f
				}
			}
			return m, nil
		}
	default:
		return nil, fmt.Errorf("unknown pipe %q", name)
	}
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

// splitQuoted splits s on sep outside quoted sections.
func splitQuoted(s string, sep rune) []string {
	var parts []string
	var quote rune
	start := 0
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == sep:
			parts = append(parts, s[start:i])
			start = i + len(string(r))
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func renderQueryResult(result any) string {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return clip(string(b), resultCap)
}
