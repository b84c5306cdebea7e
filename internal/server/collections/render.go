package collections

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	overviewRows = 25
	cellMax      = 80
	resultCap    = 8000
)

// overviewTable renders items as a markdown table: index column first,
// then the summary fields, capped rows, capped cell width. indices maps
// row positions back to original item indices; nil means identity.
func overviewTable(items []any, indices []int, fields []string, maxRows int) string {
	var b strings.Builder

	cols := fields
	if len(cols) == 0 {
		cols = []string{"value"}
	}
	b.WriteString("| # |")
	for _, c := range cols {
		b.WriteString(" " + c + " |")
	}
	b.WriteString("\n|---|")
	for range cols {
		b.WriteString("---|")
	}
	b.WriteByte('\n')

	shown := len(items)
	if shown > maxRows {
		shown = maxRows
	}
	for i := 0; i < shown; i++ {
		idx := i
		if indices != nil {
			idx = indices[i]
		}
		fmt.Fprintf(&b, "| %d |", idx)
		if len(fields) == 0 {
			b.WriteString(" " + cell(items[i]) + " |")
		} else {
			for _, f := range fields {
				v, _ := resolveField(items[i], f)
				b.WriteString(" " + cell(v) + " |")
			}
		}
		b.WriteByte('\n')
	}

	if len(items) > maxRows {
		fmt.Fprintf(&b, "…and %d more\n", len(items)-maxRows)
	}
	return strings.TrimRight(b.String(), "\n")
}

// cell renders one table cell: flattened, pipe-safe, at most cellMax
// characters.
func cell(v any) string {
	s := stringOf(v)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if utf8.RuneCountInString(s) <= cellMax {
		return s
	}
	runes := []rune(s)
	return string(runes[:cellMax-1]) + "…"
}

// stringOf flattens a decoded JSON value for display.
func stringOf(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// itemJSON renders an item, optionally restricted to selected field
// paths. Selected paths keep their path string as the key.
func itemJSON(item any, fields []string) string {
	if len(fields) == 0 {
		b, err := json.MarshalIndent(item, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", item)
		}
		return string(b)
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := resolveField(item, f); ok {
			out[f] = v
		}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(b)
}

// clip cuts s at max characters on a rune boundary with a trailing
// marker.
func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "\n[truncated]"
}
