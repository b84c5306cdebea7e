package collections

import (
	"encoding/csv"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Format identifies how a cached raw result decodes into items.
type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatLines Format = "lines"
)

// Hints records where the items live inside a tool's raw output and
// which fields are worth surfacing. Introspected once per tool id and
// reused until the shape changes or the record goes stale.
type Hints struct {
	Format Format `json:"format"`
	// ArrayPath is the dotted path from the JSON root to the item
	// array. Empty means the root itself.
	ArrayPath string   `json:"array_path,omitempty"`
	Summary   []string `json:"summary_fields,omitempty"`
	Noise     []string `json:"noise_fields,omitempty"`
	// ItemSize is the average serialized size of one item in bytes.
	ItemSize int       `json:"item_size"`
	Verified time.Time `json:"verified_at"`
}

// hintTTL bounds how long hints are trusted without re-verification.
const hintTTL = 24 * time.Hour

// HintStore caches output hints per tool id, process-wide.
type HintStore struct {
	mu    sync.Mutex
	hints map[string]Hints
	now   func() time.Time
}

func NewHintStore() *HintStore {
	return &HintStore{hints: make(map[string]Hints), now: time.Now}
}

// Get returns the stored hints for a tool id. Stale records are misses.
func (s *HintStore) Get(toolID string) (Hints, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hints[toolID]
	if !ok || s.now().Sub(h.Verified) > hintTTL {
		return Hints{}, false
	}
	return h, true
}

func (s *HintStore) Put(toolID string, h Hints) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints[toolID] = h
}

const (
	maxWalkDepth       = 3
	sampleSize         = 3
	scalarNoiseSize    = 500
	compositeNoiseSize = 1000
	promotedMaxLen     = 200
)

// headerNames are sub-values worth promoting out of noise fields when
// they appear as name/value header entries.
var headerNames = []string{"From", "To", "Subject", "Date"}

// introspect derives hints from a raw result. No LLM is involved: the
// same input always yields the same hints.
func introspect(raw string, now time.Time) Hints {
	if path, items, ok := findJSONItems(raw); ok {
		h := classifyFields(items)
		h.Format = FormatJSON
		h.ArrayPath = path
		h.Verified = now
		return h
	}
	if items, ok := parseCSV(raw); ok {
		h := classifyFields(items)
		h.Format = FormatCSV
		h.Verified = now
		return h
	}
	items := parseLines(raw)
	return Hints{Format: FormatLines, ItemSize: avgSize(items), Verified: now}
}

// findJSONItems parses raw as JSON and locates the first non-empty
// array: the root itself, or the first one found walking object fields
// in sorted-key order up to three levels deep.
func findJSONItems(raw string) (string, []any, bool) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", nil, false
	}
	return findArray(doc, "", 0)
}

func findArray(v any, path string, depth int) (string, []any, bool) {
	switch val := v.(type) {
	case []any:
		if len(val) > 0 {
			return path, val, true
		}
	case map[string]any:
		if depth >= maxWalkDepth {
			return "", nil, false
		}
		for _, k := range sortedKeys(val) {
			child := k
			if path != "" {
				child = path + "." + k
			}
			if p, items, ok := findArray(val[k], child, depth+1); ok {
				return p, items, true
			}
		}
	}
	return "", nil, false
}

// classifyFields samples up to three items and splits their top-level
// fields into summary and noise by serialized size. Useful small
// sub-values inside noise fields are promoted into the summary list.
func classifyFields(items []any) Hints {
	if len(items) == 0 {
		return Hints{}
	}
	sample := items
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	type stat struct {
		total     int
		count     int
		composite bool
	}
	stats := make(map[string]*stat)
	var order []string
	for _, item := range sample {
		m, ok := item.(map[string]any)
		if !ok {
			// Scalar items have no fields; the whole value is the row.
			return Hints{ItemSize: avgSize(items)}
		}
		for _, k := range sortedKeys(m) {
			st := stats[k]
			if st == nil {
				st = &stat{}
				stats[k] = st
				order = append(order, k)
			}
			st.total += serializedSize(m[k])
			st.count++
			switch m[k].(type) {
			case map[string]any, []any:
				st.composite = true
			}
		}
	}

	h := Hints{ItemSize: avgSize(items)}
	for _, k := range order {
		st := stats[k]
		avg := st.total / st.count
		limit := scalarNoiseSize
		if st.composite {
			limit = compositeNoiseSize
		}
		if avg > limit {
			h.Noise = append(h.Noise, k)
		} else {
			h.Summary = append(h.Summary, k)
		}
	}

	if first, ok := sample[0].(map[string]any); ok {
		for _, k := range h.Noise {
			h.Summary = append(h.Summary, promoted(first[k], k, 0)...)
		}
	}
	return h
}

// promoted finds small useful sub-values inside a noise field: header
// name/value entries become "field.headers[From]" paths, short strings
// become dotted paths.
func promoted(v any, base string, depth int) []string {
	var out []string
	switch val := v.(type) {
	case map[string]any:
		if depth >= 2 {
			return nil
		}
		for _, k := range sortedKeys(val) {
			path := base + "." + k
			switch sub := val[k].(type) {
			case string:
				if len(sub) > 0 && len(sub) < promotedMaxLen {
					out = append(out, path)
				}
			case []any:
				for _, name := range headerEntries(sub) {
					out = append(out, path+"["+name+"]")
				}
			case map[string]any:
				out = append(out, promoted(sub, path, depth+1)...)
			}
		}
	case []any:
		for _, name := range headerEntries(val) {
			out = append(out, base+"["+name+"]")
		}
	}
	return out
}

// headerEntries returns the recognized header names present in an array
// of {name, value} objects, in canonical order.
func headerEntries(arr []any) []string {
	present := make(map[string]bool)
	for _, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			return nil
		}
		name, ok := m["name"].(string)
		if !ok {
			return nil
		}
		if _, ok := m["value"]; !ok {
			return nil
		}
		for _, h := range headerNames {
			if strings.EqualFold(name, h) {
				present[h] = true
			}
		}
	}
	var out []string
	for _, h := range headerNames {
		if present[h] {
			out = append(out, h)
		}
	}
	return out
}

// parseCSV accepts raw as CSV when it has a header of at least two
// columns and at least half of the data rows match the header width.
func parseCSV(raw string) ([]any, bool) {
	r := csv.NewReader(strings.NewReader(raw))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil || len(records) < 2 {
		return nil, false
	}
	header := records[0]
	if len(header) < 2 {
		return nil, false
	}

	rows := records[1:]
	matching := 0
	for _, rec := range rows {
		if len(rec) == len(header) {
			matching++
		}
	}
	if matching*2 < len(rows) {
		return nil, false
	}

	items := make([]any, 0, matching)
	for _, rec := range rows {
		if len(rec) != len(header) {
			continue
		}
		m := make(map[string]any, len(header))
		for i, col := range header {
			m[col] = rec[i]
		}
		items = append(items, m)
	}
	return items, len(items) > 0
}

// parseLines is the last-resort format: one item per non-empty line.
func parseLines(raw string) []any {
	var items []any
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		items = append(items, line)
	}
	return items
}

// extractItems re-slices a raw cached result using stored hints.
func extractItems(raw string, h Hints) ([]any, bool) {
	switch h.Format {
	case FormatJSON:
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, false
		}
		cur := doc
		if h.ArrayPath != "" {
			for _, seg := range strings.Split(h.ArrayPath, ".") {
				m, ok := cur.(map[string]any)
				if !ok {
					return nil, false
				}
				cur, ok = m[seg]
				if !ok {
					return nil, false
				}
			}
		}
		items, ok := cur.([]any)
		return items, ok && len(items) > 0
	case FormatCSV:
		return parseCSV(raw)
	case FormatLines:
		items := parseLines(raw)
		return items, len(items) > 0
	}
	return nil, false
}

// hintsMatch reports whether stored hints still fit a raw result: the
// items extract and at least one summary field resolves.
func hintsMatch(raw string, h Hints) bool {
	items, ok := extractItems(raw, h)
	if !ok {
		return false
	}
	if len(h.Summary) == 0 {
		return true
	}
	for _, f := range h.Summary {
		if _, ok := resolveField(items[0], f); ok {
			return true
		}
	}
	return false
}

// resolveField walks a dotted path into an item. A bracket segment like
// "headers[From]" selects the value of the matching name/value entry.
func resolveField(item any, path string) (any, bool) {
	cur := item
	for _, seg := range strings.Split(path, ".") {
		name := ""
		if i := strings.IndexByte(seg, '['); i >= 0 && strings.HasSuffix(seg, "]") {
			name = seg[i+1 : len(seg)-1]
			seg = seg[:i]
		}

		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}

		if name != "" {
			arr, ok := cur.([]any)
			if !ok {
				return nil, false
			}
			cur = nil
			for _, e := range arr {
				em, ok := e.(map[string]any)
				if !ok {
					continue
				}
				if n, _ := em["name"].(string); strings.EqualFold(n, name) {
					cur = em["value"]
					break
				}
			}
			if cur == nil {
				return nil, false
			}
		}
	}
	return cur, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func serializedSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func avgSize(items []any) int {
	if len(items) == 0 {
		return 0
	}
	sample := items
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	total := 0
	for _, it := range sample {
		total += serializedSize(it)
	}
	return total / len(sample)
}
