package collections

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestIntrospectRootArray(t *testing.T) {
	raw := `[
		{"id": 1, "name": "alpha", "body": "` + strings.Repeat("x", 600) + `"},
		{"id": 2, "name": "beta", "body": "` + strings.Repeat("x", 600) + `"}
	]`
	h := introspect(raw, time.Now())

	if h.Format != FormatJSON || h.ArrayPath != "" {
		t.Fatalf("hints = %+v", h)
	}
	if !reflect.DeepEqual(h.Summary, []string{"id", "name"}) {
		t.Fatalf("summary = %v", h.Summary)
	}
	if !reflect.DeepEqual(h.Noise, []string{"body"}) {
		t.Fatalf("noise = %v", h.Noise)
	}
	if h.ItemSize == 0 {
		t.Fatal("item size not estimated")
	}
}

func TestIntrospectNestedArray(t *testing.T) {
	raw := `{"status": "ok", "data": {"messages": [{"id": 1}, {"id": 2}]}}`
	h := introspect(raw, time.Now())

	if h.Format != FormatJSON || h.ArrayPath != "data.messages" {
		t.Fatalf("hints = %+v", h)
	}
	items, ok := extractItems(raw, h)
	if !ok || len(items) != 2 {
		t.Fatalf("extractItems() = %v, %v", items, ok)
	}
}

func TestIntrospectDepthLimit(t *testing.T) {
	// The array sits four levels down; the walk stops at three.
	raw := `{"a": {"b": {"c": {"d": [1, 2, 3]}}}}`
	h := introspect(raw, time.Now())
	if h.Format != FormatLines {
		t.Fatalf("format = %s, want lines fallback", h.Format)
	}
}

func TestIntrospectScalarArray(t *testing.T) {
	raw := `["alpha", "beta", "gamma"]`
	h := introspect(raw, time.Now())
	if h.Format != FormatJSON || len(h.Summary) != 0 {
		t.Fatalf("hints = %+v", h)
	}
	items, ok := extractItems(raw, h)
	if !ok || len(items) != 3 {
		t.Fatalf("extractItems() = %v, %v", items, ok)
	}
}

func TestIntrospectHeaderPromotion(t *testing.T) {
	raw := `[{
		"id": 7,
		"payload": {
			"mime": "` + strings.Repeat("y", 1100) + `",
			"headers": [
				{"name": "from", "value": "ann@example.com"},
				{"name": "Subject", "value": "hello"},
				{"name": "X-Custom", "value": "ignored"}
			]
		}
	}]`
	h := introspect(raw, time.Now())

	if !reflect.DeepEqual(h.Noise, []string{"payload"}) {
		t.Fatalf("noise = %v", h.Noise)
	}
	want := []string{"id", "payload.headers[From]", "payload.headers[Subject]"}
	if !reflect.DeepEqual(h.Summary, want) {
		t.Fatalf("summary = %v, want %v", h.Summary, want)
	}

	var items []any
	items, _ = extractItems(raw, h)
	v, ok := resolveField(items[0], "payload.headers[From]")
	if !ok || v != "ann@example.com" {
		t.Fatalf("promoted field = %v, %v", v, ok)
	}
}

func TestIntrospectCSV(t *testing.T) {
	raw := "name,age\nalice,30\nbob,25\n"
	h := introspect(raw, time.Now())

	if h.Format != FormatCSV {
		t.Fatalf("format = %s", h.Format)
	}
	if !reflect.DeepEqual(h.Summary, []string{"age", "name"}) {
		t.Fatalf("summary = %v", h.Summary)
	}
	items, ok := extractItems(raw, h)
	if !ok || len(items) != 2 {
		t.Fatalf("extractItems() = %v, %v", items, ok)
	}
	if v, _ := resolveField(items[1], "name"); v != "bob" {
		t.Fatalf("row value = %v", v)
	}
}

func TestIntrospectCSVRejectsRagged(t *testing.T) {
	// More than half the rows disagree with the header width.
	raw := "name,age\njust-one-column\nanother\ncarol,30\n"
	h := introspect(raw, time.Now())
	if h.Format != FormatLines {
		t.Fatalf("format = %s, want lines", h.Format)
	}
	items := parseLines(raw)
	if len(items) != 4 {
		t.Fatalf("line items = %d", len(items))
	}
}

func TestResolveField(t *testing.T) {
	item := map[string]any{
		"from": "ann@example.com",
		"payload": map[string]any{
			"mime": "text/plain",
			"headers": []any{
				map[string]any{"name": "From", "value": "ann@example.com"},
			},
		},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"from", "ann@example.com", true},
		{"payload.mime", "text/plain", true},
		{"payload.headers[From]", "ann@example.com", true},
		{"payload.headers[from]", "ann@example.com", true},
		{"payload.headers[Date]", nil, false},
		{"missing", nil, false},
		{"from.deeper", nil, false},
	}
	for _, tt := range tests {
		got, ok := resolveField(item, tt.path)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("resolveField(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestHintsMatchShapeChange(t *testing.T) {
	old := Hints{Format: FormatJSON, ArrayPath: "data.messages", Summary: []string{"id"}}
	if hintsMatch(`{"threads": [{"tid": 1}]}`, old) {
		t.Fatal("hints matched a different shape")
	}
	if !hintsMatch(`{"data": {"messages": [{"id": 5}]}}`, old) {
		t.Fatal("hints rejected their own shape")
	}
}

func TestHintStoreStaleness(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewHintStore()
	s.now = func() time.Time { return base }

	s.Put("gmail.search", Hints{Format: FormatJSON, Verified: base})
	if _, ok := s.Get("gmail.search"); !ok {
		t.Fatal("fresh hints missing")
	}

	s.now = func() time.Time { return base.Add(25 * time.Hour) }
	if _, ok := s.Get("gmail.search"); ok {
		t.Fatal("stale hints still served")
	}

	if _, ok := s.Get("never.stored"); ok {
		t.Fatal("hit for unknown tool id")
	}
}
