// Package collections intercepts oversized tool results: the raw bytes
// are cached on the client, introspected once for shape, and exposed to
// the tool loop as a browsable collection with overview, get, filter,
// and query operations. The LLM only ever sees slices.
package collections

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	// collectionThreshold is the result size above which the navigator
	// takes over. Exactly this many characters still passes through.
	collectionThreshold = 10000

	refTTL     = 30 * time.Minute
	gcInterval = time.Minute
	cacheDir   = "~/.bot/memory/research-cache"

	writeTimeout = 30 * time.Second
	maxMatches   = 50
)

// ClientFS reads and writes cache files on the connected device. The
// gateway implements it with filesystem tool calls over the channel.
type ClientFS interface {
	CreateFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
}

// Reference is one live collection: where the raw bytes live on the
// client and how to slice them.
type Reference struct {
	ID     string
	ToolID string
	Path   string
	Hints  Hints
	Count  int

	expires time.Time
}

// Navigator owns the process-wide collection references and serves the
// result.* tools.
type Navigator struct {
	fs    ClientFS
	hints *HintStore
	log   *slog.Logger
	now   func() time.Time

	mu   sync.Mutex
	refs map[string]*Reference
}

func New(fs ClientFS, hints *HintStore, log *slog.Logger) *Navigator {
	if hints == nil {
		hints = NewHintStore()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Navigator{
		fs:    fs,
		hints: hints,
		log:   log,
		now:   time.Now,
		refs:  make(map[string]*Reference),
	}
}

// Oversized reports whether a raw tool result should become a
// collection.
func Oversized(raw string) bool {
	if len(raw) <= collectionThreshold {
		return false
	}
	return utf8.RuneCountInString(raw) > collectionThreshold
}

// Intercept turns an oversized result into a markdown overview, caching
// the raw bytes on the client. Small results come back unchanged.
func (n *Navigator) Intercept(ctx context.Context, toolID, raw string) string {
	if !Oversized(raw) {
		return raw
	}
	now := n.now()
	path := cachePath(toolID, now)

	// Fire and forget: the overview must not wait on the device's disk.
	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if err := n.fs.CreateFile(wctx, path, raw); err != nil {
			n.log.Warn("collection cache write failed", "tool", toolID, "path", path, "error", err)
		}
	}()

	hints, ok := n.hints.Get(toolID)
	if !ok || !hintsMatch(raw, hints) {
		hints = introspect(raw, now)
	} else {
		hints.Verified = now
	}
	n.hints.Put(toolID, hints)

	items, ok := extractItems(raw, hints)
	if !ok || len(items) == 0 {
		// Nothing sliceable; keep it inline but bounded.
		return clip(raw, resultCap)
	}

	ref := &Reference{
		ID:      "col_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		ToolID:  toolID,
		Path:    path,
		Hints:   hints,
		Count:   len(items),
		expires: now.Add(refTTL),
	}
	n.mu.Lock()
	n.refs[ref.ID] = ref
	n.mu.Unlock()

	n.log.Info("collection registered",
		"collection_id", ref.ID, "tool", toolID, "items", ref.Count, "format", hints.Format)
	return overviewText(ref.ID, toolID, hints, items)
}

// Run garbage-collects expired references until ctx ends.
func (n *Navigator) Run(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.collect()
		}
	}
}

func (n *Navigator) collect() {
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ref := range n.refs {
		if now.After(ref.expires) {
			delete(n.refs, id)
			n.log.Debug("collection expired", "collection_id", id, "tool", ref.ToolID)
		}
	}
}

// resolve returns a live reference and extends its TTL.
func (n *Navigator) resolve(id string) (*Reference, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ref, ok := n.refs[id]
	if !ok || n.now().After(ref.expires) {
		return nil, fmt.Errorf("unknown or expired collection %q (collections expire after 30 minutes of inactivity)", id)
	}
	ref.expires = n.now().Add(refTTL)
	return ref, nil
}

// Handles reports whether a tool name belongs to the navigator.
func Handles(name string) bool {
	return strings.HasPrefix(name, "result.")
}

// ToolDefs returns the navigator's manifest entries. They are offered
// to agents only while at least one collection is live.
func (n *Navigator) ToolDefs() []wire.ToolDef {
	n.mu.Lock()
	live := len(n.refs)
	n.mu.Unlock()
	if live == 0 {
		return nil
	}
	return []wire.ToolDef{
		{
			ID:          "result.overview",
			Description: "Re-render the summary table of a stored collection.",
			Category:    "collections",
			Schema:      json.RawMessage(`{"type":"object","properties":{"collection_id":{"type":"string"}},"required":["collection_id"]}`),
		},
		{
			ID:          "result.get",
			Description: "Fetch one item from a collection by index, optionally selecting fields.",
			Category:    "collections",
			Schema:      json.RawMessage(`{"type":"object","properties":{"collection_id":{"type":"string"},"index":{"type":"integer"},"fields":{"type":"array","items":{"type":"string"}}},"required":["collection_id","index"]}`),
		},
		{
			ID:          "result.filter",
			Description: "Find items in a collection by field value. Ops: contains, equals, not_equals, gt, lt. Returns at most 50 matches.",
			Category:    "collections",
			Schema:      json.RawMessage(`{"type":"object","properties":{"collection_id":{"type":"string"},"field":{"type":"string"},"op":{"type":"string","enum":["contains","equals","not_equals","gt","lt"]},"value":{},"fields":{"type":"array","items":{"type":"string"}}},"required":["collection_id","field","op","value"]}`),
		},
		{
			ID:          "result.query",
			Description: "Run a query expression over a collection: [*].field, [0:5], [?status==\"active\"], [?payload.headers[From] contains \"@x\"], field1,field2, pipes unique/count/sum/avg/min/max, .length.",
			Category:    "collections",
			Schema:      json.RawMessage(`{"type":"object","properties":{"collection_id":{"type":"string"},"expression":{"type":"string"}},"required":["collection_id","expression"]}`),
		},
	}
}

type callArgs struct {
	CollectionID string   `json:"collection_id"`
	Index        *int     `json:"index,omitempty"`
	Fields       []string `json:"fields,omitempty"`
	Field        string   `json:"field,omitempty"`
	Op           string   `json:"op,omitempty"`
	Value        any      `json:"value,omitempty"`
	Expression   string   `json:"expression,omitempty"`
}

// Handle executes one result.* tool call against a live collection.
func (n *Navigator) Handle(ctx context.Context, name string, input json.RawMessage) (string, error) {
	var args callArgs
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("bad %s arguments: %w", name, err)
		}
	}
	if args.CollectionID == "" {
		return "", fmt.Errorf("%s needs a collection_id", name)
	}
	ref, err := n.resolve(args.CollectionID)
	if err != nil {
		return "", err
	}
	items, hints, err := n.fetch(ctx, ref)
	if err != nil {
		return "", err
	}

	switch name {
	case "result.overview":
		return overviewText(ref.ID, ref.ToolID, hints, items), nil
	case "result.get":
		if args.Index == nil {
			return "", fmt.Errorf("result.get needs an index (0-%d)", len(items)-1)
		}
		return getItem(ref.ID, hints, items, *args.Index, args.Fields)
	case "result.filter":
		return filterItems(hints, items, args)
	case "result.query":
		return evalQuery(items, args.Expression)
	default:
		return "", fmt.Errorf("unknown collection tool %q", name)
	}
}

// fetch reads the cached raw bytes back from the client and re-extracts
// the items. A shape change on disk triggers one re-introspection. The
// hints actually used are returned so callers never race the stored
// reference.
func (n *Navigator) fetch(ctx context.Context, ref *Reference) ([]any, Hints, error) {
	n.mu.Lock()
	hints := ref.Hints
	n.mu.Unlock()

	raw, err := n.fs.ReadFile(ctx, ref.Path)
	if err != nil {
		return nil, Hints{}, fmt.Errorf("collection cache read failed: %w", err)
	}
	items, ok := extractItems(raw, hints)
	if !ok {
		hints = introspect(raw, n.now())
		items, ok = extractItems(raw, hints)
		if !ok {
			return nil, Hints{}, fmt.Errorf("collection %s no longer matches its cached data", ref.ID)
		}
		n.mu.Lock()
		ref.Hints = hints
		ref.Count = len(items)
		n.mu.Unlock()
		n.hints.Put(ref.ToolID, hints)
	}
	return items, hints, nil
}

func getItem(refID string, hints Hints, items []any, index int, fields []string) (string, error) {
	if index < 0 || index >= len(items) {
		return "", fmt.Errorf("index %d out of range (collection has %d items)", index, len(items))
	}
	item := items[index]

	if len(fields) > 0 {
		return clip(itemJSON(item, fields), resultCap), nil
	}

	full := itemJSON(item, nil)
	if utf8.RuneCountInString(full) <= resultCap {
		return full, nil
	}

	// Too big whole: drop the noise fields and say how to read them.
	slim := itemJSON(item, hints.Summary)
	var b strings.Builder
	b.WriteString(clip(slim, resultCap))
	if len(hints.Noise) > 0 {
		fmt.Fprintf(&b, "\n\n[Oversized fields omitted: %s. Read one with result.get(collection_id=%q, index=%d, fields=[%q])]",
			strings.Join(hints.Noise, ", "), refID, index, hints.Noise[0])
	} else {
		b.WriteString("\n\n[Item truncated]")
	}
	return b.String(), nil
}

func filterItems(hints Hints, items []any, args callArgs) (string, error) {
	if args.Field == "" {
		return "", fmt.Errorf("result.filter needs a field")
	}
	target := stringOf(args.Value)

	var matched []any
	var indices []int
	for i, item := range items {
		v, ok := resolveField(item, args.Field)
		if !ok {
			continue
		}
		if filterMatch(v, args.Op, target) {
			matched = append(matched, item)
			indices = append(indices, i)
			if len(matched) == maxMatches {
				break
			}
		}
	}
	if len(matched) == 0 {
		return fmt.Sprintf("No items match %s %s %q.", args.Field, args.Op, target), nil
	}

	fields := args.Fields
	if len(fields) == 0 {
		fields = hints.Summary
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d matching items (of %d):\n\n", len(matched), len(items))
	b.WriteString(overviewTable(matched, indices, fields, maxMatches))
	return b.String(), nil
}

func filterMatch(v any, op, target string) bool {
	switch op {
	case "contains":
		return strings.Contains(strings.ToLower(stringOf(v)), strings.ToLower(target))
	case "equals":
		return compare(v, "==", target)
	case "not_equals":
		return compare(v, "!=", target)
	case "gt":
		return compare(v, ">", target)
	case "lt":
		return compare(v, "<", target)
	}
	return false
}

func overviewText(refID, toolID string, hints Hints, items []any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Large result from %s stored as collection %s (%d items).\n\n", toolID, refID, len(items))
	b.WriteString(overviewTable(items, nil, hints.Summary, overviewRows))
	fmt.Fprintf(&b, "\n\nDrill in with result.get(collection_id=%q, index=N), result.filter(collection_id=%q, field=..., op=..., value=...), or result.query(collection_id=%q, expression=...). Never ask for the raw data.",
		refID, refID, refID)
	return b.String()
}

// cachePath builds the client-side cache file path for one capture.
func cachePath(toolID string, now time.Time) string {
	return fmt.Sprintf("%s/%s-%s.json", cacheDir, safeToolID(toolID), now.UTC().Format("20060102T150405.000"))
}

// safeToolID keeps letters, digits, dots, dashes and underscores;
// everything else becomes an underscore.
func safeToolID(toolID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, toolID)
}
