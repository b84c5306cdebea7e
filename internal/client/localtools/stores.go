package localtools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotbot-sh/dotbot/internal/client/botdir"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// StoreKinds are the server-initiated envelope kinds Stores answers. Every
// one carries a StoreRequest and is acknowledged with a request_response.
var StoreKinds = []wire.Type{
	wire.TypeMemoryRequest,
	wire.TypeSchemaRequest,
	wire.TypeSkillRequest,
	wire.TypePersonaRequest,
	wire.TypeCouncilRequest,
	wire.TypeKnowledgeRequest,
	wire.TypeKnowledgeQuery,
	wire.TypeToolRequest,
	wire.TypeThreadRequest,
	wire.TypeThreadUpdate,
	wire.TypeSaveToThread,
	wire.TypeStoreAsset,
	wire.TypeRetrieveAsset,
	wire.TypeCleanupAssets,
}

// Stores serves the server's reads and writes against the .bot directory:
// memory facts, schemas, skills, personas, councils, knowledge, threads,
// and temp assets.
type Stores struct {
	dir      botdir.Dir
	log      *slog.Logger
	manifest func() []wire.ToolDef

	mu sync.Mutex // serializes read-modify-write cycles
}

// NewStores builds the store layer. manifest supplies the device tool list
// for tool_request and may be nil.
func NewStores(dir botdir.Dir, manifest func() []wire.ToolDef, log *slog.Logger) *Stores {
	if log == nil {
		log = slog.Default()
	}
	return &Stores{dir: dir, log: log.With("component", "stores"), manifest: manifest}
}

// HandlerFor returns the channel handler answering one store-request kind.
// The response is produced off the read loop.
func (st *Stores) HandlerFor(kind wire.Type, send func(*wire.Envelope) error) func(context.Context, *wire.Envelope) {
	return func(ctx context.Context, env *wire.Envelope) {
		var req wire.StoreRequest
		if err := env.Decode(&req); err != nil {
			st.log.Warn("bad store request", "kind", kind, "error", err)
			return
		}
		go func() {
			resp := st.Serve(kind, req)
			if err := send(wire.MustNew(wire.TypeRequestResponse, resp)); err != nil {
				st.log.Warn("dropping store response", "kind", kind, "op", req.Op, "error", err)
			}
		}()
	}
}

// Serve answers one store request.
func (st *Stores) Serve(kind wire.Type, req wire.StoreRequest) wire.StoreResponse {
	st.mu.Lock()
	defer st.mu.Unlock()
	data, err := st.apply(kind, req.Op, req.Params)
	if err != nil {
		st.log.Warn("store request failed", "kind", kind, "op", req.Op, "error", err)
		return wire.StoreResponse{RequestID: req.RequestID, Error: err.Error()}
	}
	return wire.StoreResponse{RequestID: req.RequestID, OK: true, Data: data}
}

func (st *Stores) apply(kind wire.Type, op string, params json.RawMessage) (json.RawMessage, error) {
	switch kind {
	case wire.TypeMemoryRequest:
		return st.memory(op, params)
	case wire.TypeSchemaRequest:
		return st.schemas(op, params)
	case wire.TypeSkillRequest:
		return st.skills(op, params)
	case wire.TypePersonaRequest:
		return st.personas(op, params)
	case wire.TypeCouncilRequest:
		return st.councils(op, params)
	case wire.TypeKnowledgeRequest:
		return st.knowledge(op, params)
	case wire.TypeKnowledgeQuery:
		return st.knowledgeQuery(params)
	case wire.TypeToolRequest:
		return st.toolList(op)
	case wire.TypeThreadRequest:
		return st.threads(op, params)
	case wire.TypeThreadUpdate, wire.TypeSaveToThread:
		return st.appendThread(params)
	case wire.TypeStoreAsset, wire.TypeRetrieveAsset, wire.TypeCleanupAssets:
		return st.assets(kind, params)
	default:
		return nil, fmt.Errorf("no store serves %s", kind)
	}
}

// HandleSaveAgentWork persists an agent's intermediate output into the
// research cache, where the sleep cycle later folds it into memory. It is
// fire-and-forget: the server does not await an answer.
func (st *Stores) HandleSaveAgentWork(ctx context.Context, env *wire.Envelope) {
	var work wire.SaveAgentWork
	if err := env.Decode(&work); err != nil {
		st.log.Warn("bad save_agent_work payload", "error", err)
		return
	}
	if strings.TrimSpace(work.Content) == "" {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	name := fmt.Sprintf("%s-%s.md", slugify(work.Topic), now.Format("20060102-150405"))
	body := fmt.Sprintf("# %s\n\nAgent %s, saved %s.\n\n%s\n",
		strings.TrimSpace(work.Topic), work.AgentID, now.Format(time.RFC3339), work.Content)
	path := filepath.Join(st.dir.ResearchCacheDir(), name)
	if err := writeFileAtomic(path, []byte(body), 0o644); err != nil {
		st.log.Warn("saving agent work failed", "path", path, "error", err)
		return
	}
	st.log.Debug("agent work cached", "path", path, "agent", work.AgentID)
}

// --- memory -------------------------------------------------------------

type memoryIndex struct {
	Version int          `json:"version"`
	Facts   []memoryFact `json:"facts"`
}

type memoryFact struct {
	Text      string    `json:"text"`
	LearnedAt time.Time `json:"learned_at"`
}

func (st *Stores) memory(op string, params json.RawMessage) (json.RawMessage, error) {
	switch op {
	case "search":
		var p struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		idx, err := st.loadMemory()
		if err != nil {
			return nil, err
		}
		return marshal(map[string][]string{"facts": searchFacts(idx.Facts, p.Query, p.Limit)})

	case "store":
		var p struct {
			Fact string `json:"fact"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		fact := strings.TrimSpace(p.Fact)
		if fact == "" {
			return nil, errors.New("empty fact")
		}
		idx, err := st.loadMemory()
		if err != nil {
			return nil, err
		}
		known := false
		for _, f := range idx.Facts {
			if f.Text == fact {
				known = true
				break
			}
		}
		if !known {
			idx.Facts = append(idx.Facts, memoryFact{Text: fact, LearnedAt: time.Now().UTC()})
			if err := writeJSON(st.dir.MemoryIndexFile(), idx); err != nil {
				return nil, err
			}
		}
		return marshal(map[string]int{"facts": len(idx.Facts)})
	}
	return nil, fmt.Errorf("unknown memory op %q", op)
}

func (st *Stores) loadMemory() (*memoryIndex, error) {
	idx := &memoryIndex{Version: 1}
	data, err := os.ReadFile(st.dir.MemoryIndexFile())
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("memory index is malformed: %w", err)
	}
	return idx, nil
}

// searchFacts returns newest-first matches. A full-phrase match is
// preferred; when it finds nothing the query loosens to any-word.
func searchFacts(facts []memoryFact, query string, limit int) []string {
	if limit <= 0 {
		limit = 8
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := []string{}
	for i := len(facts) - 1; i >= 0 && len(out) < limit; i-- {
		if q == "" || strings.Contains(strings.ToLower(facts[i].Text), q) {
			out = append(out, facts[i].Text)
		}
	}
	if len(out) == 0 && q != "" {
		words := strings.Fields(q)
		for i := len(facts) - 1; i >= 0 && len(out) < limit; i-- {
			lower := strings.ToLower(facts[i].Text)
			for _, w := range words {
				if strings.Contains(lower, w) {
					out = append(out, facts[i].Text)
					break
				}
			}
		}
	}
	return out
}

// --- schemas ------------------------------------------------------------

func (st *Stores) schemas(op string, params json.RawMessage) (json.RawMessage, error) {
	switch op {
	case "list":
		names, err := listWithExt(st.dir.SchemasDir(), ".json")
		if err != nil {
			return nil, err
		}
		return marshal(map[string][]string{"schemas": names})

	case "get":
		var p struct {
			Name string `json:"name"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(p.Name, ".json")
		if err := safeName(name); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(st.dir.SchemasDir(), name+".json"))
		if err != nil {
			return nil, err
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("schema %s is not valid JSON", name)
		}
		return json.RawMessage(data), nil

	case "save":
		var p struct {
			Name   string          `json:"name"`
			Schema json.RawMessage `json:"schema"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(p.Name, ".json")
		if err := safeName(name); err != nil {
			return nil, err
		}
		if !json.Valid(p.Schema) {
			return nil, fmt.Errorf("schema %s payload is not valid JSON", name)
		}
		path := filepath.Join(st.dir.SchemasDir(), name+".json")
		if err := writeFileAtomic(path, append([]byte(nil), p.Schema...), 0o644); err != nil {
			return nil, err
		}
		return marshal(map[string]bool{"saved": true})
	}
	return nil, fmt.Errorf("unknown schema op %q", op)
}

// --- skills -------------------------------------------------------------

func (st *Stores) skills(op string, params json.RawMessage) (json.RawMessage, error) {
	switch op {
	case "list":
		entries, err := os.ReadDir(st.dir.SkillsDir())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		slugs := []string{}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(st.dir.SkillsDir(), e.Name(), "SKILL.md")); err == nil {
				slugs = append(slugs, e.Name())
			}
		}
		sort.Strings(slugs)
		return marshal(map[string][]string{"skills": slugs})

	case "get":
		var p struct {
			Slug string `json:"slug"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.Slug); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(st.dir.SkillsDir(), p.Slug, "SKILL.md"))
		if err != nil {
			return nil, err
		}
		return marshal(map[string]string{"content": string(data)})

	case "save":
		var p struct {
			Slug    string `json:"slug"`
			Content string `json:"content"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.Slug); err != nil {
			return nil, err
		}
		path := filepath.Join(st.dir.SkillsDir(), p.Slug, "SKILL.md")
		if err := writeFileAtomic(path, []byte(p.Content), 0o644); err != nil {
			return nil, err
		}
		return marshal(map[string]bool{"saved": true})

	case "delete":
		var p struct {
			Slug string `json:"slug"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.Slug); err != nil {
			return nil, err
		}
		if err := os.RemoveAll(filepath.Join(st.dir.SkillsDir(), p.Slug)); err != nil {
			return nil, err
		}
		return marshal(map[string]bool{"deleted": true})
	}
	return nil, fmt.Errorf("unknown skill op %q", op)
}

// --- personas and councils ----------------------------------------------

func (st *Stores) personas(op string, params json.RawMessage) (json.RawMessage, error) {
	switch op {
	case "list":
		// The validated index is authoritative when present.
		data, err := os.ReadFile(filepath.Join(st.dir.PersonasDir(), "index.json"))
		if err == nil && json.Valid(data) {
			return json.RawMessage(data), nil
		}
		entries, err := os.ReadDir(st.dir.PersonasDir())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		type entry struct {
			Slug string `json:"slug"`
		}
		list := []entry{}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(st.dir.PersonasDir(), e.Name(), "persona.json")); err == nil {
				list = append(list, entry{Slug: e.Name()})
			}
		}
		return marshal(map[string]any{"version": 1, "personas": list})

	case "get":
		var p struct {
			Slug string `json:"slug"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.Slug); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(st.dir.PersonasDir(), p.Slug, "persona.json"))
		if err != nil {
			return nil, err
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("persona %s is malformed", p.Slug)
		}
		return json.RawMessage(data), nil

	case "save":
		var p struct {
			Slug    string          `json:"slug"`
			Persona json.RawMessage `json:"persona"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.Slug); err != nil {
			return nil, err
		}
		if !json.Valid(p.Persona) {
			return nil, fmt.Errorf("persona %s payload is not valid JSON", p.Slug)
		}
		path := filepath.Join(st.dir.PersonasDir(), p.Slug, "persona.json")
		if err := writeFileAtomic(path, append([]byte(nil), p.Persona...), 0o644); err != nil {
			return nil, err
		}
		return marshal(map[string]bool{"saved": true})
	}
	return nil, fmt.Errorf("unknown persona op %q", op)
}

func (st *Stores) councils(op string, params json.RawMessage) (json.RawMessage, error) {
	switch op {
	case "list":
		data, err := os.ReadFile(filepath.Join(st.dir.CouncilsDir(), "index.json"))
		if err == nil && json.Valid(data) {
			return json.RawMessage(data), nil
		}
		slugs, err := listWithExt(st.dir.CouncilsDir(), ".md")
		if err != nil {
			return nil, err
		}
		type entry struct {
			Slug string `json:"slug"`
		}
		list := []entry{}
		for _, s := range slugs {
			list = append(list, entry{Slug: s})
		}
		return marshal(map[string]any{"version": 1, "councils": list})

	case "get":
		var p struct {
			Slug string `json:"slug"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.Slug); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(st.dir.CouncilsDir(), p.Slug+".md"))
		if err != nil {
			return nil, err
		}
		return marshal(map[string]string{"content": string(data)})

	case "save":
		var p struct {
			Slug    string `json:"slug"`
			Content string `json:"content"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.Slug); err != nil {
			return nil, err
		}
		path := filepath.Join(st.dir.CouncilsDir(), p.Slug+".md")
		if err := writeFileAtomic(path, []byte(p.Content), 0o644); err != nil {
			return nil, err
		}
		return marshal(map[string]bool{"saved": true})
	}
	return nil, fmt.Errorf("unknown council op %q", op)
}

// --- knowledge ----------------------------------------------------------

func (st *Stores) knowledge(op string, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Persona string `json:"persona"`
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := safeName(p.Persona); err != nil {
		return nil, fmt.Errorf("persona: %w", err)
	}
	knowledgeDir := filepath.Join(st.dir.PersonasDir(), p.Persona, "knowledge")

	switch op {
	case "list":
		files, err := listWithExt(knowledgeDir, ".md")
		if err != nil {
			return nil, err
		}
		return marshal(map[string][]string{"files": files})

	case "get":
		name := strings.TrimSuffix(p.Name, ".md")
		if err := safeName(name); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(knowledgeDir, name+".md"))
		if err != nil {
			return nil, err
		}
		return marshal(map[string]string{"content": string(data)})

	case "save":
		name := strings.TrimSuffix(p.Name, ".md")
		if err := safeName(name); err != nil {
			return nil, err
		}
		path := filepath.Join(knowledgeDir, name+".md")
		if err := writeFileAtomic(path, []byte(p.Content), 0o644); err != nil {
			return nil, err
		}
		return marshal(map[string]bool{"saved": true})
	}
	return nil, fmt.Errorf("unknown knowledge op %q", op)
}

type knowledgeMatch struct {
	Source string `json:"source"`
	Line   string `json:"line"`
}

// knowledgeQuery greps persona knowledge and the research cache for lines
// containing the query.
func (st *Stores) knowledgeQuery(params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Query   string `json:"query"`
		Persona string `json:"persona"`
		Limit   int    `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(p.Query))
	if q == "" {
		return nil, errors.New("empty query")
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}

	var roots []string
	if p.Persona != "" {
		if err := safeName(p.Persona); err != nil {
			return nil, err
		}
		roots = []string{filepath.Join(st.dir.PersonasDir(), p.Persona, "knowledge")}
	} else {
		roots = []string{st.dir.PersonasDir(), st.dir.ResearchCacheDir()}
	}

	matches := []knowledgeMatch{}
	for _, root := range roots {
		if len(matches) >= p.Limit {
			break
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
				return nil
			}
			if len(matches) >= p.Limit {
				return filepath.SkipAll
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			rel, relErr := filepath.Rel(st.dir.Root(), path)
			if relErr != nil {
				rel = path
			}
			for _, line := range strings.Split(string(data), "\n") {
				trimmed := strings.TrimSpace(line)
				if trimmed == "" || !strings.Contains(strings.ToLower(trimmed), q) {
					continue
				}
				matches = append(matches, knowledgeMatch{Source: filepath.ToSlash(rel), Line: trimmed})
				if len(matches) >= p.Limit {
					return filepath.SkipAll
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return marshal(map[string][]knowledgeMatch{"matches": matches})
}

// --- tools --------------------------------------------------------------

func (st *Stores) toolList(op string) (json.RawMessage, error) {
	if op != "" && op != "list" {
		return nil, fmt.Errorf("unknown tool op %q", op)
	}
	defs := []wire.ToolDef{}
	if st.manifest != nil {
		defs = st.manifest()
	}
	return marshal(map[string][]wire.ToolDef{"tools": defs})
}

// --- threads ------------------------------------------------------------

type thread struct {
	ID        string        `json:"id"`
	Title     string        `json:"title,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	Entries   []threadEntry `json:"entries"`
}

type threadEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func (st *Stores) threads(op string, params json.RawMessage) (json.RawMessage, error) {
	switch op {
	case "list":
		ids, err := listWithExt(st.dir.ThreadsDir(), ".json")
		if err != nil {
			return nil, err
		}
		type summary struct {
			ID        string    `json:"id"`
			Title     string    `json:"title,omitempty"`
			UpdatedAt time.Time `json:"updated_at"`
			Entries   int       `json:"entries"`
		}
		list := []summary{}
		for _, id := range ids {
			th, err := st.loadThread(id)
			if err != nil {
				continue
			}
			list = append(list, summary{ID: th.ID, Title: th.Title, UpdatedAt: th.UpdatedAt, Entries: len(th.Entries)})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
		return marshal(map[string]any{"threads": list})

	case "get":
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.ID); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(st.dir.ThreadsDir(), p.ID+".json"))
		if err != nil {
			return nil, err
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("thread %s is malformed", p.ID)
		}
		return json.RawMessage(data), nil

	case "append":
		return st.appendThread(params)

	case "delete":
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.ID); err != nil {
			return nil, err
		}
		if err := os.Remove(filepath.Join(st.dir.ThreadsDir(), p.ID+".json")); err != nil {
			return nil, err
		}
		return marshal(map[string]bool{"deleted": true})
	}
	return nil, fmt.Errorf("unknown thread op %q", op)
}

// appendThread also serves the thread_update and save_to_thread kinds,
// which are appends in their own envelope dress.
func (st *Stores) appendThread(params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		ID     string `json:"id"`
		Thread string `json:"thread"`
		Title  string `json:"title"`
		Role   string `json:"role"`
		Text   string `json:"text"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	id := p.ID
	if id == "" {
		id = p.Thread
	}
	if err := safeName(id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, errors.New("empty thread entry")
	}
	role := p.Role
	if role == "" {
		role = "assistant"
	}

	th, err := st.loadThread(id)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if th == nil {
		th = &thread{ID: id, Entries: []threadEntry{}}
	}
	if p.Title != "" {
		th.Title = p.Title
	}
	th.UpdatedAt = time.Now().UTC()
	th.Entries = append(th.Entries, threadEntry{Role: role, Text: p.Text, At: th.UpdatedAt})
	if err := writeJSON(filepath.Join(st.dir.ThreadsDir(), id+".json"), th); err != nil {
		return nil, err
	}
	return marshal(map[string]int{"entries": len(th.Entries)})
}

func (st *Stores) loadThread(id string) (*thread, error) {
	data, err := os.ReadFile(filepath.Join(st.dir.ThreadsDir(), id+".json"))
	if err != nil {
		return nil, err
	}
	var th thread
	if err := json.Unmarshal(data, &th); err != nil {
		return nil, fmt.Errorf("thread %s is malformed: %w", id, err)
	}
	if th.ID == "" {
		th.ID = id
	}
	return &th, nil
}

// --- assets -------------------------------------------------------------

func (st *Stores) assets(kind wire.Type, params json.RawMessage) (json.RawMessage, error) {
	switch kind {
	case wire.TypeStoreAsset:
		var p struct {
			Name       string `json:"name"`
			ContentB64 string `json:"content_b64"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.Name); err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(p.ContentB64)
		if err != nil {
			return nil, fmt.Errorf("asset content: %w", err)
		}
		path := filepath.Join(st.dir.AssetsDir(), p.Name)
		if err := writeFileAtomic(path, data, 0o644); err != nil {
			return nil, err
		}
		return marshal(map[string]string{"path": path})

	case wire.TypeRetrieveAsset:
		var p struct {
			Name string `json:"name"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := safeName(p.Name); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(st.dir.AssetsDir(), p.Name))
		if err != nil {
			return nil, err
		}
		return marshal(map[string]string{"content_b64": base64.StdEncoding.EncodeToString(data)})

	case wire.TypeCleanupAssets:
		var p struct {
			MaxAgeHours float64 `json:"max_age_hours"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.MaxAgeHours <= 0 {
			p.MaxAgeHours = 24
		}
		cutoff := time.Now().Add(-time.Duration(p.MaxAgeHours * float64(time.Hour)))
		entries, err := os.ReadDir(st.dir.AssetsDir())
		if errors.Is(err, os.ErrNotExist) {
			return marshal(map[string]int{"removed": 0})
		}
		if err != nil {
			return nil, err
		}
		removed := 0
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if os.Remove(filepath.Join(st.dir.AssetsDir(), e.Name())) == nil {
				removed++
			}
		}
		return marshal(map[string]int{"removed": removed})
	}
	return nil, fmt.Errorf("no asset store serves %s", kind)
}

// --- shared helpers -----------------------------------------------------

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

// safeName rejects traversal attempts in server-supplied identifiers that
// become path segments.
func safeName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("unsafe name %q", name)
	}
	if name == "." {
		return fmt.Errorf("unsafe name %q", name)
	}
	return nil
}

func listWithExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) || e.Name() == "index.json" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'), 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// slugify turns free text into a filename-safe slug.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "note"
	}
	if len(out) > 48 {
		out = strings.Trim(out[:48], "-")
	}
	return out
}
