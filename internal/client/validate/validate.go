// Package validate checks and repairs the .bot content tree: line endings
// are normalized to LF, skill and council frontmatter and persona files are
// verified, and the per-kind indexes are rebuilt from what is actually on
// disk. The pass is idempotent; running it twice changes nothing the second
// time.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dotbot-sh/dotbot/internal/client/botdir"
)

// validTiers are the model tiers personas and skills may ask for. Empty
// means "let the server pick".
var validTiers = map[string]bool{
	"":          true,
	"intake":    true,
	"workhorse": true,
	"smart":     true,
}

// Problem is one malformed file the local pass could not repair. The
// content rides along so the server-side fixer can work on it.
type Problem struct {
	Path    string // relative to the .bot root, slash-separated
	Kind    string // "skill", "persona", "council"
	Detail  string
	Content string
}

// Report summarizes one validation pass.
type Report struct {
	Checked    int
	Normalized int
	Problems   []Problem
	Skills     []SkillMeta
	Personas   []PersonaMeta
	Councils   []CouncilMeta
}

type SkillMeta struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Model       string   `json:"model,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

type PersonaMeta struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
	Knowledge   int    `json:"knowledge,omitempty"`
}

type CouncilMeta struct {
	Slug    string   `json:"slug"`
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

type Validator struct {
	dir botdir.Dir
	log *slog.Logger
}

func New(dir botdir.Dir, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{dir: dir, log: log.With("component", "validate")}
}

// Run walks the content tree once and rebuilds the indexes.
func (v *Validator) Run() (*Report, error) {
	r := &Report{}

	if err := v.checkSkills(r); err != nil {
		return nil, err
	}
	if err := v.checkPersonas(r); err != nil {
		return nil, err
	}
	if err := v.checkCouncils(r); err != nil {
		return nil, err
	}

	if err := v.writeIndex(filepath.Join(v.dir.PersonasDir(), "index.json"),
		map[string]any{"version": 1, "personas": r.Personas}); err != nil {
		return nil, err
	}
	if err := v.writeIndex(filepath.Join(v.dir.CouncilsDir(), "index.json"),
		map[string]any{"version": 1, "councils": r.Councils}); err != nil {
		return nil, err
	}

	if len(r.Problems) > 0 {
		v.log.Warn("content tree has malformed files",
			"problems", len(r.Problems),
			"checked", r.Checked)
	} else {
		v.log.Debug("content tree validated",
			"checked", r.Checked,
			"normalized", r.Normalized)
	}
	return r, nil
}

func (v *Validator) checkSkills(r *Report) error {
	entries, err := os.ReadDir(v.dir.SkillsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		slug := e.Name()
		path := filepath.Join(v.dir.SkillsDir(), slug, "SKILL.md")
		data, err := v.normalizeFile(path, r)
		if errors.Is(err, os.ErrNotExist) {
			r.Problems = append(r.Problems, Problem{
				Path:   "skills/" + slug,
				Kind:   "skill",
				Detail: "skill directory has no SKILL.md",
			})
			continue
		}
		if err != nil {
			return err
		}

		rel := "skills/" + slug + "/SKILL.md"
		meta, body, ok := frontmatter(data)
		if !ok {
			r.addProblem(rel, "skill", "missing YAML frontmatter block", data)
			continue
		}
		var front struct {
			Name        string   `yaml:"name"`
			Description string   `yaml:"description"`
			Model       string   `yaml:"model"`
			Tools       []string `yaml:"tools"`
		}
		if err := yaml.Unmarshal(meta, &front); err != nil {
			r.addProblem(rel, "skill", "frontmatter is not valid YAML: "+err.Error(), data)
			continue
		}
		switch {
		case front.Name == "":
			r.addProblem(rel, "skill", "frontmatter is missing the name field", data)
		case front.Description == "":
			r.addProblem(rel, "skill", "frontmatter is missing the description field", data)
		case !validTiers[front.Model]:
			r.addProblem(rel, "skill", fmt.Sprintf("unknown model tier %q", front.Model), data)
		case len(bytes.TrimSpace(body)) == 0:
			r.addProblem(rel, "skill", "skill has no body", data)
		default:
			r.Skills = append(r.Skills, SkillMeta{
				Slug:        slug,
				Name:        front.Name,
				Description: front.Description,
				Model:       front.Model,
				Tools:       front.Tools,
			})
		}
	}
	sort.Slice(r.Skills, func(i, j int) bool { return r.Skills[i].Slug < r.Skills[j].Slug })
	return nil
}

func (v *Validator) checkPersonas(r *Report) error {
	entries, err := os.ReadDir(v.dir.PersonasDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		slug := e.Name()
		path := filepath.Join(v.dir.PersonasDir(), slug, "persona.json")
		rel := "personas/" + slug + "/persona.json"

		data, err := v.normalizeFile(path, r)
		if errors.Is(err, os.ErrNotExist) {
			r.Problems = append(r.Problems, Problem{
				Path:   "personas/" + slug,
				Kind:   "persona",
				Detail: "persona directory has no persona.json",
			})
			continue
		}
		if err != nil {
			return err
		}

		var p struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Model       string `json:"model"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			r.addProblem(rel, "persona", "persona.json is not valid JSON: "+err.Error(), data)
			continue
		}
		switch {
		case p.Name == "":
			r.addProblem(rel, "persona", "persona.json is missing the name field", data)
		case !validTiers[p.Model]:
			r.addProblem(rel, "persona", fmt.Sprintf("unknown model tier %q", p.Model), data)
		default:
			knowledge := 0
			if files, err := os.ReadDir(filepath.Join(v.dir.PersonasDir(), slug, "knowledge")); err == nil {
				for _, f := range files {
					if !f.IsDir() && strings.HasSuffix(f.Name(), ".md") {
						// Knowledge files get their line endings fixed too.
						if _, err := v.normalizeFile(filepath.Join(v.dir.PersonasDir(), slug, "knowledge", f.Name()), r); err == nil {
							knowledge++
						}
					}
				}
			}
			r.Personas = append(r.Personas, PersonaMeta{
				Slug:        slug,
				Name:        p.Name,
				Description: p.Description,
				Model:       p.Model,
				Knowledge:   knowledge,
			})
		}
	}
	sort.Slice(r.Personas, func(i, j int) bool { return r.Personas[i].Slug < r.Personas[j].Slug })
	return nil
}

func (v *Validator) checkCouncils(r *Report) error {
	entries, err := os.ReadDir(v.dir.CouncilsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	known := map[string]bool{}
	for _, p := range r.Personas {
		known[p.Slug] = true
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		slug := strings.TrimSuffix(name, ".md")
		path := filepath.Join(v.dir.CouncilsDir(), name)
		rel := "councils/" + name

		data, err := v.normalizeFile(path, r)
		if err != nil {
			return err
		}
		meta, _, ok := frontmatter(data)
		if !ok {
			r.addProblem(rel, "council", "missing YAML frontmatter block", data)
			continue
		}
		var front struct {
			Name    string   `yaml:"name"`
			Members []string `yaml:"members"`
		}
		if err := yaml.Unmarshal(meta, &front); err != nil {
			r.addProblem(rel, "council", "frontmatter is not valid YAML: "+err.Error(), data)
			continue
		}
		switch {
		case front.Name == "":
			r.addProblem(rel, "council", "frontmatter is missing the name field", data)
		case len(front.Members) == 0:
			r.addProblem(rel, "council", "council has no members", data)
		default:
			for _, m := range front.Members {
				if !known[m] {
					v.log.Warn("council references an unknown persona", "council", slug, "member", m)
				}
			}
			r.Councils = append(r.Councils, CouncilMeta{Slug: slug, Name: front.Name, Members: front.Members})
		}
	}
	sort.Slice(r.Councils, func(i, j int) bool { return r.Councils[i].Slug < r.Councils[j].Slug })
	return nil
}

// normalizeFile reads a file and rewrites it LF-only when it contains CRLF
// endings. The returned bytes are always the normalized form.
func (v *Validator) normalizeFile(path string, r *Report) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r.Checked++
	fixed := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.Equal(fixed, data) {
		if err := os.WriteFile(path, fixed, 0o644); err != nil {
			return nil, err
		}
		r.Normalized++
		v.log.Debug("normalized line endings", "path", path)
	}
	return fixed, nil
}

// writeIndex rewrites an index only when its content changed, so a watcher
// on the directory does not chase its own tail.
func (v *Validator) writeIndex(path string, content any) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (r *Report) addProblem(path, kind, detail string, content []byte) {
	r.Problems = append(r.Problems, Problem{
		Path:    path,
		Kind:    kind,
		Detail:  detail,
		Content: string(content),
	})
}

// frontmatter splits a markdown document into its YAML header and body.
func frontmatter(data []byte) (meta, body []byte, ok bool) {
	s := string(data)
	if !strings.HasPrefix(s, "---\n") {
		return nil, data, false
	}
	rest := s[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, data, false
	}
	after := rest[end+len("\n---"):]
	if after != "" && !strings.HasPrefix(after, "\n") {
		return nil, data, false
	}
	return []byte(rest[:end]), []byte(strings.TrimPrefix(after, "\n")), true
}
