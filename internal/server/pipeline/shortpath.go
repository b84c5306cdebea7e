package pipeline

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/dotbot-sh/dotbot/internal/server/llm"
)

// Identity is the parsed persona record seeding short-path tone: who
// the assistant is and how it talks, so canned and tiny-LLM replies
// match the user's chosen personality.
type Identity struct {
	Name         string
	Role         string
	Traits       []string
	Style        string
	Instructions string
}

// PersonaPrompt renders the identity block used as the system prompt
// base for short-path and conversational calls.
func (id Identity) PersonaPrompt() string {
	var b strings.Builder
	name := id.Name
	if name == "" {
		name = "dotbot"
	}
	b.WriteString("You are " + name)
	if id.Role != "" {
		b.WriteString(", " + id.Role)
	}
	b.WriteString(", a personal assistant.")
	if len(id.Traits) > 0 {
		b.WriteString(" Traits: " + strings.Join(id.Traits, ", ") + ".")
	}
	if id.Style != "" {
		b.WriteString(" Communication style: " + id.Style + ".")
	}
	if id.Instructions != "" {
		b.WriteString("\n" + id.Instructions)
	}
	return b.String()
}

// followUpWordThreshold: with agents in flight, messages at or past
// this length skip the short path and go to the receptionist.
const followUpWordThreshold = 10

const passSentinel = "PASS"

var (
	greetings = []string{
		"hi", "hello", "hey", "yo", "hiya", "howdy",
		"good morning", "good afternoon", "good evening",
	}
	acknowledgments = []string{
		"ok", "okay", "k", "thanks", "thank you", "thx", "ty",
		"cool", "got it", "great", "nice", "perfect", "sounds good",
		"awesome", "sure", "will do", "makes sense",
	}
	statusChecks = []string{
		"status", "any update", "any updates", "progress",
		"how's it going", "hows it going", "how is it going",
		"what are you working on", "what's happening", "whats happening",
	}
	farewells = []string{
		"bye", "goodbye", "good night", "goodnight", "see you",
		"later", "cya", "ttyl",
	}

	memoryQuestion = regexp.MustCompile(`(?i)^(what(?:'s| is| are)? my|do you remember|remind me (?:what|who|where)|who(?:'s| is) my|where (?:do|did) i)`)
)

// shortPath tries to answer without the full pipeline: a rule table,
// the memory-question matcher, then one tiny capped LLM call. Reports
// whether it produced a response. Callers handle blocked agents before
// this runs.
func (p *Pipeline) shortPath(ctx context.Context, prompt string) (*Response, bool) {
	words := len(strings.Fields(prompt))
	active := len(p.router.ActiveAgents()) > 0

	// Substantive messages with work in flight go straight to the
	// receptionist so they can be routed or spawned.
	if active && words >= followUpWordThreshold {
		return nil, false
	}

	if text, ok := p.matchRule(prompt); ok {
		return &Response{Text: text, Classification: ClassConversational}, true
	}

	// A short non-rule message while agents run may be a follow-up for
	// one of them; let the router and receptionist decide.
	if active {
		return nil, false
	}

	if memoryQuestion.MatchString(strings.TrimSpace(prompt)) {
		if resp, ok := p.memoryAnswer(ctx, prompt); ok {
			return resp, true
		}
	}

	if words < followUpWordThreshold {
		if resp, ok := p.tinyAnswer(ctx, prompt); ok {
			return resp, true
		}
	}
	return nil, false
}

// matchRule checks the deterministic rule table.
func (p *Pipeline) matchRule(prompt string) (string, bool) {
	norm := normalizePrompt(prompt)
	if norm == "" {
		return "", false
	}

	switch {
	case matchPhrase(norm, greetings):
		name := p.identity.Name
		if name == "" {
			name = "dotbot"
		}
		return "Hey! " + name + " here. What can I do for you?", true
	case matchPhrase(norm, acknowledgments):
		return "Anytime.", true
	case matchPhrase(norm, statusChecks):
		if summary := p.router.Summary(); summary != "" {
			return "Here's what I'm working on:\n" + summary, true
		}
		return "All quiet. Nothing in flight right now.", true
	case matchPhrase(norm, farewells):
		return "See you. I'll be here.", true
	case isPureEmoji(prompt):
		return "🙂", true
	}
	return "", false
}

// memoryAnswer serves "what's my ..." questions from stored facts with
// a low-temperature lookup call.
func (p *Pipeline) memoryAnswer(ctx context.Context, prompt string) (*Response, bool) {
	if p.memory == nil {
		return nil, false
	}
	facts, err := p.memory.Search(ctx, prompt, 5)
	if err != nil {
		p.log.Warn("memory search failed", "error", err)
		return nil, false
	}
	if len(facts) == 0 {
		return nil, false
	}

	system := p.identity.PersonaPrompt() +
		"\n\nAnswer the user's question from these notes in at most 12 words." +
		" If the notes do not answer it, reply with exactly PASS.\n\nNotes:\n- " +
		strings.Join(facts, "\n- ")
	resp, err := p.llm.Complete(ctx, llm.RoleIntake, &llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
		MaxTokens:   200,
	})
	if err != nil || isPass(resp.Content) {
		return nil, false
	}
	return &Response{Text: strings.TrimSpace(resp.Content), Classification: ClassConversational}, true
}

// tinyAnswer is the general capped fallback for small talk the rule
// table missed. The model declines with PASS when the message needs
// real work.
func (p *Pipeline) tinyAnswer(ctx context.Context, prompt string) (*Response, bool) {
	system := p.identity.PersonaPrompt() +
		"\n\nIf this message is small talk you can answer in one short line, reply in at most 12 words." +
		" If it asks for tools, actions, research, or anything beyond a quick reply, reply with exactly PASS."
	resp, err := p.llm.Complete(ctx, llm.RoleIntake, &llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.5,
		MaxTokens:   200,
	})
	if err != nil || isPass(resp.Content) {
		return nil, false
	}
	return &Response{Text: strings.TrimSpace(resp.Content), Classification: ClassConversational}, true
}

func isPass(content string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(content))
	trimmed = strings.TrimRight(trimmed, ".!")
	return trimmed == "" || trimmed == passSentinel
}

// normalizePrompt lowercases, trims, and strips trailing punctuation so
// "Thanks!!" matches "thanks".
func normalizePrompt(prompt string) string {
	s := strings.ToLower(strings.TrimSpace(prompt))
	s = strings.TrimRight(s, "!?.…, ")
	return strings.Join(strings.Fields(s), " ")
}

// matchPhrase reports whether norm equals a phrase, or starts with one
// and stays short enough to still be that phrase ("good morning!!",
// "hey there").
func matchPhrase(norm string, phrases []string) bool {
	words := len(strings.Fields(norm))
	for _, phrase := range phrases {
		if norm == phrase {
			return true
		}
		if strings.HasPrefix(norm, phrase+" ") && words <= len(strings.Fields(phrase))+2 {
			return true
		}
	}
	return false
}

// isPureEmoji reports whether the message is only emoji and spacing.
func isPureEmoji(prompt string) bool {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return false
	}
	sawEmoji := false
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		if unicode.IsSpace(r) || r == 0x200D || r == 0xFE0F {
			continue
		}
		if r >= 0x1F000 || (r >= 0x2600 && r <= 0x27BF) {
			sawEmoji = true
			continue
		}
		return false
	}
	return sawEmoji
}
