// Package router partitions a session's conversation feed across
// concurrently running spawned agents and answers which agent an
// incoming follow-up message belongs to.
package router

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/dotbot-sh/dotbot/internal/server/agents"
	"github.com/dotbot-sh/dotbot/pkg/models"
)

// recencyBias is added to the most recently created candidate so that
// a message with no keyword signal still leans toward the agent the
// user spoke to last.
const recencyBias = 0.1

// Assignment links one conversation-feed index to the agent that owns
// it.
type Assignment struct {
	AgentID string
	Topic   string
}

// Router is the per-session oracle the orchestrator consults to route
// follow-up messages. All state is in memory; every method is safe for
// concurrent use.
type Router struct {
	mu          sync.Mutex
	agents      []*agents.Agent // registration order
	byID        map[string]*agents.Agent
	assignments map[int]Assignment // feed index -> owner
}

// New returns an empty router.
func New() *Router {
	return &Router{
		byID:        make(map[string]*agents.Agent),
		assignments: make(map[int]Assignment),
	}
}

// Register adds a spawned agent to the registry. Re-registering an ID
// replaces the earlier entry.
func (r *Router) Register(a *agents.Agent) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[a.ID]; ok {
		for i, existing := range r.agents {
			if existing.ID == a.ID {
				r.agents[i] = a
				break
			}
		}
	} else {
		r.agents = append(r.agents, a)
	}
	r.byID[a.ID] = a
}

// Agent looks up a registered agent by ID.
func (r *Router) Agent(id string) (*agents.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	return a, ok
}

// Assign records that feed index idx belongs to the given agent.
func (r *Router) Assign(idx int, agentID, topic string) {
	r.mu.Lock()
	r.assignments[idx] = Assignment{AgentID: agentID, Topic: topic}
	r.mu.Unlock()
}

// MessagesFor returns the subset of the feed assigned to the agent, in
// feed order.
func (r *Router) MessagesFor(agentID string, feed []models.Turn) []models.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Turn
	for i, turn := range feed {
		if as, ok := r.assignments[i]; ok && as.AgentID == agentID {
			out = append(out, turn)
		}
	}
	return out
}

// ActiveAgents returns the registered agents still in running or
// blocked state, in registration order.
func (r *Router) ActiveAgents() []*agents.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*agents.Agent
	for _, a := range r.agents {
		if a.Status().Active() {
			out = append(out, a)
		}
	}
	return out
}

// Blocked returns the registered agents suspended in wait_for_user.
func (r *Router) Blocked() []*agents.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*agents.Agent
	for _, a := range r.agents {
		if a.Status() == agents.StatusBlocked {
			out = append(out, a)
		}
	}
	return out
}

// FindBest returns the agent an incoming user message most likely
// belongs to, or nil when the message reads like a new topic.
//
// Candidates are all registered agents, or only the active ones when
// activeOnly is set. A lone candidate wins outright. Otherwise each is
// scored by keyword overlap against its topic and task, the most
// recently created candidate gets a small bias, and a best score that
// the bias alone could explain means there was no real signal: with
// activeOnly the newest candidate is returned (the user is likely
// still talking to them), without it the router declines to route.
func (r *Router) FindBest(message string, activeOnly bool) *agents.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*agents.Agent
	for _, a := range r.agents {
		if activeOnly && !a.Status().Active() {
			continue
		}
		candidates = append(candidates, a)
	}
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}

	newest := candidates[0]
	for _, a := range candidates[1:] {
		if !a.CreatedAt.Before(newest.CreatedAt) {
			newest = a
		}
	}

	tokens := keywords(message)
	var best *agents.Agent
	bestScore := -1.0
	for _, a := range candidates {
		score := overlap(tokens, a.Topic+" "+a.Task)
		if a == newest {
			score += recencyBias
		}
		if score > bestScore {
			best = a
			bestScore = score
		}
	}

	if bestScore <= recencyBias {
		if activeOnly {
			return newest
		}
		return nil
	}
	return best
}

// Summary renders one `- [id] "topic" (status)` line per active agent,
// for the receptionist's context.
func (r *Router) Summary() string {
	var b strings.Builder
	for _, a := range r.ActiveAgents() {
		fmt.Fprintf(&b, "- [%s] %q (%s)\n", a.ID, a.Topic, a.Status())
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// keywords lowercases the message and keeps tokens longer than two
// characters, splitting on anything that is not a letter or digit.
func keywords(message string) []string {
	fields := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// overlap counts message keywords contained in the candidate text.
// Substring containment is deliberate so "report" matches "reports".
func overlap(tokens []string, text string) float64 {
	haystack := strings.ToLower(text)
	n := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			n++
		}
	}
	return float64(n)
}
