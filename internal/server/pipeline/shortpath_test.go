package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/dotbot-sh/dotbot/internal/server/agents"
	"github.com/dotbot-sh/dotbot/internal/server/llm"
)

func TestNormalizePrompt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Thanks!!", "thanks"},
		{"  Good   Morning?! ", "good morning"},
		{"HEY", "hey"},
		{"ok.", "ok"},
		{"sounds good, ", "sounds good"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizePrompt(tt.in); got != tt.want {
			t.Errorf("normalizePrompt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchPhrase(t *testing.T) {
	tests := []struct {
		norm    string
		phrases []string
		want    bool
	}{
		{"hey", greetings, true},
		{"hey there", greetings, true},
		{"good morning sunshine", greetings, true},
		{"hey can you check my email please", greetings, false},
		{"okay", acknowledgments, true},
		{"thanks a lot", acknowledgments, true},
		{"status", statusChecks, true},
		{"statistics report", statusChecks, false},
	}
	for _, tt := range tests {
		if got := matchPhrase(tt.norm, tt.phrases); got != tt.want {
			t.Errorf("matchPhrase(%q) = %v, want %v", tt.norm, got, tt.want)
		}
	}
}

func TestIsPureEmoji(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"🙂", true},
		{"🙂 🎉", true},
		{"👍🏽", true},
		{"✅", true},
		{"hi 🙂", false},
		{"123", false},
		{"!!!", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isPureEmoji(tt.in); got != tt.want {
			t.Errorf("isPureEmoji(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMatchRule(t *testing.T) {
	provider := &fakeProvider{}
	p, _, _ := newTestPipeline(t, provider, nil, nil)

	t.Run("greeting uses the persona name", func(t *testing.T) {
		text, ok := p.matchRule("Hello!")
		if !ok || !strings.Contains(text, "Ada") {
			t.Fatalf("matchRule() = %q, %v", text, ok)
		}
	})

	t.Run("acknowledgment", func(t *testing.T) {
		text, ok := p.matchRule("thanks!")
		if !ok || text != "Anytime." {
			t.Fatalf("matchRule() = %q, %v", text, ok)
		}
	})

	t.Run("status with nothing running", func(t *testing.T) {
		text, ok := p.matchRule("status?")
		if !ok || !strings.Contains(text, "All quiet") {
			t.Fatalf("matchRule() = %q, %v", text, ok)
		}
	})

	t.Run("status lists active agents", func(t *testing.T) {
		a := agents.New(agents.Config{ID: "a1", Topic: "email triage", Task: "triage"})
		a.SetStatus(agents.StatusRunning)
		p.Router().Register(a)

		text, ok := p.matchRule("any update?")
		if !ok || !strings.Contains(text, "email triage") {
			t.Fatalf("matchRule() = %q, %v", text, ok)
		}
	})

	t.Run("farewell", func(t *testing.T) {
		text, ok := p.matchRule("good night")
		if !ok || !strings.Contains(text, "See you") {
			t.Fatalf("matchRule() = %q, %v", text, ok)
		}
	})

	t.Run("pure emoji", func(t *testing.T) {
		text, ok := p.matchRule("🎉🎉")
		if !ok || text == "" {
			t.Fatalf("matchRule() = %q, %v", text, ok)
		}
	})

	t.Run("real requests do not match", func(t *testing.T) {
		if text, ok := p.matchRule("check my email"); ok {
			t.Fatalf("matchRule() = %q, want no match", text)
		}
	})

	if provider.count() != 0 {
		t.Fatalf("rule table made %d llm calls", provider.count())
	}
}

func TestShortPathSuppressedByActiveAgents(t *testing.T) {
	provider := &fakeProvider{}
	p, _, _ := newTestPipeline(t, provider, nil, nil)

	a := agents.New(agents.Config{ID: "a1", Topic: "email triage", Task: "triage"})
	a.SetStatus(agents.StatusRunning)
	p.Router().Register(a)

	t.Run("long message skips the short path entirely", func(t *testing.T) {
		_, ok := p.shortPath(context.Background(), "actually could you also pull the attachments out of every new message")
		if ok {
			t.Fatal("shortPath handled a substantive follow-up")
		}
	})

	t.Run("short non-rule message falls through to routing", func(t *testing.T) {
		_, ok := p.shortPath(context.Background(), "the newsletters too")
		if ok {
			t.Fatal("shortPath handled a likely follow-up")
		}
	})

	t.Run("greetings still answer instantly", func(t *testing.T) {
		resp, ok := p.shortPath(context.Background(), "hey")
		if !ok || !strings.Contains(resp.Text, "Ada") {
			t.Fatalf("shortPath() = %+v, %v", resp, ok)
		}
	})

	if provider.count() != 0 {
		t.Fatalf("suppressed paths made %d llm calls", provider.count())
	}
}

func TestShortPathMemoryAnswer(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		if stage(req) != "memory" {
			t.Errorf("unexpected stage for %q", req.System)
		}
		if !strings.Contains(req.System, "parking spot is number 14") {
			t.Errorf("memory call missing stored fact: %q", req.System)
		}
		return &llm.Response{Content: "Spot 14, downstairs."}, nil
	}
	mem := &fakeMemory{facts: []string{"parking spot is number 14"}}
	p, _, _ := newTestPipeline(t, provider, nil, mem)

	resp, ok := p.shortPath(context.Background(), "what's my parking spot?")
	if !ok || resp.Text != "Spot 14, downstairs." {
		t.Fatalf("shortPath() = %+v, %v", resp, ok)
	}
	if resp.Classification != ClassConversational {
		t.Fatalf("classification = %s", resp.Classification)
	}
}

func TestShortPathMemoryPassFallsThrough(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		// Both the memory lookup and the tiny fallback decline.
		return &llm.Response{Content: "PASS"}, nil
	}
	mem := &fakeMemory{facts: []string{"parking spot is number 14"}}
	p, _, _ := newTestPipeline(t, provider, nil, mem)

	if _, ok := p.shortPath(context.Background(), "what's my landlord's number?"); ok {
		t.Fatal("shortPath handled a question the notes cannot answer")
	}
	if provider.count() != 2 {
		t.Fatalf("llm calls = %d, want memory then tiny", provider.count())
	}
}

func TestShortPathTinyAnswer(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		if stage(req) != "tiny" {
			t.Errorf("unexpected stage for %q", req.System)
		}
		return &llm.Response{Content: "Always. Where are we going?"}, nil
	}
	p, _, _ := newTestPipeline(t, provider, nil, nil)

	resp, ok := p.shortPath(context.Background(), "wanna grab lunch?")
	if !ok || resp.Text != "Always. Where are we going?" {
		t.Fatalf("shortPath() = %+v, %v", resp, ok)
	}
}

func TestShortPathTinyPass(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "PASS"}, nil
	}
	p, _, _ := newTestPipeline(t, provider, nil, nil)

	if _, ok := p.shortPath(context.Background(), "book the flights"); ok {
		t.Fatal("shortPath handled a message that needs real work")
	}
}

func TestIsPass(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"PASS", true},
		{" pass ", true},
		{"Pass.", true},
		{"", true},
		{"Passing by to say hi", false},
		{"Sure thing", false},
	}
	for _, tt := range tests {
		if got := isPass(tt.in); got != tt.want {
			t.Errorf("isPass(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPersonaPrompt(t *testing.T) {
	id := Identity{
		Name:   "Ada",
		Role:   "chief of staff",
		Traits: []string{"direct", "warm"},
		Style:  "short sentences",
	}
	got := id.PersonaPrompt()
	for _, want := range []string{"You are Ada", "chief of staff", "direct, warm", "short sentences"} {
		if !strings.Contains(got, want) {
			t.Errorf("PersonaPrompt() missing %q:\n%s", want, got)
		}
	}

	if got := (Identity{}).PersonaPrompt(); !strings.Contains(got, "dotbot") {
		t.Errorf("empty identity prompt = %q, want default name", got)
	}
}
