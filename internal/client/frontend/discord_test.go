package frontend

import (
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

type sentMessage struct {
	channel string
	content string
}

type fakeSession struct {
	mu      sync.Mutex
	sends   []sentMessage
	complex []*discordgo.MessageSend
	typing  []string
}

func (f *fakeSession) Open() error  { return nil }
func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) AddHandler(handler interface{}) func() { return func() {} }

func (f *fakeSession) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMessage{channel: channelID, content: content})
	return &discordgo.Message{ID: "m-1"}, nil
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complex = append(f.complex, data)
	return &discordgo.Message{ID: "m-2"}, nil
}

func (f *fakeSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, channelID)
	return nil
}

func testDiscordConfig() DiscordConfig {
	return DiscordConfig{
		Token:               "token",
		AuthorizedUserID:    "owner-1",
		ConversationChannel: "chan-conv",
		UpdatesChannel:      "chan-upd",
		LogsChannel:         "chan-logs",
	}
}

func newTestDiscord(t *testing.T, cfg DiscordConfig) (*Discord, *fakeSession, *[]*wire.Envelope) {
	t.Helper()
	hub, sent := newTestHub(t)
	d, err := NewDiscord(hub, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewDiscord: %v", err)
	}
	fs := &fakeSession{}
	d.session = fs
	return d, fs, sent
}

func TestDiscordConfigValidate(t *testing.T) {
	cfg := testDiscordConfig()
	cfg.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing token passed validation")
	}

	cfg = testDiscordConfig()
	cfg.AuthorizedUserID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing authorized user passed validation")
	}

	cfg = testDiscordConfig()
	cfg.UpdatesChannel = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.UpdatesChannel != cfg.ConversationChannel {
		t.Fatalf("updates channel defaulted to %q, want conversation channel", cfg.UpdatesChannel)
	}
}

func TestDiscordMessageFiltering(t *testing.T) {
	cases := []struct {
		name       string
		author     *discordgo.User
		channel    string
		content    string
		wantPrompt bool
	}{
		{"authorized user in conversation channel", &discordgo.User{ID: "owner-1"}, "chan-conv", "hello", true},
		{"bot author ignored", &discordgo.User{ID: "owner-1", Bot: true}, "chan-conv", "hello", false},
		{"unauthorized user ignored", &discordgo.User{ID: "stranger"}, "chan-conv", "hello", false},
		{"other channel ignored", &discordgo.User{ID: "owner-1"}, "chan-upd", "hello", false},
		{"blank content ignored", &discordgo.User{ID: "owner-1"}, "chan-conv", "   ", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _, sent := newTestDiscord(t, testDiscordConfig())
			d.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
				Author:    tc.author,
				ChannelID: tc.channel,
				Content:   tc.content,
			}})
			if got := len(*sent) == 1; got != tc.wantPrompt {
				t.Fatalf("submitted=%v, want %v", got, tc.wantPrompt)
			}
			if tc.wantPrompt {
				var p wire.Prompt
				if err := (*sent)[0].Decode(&p); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if p.Source != "discord" || p.SourceUserID != "owner-1" || p.Prompt != "hello" {
					t.Fatalf("prompt = %+v", p)
				}
			}
		})
	}
}

func TestDiscordResponsePlain(t *testing.T) {
	d, fs, _ := newTestDiscord(t, testDiscordConfig())
	d.Deliver(Event{Kind: EventResponse, Text: "All set for Thursday."})
	if len(fs.sends) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fs.sends))
	}
	if fs.sends[0].channel != "chan-conv" || fs.sends[0].content != "All set for Thursday." {
		t.Fatalf("send = %+v", fs.sends[0])
	}
}

func TestDiscordResponseLongTextSplits(t *testing.T) {
	d, fs, _ := newTestDiscord(t, testDiscordConfig())
	long := strings.Repeat("every word counts here ", 200) // ~4600 chars
	d.Deliver(Event{Kind: EventResponse, Text: long})
	if len(fs.sends) < 3 {
		t.Fatalf("sent %d messages, want at least 3", len(fs.sends))
	}
	for i, m := range fs.sends {
		if len(m.content) > discordMessageLimit {
			t.Fatalf("part %d is %d chars, over the limit", i, len(m.content))
		}
		if m.channel != "chan-conv" {
			t.Fatalf("part %d went to %s", i, m.channel)
		}
	}
}

func TestDiscordResponseSectionsBecomeEmbeds(t *testing.T) {
	d, fs, _ := newTestDiscord(t, testDiscordConfig())
	d.Deliver(Event{Kind: EventResponse, Text: "combined", Sections: []wire.ResponseSection{
		{Label: "Flights", Text: "Two options under $400."},
		{Label: "Hotels", Text: "Three near the venue."},
	}})
	if len(fs.sends) != 0 {
		t.Fatalf("plain sends = %d, want embeds only", len(fs.sends))
	}
	if len(fs.complex) != 1 {
		t.Fatalf("complex sends = %d, want 1", len(fs.complex))
	}
	embeds := fs.complex[0].Embeds
	if len(embeds) != 2 {
		t.Fatalf("embeds = %d, want 2", len(embeds))
	}
	if embeds[0].Title != "Flights" || embeds[1].Title != "Hotels" {
		t.Fatalf("embed titles = %q, %q", embeds[0].Title, embeds[1].Title)
	}
	if embeds[0].Description != "Two options under $400." {
		t.Fatalf("embed description = %q", embeds[0].Description)
	}
}

func TestDiscordManySectionsBatchEmbeds(t *testing.T) {
	d, fs, _ := newTestDiscord(t, testDiscordConfig())
	sections := make([]wire.ResponseSection, 13)
	for i := range sections {
		sections[i] = wire.ResponseSection{Label: "s", Text: "body"}
	}
	d.Deliver(Event{Kind: EventResponse, Sections: sections})
	if len(fs.complex) != 2 {
		t.Fatalf("complex sends = %d, want 2", len(fs.complex))
	}
	if len(fs.complex[0].Embeds) != discordEmbedsPerMessage || len(fs.complex[1].Embeds) != 3 {
		t.Fatalf("embed batch sizes = %d, %d", len(fs.complex[0].Embeds), len(fs.complex[1].Embeds))
	}
}

func TestDiscordNotificationGoesToUpdates(t *testing.T) {
	d, fs, _ := newTestDiscord(t, testDiscordConfig())
	d.Deliver(Event{Kind: EventNotification, Text: "Stove is still on", Priority: "p0"})
	if len(fs.sends) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fs.sends))
	}
	if fs.sends[0].channel != "chan-upd" {
		t.Fatalf("notification went to %s, want chan-upd", fs.sends[0].channel)
	}
	if !strings.Contains(fs.sends[0].content, "[p0]") || !strings.Contains(fs.sends[0].content, "Stove is still on") {
		t.Fatalf("notification content = %q", fs.sends[0].content)
	}
}

func TestDiscordRunLogRouting(t *testing.T) {
	d, fs, _ := newTestDiscord(t, testDiscordConfig())
	d.Deliver(Event{Kind: EventRunLog, TaskID: "task-9", Entry: []byte(`{ "step" : "search" }`)})
	if len(fs.sends) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fs.sends))
	}
	m := fs.sends[0]
	if m.channel != "chan-logs" {
		t.Fatalf("run log went to %s, want chan-logs", m.channel)
	}
	if !strings.Contains(m.content, "task-9") || !strings.Contains(m.content, `{"step":"search"}`) {
		t.Fatalf("run log content = %q", m.content)
	}

	// Without a logs channel the entry is dropped.
	cfg := testDiscordConfig()
	cfg.LogsChannel = ""
	d2, fs2, _ := newTestDiscord(t, cfg)
	d2.Deliver(Event{Kind: EventRunLog, TaskID: "task-9", Entry: []byte(`{}`)})
	if len(fs2.sends) != 0 {
		t.Fatalf("run log sent without a logs channel")
	}
}

func TestDiscordIgnoresChunks(t *testing.T) {
	d, fs, _ := newTestDiscord(t, testDiscordConfig())
	d.Deliver(Event{Kind: EventChunk, Text: "partial"})
	if len(fs.sends) != 0 || len(fs.complex) != 0 {
		t.Fatal("stream chunk produced a Discord message")
	}
}

func TestDiscordProgressRouting(t *testing.T) {
	d, fs, _ := newTestDiscord(t, testDiscordConfig())
	d.Deliver(Event{Kind: EventAgentStarted, Topic: "flight research"})
	d.Deliver(Event{Kind: EventAgentDone, Topic: "flight research"})
	d.Deliver(Event{Kind: EventAgentDone, Topic: "hotel research", Failed: true})
	if len(fs.sends) != 3 {
		t.Fatalf("sent %d messages, want 3", len(fs.sends))
	}
	for i, m := range fs.sends {
		if m.channel != "chan-upd" {
			t.Fatalf("progress line %d went to %s, want chan-upd", i, m.channel)
		}
	}
	if !strings.Contains(fs.sends[2].content, "failed") {
		t.Fatalf("failure line = %q", fs.sends[2].content)
	}
}

func TestSplitMessage(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		max   int
		parts int
	}{
		{"short text passes through", "hello", 2000, 1},
		{"splits on paragraph", strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 30), 40, 2},
		{"splits on word boundary", strings.Repeat("word ", 20), 24, 5},
		{"hard split without spaces", strings.Repeat("x", 50), 20, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parts := splitMessage(tc.text, tc.max)
			if len(parts) != tc.parts {
				t.Fatalf("got %d parts %q, want %d", len(parts), parts, tc.parts)
			}
			for i, p := range parts {
				if len(p) > tc.max {
					t.Fatalf("part %d is %d chars, over max %d", i, len(p), tc.max)
				}
			}
			if strings.Join(parts, "") == "" && tc.text != "" {
				t.Fatal("split lost all content")
			}
		})
	}
}
