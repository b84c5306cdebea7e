package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/bwmarrin/discordgo"
)

const (
	// discordMessageLimit is the hard cap Discord places on one message.
	discordMessageLimit = 2000
	// discordEmbedLimit caps one embed description.
	discordEmbedLimit = 4000
	// discordEmbedsPerMessage caps embeds attached to one message.
	discordEmbedsPerMessage = 10

	embedColor = 0x5865F2
)

// session is the slice of the Discord API the surface uses. Tests
// install a fake; production uses *discordgo.Session.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// DiscordConfig wires the bot token, the owner, and channel routing.
type DiscordConfig struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string
	// AuthorizedUserID is the only Discord user whose messages become
	// prompts. Everyone else is ignored.
	AuthorizedUserID string
	// ConversationChannel receives prompts and responses.
	ConversationChannel string
	// UpdatesChannel receives progress lines and notifications.
	// Defaults to ConversationChannel.
	UpdatesChannel string
	// LogsChannel receives execution-trace lines. Empty drops them.
	LogsChannel string
}

// Validate checks required fields and applies defaults.
func (c *DiscordConfig) Validate() error {
	if c.Token == "" {
		return errors.New("discord: bot token is required")
	}
	if c.AuthorizedUserID == "" {
		return errors.New("discord: authorized user id is required")
	}
	if c.ConversationChannel == "" {
		return errors.New("discord: conversation channel id is required")
	}
	if c.UpdatesChannel == "" {
		c.UpdatesChannel = c.ConversationChannel
	}
	return nil
}

// Discord is the Discord surface: the authorized user's messages in
// the conversation channel become prompts, and responses, progress,
// and run logs render into their configured channels.
type Discord struct {
	cfg     DiscordConfig
	hub     *Hub
	log     *slog.Logger
	session session
}

// NewDiscord builds the Discord surface. The session is not opened
// until Run.
func NewDiscord(hub *Hub, cfg DiscordConfig, log *slog.Logger) (*Discord, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Discord{
		cfg: cfg,
		hub: hub,
		log: log.With("surface", "discord"),
	}, nil
}

// Source implements Surface.
func (d *Discord) Source() string { return "discord" }

// Run opens the gateway session and holds it until ctx is cancelled.
func (d *Discord) Run(ctx context.Context) error {
	if d.session == nil {
		dg, err := discordgo.New("Bot " + d.cfg.Token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		d.session = dg
	}
	d.session.AddHandler(d.handleMessageCreate)
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	d.log.Info("discord surface connected",
		"conversation", d.cfg.ConversationChannel,
		"updates", d.cfg.UpdatesChannel)
	<-ctx.Done()
	if err := d.session.Close(); err != nil {
		d.log.Warn("closing discord session", "error", err)
	}
	return nil
}

func (d *Discord) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.Author.ID != d.cfg.AuthorizedUserID {
		d.log.Debug("ignoring message from unauthorized user", "user", m.Author.ID)
		return
	}
	if m.ChannelID != d.cfg.ConversationChannel {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}
	_ = d.session.ChannelTyping(m.ChannelID)
	if err := d.hub.Submit(d.Source(), m.Author.ID, content, ""); err != nil {
		d.log.Warn("prompt submit failed", "error", err)
		d.send(d.cfg.ConversationChannel, "I can't reach the server right now; try again in a moment.")
	}
}

// Deliver implements Surface. Stream chunks are skipped: re-editing
// Discord messages per chunk burns the rate limit for no benefit, so
// this surface renders only final responses.
func (d *Discord) Deliver(ev Event) {
	switch ev.Kind {
	case EventAck:
		text := ev.Text
		if ev.Estimate != "" {
			text = fmt.Sprintf("%s *(%s)*", text, ev.Estimate)
		}
		d.send(d.cfg.ConversationChannel, text)
	case EventAgentStarted:
		d.send(d.cfg.UpdatesChannel, "working on "+ev.Topic)
	case EventAgentDone:
		if ev.Failed {
			d.send(d.cfg.UpdatesChannel, "work on "+ev.Topic+" failed")
		} else {
			d.send(d.cfg.UpdatesChannel, "finished "+ev.Topic)
		}
	case EventProgress:
		d.send(d.cfg.UpdatesChannel, ev.Text)
	case EventResponse:
		d.sendResponse(ev)
	case EventNotification:
		text := ev.Text
		if ev.Priority != "" {
			text = fmt.Sprintf("**[%s]** %s", ev.Priority, ev.Text)
		}
		d.send(d.cfg.UpdatesChannel, text)
	case EventRunLog:
		d.sendRunLog(ev)
	}
}

// sendResponse renders a final answer. Multi-section responses become
// one embed per section; single-section text goes out as plain
// messages split at the Discord limit.
func (d *Discord) sendResponse(ev Event) {
	if len(ev.Sections) > 1 {
		embeds := make([]*discordgo.MessageEmbed, 0, len(ev.Sections))
		for _, sec := range ev.Sections {
			embeds = append(embeds, &discordgo.MessageEmbed{
				Title:       sec.Label,
				Description: truncate(sec.Text, discordEmbedLimit),
				Color:       embedColor,
			})
		}
		for len(embeds) > 0 {
			batch := embeds
			if len(batch) > discordEmbedsPerMessage {
				batch = embeds[:discordEmbedsPerMessage]
			}
			embeds = embeds[len(batch):]
			if _, err := d.session.ChannelMessageSendComplex(d.cfg.ConversationChannel, &discordgo.MessageSend{Embeds: batch}); err != nil {
				d.log.Warn("discord embed send failed", "error", err)
			}
		}
		return
	}
	d.send(d.cfg.ConversationChannel, ev.Text)
}

func (d *Discord) sendRunLog(ev Event) {
	if d.cfg.LogsChannel == "" || len(ev.Entry) == 0 {
		return
	}
	entry := truncate(string(compactJSON(ev.Entry)), discordMessageLimit-40)
	text := fmt.Sprintf("`%s`\n```json\n%s\n```", ev.TaskID, entry)
	if _, err := d.session.ChannelMessageSend(d.cfg.LogsChannel, text); err != nil {
		d.log.Warn("discord run log send failed", "error", err)
	}
}

// send delivers text to channelID, splitting at the message limit.
func (d *Discord) send(channelID, text string) {
	if channelID == "" || text == "" || d.session == nil {
		return
	}
	for _, part := range splitMessage(text, discordMessageLimit) {
		if _, err := d.session.ChannelMessageSend(channelID, part); err != nil {
			d.log.Warn("discord send failed", "channel", channelID, "error", err)
			return
		}
	}
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// splitMessage breaks text into pieces that fit the Discord message
// limit, preferring paragraph breaks, then line breaks, then word
// boundaries, before cutting mid-word.
func splitMessage(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var parts []string
	remaining := text
	for len(remaining) > max {
		cut := breakPoint(remaining, max)
		part := strings.TrimRightFunc(remaining[:cut], unicode.IsSpace)
		if part != "" {
			parts = append(parts, part)
		}
		remaining = strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		parts = append(parts, remaining)
	}
	return parts
}

func breakPoint(text string, max int) int {
	window := text[:max]
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return max
}
