package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dotbot-sh/dotbot/internal/server/llm"
	"github.com/dotbot-sh/dotbot/internal/server/pipeline"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// llmCallTimeout bounds the client-routed model calls (llm_call,
// condense, resolve_loop, heartbeat, format_fix).
const llmCallTimeout = 2 * time.Minute

// dispatch routes one authenticated envelope. Fast work runs inline on
// the read loop; anything that touches a model, the devices store, or
// an outbound socket gets its own goroutine so reads keep flowing.
func (s *Session) dispatch(env *wire.Envelope) {
	switch env.Type {
	case wire.TypePing:
		_ = s.enqueue(wire.MustNew(wire.TypePong, struct{}{}))

	case wire.TypePrompt:
		var p wire.Prompt
		if err := env.Decode(&p); err != nil {
			s.log.Warn("bad prompt payload", "error", err)
			return
		}
		go s.runPrompt(p)

	case wire.TypeExecutionResult:
		var res wire.ExecutionResult
		if err := env.Decode(&res); err != nil {
			s.log.Warn("bad execution result", "error", err)
			return
		}
		s.resolve(res.RequestID, env)

	case wire.TypeRequestResponse:
		var res wire.StoreResponse
		if err := env.Decode(&res); err != nil {
			s.log.Warn("bad store response", "error", err)
			return
		}
		s.resolve(res.RequestID, env)

	case wire.TypeMCPConfigs:
		var cfgs wire.MCPConfigs
		if err := env.Decode(&cfgs); err != nil {
			s.log.Warn("bad mcp config payload", "error", err)
			return
		}
		s.gw.mcp.Apply(s.deviceID, s.userID, cfgs.Configs)

	case wire.TypeCancelBeforeRestart:
		var req wire.CancelBeforeRestart
		if err := env.Decode(&req); err != nil {
			s.log.Warn("bad cancel payload", "error", err)
			return
		}
		prompts := s.pipe.CancelBeforeRestart()
		s.log.Info("tasks cancelled for client restart", "count", len(prompts))
		_ = s.enqueue(wire.MustNew(wire.TypeCancelBeforeRestartAck, wire.CancelBeforeRestartAck{
			RequestID: req.RequestID,
			Cancelled: len(prompts),
			Prompts:   prompts,
		}))

	case wire.TypeCredentialSession:
		go s.handleCredentialSession(env)
	case wire.TypeCredentialResolve:
		go s.handleCredentialResolve(env)
	case wire.TypeCredentialProxy:
		go s.handleCredentialProxy(env)
	case wire.TypeLLMCall:
		go s.handleLLMCall(env)
	case wire.TypeHeartbeat:
		go s.handleHeartbeat(env)
	case wire.TypeCondense:
		go s.handleCondense(env)
	case wire.TypeResolveLoop:
		go s.handleResolveLoop(env)
	case wire.TypeAdmin:
		go s.handleAdmin(env)
	case wire.TypeFormatFix:
		go s.handleFormatFix(env)

	case wire.TypePong:
		// The server never pings; a stray pong is harmless.

	default:
		s.log.Debug("unhandled envelope kind", "kind", env.Type)
	}
}

// runPrompt drives one prompt through the pipeline and delivers the
// result. Background work skips the final send here: the ack already
// went out through the notifier and the merged response follows via
// TaskDone.
func (s *Session) runPrompt(p wire.Prompt) {
	prompt := p.Prompt
	if p.Hints != "" {
		prompt += "\n\n(Context from the front-end: " + p.Hints + ")"
	}
	resp, err := s.pipe.Run(s.ctx, prompt, s.userID, s.deviceID)
	if err != nil {
		s.log.Debug("prompt abandoned", "source", p.Source, "error", err)
		return
	}
	if resp.Background {
		return
	}
	s.sendResponse(resp, "", p.Source)
}

func (s *Session) sendResponse(resp *pipeline.Response, taskID, source string) {
	out := wire.Response{Text: resp.Text, TaskID: taskID, Source: source}
	for _, sec := range resp.Sections {
		out.Sections = append(out.Sections, wire.ResponseSection{Label: sec.Topic, Text: sec.Text})
	}
	_ = s.enqueue(wire.MustNew(wire.TypeResponse, out))
}

func (s *Session) handleCredentialSession(env *wire.Envelope) {
	var req wire.CredentialSession
	if err := env.Decode(&req); err != nil {
		s.log.Warn("bad credential session payload", "error", err)
		return
	}
	ready := wire.CredentialSessionReady{RequestID: req.RequestID}
	switch {
	case s.gw.credSessions == nil || s.gw.credWeb == nil:
		ready.Error = "credential entry is not configured on this server"
	default:
		entry, err := s.gw.credSessions.Create(s.userID, s.deviceID, req.KeyName, req.Prompt, req.Title, req.AllowedDomain)
		if err != nil {
			ready.Error = err.Error()
		} else {
			ready.URL = s.gw.credWeb.EntryURL(entry.Token)
			ready.ExpiresAt = entry.ExpiresAt.UnixMilli()
			s.log.Info("credential entry session minted", "key", req.KeyName, "domain", req.AllowedDomain)
		}
	}
	_ = s.enqueue(wire.MustNew(wire.TypeCredentialSessionReady, ready))
}

func (s *Session) handleCredentialResolve(env *wire.Envelope) {
	var req wire.CredentialResolve
	if err := env.Decode(&req); err != nil {
		s.log.Warn("bad credential resolve payload", "error", err)
		return
	}
	resp := wire.CredentialResolveResponse{RequestID: req.RequestID}
	if s.gw.cipher == nil {
		resp.Error = "credential store is not configured on this server"
	} else if plaintext, _, err := s.gw.cipher.Decrypt(req.EncryptedBlob, req.RequestDomain); err != nil {
		resp.Error = err.Error()
		s.log.Warn("credential resolve failed", "key", req.KeyName, "error", err)
	} else {
		resp.Found = true
		resp.Value = plaintext
	}
	_ = s.enqueue(wire.MustNew(wire.TypeCredentialResolveResponse, resp))
}

func (s *Session) handleCredentialProxy(env *wire.Envelope) {
	var req wire.CredentialProxy
	if err := env.Decode(&req); err != nil {
		s.log.Warn("bad credential proxy payload", "error", err)
		return
	}
	var resp *wire.CredentialProxyResponse
	if s.gw.proxy == nil {
		resp = &wire.CredentialProxyResponse{Error: "credential proxy is not configured on this server"}
	} else {
		out, err := s.gw.proxy.Execute(s.ctx, req.EncryptedBlob, req.Request)
		if err != nil {
			resp = &wire.CredentialProxyResponse{Error: err.Error()}
		} else {
			resp = out
		}
	}
	resp.RequestID = req.RequestID
	_ = s.enqueue(wire.MustNew(wire.TypeCredentialProxyResponse, *resp))
}

// handleLLMCall serves client-side loops that need model access
// without holding provider keys. A named provider routes directly;
// otherwise the role table decides.
func (s *Session) handleLLMCall(env *wire.Envelope) {
	var call wire.LLMCall
	if err := env.Decode(&call); err != nil {
		s.log.Warn("bad llm call payload", "error", err)
		return
	}
	resp := wire.LLMCallResponse{RequestID: call.RequestID}

	req := &llm.Request{Model: call.Model}
	for _, m := range call.Messages {
		req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	if len(call.Options) > 0 {
		var opts struct {
			System      string  `json:"system"`
			Temperature float64 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
		}
		if err := json.Unmarshal(call.Options, &opts); err == nil {
			req.System = opts.System
			req.Temperature = opts.Temperature
			req.MaxTokens = opts.MaxTokens
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, llmCallTimeout)
	defer cancel()

	var out *llm.Response
	var err error
	if call.Provider != "" {
		p, ok := s.gw.llm.Provider(call.Provider)
		if !ok {
			resp.Error = fmt.Sprintf("unknown provider %q", call.Provider)
			_ = s.enqueue(wire.MustNew(wire.TypeLLMCallResponse, resp))
			return
		}
		out, err = p.Complete(ctx, req)
	} else {
		role := call.Role
		if role == "" {
			role = llm.RoleWorkhorse
		}
		out, err = s.gw.llm.Complete(ctx, role, req)
	}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Content = out.Content
		resp.Model = out.Model
		resp.Provider = call.Provider
	}
	_ = s.enqueue(wire.MustNew(wire.TypeLLMCallResponse, resp))
}

const heartbeatSystem = "You are the attention filter for a personal assistant. " +
	"Given how long the user has been idle and what the device reports, decide whether anything genuinely needs their attention right now. " +
	"Reply with exactly NOTHING when nothing does. Otherwise reply with one short message worth surfacing."

func (s *Session) handleHeartbeat(env *wire.Envelope) {
	var hb wire.Heartbeat
	if err := env.Decode(&hb); err != nil {
		s.log.Warn("bad heartbeat payload", "error", err)
		return
	}
	resp := wire.HeartbeatResponse{RequestID: hb.RequestID}

	ctx, cancel := context.WithTimeout(s.ctx, llmCallTimeout)
	defer cancel()
	user := fmt.Sprintf("Idle minutes: %.0f\nLocal time: %s\nContext: %s", hb.IdleMinutes, hb.LocalTime, hb.Context)
	out, err := s.gw.llm.Complete(ctx, llm.RoleIntake, &llm.Request{
		System:    heartbeatSystem,
		Messages:  []llm.Message{{Role: "user", Content: user}},
		MaxTokens: 300,
	})
	if err != nil {
		resp.Error = err.Error()
	} else if msg := strings.TrimSpace(out.Content); !strings.EqualFold(msg, "NOTHING") {
		resp.Message = msg
	}
	_ = s.enqueue(wire.MustNew(wire.TypeHeartbeatResponse, resp))
}

const condenseSystem = "You consolidate a personal assistant's accumulated notes during its sleep cycle. " +
	"Condense the material to its durable essence: keep facts, decisions, preferences, and open questions; drop chatter, duplication, and anything transient. " +
	"Reply with the condensed text only."

func (s *Session) handleCondense(env *wire.Envelope) {
	var req wire.Condense
	if err := env.Decode(&req); err != nil {
		s.log.Warn("bad condense payload", "error", err)
		return
	}
	resp := wire.CondenseResponse{RequestID: req.RequestID}

	ctx, cancel := context.WithTimeout(s.ctx, llmCallTimeout)
	defer cancel()
	out, err := s.gw.llm.Complete(ctx, llm.RoleWorkhorse, &llm.Request{
		System:    condenseSystem,
		Messages:  []llm.Message{{Role: "user", Content: fmt.Sprintf("Kind: %s\n\n%s", req.Kind, req.Content)}},
		MaxTokens: 2000,
	})
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Summary = strings.TrimSpace(out.Content)
	}
	_ = s.enqueue(wire.MustNew(wire.TypeCondenseResponse, resp))
}

const resolveLoopSystem = "A personal assistant keeps a list of open loops: commitments and questions waiting on something. " +
	"Decide whether the loop below can be closed with the information given. " +
	"Reply RESOLVED: <one-line resolution> if it can, or OPEN if it cannot."

func (s *Session) handleResolveLoop(env *wire.Envelope) {
	var req wire.ResolveLoop
	if err := env.Decode(&req); err != nil {
		s.log.Warn("bad resolve loop payload", "error", err)
		return
	}
	resp := wire.ResolveLoopResponse{RequestID: req.RequestID}

	ctx, cancel := context.WithTimeout(s.ctx, llmCallTimeout)
	defer cancel()
	user := req.Loop
	if req.Context != "" {
		user += "\n\nContext: " + req.Context
	}
	out, err := s.gw.llm.Complete(ctx, llm.RoleWorkhorse, &llm.Request{
		System:    resolveLoopSystem,
		Messages:  []llm.Message{{Role: "user", Content: user}},
		MaxTokens: 500,
	})
	if err != nil {
		resp.Error = err.Error()
	} else if after, ok := strings.CutPrefix(strings.TrimSpace(out.Content), "RESOLVED:"); ok {
		resp.Resolved = true
		resp.Resolution = strings.TrimSpace(after)
	}
	_ = s.enqueue(wire.MustNew(wire.TypeResolveLoopResponse, resp))
}

const formatFixSystem = "You repair malformed files for a personal assistant. " +
	"Given a file, its path, and a description of what is wrong, return the corrected file content only: no commentary, no code fences. " +
	"Preserve everything that is already valid. If you cannot produce a faithful correction, reply with exactly CANNOT_FIX."

func (s *Session) handleFormatFix(env *wire.Envelope) {
	var req wire.FormatFix
	if err := env.Decode(&req); err != nil {
		s.log.Warn("bad format fix payload", "error", err)
		return
	}
	resp := wire.FormatFixResponse{RequestID: req.RequestID}

	ctx, cancel := context.WithTimeout(s.ctx, llmCallTimeout)
	defer cancel()
	user := fmt.Sprintf("Path: %s\nProblem: %s\n\n%s", req.Path, req.Problem, req.Content)
	out, err := s.gw.llm.Complete(ctx, llm.RoleWorkhorse, &llm.Request{
		System:    formatFixSystem,
		Messages:  []llm.Message{{Role: "user", Content: user}},
		MaxTokens: 4000,
	})
	switch {
	case err != nil:
		resp.Error = err.Error()
	case strings.TrimSpace(out.Content) == "CANNOT_FIX":
		// Fixed stays false; the client keeps the file as-is.
	default:
		resp.Fixed = true
		resp.Content = out.Content
	}
	_ = s.enqueue(wire.MustNew(wire.TypeFormatFixResponse, resp))
}
