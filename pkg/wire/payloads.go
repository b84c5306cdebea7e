package wire

import "encoding/json"

// AuthFailReason enumerates the reasons an auth or registration attempt is
// rejected. The client maps each to specific remediation instructions.
type AuthFailReason string

const (
	ReasonFingerprintMismatch AuthFailReason = "fingerprint_mismatch"
	ReasonDeviceRevoked       AuthFailReason = "device_revoked"
	ReasonRateLimited         AuthFailReason = "rate_limited"
	ReasonInvalidToken        AuthFailReason = "invalid_token"
	ReasonTokenExpired        AuthFailReason = "token_expired"
	ReasonTokenConsumed       AuthFailReason = "token_consumed"
	ReasonTokenRevoked        AuthFailReason = "token_revoked"
	ReasonInvalidCredentials  AuthFailReason = "invalid_credentials"
)

// ToolDef describes one tool the device exposes to spawned agents. Schema is
// a JSON Schema object for the tool's arguments.
type ToolDef struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Category    string          `json:"category,omitempty"`
}

// RegisterDevice is sent on a fresh connection when no device credential
// exists yet. The invite token is consumed on success.
type RegisterDevice struct {
	InviteToken  string    `json:"invite_token"`
	Label        string    `json:"label"`
	Fingerprint  string    `json:"fingerprint"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Tools        []ToolDef `json:"tools,omitempty"`
	TempDir      string    `json:"temp_dir,omitempty"`
	Platform     string    `json:"platform"`
}

// DeviceRegistered carries the freshly issued credential pair. The client
// persists it and never sees another one unless it re-registers.
type DeviceRegistered struct {
	DeviceID     string `json:"device_id"`
	DeviceSecret string `json:"device_secret"`
}

// Auth presents a stored credential pair on reconnect.
type Auth struct {
	DeviceID     string    `json:"device_id"`
	DeviceSecret string    `json:"device_secret"`
	DeviceName   string    `json:"device_name,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Tools        []ToolDef `json:"tools,omitempty"`
	TempDir      string    `json:"temp_dir,omitempty"`
	Platform     string    `json:"platform"`
}

// AuthResult acknowledges a successful auth envelope.
type AuthResult struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
}

// AuthFailed explains a rejected auth or registration.
type AuthFailed struct {
	Reason  AuthFailReason `json:"reason"`
	Message string         `json:"message,omitempty"`
}

// Prompt is user input entering the pipeline. Source is the front-end it
// arrived from ("cli", "discord", "restart-queue", "heartbeat").
type Prompt struct {
	Prompt       string `json:"prompt"`
	Source       string `json:"source"`
	Hints        string `json:"hints,omitempty"`
	SourceUserID string `json:"sourceUserId,omitempty"`
}

// TaskAcknowledged is the immediate reply to a prompt that spawned work.
type TaskAcknowledged struct {
	Acknowledgment string `json:"acknowledgment"`
	Prompt         string `json:"prompt"`
	EstimatedLabel string `json:"estimatedLabel,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
}

// AgentStarted announces a spawned agent beginning its loop.
type AgentStarted struct {
	AgentID string `json:"agent_id"`
	Topic   string `json:"topic"`
	TaskID  string `json:"task_id,omitempty"`
}

// AgentComplete announces loop termination for one agent.
type AgentComplete struct {
	AgentID  string `json:"agent_id"`
	Topic    string `json:"topic"`
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
}

// TaskProgress is a mid-task status line for the front-end.
type TaskProgress struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// StreamChunk is a partial response fragment for surfaces that render
// incrementally.
type StreamChunk struct {
	TaskID string `json:"task_id,omitempty"`
	Text   string `json:"text"`
}

// ResponseSection is one labeled part of a multi-agent response. Chat
// surfaces render sections as embeds; single-section responses pass through
// as plain text.
type ResponseSection struct {
	Label string `json:"label,omitempty"`
	Text  string `json:"text"`
}

// Response is the final user-facing answer for a prompt.
type Response struct {
	Text     string            `json:"text"`
	Sections []ResponseSection `json:"sections,omitempty"`
	TaskID   string            `json:"task_id,omitempty"`
	Source   string            `json:"source,omitempty"`
}

// ExecutionRequest routes one tool call to the local agent.
type ExecutionRequest struct {
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
	Category  string          `json:"category,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
}

// ExecutionResult carries a tool result back to the waiting loop.
type ExecutionResult struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StoreRequest is the shared shape for server-initiated reads and writes
// against the local agent's on-disk stores (memory, skills, personas,
// councils, threads, knowledge, assets). Op selects the operation within the
// kind's store; Params is op-specific.
type StoreRequest struct {
	RequestID string          `json:"request_id"`
	Op        string          `json:"op"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// StoreResponse answers a StoreRequest.
type StoreResponse struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// CredentialSession asks the server to mint a one-time credential entry
// session. AllowedDomain is mandatory; the server rejects requests without it.
type CredentialSession struct {
	RequestID     string `json:"request_id"`
	User          string `json:"user"`
	Device        string `json:"device"`
	KeyName       string `json:"key_name"`
	Prompt        string `json:"prompt"`
	Title         string `json:"title,omitempty"`
	AllowedDomain string `json:"allowed_domain"`
}

// CredentialSessionReady returns the entry URL for the minted session.
type CredentialSessionReady struct {
	RequestID string `json:"request_id"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
	Error     string `json:"error,omitempty"`
}

// CredentialStored delivers a freshly encrypted blob for the client's vault.
type CredentialStored struct {
	KeyName       string `json:"key_name"`
	EncryptedBlob string `json:"encrypted_blob"`
}

// CredentialResolve asks the server to decrypt a vault blob for a gateway
// that needs the plaintext locally (e.g. the Discord bot token). The blob
// travels with the request; the client holds no key material.
type CredentialResolve struct {
	RequestID     string `json:"request_id"`
	KeyName       string `json:"key_name"`
	EncryptedBlob string `json:"encrypted_blob"`
	RequestDomain string `json:"request_domain,omitempty"`
}

// CredentialResolveResponse returns the decrypted value or an error.
type CredentialResolveResponse struct {
	RequestID string `json:"request_id"`
	Found     bool   `json:"found"`
	Value     string `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProxyPlacement describes where the decrypted credential is injected into
// the outbound request.
type ProxyPlacement struct {
	Header string `json:"header,omitempty"`
	Query  string `json:"query,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// ProxyRequest is the outbound third-party call descriptor.
type ProxyRequest struct {
	BaseURL   string            `json:"base_url"`
	Method    string            `json:"method"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Placement ProxyPlacement    `json:"placement"`
}

// CredentialProxy asks the server to perform an outbound API call with the
// credential injected server-side. The LLM and the client only ever see the
// response body.
type CredentialProxy struct {
	RequestID     string       `json:"request_id"`
	KeyName       string       `json:"key_name"`
	EncryptedBlob string       `json:"encrypted_blob"`
	Request       ProxyRequest `json:"request"`
}

// CredentialProxyResponse carries the third-party response back.
type CredentialProxyResponse struct {
	RequestID string            `json:"request_id"`
	OK        bool              `json:"ok"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// LLMMessage is one turn in a client-routed LLM call.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMCall lets client-side loops (sleep cycle, format fix) use the server's
// model access without holding provider keys.
type LLMCall struct {
	RequestID string          `json:"request_id"`
	Provider  string          `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	Role      string          `json:"role,omitempty"`
	Messages  []LLMMessage    `json:"messages"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// LLMCallResponse returns the completion for an LLMCall.
type LLMCallResponse struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Heartbeat asks the server whether anything needs the user's attention.
// Sent by the client's periodic manager when the active-hours window allows.
type Heartbeat struct {
	RequestID   string  `json:"request_id"`
	IdleMinutes float64 `json:"idle_minutes"`
	LocalTime   string  `json:"local_time,omitempty"`
	Context     string  `json:"context,omitempty"`
}

// HeartbeatResponse carries the server's verdict. Message is empty when
// nothing needs surfacing.
type HeartbeatResponse struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Condense asks the server to consolidate a block of accumulated memory
// during the client's sleep cycle.
type Condense struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
}

// CondenseResponse returns the condensed form.
type CondenseResponse struct {
	RequestID string `json:"request_id"`
	Summary   string `json:"summary,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResolveLoop asks the server to attempt closure of one open loop found in
// the client's mental models.
type ResolveLoop struct {
	RequestID string `json:"request_id"`
	Loop      string `json:"loop"`
	Context   string `json:"context,omitempty"`
}

// ResolveLoopResponse reports whether the loop could be closed.
type ResolveLoopResponse struct {
	RequestID  string `json:"request_id"`
	Resolved   bool   `json:"resolved"`
	Resolution string `json:"resolution,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Admin carries an operator command from the client CLI.
type Admin struct {
	RequestID string   `json:"request_id"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
}

// AdminResponse returns the command's output.
type AdminResponse struct {
	RequestID string `json:"request_id"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FormatFix asks the server to repair a malformed persona or skill file
// found during startup validation. Only sent when the user opted in.
type FormatFix struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Problem   string `json:"problem"`
}

// FormatFixResponse returns the corrected file content, or Fixed=false when
// the server could not produce a safe correction.
type FormatFixResponse struct {
	RequestID string `json:"request_id"`
	Fixed     bool   `json:"fixed"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MCPServerConfig is one entry of the client's MCP configuration, forwarded
// to the server gateway which owns the actual connections.
type MCPServerConfig struct {
	Name           string            `json:"name"`
	Transport      string            `json:"transport"` // "stdio", "sse", "http"
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	URL            string            `json:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	CredentialKey  string            `json:"credential_key,omitempty"`
	CredentialBlob string            `json:"credential_blob,omitempty"`
	AuthHeader     string            `json:"auth_header,omitempty"`
	AuthPrefix     string            `json:"auth_prefix,omitempty"`
}

// MCPConfigs replaces the device's MCP server set. Rapid re-sends are
// debounced server-side.
type MCPConfigs struct {
	Configs []MCPServerConfig `json:"configs"`
}

// CancelBeforeRestart asks the server to cancel in-flight tasks ahead of a
// client restart.
type CancelBeforeRestart struct {
	RequestID string `json:"request_id"`
}

// CancelBeforeRestartAck lists the prompts that were running so the client
// can resubmit them after the restart.
type CancelBeforeRestartAck struct {
	RequestID string   `json:"request_id"`
	Cancelled int      `json:"cancelled"`
	Prompts   []string `json:"prompts"`
}

// UserNotification is a side-channel message for the user, outside any
// prompt/response exchange.
type UserNotification struct {
	Message  string `json:"message"`
	Priority string `json:"priority,omitempty"`
}

// RunLog streams one run-log line for the client to persist.
type RunLog struct {
	TaskID string          `json:"task_id"`
	Entry  json.RawMessage `json:"entry"`
}

// SaveAgentWork asks the client to persist an agent's intermediate output.
type SaveAgentWork struct {
	AgentID string `json:"agent_id"`
	Topic   string `json:"topic"`
	Content string `json:"content"`
}
