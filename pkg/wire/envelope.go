// Package wire defines the envelope format carried on the channel between a
// local agent and the dotbot server. Every message in either direction is an
// Envelope: a kind tag, a transport-level id used only for deduplication, a
// millisecond timestamp, and a kind-specific payload.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed enumeration of envelope kinds.
type Type string

const (
	// Device identity and session lifecycle.
	TypeRegisterDevice   Type = "register_device"
	TypeDeviceRegistered Type = "device_registered"
	TypeAuth             Type = "auth"
	TypeAuthFailed       Type = "auth_failed"
	TypePing             Type = "ping"
	TypePong             Type = "pong"

	// Conversation flow.
	TypePrompt           Type = "prompt"
	TypeTaskAcknowledged Type = "task_acknowledged"
	TypeAgentStarted     Type = "agent_started"
	TypeAgentComplete    Type = "agent_complete"
	TypeTaskProgress     Type = "task_progress"
	TypeStreamChunk      Type = "stream_chunk"
	TypeResponse         Type = "response"

	// Server-initiated calls into the local agent.
	TypeExecutionRequest Type = "execution_request"
	TypeExecutionResult  Type = "execution_result"
	TypeSchemaRequest    Type = "schema_request"
	TypeMemoryRequest    Type = "memory_request"
	TypeSkillRequest     Type = "skill_request"
	TypePersonaRequest   Type = "persona_request"
	TypeCouncilRequest   Type = "council_request"
	TypeKnowledgeRequest Type = "knowledge_request"
	TypeKnowledgeQuery   Type = "knowledge_query"
	TypeToolRequest      Type = "tool_request"
	TypeThreadRequest    Type = "thread_request"
	TypeThreadUpdate     Type = "thread_update"
	TypeSaveToThread     Type = "save_to_thread"
	TypeStoreAsset       Type = "store_asset"
	TypeRetrieveAsset    Type = "retrieve_asset"
	TypeCleanupAssets    Type = "cleanup_assets"

	// Generic request/response carriage keyed by correlation id.
	TypeRequestResponse Type = "request_response"

	// Credential system.
	TypeCredentialSession         Type = "credential_session"
	TypeCredentialSessionReady    Type = "credential_session_ready"
	TypeCredentialStored          Type = "credential_stored"
	TypeCredentialResolve         Type = "credential_resolve"
	TypeCredentialResolveResponse Type = "credential_resolve_response"
	TypeCredentialProxy           Type = "credential_proxy"
	TypeCredentialProxyResponse   Type = "credential_proxy_response"

	// Client-routed LLM calls and long-cycle maintenance. Each request kind
	// pairs with a response kind resolved by correlation id.
	TypeLLMCall             Type = "llm_call"
	TypeLLMCallResponse     Type = "llm_call_response"
	TypeCondense            Type = "condense"
	TypeCondenseResponse    Type = "condense_response"
	TypeResolveLoop         Type = "resolve_loop"
	TypeResolveLoopResponse Type = "resolve_loop_response"
	TypeHeartbeat           Type = "heartbeat"
	TypeHeartbeatResponse   Type = "heartbeat_response"
	TypeAdmin               Type = "admin"
	TypeAdminResponse       Type = "admin_response"
	TypeFormatFix           Type = "format_fix"
	TypeFormatFixResponse   Type = "format_fix_response"

	// MCP gateway.
	TypeMCPConfigs Type = "mcp_configs"

	// Restart handshake.
	TypeCancelBeforeRestart    Type = "cancel_before_restart"
	TypeCancelBeforeRestartAck Type = "cancel_before_restart_ack"

	// Side-channel events.
	TypeUserNotification Type = "user_notification"
	TypeRunLog           Type = "run_log"
	TypeSaveAgentWork    Type = "save_agent_work"
)

// Envelope is the unit of transfer on the channel. The ID is a transport
// concern only; request/response pairing uses correlation ids carried inside
// payloads (see RequestID fields on payload types).
type Envelope struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// New builds an envelope of the given kind around payload, stamping a fresh
// id and the current wall clock in Unix milliseconds.
func New(t Type, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", t, err)
	}
	return &Envelope{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal (struct literals
// with no custom marshalers). It panics on error and exists for call sites
// building envelopes from known-good types.
func MustNew(t Type, payload any) *Envelope {
	env, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("wire: %s envelope has empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Parse reads an envelope off the wire. The payload stays raw until the
// dispatcher decodes it by kind.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("wire: envelope missing type")
	}
	return &env, nil
}
