package wire

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload validation runs on the server for the kinds that gate identity and
// credential flow. Everything else is validated structurally by Decode at the
// handler.

type schemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	kinds    map[Type]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		env, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.envelope = env

		kinds := map[Type]string{
			TypeRegisterDevice:    registerDeviceSchema,
			TypeAuth:              authSchema,
			TypePrompt:            promptSchema,
			TypeCredentialSession: credentialSessionSchema,
			TypeCredentialResolve: credentialResolveSchema,
			TypeCredentialProxy:   credentialProxySchema,
		}

		schemas.kinds = make(map[Type]*jsonschema.Schema, len(kinds))
		for kind, schema := range kinds {
			compiled, err := jsonschema.CompileString("payload_"+string(kind), schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.kinds[kind] = compiled
		}
	})
	return schemas.initErr
}

// ValidateInbound checks a raw frame against the envelope schema and, for the
// auth-critical kinds, the payload schema for env.Type. Kinds without a
// registered schema pass after the envelope check.
func ValidateInbound(raw []byte, env *Envelope) error {
	if err := initSchemas(); err != nil {
		return err
	}

	var frame any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	if err := schemas.envelope.Validate(frame); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("missing envelope")
	}
	if schema := schemas.kinds[env.Type]; schema != nil {
		var payload any
		if len(env.Payload) == 0 {
			payload = map[string]any{}
		} else if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		if err := schema.Validate(payload); err != nil {
			return err
		}
	}
	return nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type", "id", "timestamp"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "integer" },
    "payload": {}
  },
  "additionalProperties": true
}`

const registerDeviceSchema = `{
  "type": "object",
  "required": ["invite_token", "fingerprint", "platform"],
  "properties": {
    "invite_token": { "type": "string", "minLength": 1 },
    "label": { "type": "string" },
    "fingerprint": { "type": "string", "minLength": 1 },
    "capabilities": {
      "type": "array",
      "items": { "type": "string" }
    },
    "temp_dir": { "type": "string" },
    "platform": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const authSchema = `{
  "type": "object",
  "required": ["device_id", "device_secret", "fingerprint"],
  "properties": {
    "device_id": { "type": "string", "minLength": 1 },
    "device_secret": { "type": "string", "minLength": 1 },
    "device_name": { "type": "string" },
    "fingerprint": { "type": "string", "minLength": 1 },
    "capabilities": {
      "type": "array",
      "items": { "type": "string" }
    },
    "temp_dir": { "type": "string" },
    "platform": { "type": "string" }
  },
  "additionalProperties": true
}`

const promptSchema = `{
  "type": "object",
  "required": ["prompt", "source"],
  "properties": {
    "prompt": { "type": "string", "minLength": 1 },
    "source": { "type": "string", "minLength": 1 },
    "hints": { "type": "string" },
    "sourceUserId": { "type": "string" }
  },
  "additionalProperties": true
}`

const credentialSessionSchema = `{
  "type": "object",
  "required": ["request_id", "key_name", "allowed_domain"],
  "properties": {
    "request_id": { "type": "string", "minLength": 1 },
    "user": { "type": "string" },
    "device": { "type": "string" },
    "key_name": { "type": "string", "minLength": 1 },
    "prompt": { "type": "string" },
    "title": { "type": "string" },
    "allowed_domain": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const credentialResolveSchema = `{
  "type": "object",
  "required": ["request_id", "key_name", "encrypted_blob"],
  "properties": {
    "request_id": { "type": "string", "minLength": 1 },
    "key_name": { "type": "string", "minLength": 1 },
    "encrypted_blob": { "type": "string", "minLength": 1 },
    "request_domain": { "type": "string" }
  },
  "additionalProperties": true
}`

const credentialProxySchema = `{
  "type": "object",
  "required": ["request_id", "key_name", "encrypted_blob", "request"],
  "properties": {
    "request_id": { "type": "string", "minLength": 1 },
    "key_name": { "type": "string", "minLength": 1 },
    "encrypted_blob": { "type": "string", "minLength": 1 },
    "request": {
      "type": "object",
      "required": ["base_url", "method"],
      "properties": {
        "base_url": { "type": "string", "minLength": 1 },
        "method": { "type": "string", "minLength": 1 },
        "path": { "type": "string" },
        "headers": { "type": "object" },
        "body": { "type": "string" },
        "placement": { "type": "object" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`
