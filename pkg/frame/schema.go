package frame

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// persistedFormSchema is the JSON Schema for the frame's persisted form.
// Stores validate against it on append so malformed frames never reach
// the durable log.
const persistedFormSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "chronicle://schemas/frame/v1.json",
  "type": "object",
  "required": [
    "frame_schema_version", "noun_id", "verb_id", "capability_id",
    "capability_version", "quota_tier", "input_args", "env_vars",
    "logical_clock", "exit_code_class", "content_hash", "metadata"
  ],
  "properties": {
    "frame_schema_version": {"type": "integer", "minimum": 1},
    "noun_id": {"type": "string"},
    "verb_id": {"type": "string"},
    "capability_id": {"type": "string", "minLength": 1},
    "capability_version": {"type": "integer", "minimum": 0},
    "attestation_chain_hash": {"type": ["string", "null"]},
    "quota_tier": {"type": "string"},
    "quota_footprint": {"type": ["object", "null"]},
    "input_args": {"type": ["object", "null"]},
    "env_vars": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
    "logical_clock": {
      "type": "object",
      "required": ["logical_tick", "wall_clock_ns"],
      "properties": {
        "logical_tick": {"type": "integer", "minimum": 0},
        "wall_clock_ns": {"type": "integer", "minimum": 0}
      }
    },
    "output_result": {"type": ["object", "null"]},
    "exit_code_class": {"type": "string"},
    "telemetry_profile": {"type": ["object", "null"]},
    "content_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "metadata": {
      "type": "object",
      "required": ["frame_id", "session_id"],
      "properties": {
        "frame_id": {"type": "string", "minLength": 1},
        "session_id": {"type": "string", "minLength": 1},
        "agent_id": {"type": "string"},
        "tags": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("frame.v1.json", persistedFormSchema)

// ValidatePersistedForm checks a serialized frame against the persisted
// form schema.
func ValidatePersistedForm(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("frame: persisted form is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("frame: persisted form schema violation: %w", err)
	}
	return nil
}

// UnmarshalPersistedForm parses a serialized frame, verifies its content
// hash, and returns it sealed. Stores use this to rehydrate frames
// without reopening them for mutation.
func UnmarshalPersistedForm(data []byte) (*Frame, error) {
	if err := ValidatePersistedForm(data); err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("frame: unmarshal failed: %w", err)
	}
	ok, err := f.VerifyHash()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("frame %s: %w", f.Metadata.FrameID, ErrHashMismatch)
	}
	f.sealed = true
	return &f, nil
}

// MarshalPersistedForm serializes a sealed frame to its persisted form
// and validates the result.
func MarshalPersistedForm(f *Frame) ([]byte, error) {
	if !f.Sealed() {
		return nil, fmt.Errorf("frame %s: cannot persist an unsealed frame", f.Metadata.FrameID)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("frame %s: marshal failed: %w", f.Metadata.FrameID, err)
	}
	if err := ValidatePersistedForm(data); err != nil {
		return nil, err
	}
	return data, nil
}
