package bus

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchemaJSON = `{
	"type": "object",
	"required": ["protocolVersion", "id", "ts", "sessionId", "type", "payload"],
	"properties": {
		"protocolVersion": {"const": "0.1.0"},
		"id": {"type": "string", "minLength": 1},
		"ts": {"type": "string", "minLength": 1},
		"sessionId": {"type": "string", "minLength": 1},
		"type": {"enum": [
			"message", "assistant_message", "log", "error", "done",
			"task_created", "task_started", "task_progress", "task_completed", "task_failed",
			"tool_call", "tool_result",
			"delegate_request", "delegate_response",
			"job_enqueued", "job_claimed", "job_log", "job_completed", "job_failed",
			"approval_required", "approved", "denied",
			"diff_ready", "committed",
			"agent_status", "status", "scan_result", "suggestions"
		]},
		"payload": {"type": "object"}
	}
}`

const envelopeSchemaID = "pushpals://envelope.schema.json"

// compileEnvelopeSchema compiles the fixed envelope schema once at process
// start (§4.2 "envelope schema validation detail"). Grounded on the
// teacher's pattern of compiling JSON Schemas for tool-call argument
// validation at startup rather than per-call.
func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(envelopeSchemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("decode envelope schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaID, doc); err != nil {
		return nil, fmt.Errorf("add envelope schema resource: %w", err)
	}
	schema, err := compiler.Compile(envelopeSchemaID)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return schema, nil
}

// validateEnvelope re-encodes env as a generic JSON document and validates it
// against the compiled schema, returning the schema validation error
// verbatim for logging.
func validateEnvelope(schema *jsonschema.Schema, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for validation: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode envelope for validation: %w", err)
	}
	return schema.Validate(doc)
}
