package vcr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// recordingSchema is the JSON Schema every .vcr document must satisfy.
// Structural checks that the schema cannot express (sequence numbering,
// timestamp ordering) live in Validate.
const recordingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["format_version", "metadata", "session"],
  "properties": {
    "format_version": {"type": "string"},
    "metadata": {
      "type": "object",
      "required": ["version", "recorded_at", "transport"],
      "properties": {
        "version": {"type": "string"},
        "recorded_at": {"type": "string"},
        "transport": {"enum": ["stdio", "sse"]},
        "client_info": {"type": ["object", "null"]},
        "server_info": {"type": ["object", "null"]},
        "server_command": {"type": ["string", "null"]},
        "server_args": {"type": ["array", "null"], "items": {"type": "string"}},
        "tags": {"type": ["object", "null"]},
        "session_id": {"type": "string"},
        "endpoint_id": {"type": "string"},
        "agent_id": {"type": "string"}
      }
    },
    "session": {
      "type": "object",
      "required": ["initialize_request", "initialize_response", "interactions"],
      "properties": {
        "initialize_request": {"type": "object"},
        "initialize_response": {"type": "object"},
        "capabilities": {"type": ["object", "null"]},
        "interactions": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["sequence", "timestamp", "direction", "request"],
            "properties": {
              "sequence": {"type": "integer", "minimum": 0},
              "timestamp": {"type": "string"},
              "direction": {"enum": ["client_to_server", "server_to_client"]},
              "request": {"type": "object"},
              "response": {"type": ["object", "null"]},
              "notifications": {"type": ["array", "null"]},
              "latency_ms": {"type": "number", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledRecordingSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("recording.json", strings.NewReader(recordingSchema)); err != nil {
			schemaErr = fmt.Errorf("add recording schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("recording.json")
	})
	return compiledSchema, schemaErr
}

// ValidateSchema checks a decoded .vcr document against the recording
// schema and reports each violation with its instance path.
func ValidateSchema(doc any) error {
	schema, err := compiledRecordingSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors, ok := err.(*jsonschema.ValidationError); ok {
			ve = errors
		}
		if ve != nil {
			msgs := collectSchemaErrors(ve, nil)
			return fmt.Errorf("%w: %s", ErrInvalidFormat, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return nil
}

// collectSchemaErrors flattens nested validation causes into readable
// "<path>: <message>" strings.
func collectSchemaErrors(err *jsonschema.ValidationError, msgs []string) []string {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return append(msgs, fmt.Sprintf("%s: %s", loc, err.Message))
	}
	for _, cause := range err.Causes {
		msgs = collectSchemaErrors(cause, msgs)
	}
	return msgs
}
