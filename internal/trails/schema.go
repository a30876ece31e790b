package trails

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Frame schemas for the inbound wire protocol. Validation happens before
// unmarshaling so malformed frames surface as protocol errors with a
// usable message instead of partially-populated structs.
var frameSchemaSources = map[string]string{
	frameRegister: `{
		"type": "object",
		"required": ["type", "app_id", "app_name", "pub_key", "process_info"],
		"properties": {
			"type": {"const": "register"},
			"app_id": {"type": "string", "minLength": 36, "maxLength": 36},
			"parent_id": {"type": ["string", "null"]},
			"app_name": {"type": "string", "minLength": 1},
			"pub_key": {"type": "string", "pattern": "^ed25519:"},
			"process_info": {"type": "object"},
			"role_refs": {"type": "array", "items": {"type": "string"}},
			"sig": {"type": "string"}
		}
	}`,
	frameReRegister: `{
		"type": "object",
		"required": ["type", "app_id", "last_seq", "pub_key"],
		"properties": {
			"type": {"const": "re_register"},
			"app_id": {"type": "string", "minLength": 36, "maxLength": 36},
			"last_seq": {"type": "integer", "minimum": 0},
			"pub_key": {"type": "string", "pattern": "^ed25519:"},
			"sig": {"type": "string"}
		}
	}`,
	frameMessage: `{
		"type": "object",
		"required": ["type", "app_id", "header", "payload"],
		"properties": {
			"type": {"const": "message"},
			"app_id": {"type": "string", "minLength": 36, "maxLength": 36},
			"header": {
				"type": "object",
				"required": ["msg_type", "timestamp", "seq"],
				"properties": {
					"msg_type": {"enum": ["Status", "Result", "Error", "Control"]},
					"timestamp": {"type": "integer"},
					"seq": {"type": "integer", "minimum": 1},
					"correlation_id": {"type": "string"}
				}
			},
			"payload": {"type": "object"},
			"sig": {"type": "string"}
		}
	}`,
	frameDisconnect: `{
		"type": "object",
		"required": ["type", "app_id", "reason"],
		"properties": {
			"type": {"const": "disconnect"},
			"app_id": {"type": "string", "minLength": 36, "maxLength": 36},
			"reason": {"type": "string", "minLength": 1},
			"sig": {"type": "string"}
		}
	}`,
	frameControlAck: `{
		"type": "object",
		"required": ["type", "app_id", "correlation_id"],
		"properties": {
			"type": {"const": "control_ack"},
			"app_id": {"type": "string", "minLength": 36, "maxLength": 36},
			"correlation_id": {"type": "string", "minLength": 1},
			"result": {},
			"sig": {"type": "string"}
		}
	}`,
}

var (
	frameSchemasOnce sync.Once
	frameSchemas     map[string]*jsonschema.Schema
	frameSchemasErr  error
)

func compiledFrameSchemas() (map[string]*jsonschema.Schema, error) {
	frameSchemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for name, src := range frameSchemaSources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				frameSchemasErr = fmt.Errorf("frame schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name+".json", doc); err != nil {
				frameSchemasErr = fmt.Errorf("frame schema %s: %w", name, err)
				return
			}
		}
		schemas := make(map[string]*jsonschema.Schema, len(frameSchemaSources))
		for name := range frameSchemaSources {
			sch, err := compiler.Compile(name + ".json")
			if err != nil {
				frameSchemasErr = fmt.Errorf("frame schema %s: %w", name, err)
				return
			}
			schemas[name] = sch
		}
		frameSchemas = schemas
	})
	return frameSchemas, frameSchemasErr
}

// validateFrame checks raw frame bytes against the schema for frameType.
// Unknown frame types pass through; decodeClientFrame rejects them after.
func validateFrame(frameType string, data []byte) error {
	schemas, err := compiledFrameSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[frameType]
	if !ok {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrProtocol, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s frame: %v", ErrProtocol, frameType, err)
	}
	return nil
}
