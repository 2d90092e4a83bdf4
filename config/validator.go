package config

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/streamgate/errors"
)

// configSchema is the JSON Schema the merged configuration must satisfy
// before struct-level validation runs. It catches type mistakes (a string
// where a number belongs) that would otherwise surface as opaque
// unmarshaling errors.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["platform", "gateway"],
  "properties": {
    "version": {"type": "string"},
    "platform": {
      "type": "object",
      "required": ["org", "id"],
      "properties": {
        "org": {"type": "string", "minLength": 1},
        "id": {"type": "string", "minLength": 1},
        "instance_id": {"type": "string"},
        "environment": {"type": "string"}
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "listen_addr": {"type": "string", "minLength": 1},
        "path": {"type": "string"},
        "heartbeat_interval": {"type": "number", "exclusiveMinimum": 0},
        "heartbeat_grace": {"type": "integer", "minimum": 1},
        "auth_timeout": {"type": "number", "exclusiveMinimum": 0},
        "replay_buffer_size": {"type": "integer", "minimum": 1},
        "outbound_queue_size": {"type": "integer", "minimum": 1},
        "slow_consumer": {"type": "string", "enum": ["disconnect", "drop"]},
        "resume_window": {"type": "number", "minimum": 0},
        "max_frame_bytes": {"type": "integer", "minimum": 0},
        "write_timeout": {"type": "number", "minimum": 0},
        "tokens": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["token", "user_id"],
            "properties": {
              "token": {"type": "string", "minLength": 1},
              "user_id": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "nats": {
      "type": "object",
      "properties": {
        "urls": {"type": "array", "items": {"type": "string"}},
        "max_reconnects": {"type": "integer"},
        "reconnect_wait": {"type": "number"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "token": {"type": "string"},
        "subject_prefix": {"type": "string"}
      }
    },
    "ops": {
      "type": "object",
      "properties": {
        "addr": {"type": "string"},
        "metrics_path": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "format": {"type": "string", "enum": ["json", "text"]}
      }
    }
  }
}`

// ValidateSchema validates serialized configuration against the config schema
func ValidateSchema(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "ValidateSchema", "run schema validation")
	}

	if !result.Valid() {
		errMsg := "config schema validation failed:"
		for _, desc := range result.Errors() {
			errMsg += fmt.Sprintf("\n  - %s: %s", desc.Field(), desc.Description())
		}
		return errors.WrapInvalid(fmt.Errorf("%s", errMsg), "Loader", "ValidateSchema", "validate config document")
	}

	return nil
}
