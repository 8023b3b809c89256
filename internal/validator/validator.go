// Package validator provides JSON schema validation for ingested events and
// simulated pipelines.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates event envelopes and pipeline definitions.
type Validator struct {
	envelopeSchema *jsonschema.Schema
	pipelineSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the failures into one message.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		path := e.Path
		if path == "" {
			path = "/"
		}
		msgs = append(msgs, path+": "+e.Message)
	}
	return strings.Join(msgs, "; ")
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("envelope.json", strings.NewReader(envelopeSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	if err := compiler.AddResource("pipeline.json", strings.NewReader(pipelineSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add pipeline schema: %w", err)
	}

	envelopeSchema, err := compiler.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	pipelineSchema, err := compiler.Compile("pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &Validator{
		envelopeSchema: envelopeSchema,
		pipelineSchema: pipelineSchema,
	}, nil
}

// ValidateEnvelope validates one decoded event envelope.
func (v *Validator) ValidateEnvelope(envelope map[string]interface{}) *ValidationResult {
	return v.validate(v.envelopeSchema, envelope)
}

// ValidatePipeline validates a decoded pipeline definition.
func (v *Validator) ValidatePipeline(pipeline map[string]interface{}) *ValidationResult {
	return v.validate(v.pipelineSchema, pipeline)
}

// ValidateEnvelopesJSON validates a JSON-encoded envelope or array of
// envelopes. Failures of array elements are prefixed with their index.
func (v *Validator) ValidateEnvelopesJSON(data []byte) *ValidationResult {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		var envelope map[string]interface{}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return invalidJSON(err)
		}
		return v.ValidateEnvelope(envelope)
	}

	var batch []map[string]interface{}
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return invalidJSON(err)
	}
	result := &ValidationResult{Valid: true}
	for i, envelope := range batch {
		r := v.ValidateEnvelope(envelope)
		if r.Valid {
			continue
		}
		result.Valid = false
		for _, e := range r.Errors {
			e.Path = fmt.Sprintf("/%d%s", i, e.Path)
			result.Errors = append(result.Errors, e)
		}
	}
	return result
}

// ValidatePipelineJSON validates a JSON-encoded pipeline definition.
func (v *Validator) ValidatePipelineJSON(data []byte) *ValidationResult {
	var pipeline map[string]interface{}
	if err := json.Unmarshal(data, &pipeline); err != nil {
		return invalidJSON(err)
	}
	return v.ValidatePipeline(pipeline)
}

func invalidJSON(err error) *ValidationResult {
	return &ValidationResult{
		Valid: false,
		Errors: []ValidationError{
			{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
		},
	}
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors recursively extracts the leaf validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		return []ValidationError{{Path: verr.InstanceLocation, Message: verr.Message}}
	}
	var errors []ValidationError
	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}
	return errors
}

// Embedded JSON schemas

const envelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "envelope.json",
  "title": "Event Envelope",
  "type": "object",
  "required": ["source", "type"],
  "properties": {
    "source": {"enum": ["graph", "queue", "run"]},
    "type": {"type": "string", "minLength": 1},
    "execution_id": {"type": "string"},
    "timestamp": {"type": "integer", "minimum": 0},
    "result": {"enum": ["SUCCESS", "UNSTABLE", "FAILURE", "NOT_BUILT", "ABORTED"]},
    "node": {"$ref": "#/$defs/node"},
    "item": {"$ref": "#/$defs/item"},
    "run": {"$ref": "#/$defs/run"},
    "trace": {"$ref": "#/$defs/trace"}
  },
  "allOf": [
    {
      "if": {"properties": {"source": {"const": "graph"}}},
      "then": {
        "properties": {"type": {"enum": ["node_observed", "node_updated", "execution_completed", "trace_step"]}},
        "required": ["execution_id"],
        "allOf": [
          {
            "if": {"properties": {"type": {"enum": ["node_observed", "node_updated", "trace_step"]}}},
            "then": {"required": ["node"]}
          },
          {
            "if": {"properties": {"type": {"const": "trace_step"}}},
            "then": {"required": ["trace"]}
          }
        ]
      }
    },
    {
      "if": {"properties": {"source": {"const": "queue"}}},
      "then": {
        "properties": {"type": {"enum": ["enter", "enter_waiting", "leave_waiting", "enter_blocked", "leave_blocked", "enter_buildable", "leave_buildable", "left"]}},
        "required": ["item"]
      }
    },
    {
      "if": {"properties": {"source": {"const": "run"}}},
      "then": {
        "properties": {"type": {"enum": ["started", "completed"]}},
        "required": ["run"],
        "if": {"properties": {"type": {"const": "completed"}}},
        "then": {"required": ["result"]}
      }
    }
  ],
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "execution_id": {"type": "string"},
        "kind": {"enum": ["atom", "block_start", "block_end"]},
        "display_name": {"type": "string"},
        "function_name": {"type": "string"},
        "start_node_id": {"type": "string"},
        "enclosing": {"type": "array", "items": {"type": "string"}},
        "url": {"type": "string"},
        "start_ms": {"type": "integer", "minimum": 0},
        "end_ms": {"type": "integer", "minimum": 0},
        "queue_item_id": {"type": "integer"},
        "error": {
          "type": "object",
          "required": ["message"],
          "properties": {"message": {"type": "string"}}
        },
        "metadata": {
          "type": "object",
          "properties": {
            "arguments": {"type": "object"},
            "sensitive_arguments": {"type": "array", "items": {"type": "string"}},
            "stage_name": {"type": "string"},
            "tags": {"type": "object", "additionalProperties": {"type": "string"}}
          }
        }
      },
      "if": {"properties": {"kind": {"const": "block_end"}}},
      "then": {"required": ["start_node_id"]}
    },
    "item": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "integer"},
        "task": {
          "type": "object",
          "required": ["name"],
          "properties": {
            "name": {"type": "string"},
            "url": {"type": "string"},
            "node": {
              "type": "object",
              "required": ["execution_id", "node_id"],
              "properties": {
                "execution_id": {"type": "string"},
                "node_id": {"type": "string"}
              }
            }
          }
        },
        "causes": {
          "type": "array",
          "items": {"type": ["string", "object"]}
        },
        "blockage": {"type": "string"},
        "cancelled": {"type": "boolean"},
        "url": {"type": "string"}
      }
    },
    "run": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "display_name": {"type": "string"},
        "number": {"type": "integer", "minimum": 0},
        "queue_id": {"type": "integer"},
        "execution_id": {"type": "string"},
        "url": {"type": "string"}
      }
    },
    "trace": {
      "type": "object",
      "properties": {
        "operation_name": {"type": "string"},
        "tags": {"type": "object"},
        "events": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": {"type": "string"},
              "fields": {"type": "object"},
              "timestamp_ms": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "pipeline.json",
  "title": "Simulated Pipeline",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "number": {"type": "integer", "minimum": 0},
    "user": {"type": "string"},
    "url": {"type": "string"},
    "params": {"type": "object"},
    "steps": {"type": "array", "items": {"$ref": "#/$defs/step"}}
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["atom", "stage", "block", "node", "trace"]},
        "name": {"type": "string"},
        "function": {"type": "string"},
        "command": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "arguments": {"type": "object"},
        "sensitive": {"type": "array", "items": {"type": "string"}},
        "tags": {"type": "object", "additionalProperties": {"type": "string"}},
        "duration_ms": {"type": "integer", "minimum": 0},
        "error": {"type": "string"},
        "when": {"type": "string"},
        "trace": {
          "type": "object",
          "properties": {
            "operation_name": {"type": "string"},
            "tags": {"type": "object"}
          }
        },
        "steps": {"type": "array", "items": {"$ref": "#/$defs/step"}}
      },
      "allOf": [
        {
          "if": {"properties": {"kind": {"const": "atom"}}},
          "then": {"not": {"required": ["steps"]}}
        },
        {
          "if": {"properties": {"kind": {"const": "stage"}}},
          "then": {"required": ["name"]}
        }
      ]
    }
  }
}`
