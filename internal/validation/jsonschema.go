package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/tokaysec/pkg/schema"
)

const schemaBase = "https://tokaysec.dev/schemas/"

// defsJSON holds the shared definitions every request schema refers to.
const defsJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://tokaysec.dev/schemas/defs.json",
  "$defs": {
    "name": {
      "type": "string",
      "minLength": 2,
      "maxLength": 50,
      "pattern": "^[A-Za-z0-9_.-]+$"
    },
    "ref": {
      "type": "string",
      "minLength": 1
    },
    "description": {
      "type": "string",
      "minLength": 2
    },
    "value": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        {
          "type": "array",
          "minItems": 1,
          "items": { "type": "integer", "minimum": 0, "maximum": 255 }
        }
      ]
    }
  }
}`

var requestSchemas = map[Request]string{
	RequestPutSecret: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["namespace", "project", "name", "value"],
  "properties": {
    "namespace": { "$ref": "defs.json#/$defs/ref" },
    "project": { "$ref": "defs.json#/$defs/ref" },
    "name": { "$ref": "defs.json#/$defs/name" },
    "description": { "$ref": "defs.json#/$defs/description" },
    "type": { "type": "string", "format": "secret-type" },
    "value": { "$ref": "defs.json#/$defs/value" }
  },
  "additionalProperties": false
}`,
	RequestCreateNamespace: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": { "$ref": "defs.json#/$defs/name" }
  },
  "additionalProperties": false
}`,
	RequestRenameNamespace: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": { "$ref": "defs.json#/$defs/name" }
  },
  "additionalProperties": false
}`,
	RequestCreateProject: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": { "$ref": "defs.json#/$defs/name" }
  },
  "additionalProperties": false
}`,
	RequestCreateBinding: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["principal", "role"],
  "properties": {
    "principal": { "type": "string", "minLength": 1, "maxLength": 256 },
    "role": { "type": "string", "enum": ["admin", "writer", "reader", "none"] },
    "namespace": { "$ref": "defs.json#/$defs/ref" },
    "project": { "$ref": "defs.json#/$defs/ref" },
    "condition": { "type": "string" }
  },
  "dependentRequired": { "project": ["namespace"] },
  "additionalProperties": false
}`,
	RequestRotateKey: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["namespace"],
  "properties": {
    "namespace": { "$ref": "defs.json#/$defs/ref" },
    "project": { "$ref": "defs.json#/$defs/ref" }
  },
  "additionalProperties": false
}`,
}

// JSONSchemaValidator validates request bodies with JSON Schema Draft 2020-12.
// Schemas are compiled once; it is safe for concurrent use.
type JSONSchemaValidator struct {
	schemas map[Request]*jsonschema.Schema
}

// secretTypeFormat checks secret types against the registry on every call, so
// types registered after compilation are accepted.
var secretTypeFormat = &jsonschema.Format{
	Name: "secret-type",
	Validate: func(v any) error {
		s, ok := v.(string)
		if !ok || schema.ValidSecretType(schema.SecretType(s)) {
			return nil
		}
		return fmt.Errorf("unknown secret type %q, expected one of %s", s, strings.Join(schema.SecretTypes(), ", "))
	},
}

// NewJSONSchemaValidator compiles every request schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	c.RegisterFormat(secretTypeFormat)

	if err := addResource(c, schemaBase+"defs.json", defsJSON); err != nil {
		return nil, err
	}

	for kind, raw := range requestSchemas {
		if err := addResource(c, schemaURL(kind), raw); err != nil {
			return nil, err
		}
	}

	v := &JSONSchemaValidator{schemas: make(map[Request]*jsonschema.Schema, len(requestSchemas))}
	for kind := range requestSchemas {
		compiled, err := c.Compile(schemaURL(kind))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = compiled
	}
	return v, nil
}

func schemaURL(kind Request) string { return schemaBase + string(kind) + ".json" }

func addResource(c *jsonschema.Compiler, url, raw string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema resource %s: %w", url, err)
	}
	return nil
}

// Validate checks v through its JSON encoding.
func (v *JSONSchemaValidator) Validate(kind Request, doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "request body is required")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize request").WithCause(err)
	}
	return v.ValidateJSON(kind, b)
}

// ValidateJSON checks a raw JSON body.
func (v *JSONSchemaValidator) ValidateJSON(kind Request, body []byte) error {
	compiled, ok := v.schemas[kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown request kind %q", kind)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "request body is required")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "request body is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toTokayError(err)
	}
	return nil
}

// toTokayError flattens a jsonschema.ValidationError into a VALIDATION error
// listing each violation with its location. Values are never echoed.
func toTokayError(err error) *schema.TokayError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "request is invalid")
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)
