package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// recognizerSchema is the JSON Schema for threat pattern files.
const recognizerSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "memguard threat patterns",
  "type": "object",
  "required": ["recognizers"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "enum": [1]},
    "recognizers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_]+$"},
          "family": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_]+$"},
          "severity": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
          "enabled": {"type": "boolean"},
          "patterns": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "regex"],
              "additionalProperties": false,
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "regex": {"type": "string", "minLength": 1, "maxLength": 4096}
              }
            }
          }
        },
        "if": {"not": {"properties": {"enabled": {"const": false}}, "required": ["enabled"]}},
        "then": {"required": ["family", "severity", "patterns"]}
      }
    }
  }
}`

// ValidateRecognizerSchema validates pattern file YAML against the schema.
// The YAML is first converted to JSON because gojsonschema operates on JSON.
func ValidateRecognizerSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(recognizerSchema),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, verr := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", verr)
		}
		return fmt.Errorf("recognizer schema errors:\n%s", b.String())
	}
	return nil
}
