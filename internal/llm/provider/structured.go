package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// JSONSchemaValidator validates JSON data against the subset of JSON Schema
// used by the refiner and scorer prompts.
type JSONSchemaValidator struct {
	strictMode bool
}

// NewJSONSchemaValidator creates a new schema validator
func NewJSONSchemaValidator(strict bool) *JSONSchemaValidator {
	return &JSONSchemaValidator{
		strictMode: strict,
	}
}

// SchemaType is a JSON Schema "type": a single name or a list such as
// ["string", "null"].
type SchemaType []string

// UnmarshalJSON accepts both the string and the array form.
func (t *SchemaType) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = SchemaType{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("schema type must be a string or array of strings: %w", err)
	}
	*t = many
	return nil
}

// MarshalJSON writes the string form when there is a single type.
func (t SchemaType) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Schema represents a JSON Schema
type Schema struct {
	Type                 SchemaType         `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty"`
	Description          string             `json:"description,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
}

// ParseSchema parses a JSON Schema from raw JSON
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &schema, nil
}

// ValidationResult contains the result of schema validation
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate validates data against the schema
func (v *JSONSchemaValidator) Validate(schema *Schema, data any) *ValidationResult {
	result := &ValidationResult{Valid: true}
	v.validateValue(schema, data, "", result)
	return result
}

func (v *JSONSchemaValidator) fail(result *ValidationResult, format string, args ...any) {
	result.Valid = false
	result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
}

func (v *JSONSchemaValidator) validateValue(schema *Schema, value any, path string, result *ValidationResult) {
	if schema == nil {
		return
	}

	if len(schema.Type) > 0 {
		matched := ""
		for _, typ := range schema.Type {
			if v.checkType(typ, value) {
				matched = typ
				break
			}
		}
		if matched == "" {
			v.fail(result, "%s: expected type %s, got %T", pathOrRoot(path), strings.Join(schema.Type, "|"), value)
			return
		}

		switch matched {
		case "object":
			v.validateObject(schema, value, path, result)
		case "array":
			v.validateArray(schema, value, path, result)
		case "string":
			v.validateString(schema, value, path, result)
		case "number", "integer":
			v.validateNumber(schema, value, path, result)
		}
	}

	if len(schema.Enum) > 0 {
		v.validateEnum(schema.Enum, value, path, result)
	}
}

// checkType checks if a value matches the expected JSON Schema type
func (v *JSONSchemaValidator) checkType(schemaType string, value any) bool {
	if value == nil {
		return schemaType == "null"
	}

	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case "integer":
		switch val := value.(type) {
		case int, int64, int32:
			return true
		case float64:
			return val == float64(int64(val))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		return reflect.ValueOf(value).Kind() == reflect.Slice
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return false
}

func (v *JSONSchemaValidator) validateObject(schema *Schema, value any, path string, result *ValidationResult) {
	obj, ok := value.(map[string]any)
	if !ok {
		return
	}

	for _, reqField := range schema.Required {
		if _, exists := obj[reqField]; !exists {
			v.fail(result, "%s: missing required field '%s'", pathOrRoot(path), reqField)
		}
	}

	for propName, propSchema := range schema.Properties {
		if propValue, exists := obj[propName]; exists {
			v.validateValue(propSchema, propValue, joinPath(path, propName), result)
		}
	}

	closed := v.strictMode || (schema.AdditionalProperties != nil && !*schema.AdditionalProperties)
	if closed {
		for propName := range obj {
			if _, defined := schema.Properties[propName]; !defined {
				v.fail(result, "%s: unknown property '%s'", pathOrRoot(path), propName)
			}
		}
	}
}

func (v *JSONSchemaValidator) validateArray(schema *Schema, value any, path string, result *ValidationResult) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice || schema.Items == nil {
		return
	}
	for i := 0; i < rv.Len(); i++ {
		v.validateValue(schema.Items, rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i), result)
	}
}

func (v *JSONSchemaValidator) validateString(schema *Schema, value any, path string, result *ValidationResult) {
	str, ok := value.(string)
	if !ok {
		return
	}
	if schema.MinLength != nil && len(str) < *schema.MinLength {
		v.fail(result, "%s: string length %d is less than minimum %d", pathOrRoot(path), len(str), *schema.MinLength)
	}
	if schema.MaxLength != nil && len(str) > *schema.MaxLength {
		v.fail(result, "%s: string length %d is greater than maximum %d", pathOrRoot(path), len(str), *schema.MaxLength)
	}
}

func (v *JSONSchemaValidator) validateNumber(schema *Schema, value any, path string, result *ValidationResult) {
	var num float64
	switch val := value.(type) {
	case float64:
		num = val
	case int:
		num = float64(val)
	case int64:
		num = float64(val)
	default:
		return
	}

	if schema.Minimum != nil && num < *schema.Minimum {
		v.fail(result, "%s: value %v is less than minimum %v", pathOrRoot(path), num, *schema.Minimum)
	}
	if schema.Maximum != nil && num > *schema.Maximum {
		v.fail(result, "%s: value %v is greater than maximum %v", pathOrRoot(path), num, *schema.Maximum)
	}
}

func (v *JSONSchemaValidator) validateEnum(enum []any, value any, path string, result *ValidationResult) {
	for _, option := range enum {
		if reflect.DeepEqual(option, value) {
			return
		}
	}
	v.fail(result, "%s: value %v is not one of allowed values %v", pathOrRoot(path), value, enum)
}

func pathOrRoot(path string) string {
	if path == "" {
		return "root"
	}
	return path
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

// structuredViaPrompt serves CreateStructured for providers without a native
// schema mode: the schema goes into the system prompt, the first JSON object
// in the reply is extracted and then validated.
func structuredViaPrompt(ctx context.Context, p Provider, req StructuredRequest) (*StructuredResponse, error) {
	var schema *Schema
	if len(req.ResponseSchema) > 0 {
		parsed, err := ParseSchema(req.ResponseSchema)
		if err != nil {
			return nil, NewProviderError(p.Name(), ErrorCodeInvalidRequest, "invalid response schema", err)
		}
		schema = parsed
	}

	compReq := req.CompletionRequest
	compReq.Messages = withSchemaInstructions(req.Messages, req.ResponseSchema)

	resp, err := p.CreateCompletion(ctx, compReq)
	if err != nil {
		return nil, err
	}

	jsonStr := extractJSON(resp.Content)
	if jsonStr == "" {
		return nil, NewProviderError(p.Name(), ErrorCodeInvalidRequest, "no valid JSON found in response", nil)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, NewProviderError(p.Name(), ErrorCodeInvalidRequest, "parse JSON response", err)
	}

	if schema != nil {
		if result := NewJSONSchemaValidator(req.StrictSchema).Validate(schema, data); !result.Valid {
			return nil, NewProviderError(p.Name(), ErrorCodeInvalidRequest,
				"schema validation failed: "+strings.Join(result.Errors, "; "), nil)
		}
	}

	out := *resp
	out.Content = jsonStr
	return &StructuredResponse{Data: json.RawMessage(jsonStr), CompletionResponse: out}, nil
}

// withSchemaInstructions appends the JSON-only instruction to the system
// message, adding one if the request has none.
func withSchemaInstructions(messages []Message, schema json.RawMessage) []Message {
	var sb strings.Builder
	sb.WriteString("Respond only with a valid JSON object")
	if len(schema) > 0 {
		sb.WriteString(" that matches this schema:\n")
		sb.Write(schema)
	}
	sb.WriteString("\nNo explanations and no markdown code fences, just the raw JSON.")
	instruction := sb.String()

	out := make([]Message, 0, len(messages)+1)
	added := false
	for _, m := range messages {
		if m.Role == "system" && !added {
			m.Content = m.Content + "\n\n" + instruction
			added = true
		}
		out = append(out, m)
	}
	if !added {
		out = append([]Message{{Role: "system", Content: instruction}}, out...)
	}
	return out
}

// extractJSON returns the first balanced JSON object in text.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if escape {
			escape = false
			continue
		}

		switch c {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return ""
}
