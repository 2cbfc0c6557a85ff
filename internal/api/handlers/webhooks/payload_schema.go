package webhooks

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// PayloadValidator checks webhook bodies against the provider's JSON schema
type PayloadValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewPayloadValidator compiles the embedded schema of every provider in providers.
// Providers without a schema file are accepted unchecked.
func NewPayloadValidator(providers []string) (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[string]*gojsonschema.Schema)}
	for _, p := range providers {
		raw, err := schemaFS.ReadFile("schemas/" + p + ".json")
		if err != nil {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("error compiling %s webhook schema: %w", p, err)
		}
		v.schemas[p] = schema
	}
	return v, nil
}

// Validate returns the schema violations of body, or nil when it conforms
func (v *PayloadValidator) Validate(provider string, body []byte) ([]string, error) {
	schema, ok := v.schemas[provider]
	if !ok {
		return nil, nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	var violations []string
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return violations, nil
}

// FormatViolations joins violations into one message
func FormatViolations(violations []string) string {
	if len(violations) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(violations, "; ")
}
