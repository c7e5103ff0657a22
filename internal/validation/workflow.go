// Package validation checks workflow definitions before they are saved or
// run: document shape, node configs, then the graph.
package validation

import (
	"github.com/rendis/chainflow/pkg/schema"
)

// InputSchemaKey is the definition metadata key holding an optional JSON
// Schema for trigger payloads.
const InputSchemaKey = "inputSchema"

// WorkflowValidator runs the three validation stages. Structural errors
// short-circuit the later stages; semantic errors skip the graph stage.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to
// skip provider type checks.
func NewWorkflowValidator(lookup HandlerLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, handlers: lookup}, nil
}

// Validate returns every issue found in def.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	result.Merge(structural(wv.jsonSchema, def))
	if !result.Valid() {
		return result
	}
	if raw, ok := def.Metadata[InputSchemaKey]; ok {
		if _, err := wv.jsonSchema.payloadSchema(raw); err != nil {
			result.AddError("metadata."+InputSchemaKey, schema.ErrCodeValidation, "invalid input schema: "+err.Error())
		}
	}
	result.Merge(validateSemantic(def, wv.handlers))
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition returns the validation outcome as an error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidatePayload checks a trigger payload against the definition's input
// schema, when it declares one.
func (wv *WorkflowValidator) ValidatePayload(def *schema.WorkflowDefinition, payload map[string]any) error {
	raw, ok := def.Metadata[InputSchemaKey]
	if !ok {
		return nil
	}
	return wv.jsonSchema.ValidateInput(payload, raw)
}

func structural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}
	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
