package validation

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

//go:embed schemas/workflow.json
var workflowSchemaDoc []byte

// JSONSchemaValidator checks definition documents against the bundled
// workflow schema and trigger payloads against schemas stored in workflow
// metadata. Compiled payload schemas are cached by content.
type JSONSchemaValidator struct {
	workflow *jsonschema.Schema
	payloads sync.Map // sha256 of schema bytes -> *jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	wf, err := compileSchema("https://chainflow.dev/schemas/workflow.json", workflowSchemaDoc)
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflow: wf}, nil
}

// ValidateDefinition checks the document shape of def. Graph rules are
// checked elsewhere.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return validateAgainst(v.workflow, def)
}

// ValidateInput checks input against inputSchema, given either as raw JSON
// or as a decoded document. A nil or empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema any) error {
	sch, err := v.payloadSchema(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	if sch == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	return validateAgainst(sch, input)
}

func (v *JSONSchemaValidator) payloadSchema(doc any) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, nil
	}
	raw, isRaw := doc.([]byte)
	if !isRaw {
		var err error
		if raw, err = xjson.Marshal(doc); err != nil {
			return nil, err
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}

	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if cached, ok := v.payloads.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	sch, err := compileSchema("chainflow://payload/"+key, raw)
	if err != nil {
		return nil, err
	}
	actual, _ := v.payloads.LoadOrStore(key, sch)
	return actual.(*jsonschema.Schema), nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validateAgainst round-trips value through the library decoder, which
// keeps numbers as json.Number, and maps violations to VALIDATION_ERROR.
func validateAgainst(sch *jsonschema.Schema, value any) error {
	b, err := xjson.Marshal(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode document").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "decode document").WithCause(err)
	}
	if err := sch.Validate(doc); err != nil {
		return violationError(err)
	}
	return nil
}

func violationError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	var leaves []string
	walkViolations(verr, func(loc, msg string) {
		leaves = append(leaves, loc+": "+msg)
	})
	msg := verr.Error()
	switch n := len(leaves); {
	case n == 1:
		msg = leaves[0]
	case n > 1:
		msg = fmt.Sprintf("%d schema violations, first: %s", n, leaves[0])
	}
	fe := schema.NewError(schema.ErrCodeValidation, msg)
	if len(leaves) > 0 {
		fe = fe.WithDetails(map[string]any{"violations": leaves})
	}
	return fe
}

// walkViolations visits the leaves of the error tree with their instance
// location as a JSON pointer.
func walkViolations(verr *jsonschema.ValidationError, visit func(loc, msg string)) {
	if len(verr.Causes) == 0 {
		visit("/"+strings.Join(verr.InstanceLocation, "/"), verr.Error())
		return
	}
	for _, c := range verr.Causes {
		walkViolations(c, visit)
	}
}
