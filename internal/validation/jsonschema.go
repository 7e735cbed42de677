package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/crewflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const definitionSchemaURL = "https://crewflow.dev/schemas/definition.json"

// definitionSchemaJSON is the JSON Schema of a WorkflowDefinition.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://crewflow.dev/schemas/definition.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "workflow_type": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    },
    "retry": {"$ref": "#/$defs/retry"},
    "timeout": {"$ref": "#/$defs/duration"}
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["id", "agent"],
      "properties": {
        "id": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.-]+$"},
        "agent": {"type": "string", "minLength": 1},
        "config": {},
        "retry": {"$ref": "#/$defs/retry"},
        "timeout": {"$ref": "#/$defs/duration"}
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {"type": "integer", "minimum": 0, "maximum": 20},
        "backoff": {"type": "string", "enum": ["fixed", "linear", "exponential"]},
        "delay": {"$ref": "#/$defs/duration"},
        "max_delay": {"$ref": "#/$defs/duration"}
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator checks documents against JSON Schema Draft 2020-12.
// Safe for concurrent use.
type SchemaValidator struct {
	definition *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the definition schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	def, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &SchemaValidator{definition: def, cache: make(map[string]*jsonschema.Schema)}, nil
}

// Definition validates the JSON form of a definition and reports every violation.
func (v *SchemaValidator) Definition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition is not serializable: "+err.Error())
		return result
	}
	addViolations(result, "", v.definition.Validate(doc))
	return result
}

// Document validates raw JSON against a schema given as bytes. Violations are
// reported under prefix. An empty schema accepts everything.
func (v *SchemaValidator) Document(prefix string, raw json.RawMessage, schemaBytes []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(schemaBytes) == 0 {
		return result
	}
	compiled, err := v.compile(schemaBytes)
	if err != nil {
		result.AddError(prefix, schema.ErrCodeValidation, "invalid schema: "+err.Error())
		return result
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError(prefix, schema.ErrCodeValidation, "not valid JSON: "+err.Error())
		return result
	}
	addViolations(result, prefix, compiled.Validate(doc))
	return result
}

func (v *SchemaValidator) compile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("crewflow://config-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations flattens a ValidationError tree into result, one issue per leaf.
func addViolations(result *schema.ValidationResult, prefix string, err error) {
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError(joinPath(prefix, nil), schema.ErrCodeValidation, err.Error())
		return
	}
	if len(verr.Causes) == 0 {
		result.AddError(joinPath(prefix, verr.InstanceLocation), schema.ErrCodeValidation, leafMessage(verr))
		return
	}
	for _, cause := range verr.Causes {
		addViolations(result, prefix, cause)
	}
}

var printer = message.NewPrinter(language.English)

// leafMessage renders the keyword failure without the location prefix.
func leafMessage(verr *jsonschema.ValidationError) string {
	if verr.ErrorKind == nil {
		return verr.Error()
	}
	return verr.ErrorKind.LocalizedString(printer)
}

// joinPath renders an instance location as steps[0].agent style paths.
func joinPath(prefix string, loc []string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, seg := range loc {
		if isIndex(seg) {
			sb.WriteString("[" + seg + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(seg)
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
