package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// planSchemaJSON is the JSON Schema for planner output validation.
// Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://steward.dev/schemas/plan.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "plan_version": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step_number", "description", "step_kind"],
      "properties": {
        "step_number": { "type": "integer", "minimum": 1 },
        "description": { "type": "string", "minLength": 1 },
        "assigned_worker": { "type": "string" },
        "step_kind": {
          "type": "string",
          "enum": ["research", "code", "database", "calculate", "chart", "think", "review"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "integer", "minimum": 1 }
        },
        "condition": { "type": "string" },
        "params": {}
      },
      "additionalProperties": false
    }
  }
}`

var planSchema = mustCompilePlanSchema()

func mustCompilePlanSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal plan schema: %v", err))
	}
	if err := c.AddResource("https://steward.dev/schemas/plan.json", doc); err != nil {
		panic(fmt.Sprintf("add plan schema resource: %v", err))
	}
	s, err := c.Compile("https://steward.dev/schemas/plan.json")
	if err != nil {
		panic(fmt.Sprintf("compile plan schema: %v", err))
	}
	return s
}

// ParsePlan validates raw planner output against the plan schema and
// decodes it. Planner models occasionally emit malformed or off-schema
// JSON; this is the single trust boundary for it.
func ParsePlan(raw []byte) (*Plan, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, NewErrorf(ErrKindValidation, "plan is not valid JSON: %s", err.Error()).WithCause(err)
	}
	if err := planSchema.Validate(doc); err != nil {
		return nil, NewErrorf(ErrKindValidation, "plan failed schema validation: %s", err.Error()).WithCause(err)
	}

	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, NewErrorf(ErrKindValidation, "decode plan: %s", err.Error()).WithCause(err)
	}

	// Step numbers must be contiguous starting at 1; dependencies must
	// point backwards.
	for i := range plan.Steps {
		st := &plan.Steps[i]
		if st.Number != i+1 {
			return nil, NewErrorf(ErrKindValidation,
				"step %d has step_number %d, expected %d", i, st.Number, i+1)
		}
		for _, dep := range st.DependsOn {
			if dep >= st.Number {
				return nil, NewErrorf(ErrKindValidation,
					"step %d depends on %d, which does not precede it", st.Number, dep)
			}
		}
	}
	return &plan, nil
}
