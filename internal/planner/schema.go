package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/leadops/internal/roles"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

func planSchema() string {
	quoted := make([]string, 0, len(roles.All()))
	for _, r := range roles.All() {
		quoted = append(quoted, fmt.Sprintf("%q", r))
	}
	return `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10,
      "items": {
        "type": "object",
        "required": ["role", "priority", "action"],
        "additionalProperties": false,
        "properties": {
          "role": {"type": "string", "enum": [` + strings.Join(quoted, ", ") + `]},
          "priority": {"type": "integer", "minimum": 1, "maximum": 10},
          "action": {"type": "string", "pattern": "^[a-z][a-z_]*$"},
          "input": {"type": "object"}
        }
      }
    }
  }
}`
}

// PlanValidator checks advisor output against the plan schema.
type PlanValidator struct {
	schema *jsonschema.Schema
}

func NewPlanValidator() (*PlanValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema()))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &PlanValidator{schema: schema}, nil
}

// Parse extracts the JSON object from text, validates it, and returns its
// tasks. Any failure rejects the whole plan.
func (v *PlanValidator) Parse(text string) ([]PlannedTask, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in advisor output")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	var out struct {
		Tasks []PlannedTask `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	for _, t := range out.Tasks {
		if !t.Role.IsTaskRole() {
			return nil, fmt.Errorf("unknown role %q", t.Role)
		}
	}
	return out.Tasks, nil
}

// extractJSON finds the JSON object in a model response: a ```json fence
// first, then the first balanced {...}.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := balancedObject(text[i:]); candidate != "" && json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}

// balancedObject returns the {...} prefix of s, honoring string escapes.
func balancedObject(s string) string {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
