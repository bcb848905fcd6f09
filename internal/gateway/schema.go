package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldKind is the expected JSON type of a schema field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindArray  FieldKind = "array"
	KindObject FieldKind = "object"
)

// Field describes one expected field of a task's structured output.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// OutputSchema is the expected structured-output shape for a task. Schemas
// are deliberately small and closed: unknown fields are kept but never
// trusted, typed fields must match.
type OutputSchema struct {
	Fields []Field
	// TechniqueField names an array field of technique identifiers that
	// must be checked against the taxonomy.
	TechniqueField string
}

// Validate checks a parsed JSON object against the schema. It returns a
// joined detail string of every violation; an empty string means valid.
func (s *OutputSchema) Validate(obj map[string]any) string {
	var problems []string
	for _, f := range s.Fields {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if !kindMatches(f.Kind, v) {
			problems = append(problems, fmt.Sprintf("field %q: expected %s", f.Name, f.Kind))
		}
	}
	return strings.Join(problems, "; ")
}

func kindMatches(k FieldKind, v any) bool {
	switch k {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		_, ok := v.(float64)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindArray:
		_, ok := v.([]any)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// parseObject extracts the first JSON object from raw model text. Models
// occasionally wrap JSON in prose or fences despite instructions.
func parseObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "}"); i >= 0 {
		text = text[:i+1]
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("parse structured output: %w", err)
	}
	return obj, nil
}

// ExtractSchema is the expected output of the entity-extraction task.
var ExtractSchema = &OutputSchema{
	Fields: []Field{
		{Name: "entities", Kind: KindArray, Required: true},
		{Name: "summary", Kind: KindString, Required: false},
	},
}

// ClassifySchema is the expected output of the classification task.
var ClassifySchema = &OutputSchema{
	Fields: []Field{
		{Name: "classification", Kind: KindString, Required: true},
		{Name: "confidence", Kind: KindNumber, Required: true},
		{Name: "severity", Kind: KindString, Required: false},
		{Name: "techniques", Kind: KindArray, Required: false},
		{Name: "recommended_actions", Kind: KindArray, Required: false},
		{Name: "rationale", Kind: KindString, Required: false},
	},
	TechniqueField: "techniques",
}
