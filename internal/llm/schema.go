package llm

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON Schema for one structured response shape.
type Schema struct {
	name string
	s    *jsonschema.Schema
}

// MustCompileSchema compiles src or panics. Used for the fixed schemas below.
func MustCompileSchema(name, src string) *Schema {
	s, err := jsonschema.CompileString("https://temple-fair.local/schemas/"+name+".json", src)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return &Schema{name: name, s: s}
}

// Name returns the schema's short name.
func (s *Schema) Name() string { return s.name }

// Validate checks raw JSON against the schema.
func (s *Schema) Validate(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: %v: %w", s.name, err, ErrServiceMalformed)
	}
	if err := s.s.Validate(v); err != nil {
		return fmt.Errorf("%s: %v: %w", s.name, err, ErrServiceMalformed)
	}
	return nil
}

var (
	tradeSchema = MustCompileSchema("trade", `{
  "type": "object",
  "required": ["npcText"],
  "properties": {
    "npcText": {"type": "string", "minLength": 1},
    "finalPrice": {"type": "number", "minimum": 0},
    "canBuy": {"type": "boolean"},
    "isEnd": {"type": "boolean"}
  }
}`)

	replySchema = MustCompileSchema("reply", `{
  "type": "object",
  "required": ["touristText", "action"],
  "properties": {
    "touristText": {"type": "string"},
    "action": {"enum": ["buy", "bargain", "leave"]},
    "targetPrice": {"type": "number", "minimum": 0}
  }
}`)

	decisionSchema = MustCompileSchema("decision", `{
  "type": "object",
  "required": ["selectedNPC"],
  "properties": {
    "selectedNPC": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  }
}`)

	hawkingSchema = MustCompileSchema("hawking", `{
  "type": "object",
  "required": ["hawkingText"],
  "properties": {"hawkingText": {"type": "string", "minLength": 1}}
}`)

	nameSchema = MustCompileSchema("name", `{
  "type": "object",
  "required": ["name"],
  "properties": {"name": {"type": "string", "minLength": 1, "maxLength": 8}}
}`)

	blessingSchema = MustCompileSchema("blessing", `{
  "type": "object",
  "required": ["blessing"],
  "properties": {"blessing": {"type": "string", "minLength": 1}}
}`)

	blessingListSchema = MustCompileSchema("blessing_list", `{
  "type": "object",
  "required": ["blessings"],
  "properties": {
    "blessings": {"type": "array", "minItems": 1, "items": {"type": "string"}}
  }
}`)

	phraseArraySchema = MustCompileSchema("phrase_array", `{
  "type": "array",
  "minItems": 1,
  "items": {"type": "string"}
}`)
)
