package llm

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MustCompileSchema compiles a JSON Schema literal into a *jsonschema.Schema,
// panicking on a malformed schema. Schemas passed to this helper are
// compile-time constants (see FlowExtractionSchema/FindingSchema/
// ClusterGroupsSchema below), the same MustCompile-a-constant idiom this
// codebase already uses for regexes, so a panic here can only mean a bug in
// the schema literal itself, never bad runtime input.
func MustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic("llm: invalid schema literal " + name + ": " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic("llm: adding schema resource " + name + ": " + err.Error())
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic("llm: compiling schema " + name + ": " + err.Error())
	}
	return schema
}

// FlowExtractionSchema validates the {"flows":[{"name":"...","steps":[...]}]}
// shape spec.md section 6's flow-extraction prompt and section 4.D's
// AST/LLM fallback both produce.
var FlowExtractionSchema = MustCompileSchema("flow_extraction.json", `{
	"type": "object",
	"required": ["flows"],
	"properties": {
		"flows": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "steps"],
				"properties": {
					"name": {"type": "string"},
					"steps": {
						"type": "array",
						"items": {"type": "string"}
					}
				}
			}
		}
	}
}`)

// FindingRoundSchema validates a validator confirmation/analysis round's
// {"verdict":...,"confidence":...,"findings":[...]} response (spec.md
// section 4.H).
var FindingRoundSchema = MustCompileSchema("finding_round.json", `{
	"type": "object",
	"required": ["verdict", "confidence"],
	"properties": {
		"verdict": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"findings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title", "confidence"],
				"properties": {
					"title": {"type": "string"},
					"description": {"type": "string"},
					"severity": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"code_excerpt": {"type": "string"}
				}
			}
		}
	}
}`)

// TranslationSchema validates the result processor's optional translation
// pass's {"title":"...","description":"..."} response (spec.md section
// 4.I step 6).
var TranslationSchema = MustCompileSchema("translation.json", `{
	"type": "object",
	"required": ["title", "description"],
	"properties": {
		"title": {"type": "string"},
		"description": {"type": "string"}
	}
}`)

// ClusterGroupsSchema validates the result processor's clustering-round
// {"groups":[["id1","id2"],["id3"]]} response (spec.md section 4.I).
var ClusterGroupsSchema = MustCompileSchema("cluster_groups.json", `{
	"type": "object",
	"required": ["groups"],
	"properties": {
		"groups": {
			"type": "array",
			"items": {
				"type": "array",
				"items": {"type": "string"}
			}
		}
	}
}`)
