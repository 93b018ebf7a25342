package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "graph.json",
  "title": "Node Graph",
  "description": "Engine API-format graph: node id -> node",
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {
    "type": "object",
    "required": ["class_type", "inputs"],
    "properties": {
      "class_type": {"type": "string", "minLength": 1},
      "inputs": {"type": "object"},
      "_meta": {"type": "object"}
    }
  }
}`

func compileGraphSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("graph.json", strings.NewReader(graphSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add graph schema: %w", err)
	}
	schema, err := compiler.Compile("graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return schema, nil
}

// validateShape checks raw against the graph schema and returns a readable
// reason on failure.
func validateShape(schema *jsonschema.Schema, raw []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "invalid JSON: " + err.Error(), false
	}

	err := schema.Validate(doc)
	if err == nil {
		return "", true
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error(), false
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("not a node graph at %s: %s", loc, leaf.Message), false
}
