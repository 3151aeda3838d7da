package snapshot

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// documentSchema checks the shape of the file. Records are checked one at a
// time against recordSchema so a bad record does not sink the whole file.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "anchors.yml",
  "type": "object",
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "players": {
      "type": ["object", "null"],
      "additionalProperties": {"type": ["object", "null"]}
    }
  }
}`

// Policy is only required to be a string; unknown values are reset to
// DEFAULT by the store when it loads.
const recordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "anchor record",
  "type": "object",
  "required": ["world", "x", "z"],
  "properties": {
    "world": {"type": "string", "minLength": 1},
    "x": {"type": "integer"},
    "z": {"type": "integer"},
    "policy": {"type": "string"},
    "enabled": {"type": "boolean"}
  }
}`

var (
	schemaOnce sync.Once
	docSchema  *jsonschema.Schema
	recSchema  *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		docSchema, schemaErr = jsonschema.CompileString("https://chunkanchor.ai/schemas/anchors.schema.json", documentSchema)
		if schemaErr != nil {
			return
		}
		recSchema, schemaErr = jsonschema.CompileString("https://chunkanchor.ai/schemas/anchor-record.schema.json", recordSchema)
	})
	if schemaErr != nil {
		return nil, nil, fmt.Errorf("compile anchors schema: %w", schemaErr)
	}
	return docSchema, recSchema, nil
}

// Validate checks the structure of a raw anchors.yml document. Individual
// records are not checked here.
func Validate(raw []byte) error {
	doc, _, err := compiled()
	if err != nil {
		return err
	}
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("anchors.yml: %w", err)
	}
	v, err := jsonValue(tree)
	if err != nil {
		return fmt.Errorf("anchors.yml: %w", err)
	}
	if err := doc.Validate(v); err != nil {
		return fmt.Errorf("anchors.yml: %w", err)
	}
	return nil
}

func validateRecord(node *yaml.Node) error {
	_, rec, err := compiled()
	if err != nil {
		return err
	}
	var tree any
	if err := node.Decode(&tree); err != nil {
		return err
	}
	v, err := jsonValue(tree)
	if err != nil {
		return err
	}
	return rec.Validate(v)
}
