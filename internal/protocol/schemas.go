package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://chunkanchor.ai/schemas/"

var schemaFiles = map[string]string{
	TypeHello:   "hello.schema.json",
	TypeCmd:     "cmd.schema.json",
	TypeMove:    "move.schema.json",
	TypeResult:  "result.schema.json",
	TypeOutline: "outline.schema.json",
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		for _, file := range schemaFiles {
			b, err := schemaFS.ReadFile("schemas/" + file)
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(schemaBase+file, bytes.NewReader(b)); err != nil {
				schemasErr = fmt.Errorf("add %s: %w", file, err)
				return
			}
		}
		out := make(map[string]*jsonschema.Schema, len(schemaFiles))
		for typ, file := range schemaFiles {
			s, err := c.Compile(schemaBase + file)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s: %w", file, err)
				return
			}
			out[typ] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Validate checks a raw message of the given type against its schema.
// Types without a schema are rejected.
func Validate(typ string, raw []byte) error {
	all, err := compileSchemas()
	if err != nil {
		return err
	}
	s, ok := all[typ]
	if !ok {
		return fmt.Errorf("no schema for message type %q", typ)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", strings.ToLower(typ), err)
	}
	return nil
}
