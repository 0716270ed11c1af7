package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Avoid needing to ship the schema file separately
//
//go:embed schemas/hub_config_schema.json
var schemaFiles embed.FS

const schemaPath = "schemas/hub_config_schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		f, err := schemaFiles.Open(schemaPath)
		if err != nil {
			schemaErr = err
			return
		}
		defer f.Close()

		doc, err := jsonschema.UnmarshalJSON(f)
		if err != nil {
			schemaErr = fmt.Errorf("parse config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("embed://"+schemaPath, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("embed://" + schemaPath)
	})
	return compiledSchema, schemaErr
}

// validateSchema checks the merged settings tree. The tree is round-tripped through JSON so that
// YAML integers, defaults and flag values reach the validator as plain JSON values.
func validateSchema(settings map[string]any) error {
	sch, err := loadSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}

	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
